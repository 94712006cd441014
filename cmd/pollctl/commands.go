package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"lightpoll/internal/access"
	"lightpoll/internal/app"
)

func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Close(cmd.Context()); err != nil {
		a.Logger.Warn("close settings store failed", "error", err)
	}
}

func writeJSONLine(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}

func newDeriveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "derive ID",
		Short: "Print the published file path of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			deriver, err := a.Deriver(cmd.Context())
			if err != nil {
				return err
			}
			p := deriver.Derive(args[0])
			return writeJSONLine(cmd, map[string]string{
				"id":   args[0],
				"mac":  deriver.MAC(args[0]),
				"path": p.Rel(),
				"file": p.File(),
				"url":  p.URL(a.Config.PublicURL()),
			})
		},
	}
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	var (
		message string
		at      int64
	)
	cmd := &cobra.Command{
		Use:   "ping ID CHANNEL",
		Short: "Ping a channel, optionally recording a JSON message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message != "" && !json.Valid([]byte(message)) {
				return errors.New("--message must be valid JSON")
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			id, channel := args[0], strings.TrimSpace(args[1])
			if message != "" {
				return a.Service.AddMessage(cmd.Context(), id, channel, json.RawMessage(message))
			}
			var when time.Time
			if at > 0 {
				when = time.Unix(at, 0)
			}
			return a.Service.PingChannel(cmd.Context(), id, channel, when)
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "JSON message to prepend to the channel history")
	cmd.Flags().Int64Var(&at, "time", 0, "ping time in unix seconds (default now)")
	return cmd
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Delete every connection from the configured stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)
			return a.Service.Flush(cmd.Context())
		},
	}
}

func newRotateKeyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the filename key and flush every connection",
		Long: "Replace the filename key and flush every connection. Running servers keep " +
			"deriving paths with the key they loaded and must be restarted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)
			return a.RotateKey(cmd.Context())
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		connections []string
		admin       bool
		ttl         time.Duration
		subject     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with auth.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			authorizer, err := access.NewTokenAuthorizer([]byte(cfg.Auth.Secret))
			if err != nil {
				return fmt.Errorf("auth.secret: %w", err)
			}
			if len(connections) == 0 && !admin {
				return errors.New("grant at least one --connection or --admin")
			}
			claims := access.Claims{Connections: connections, Admin: admin}
			claims.Subject = subject
			now := time.Now()
			claims.IssuedAt = jwt.NewNumericDate(now)
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			token, err := authorizer.Issue(claims)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&connections, "connection", nil, `connection ids the token grants ("*" for all)`)
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin API")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject recorded in the token")
	return cmd
}
