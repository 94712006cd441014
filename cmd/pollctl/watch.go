package main

import (
	"errors"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"lightpoll/internal/poller"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		base        string
		connections []string
		channel     string
		token       string
		initial     time.Duration
		target      time.Duration
		minimum     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll connections and print every channel update as a JSON line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if base == "" {
				return errors.New("--base is required")
			}
			if len(connections) == 0 {
				return errors.New("at least one --connection is required")
			}
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			logger := opts.logger(cmd, cfg)
			ctx := cmd.Context()

			client, err := poller.NewClient(base, nil,
				poller.WithLogger(logger),
				poller.WithBearerToken(token),
				poller.WithDelays(initial, target, minimum),
			)
			if err != nil {
				return err
			}
			defer client.Stop()
			if err := client.Bootstrap(ctx, connections...); err != nil {
				return err
			}

			var mu sync.Mutex
			client.OnChannelUpdate(channel, func(u poller.Update) {
				mu.Lock()
				defer mu.Unlock()
				if err := writeJSONLine(cmd, u); err != nil {
					logger.Warn("write update failed", "error", err)
				}
			})

			watching := 0
			for _, id := range connections {
				if _, err := client.GetConnection(ctx, id); err != nil {
					logger.Warn("connection unavailable", "connection_id", id, "error", err)
					continue
				}
				watching++
			}
			if watching == 0 {
				return errors.New("no connection could be watched")
			}
			logger.Info("watching", "connections", watching, "channel", channel)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base URL of the lightpoll server")
	cmd.Flags().StringSliceVar(&connections, "connection", nil, "connection id to watch (repeatable)")
	cmd.Flags().StringVar(&channel, "channel", "", "only print updates of this channel")
	cmd.Flags().StringVar(&token, "token", "", "bearer token sent with every request")
	cmd.Flags().DurationVar(&initial, "initial-delay", 10*time.Second, "delay before the first poll")
	cmd.Flags().DurationVar(&target, "target-delay", time.Minute, "delay polling relaxes towards")
	cmd.Flags().DurationVar(&minimum, "min-delay", 3*time.Second, "shortest delay a server suggestion may set")
	return cmd
}
