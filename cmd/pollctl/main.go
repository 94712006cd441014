// Command pollctl operates a lightpoll deployment: it mutates connections
// through the configured stores, manages the filename key, issues access
// tokens and watches connections the way a browser page would.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lightpoll/internal/app"
	"lightpoll/internal/config"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/observability/metrics"
)

type rootOptions struct {
	flags  *config.Flags
	lookup config.Lookup
}

func (o *rootOptions) resolve() (config.Config, error) {
	return config.Resolve(o.flags, o.lookup)
}

// logger writes to the command's stderr so stdout stays machine readable.
func (o *rootOptions) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	logCfg := cfg.Logging()
	logCfg.Writer = cmd.ErrOrStderr()
	return logging.New(logCfg)
}

// openApp resolves the configuration and opens the stores it names.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}
	return app.Open(cmd.Context(), cfg, o.logger(cmd, cfg), metrics.New())
}

func newRootCommand(lookup config.Lookup) *cobra.Command {
	opts := &rootOptions{lookup: lookup}
	root := &cobra.Command{
		Use:           "pollctl",
		Short:         "Operate lightpoll connections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.flags = config.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newWatchCommand(opts),
		newDeriveCommand(opts),
		newPingCommand(opts),
		newFlushCommand(opts),
		newRotateKeyCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

func execute(ctx context.Context, args []string, lookup config.Lookup, stdout, stderr io.Writer) error {
	root := newRootCommand(lookup)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "pollctl:", err)
		os.Exit(1)
	}
}
