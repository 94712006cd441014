// Command pollsvc serves connection payloads, published connection files and
// the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lightpoll/internal/api"
	"lightpoll/internal/app"
	"lightpoll/internal/config"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/observability/metrics"
	"lightpoll/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "pollsvc:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.Lookup, stdout io.Writer, ready chan<- struct{}) error {
	fs := flag.NewFlagSet("pollsvc", flag.ContinueOnError)
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Resolve(flags, lookup)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Writer = stdout
	logger := logging.Init(logCfg)
	recorder := metrics.Default()

	a, err := app.Open(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("close settings store failed", "error", err)
		}
	}()

	authorizer, err := cfg.Authorizer()
	if err != nil {
		return err
	}
	handler := api.NewHandler(a.Service, authorizer, logger)
	for name, check := range a.Checks() {
		handler.Checks[name] = check
	}

	srvCfg := server.Config{
		Addr:        cfg.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.TLS.Cert, KeyFile: cfg.TLS.Key},
		PublicPath:  cfg.Public.Path,
		DynamicPath: cfg.Public.DynamicPath,
		CORS:        server.CORSConfig{Origins: cfg.CORS.Origins},
		Logger:      logger,
		Metrics:     recorder,
	}
	if a.Files != nil {
		srvCfg.PublicDir = cfg.Public.Dir
	}
	srv, err := server.New(handler, srvCfg)
	if err != nil {
		return err
	}

	logger.Info("pollsvc starting",
		"storage_mode", cfg.Storage.Mode,
		"settings_driver", cfg.Settings.Driver,
		"auth_mode", cfg.Auth.Mode,
		"public_path", cfg.Public.Path,
	)
	if err := srv.Run(ctx, cfg.ShutdownTimeout, ready); err != nil {
		return err
	}
	logger.Info("pollsvc stopped")
	return nil
}
