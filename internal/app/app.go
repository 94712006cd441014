// Package app assembles the stores and the polling service from a resolved
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"lightpoll/internal/api"
	"lightpoll/internal/config"
	"lightpoll/internal/filename"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/observability/metrics"
	"lightpoll/internal/polling"
	"lightpoll/internal/settings"
	"lightpoll/internal/storage"
)

// App is a wired set of stores and the service on top of them.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Settings settings.Store
	Keys     *filename.Provisioner
	// Files is nil unless connections are published as files.
	Files   *storage.FileStore
	Store   storage.ConnectionStore
	Service *polling.Service
}

// Open connects the settings backend, provisions the filename key when files
// are published and builds the connection store selected by storage.mode.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}

	backend, err := settings.Open(ctx, cfg.SettingsBackend())
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  recorder,
		Settings: backend,
		Keys:     filename.NewProvisioner(backend, cfg.SecretSource(), filename.WithLogger(logging.WithComponent(logger, "filename"))),
	}

	storeLogger := logging.WithComponent(logger, "storage")
	if cfg.UsesFiles() {
		if isMemoryDriver(cfg.Settings.Driver) {
			logger.Warn("filename key is kept in memory; published paths change on restart", "settings_driver", settings.DriverMemory)
		}
		deriver, err := a.Deriver(ctx)
		if err != nil {
			a.closeSettings(ctx)
			return nil, err
		}
		a.Files = storage.NewFileStore(deriver,
			storage.WithLogger(storeLogger),
			storage.WithPublishObserver(func(mode storage.PublishMode) { recorder.ObservePublish(string(mode)) }),
		)
	}

	var settingsStore *storage.SettingsStore
	if mode := strings.ToLower(cfg.Storage.Mode); mode == storage.ModeSettings || mode == storage.ModeMirrored {
		settingsStore = storage.NewSettingsStore(backend, storage.WithLogger(storeLogger))
	}
	a.Store, err = storage.Select(strings.ToLower(cfg.Storage.Mode), settingsStore, a.Files)
	if err != nil {
		a.closeSettings(ctx)
		return nil, err
	}

	a.Service, err = polling.New(polling.Config{
		Store:        a.Store,
		Files:        a.Files,
		PublicURL:    cfg.PublicURL(),
		DynamicURL:   cfg.Public.DynamicPath,
		StorageLimit: cfg.Storage.Limit,
		Logger:       logging.WithComponent(logger, "polling"),
		Metrics:      recorder,
	})
	if err != nil {
		a.closeSettings(ctx)
		return nil, err
	}
	return a, nil
}

func isMemoryDriver(driver string) bool {
	driver = strings.ToLower(strings.TrimSpace(driver))
	return driver == "" || driver == settings.DriverMemory
}

// Deriver derives published paths with the provisioned key.
func (a *App) Deriver(ctx context.Context) (*filename.Deriver, error) {
	layout, err := filename.ParseLayout(a.Config.Public.Layout)
	if err != nil {
		return nil, err
	}
	deriver, err := a.Keys.Deriver(ctx, a.Config.Public.Dir, layout)
	if err != nil {
		return nil, fmt.Errorf("provision filename key: %w", err)
	}
	return deriver, nil
}

// RotateKey replaces the filename key and flushes every connection, since
// files published under the old key can no longer be found.
func (a *App) RotateKey(ctx context.Context) error {
	if _, err := a.Keys.Rotate(ctx); err != nil {
		return err
	}
	return a.Service.Flush(ctx)
}

// Checks returns the health probes of the configured backends.
func (a *App) Checks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"settings": func(ctx context.Context) error {
			_, _, err := a.Settings.Get(ctx, filename.SettingsScope, filename.SettingsKey)
			return err
		},
	}
	if a.Files != nil {
		dir := a.Config.Public.Dir
		checks["files"] = func(context.Context) error {
			info, err := os.Stat(dir)
			if errors.Is(err, os.ErrNotExist) {
				// Created on first publish.
				return nil
			}
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			return nil
		}
	}
	return checks
}

// Close releases the settings backend.
func (a *App) Close(ctx context.Context) error {
	return a.Settings.Close(ctx)
}

func (a *App) closeSettings(ctx context.Context) {
	if err := a.Settings.Close(ctx); err != nil {
		a.Logger.Warn("close settings store failed", "error", err)
	}
}
