package storage

import (
	"context"
	"fmt"
	"log/slog"

	"lightpoll/internal/channels"
	"lightpoll/internal/settings"
)

// ConnectionsScope is the settings scope holding connection records.
const ConnectionsScope = "lightpoll:connections"

// SettingsStore keeps the authoritative binary encoding of each connection in
// a settings backend, keyed by identifier.
type SettingsStore struct {
	store  settings.Store
	logger *slog.Logger
}

// NewSettingsStore wraps a settings backend.
func NewSettingsStore(store settings.Store, opts ...Option) *SettingsStore {
	s := &SettingsStore{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt.applySettings(s)
	}
	return s
}

func (s *SettingsStore) Load(ctx context.Context, id string) *channels.Set {
	raw, ok, err := s.store.Get(ctx, ConnectionsScope, id)
	if err != nil {
		s.logger.Warn("load connection failed", "connection_id", id, "error", err)
		return channels.New()
	}
	if !ok {
		return channels.New()
	}
	set, err := channels.Decode(raw)
	if err != nil {
		s.logger.Warn("discarding unreadable connection record", "connection_id", id, "error", err)
		return channels.New()
	}
	return set
}

func (s *SettingsStore) Write(ctx context.Context, id string, set *channels.Set) error {
	data, err := set.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode connection: %w", err)
	}
	if err := s.store.Set(ctx, ConnectionsScope, id, data); err != nil {
		return fmt.Errorf("store connection: %w", err)
	}
	return nil
}

func (s *SettingsStore) Delete(ctx context.Context, id string) error {
	if err := s.store.Unset(ctx, ConnectionsScope, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *SettingsStore) DeleteAll(ctx context.Context) error {
	n, err := s.store.UnsetPrefix(ctx, ConnectionsScope, "")
	if err != nil {
		return fmt.Errorf("delete connections: %w", err)
	}
	s.logger.Info("connections flushed", "removed", n)
	return nil
}
