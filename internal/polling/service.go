// Package polling runs read-modify-write transactions against connection
// channel sets and renders the payloads clients bootstrap from.
package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"lightpoll/internal/channels"
	"lightpoll/internal/filename"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/storage"
)

// MaxIdentifierLength bounds connection identifiers in bytes.
const MaxIdentifierLength = 256

// Transaction outcomes reported to the Recorder.
const (
	OutcomeCommitted = "committed"
	OutcomeElided    = "elided"
	OutcomeAborted   = "aborted"
)

var (
	// ErrInvalidIdentifier is returned before any state is loaded when an
	// identifier is empty, too long, not UTF-8 or contains control characters.
	ErrInvalidIdentifier = errors.New("invalid connection identifier")
	// ErrInvalidChannel is returned for an empty or malformed channel name.
	ErrInvalidChannel = errors.New("invalid channel name")
	// ErrNoCycle is returned when the context carries no request cycle.
	ErrNoCycle = errors.New("no request cycle on context")
	// ErrNestedTransaction is returned when a transaction is opened on a
	// connection the calling transaction already holds.
	ErrNestedTransaction = errors.New("nested transaction on connection")
)

// Recorder receives service metrics.
type Recorder interface {
	ObserveTransaction(outcome string)
	ObserveStoreWrite(backend string, err error)
	ObservePayload(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveTransaction(string)       {}
func (noopRecorder) ObserveStoreWrite(string, error) {}
func (noopRecorder) ObservePayload(string)           {}

// Config wires a Service.
type Config struct {
	// Store persists connections. Required.
	Store storage.ConnectionStore
	// Files, when set, is read to render payloads from the published file.
	Files *storage.FileStore
	// PublicURL prefixes published file paths in payloads.
	PublicURL string
	// DynamicURL prefixes the projection endpoint used in payloads when no
	// file store is configured.
	DynamicURL string
	// StorageLimit bounds message histories; zero selects the default.
	StorageLimit int
	Logger       *slog.Logger
	Metrics      Recorder
	Clock        func() time.Time
	// LockShards sizes the per-identifier lock table.
	LockShards int
}

// Service is the connection transaction engine.
type Service struct {
	store      storage.ConnectionStore
	files      *storage.FileStore
	backend    string
	publicURL  string
	dynamicURL string
	limit      int
	logger     *slog.Logger
	metrics    Recorder
	now        func() time.Time
	locks      *lockTable
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("polling: connection store is required")
	}
	s := &Service{
		store:      cfg.Store,
		files:      cfg.Files,
		backend:    storage.BackendName(cfg.Store),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		dynamicURL: strings.TrimRight(cfg.DynamicURL, "/"),
		limit:      cfg.StorageLimit,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,
		locks:      newLockTable(cfg.LockShards),
	}
	if s.limit <= 0 {
		s.limit = channels.DefaultStorageLimit
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = noopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.dynamicURL == "" {
		s.dynamicURL = "/connections"
	}
	return s, nil
}

// ValidateIdentifier reports whether id can name a connection.
func ValidateIdentifier(id string) error {
	if id == "" || len(id) > MaxIdentifierLength || !utf8.ValidString(id) {
		return ErrInvalidIdentifier
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return ErrInvalidIdentifier
		}
	}
	return nil
}

// ValidateChannel reports whether name can name a channel.
func ValidateChannel(name string) error {
	if strings.TrimSpace(name) == "" || !utf8.ValidString(name) {
		return ErrInvalidChannel
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidChannel
		}
	}
	return nil
}

// UseConnection loads the connection, hands it to mutate and persists it when
// mutate changed anything. A mutate error aborts the transaction without a
// write. Persistence failures are logged and counted, not returned: the
// published file is a best-effort projection.
//
// Transactions on one identifier are serialized in-process and the lock is
// not reentrant. mutate may open transactions on other connections; it must
// pass on the context it is given, so that a transaction on a connection
// already held fails with ErrNestedTransaction instead of blocking.
func (s *Service) UseConnection(ctx context.Context, id string, mutate func(context.Context, *channels.Set) error) (*channels.Set, error) {
	if err := ValidateIdentifier(id); err != nil {
		return nil, err
	}
	if holdsConnection(ctx, id) {
		s.metrics.ObserveTransaction(OutcomeAborted)
		return nil, fmt.Errorf("%w %q", ErrNestedTransaction, id)
	}
	unlock := s.locks.lock(id)
	defer unlock()

	set := s.store.Load(ctx, id)
	set.SetClock(s.now)
	revision := set.Revision()

	if mutate != nil {
		if err := mutate(withHeldConnection(ctx, id), set); err != nil {
			s.metrics.ObserveTransaction(OutcomeAborted)
			return nil, err
		}
	}
	if set.Revision() == revision {
		s.metrics.ObserveTransaction(OutcomeElided)
		return set, nil
	}

	err := s.store.Write(ctx, id, set)
	s.metrics.ObserveStoreWrite(s.backend, err)
	if err != nil {
		logging.WithContext(logging.ContextWithConnectionID(ctx, id), s.logger).
			Warn("persist connection failed", "backend", s.backend, "error", err)
	}
	s.metrics.ObserveTransaction(OutcomeCommitted)
	return set, nil
}

// InitConnection makes sure the connection has been persisted at least once so
// clients find a file to poll.
func (s *Service) InitConnection(ctx context.Context, id string) (*channels.Set, error) {
	return s.UseConnection(ctx, id, func(_ context.Context, set *channels.Set) error {
		if set.TimeModified().IsZero() {
			set.Touch()
		}
		return nil
	})
}

// RequestConnection records that the current page wants to poll id.
func (s *Service) RequestConnection(ctx context.Context, id string) error {
	if err := ValidateIdentifier(id); err != nil {
		return err
	}
	cycle, ok := CycleFrom(ctx)
	if !ok {
		return ErrNoCycle
	}
	cycle.Add(id)
	return nil
}

// RequestedConnections lists the identifiers requested in the current cycle.
func (s *Service) RequestedConnections(ctx context.Context) []string {
	cycle, ok := CycleFrom(ctx)
	if !ok {
		return nil
	}
	return cycle.IDs()
}

// ConnectionFile returns the published path of id. It reports false when no
// file store is configured or id is invalid. The store is not consulted.
func (s *Service) ConnectionFile(id string) (filename.Path, bool) {
	if s.files == nil || ValidateIdentifier(id) != nil {
		return filename.Path{}, false
	}
	return s.files.Path(id), true
}

// PingChannel records activity on a channel. A zero at means now.
func (s *Service) PingChannel(ctx context.Context, id, channel string, at time.Time) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := s.UseConnection(ctx, id, func(_ context.Context, set *channels.Set) error {
		set.Ping(channel, at)
		return nil
	})
	return err
}

// AddChannel makes a channel visible to clients before its first ping.
func (s *Service) AddChannel(ctx context.Context, id, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := s.UseConnection(ctx, id, func(_ context.Context, set *channels.Set) error {
		set.AddChannel(channel)
		return nil
	})
	return err
}

// AddMessage prepends message to the channel history and pings it.
func (s *Service) AddMessage(ctx context.Context, id, channel string, message any) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := s.UseConnection(ctx, id, func(_ context.Context, set *channels.Set) error {
		return set.AddMessage(channel, message, s.limit)
	})
	return err
}

// DeleteChannel stops tracking a channel.
func (s *Service) DeleteChannel(ctx context.Context, id, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := s.UseConnection(ctx, id, func(_ context.Context, set *channels.Set) error {
		set.DeleteChannel(channel)
		return nil
	})
	return err
}

// DeleteConnection removes every trace of a connection.
func (s *Service) DeleteConnection(ctx context.Context, id string) error {
	if err := ValidateIdentifier(id); err != nil {
		return err
	}
	if holdsConnection(ctx, id) {
		return fmt.Errorf("%w %q", ErrNestedTransaction, id)
	}
	unlock := s.locks.lock(id)
	defer unlock()
	return s.store.Delete(ctx, id)
}

// Flush removes every connection.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.store.DeleteAll(ctx); err != nil {
		return err
	}
	s.logger.Info("all connections flushed", "backend", s.backend)
	return nil
}
