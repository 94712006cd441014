package filename

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"lightpoll/internal/secrets"
	"lightpoll/internal/settings"
)

// Settings location of the persisted key.
const (
	SettingsScope = "lightpoll"
	SettingsKey   = "filename_key"
)

// KeySize is the length of generated filename keys.
const KeySize = 32

const hkdfInfo = "lightpoll filename key"

// Provisioner loads the filename key from settings, creating it on first use.
// The key is derived from the site secret once and then kept; changing the
// site secret later does not move published files.
type Provisioner struct {
	store  settings.Store
	secret secrets.Source
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	key   []byte
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithLogger sets the logger used for key lifecycle events.
func WithLogger(logger *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the clock used to salt new keys.
func WithClock(now func() time.Time) ProvisionerOption {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvisioner returns a provisioner backed by store. secret may be nil, in
// which case new keys come from crypto/rand alone.
func NewProvisioner(store settings.Store, secret secrets.Source, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		store:  store,
		secret: secret,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the filename key, loading or creating it on first call.
func (p *Provisioner) Key(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()
	if key != nil {
		return key, nil
	}
	v, err, _ := p.group.Do("key", func() (interface{}, error) {
		p.mu.RLock()
		cached := p.key
		p.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		loaded, err := p.loadOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.key = loaded
		p.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Deriver builds a Deriver using the provisioned key.
func (p *Provisioner) Deriver(ctx context.Context, dir string, layout Layout) (*Deriver, error) {
	key, err := p.Key(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeriver(key, dir, layout)
}

// Rotate replaces the stored key. Every previously published path becomes
// unreachable, so callers flush all connections afterwards.
func (p *Provisioner) Rotate(ctx context.Context) ([]byte, error) {
	key, err := p.generate(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.store.Set(ctx, SettingsScope, SettingsKey, []byte(base64.StdEncoding.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("store filename key: %w", err)
	}
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()
	p.logger.Info("filename key rotated")
	return key, nil
}

func (p *Provisioner) loadOrCreate(ctx context.Context) ([]byte, error) {
	key, ok, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return key, nil
	}
	key, err = p.generate(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.store.Set(ctx, SettingsScope, SettingsKey, []byte(base64.StdEncoding.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("store filename key: %w", err)
	}
	// Another process may have raced us; whatever is stored now wins.
	stored, ok, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		key = stored
	}
	p.logger.Info("filename key created")
	return key, nil
}

func (p *Provisioner) load(ctx context.Context) ([]byte, bool, error) {
	raw, ok, err := p.store.Get(ctx, SettingsScope, SettingsKey)
	if err != nil {
		return nil, false, fmt.Errorf("load filename key: %w", err)
	}
	if !ok || len(raw) == 0 {
		return nil, false, nil
	}
	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, false, fmt.Errorf("decode filename key: %w", err)
	}
	if len(key) == 0 {
		return nil, false, nil
	}
	return key, true, nil
}

func (p *Provisioner) generate(ctx context.Context) ([]byte, error) {
	var ikm []byte
	if p.secret != nil {
		secret, err := p.secret.SiteSecret(ctx)
		switch {
		case err == nil:
			ikm = secret
		case secrets.IsNotFound(err):
			p.logger.Warn("site secret not configured, filename key is random", "error", err)
		default:
			return nil, fmt.Errorf("read site secret: %w", err)
		}
	}
	if len(ikm) == 0 {
		ikm = make([]byte, KeySize)
		if _, err := rand.Read(ikm); err != nil {
			return nil, fmt.Errorf("generate filename key: %w", err)
		}
	}
	salt := []byte(strconv.FormatInt(p.now().UnixNano(), 10))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive filename key: %w", err)
	}
	return key, nil
}
