// Package storage persists connection channel sets. A ConnectionStore either
// keeps the authoritative encoding in a settings backend, publishes the client
// projection as a static JSON file, or mirrors one into the other.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lightpoll/internal/channels"
)

// ConnectionStore loads and persists the channel set of one connection.
type ConnectionStore interface {
	// Load never fails: missing or unreadable state yields an empty set.
	Load(ctx context.Context, id string) *channels.Set
	// Write persists set. Readers observe either the old or the new state.
	Write(ctx context.Context, id string, set *channels.Set) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

// ErrNotWritable is returned when a published file or its directory cannot be
// written.
var ErrNotWritable = errors.New("connection file not writable")

// Storage modes accepted by Select.
const (
	ModeFile     = "file"
	ModeSettings = "settings"
	ModeMirrored = "mirrored"
)

// Select builds the store for a configured mode. Mirrored mode keeps the
// settings copy authoritative and republishes files from it.
func Select(mode string, settingsStore *SettingsStore, files *FileStore) (ConnectionStore, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeFile:
		if files == nil {
			return nil, fmt.Errorf("storage mode %q requires a file store", ModeFile)
		}
		return files, nil
	case ModeSettings:
		if settingsStore == nil {
			return nil, fmt.Errorf("storage mode %q requires a settings store", ModeSettings)
		}
		return settingsStore, nil
	case ModeMirrored:
		if settingsStore == nil || files == nil {
			return nil, fmt.Errorf("storage mode %q requires settings and file stores", ModeMirrored)
		}
		return NewMirrored(settingsStore, files), nil
	default:
		return nil, fmt.Errorf("unsupported storage mode %q", mode)
	}
}

// BackendName returns a short label for a store, used in logs and metrics.
func BackendName(store ConnectionStore) string {
	switch store.(type) {
	case nil:
		return "none"
	case *FileStore:
		return "file"
	case *SettingsStore:
		return "settings"
	case *Mirrored:
		return "mirrored"
	default:
		return fmt.Sprintf("%T", store)
	}
}
