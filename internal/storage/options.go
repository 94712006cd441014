package storage

import "log/slog"

// PublishMode records how a file write reached its final path.
type PublishMode string

const (
	PublishAtomic  PublishMode = "atomic"
	PublishCopy    PublishMode = "copy"
	PublishDirect  PublishMode = "direct"
	PublishSkipped PublishMode = "skipped"
)

// Option configures FileStore and SettingsStore. Options that make no sense
// for a backend are ignored by it.
type Option interface {
	applyFile(*FileStore)
	applySettings(*SettingsStore)
}

type optionAdapter struct {
	file     func(*FileStore)
	settings func(*SettingsStore)
}

func (o optionAdapter) applyFile(store *FileStore) {
	if o.file != nil && store != nil {
		o.file(store)
	}
}

func (o optionAdapter) applySettings(store *SettingsStore) {
	if o.settings != nil && store != nil {
		o.settings(store)
	}
}

// WithLogger sets the logger for load and write diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return optionAdapter{
		file: func(s *FileStore) {
			if logger != nil {
				s.logger = logger
			}
		},
		settings: func(s *SettingsStore) {
			if logger != nil {
				s.logger = logger
			}
		},
	}
}

// WithPublishObserver is called after every file write with the mode used.
func WithPublishObserver(observe func(PublishMode)) Option {
	return optionAdapter{
		file: func(s *FileStore) {
			s.observe = observe
		},
	}
}
