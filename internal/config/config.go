// Package config resolves lightpoll configuration from defaults, a YAML file,
// LIGHTPOLL_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lightpoll/internal/access"
	"lightpoll/internal/filename"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/secrets"
	"lightpoll/internal/settings"
	"lightpoll/internal/storage"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "LIGHTPOLL_"

// EnvConfigPath names the YAML file when --config is not given.
const EnvConfigPath = EnvPrefix + "CONFIG"

// DefaultSecretEnv holds the site secret unless secret.env says otherwise.
const DefaultSecretEnv = EnvPrefix + "SITE_SECRET"

type Config struct {
	Addr            string         `yaml:"addr"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Log             LogConfig      `yaml:"log"`
	Public          PublicConfig   `yaml:"public"`
	Storage         StorageConfig  `yaml:"storage"`
	Settings        SettingsConfig `yaml:"settings"`
	Secret          SecretConfig   `yaml:"secret"`
	Auth            AuthConfig     `yaml:"auth"`
	TLS             TLSConfig      `yaml:"tls"`
	CORS            CORSConfig     `yaml:"cors"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PublicConfig struct {
	// Dir is where connection files are published.
	Dir string `yaml:"dir"`
	// Path is the URL path the server serves Dir under.
	Path string `yaml:"path"`
	// URL prefixes file paths in payloads. Defaults to Path.
	URL    string `yaml:"url"`
	Layout string `yaml:"layout"`
	// DynamicPath serves projections when no files are published.
	DynamicPath string `yaml:"dynamic_path"`
}

type StorageConfig struct {
	Mode  string `yaml:"mode"`
	Limit int    `yaml:"limit"`
}

type SettingsConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr         string         `yaml:"addr"`
	Addrs        []string       `yaml:"addrs"`
	Username     string         `yaml:"username"`
	Password     string         `yaml:"password"`
	MasterName   string         `yaml:"master_name"`
	Prefix       string         `yaml:"prefix"`
	PoolSize     int            `yaml:"pool_size"`
	DialTimeout  time.Duration  `yaml:"dial_timeout"`
	ReadTimeout  time.Duration  `yaml:"read_timeout"`
	WriteTimeout time.Duration  `yaml:"write_timeout"`
	TLS          RedisTLSConfig `yaml:"tls"`
}

type RedisTLSConfig struct {
	CA         string `yaml:"ca"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	ServerName string `yaml:"server_name"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int           `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type SecretConfig struct {
	// Env names the variable holding the site secret.
	Env  string `yaml:"env"`
	File string `yaml:"file"`
}

type AuthConfig struct {
	Mode   string `yaml:"mode"`
	Secret string `yaml:"secret"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// CORSConfig lists cross-origin pages allowed to poll.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		Log:             LogConfig{Level: "info", Format: string(logging.FormatJSON)},
		Public: PublicConfig{
			Dir:         "data/public",
			Path:        "/pub",
			Layout:      string(filename.LayoutSharded),
			DynamicPath: "/connections",
		},
		Storage:  StorageConfig{Mode: storage.ModeFile},
		Settings: SettingsConfig{Driver: settings.DriverMemory, SQLite: SQLiteConfig{Path: "data/settings.db"}},
		Secret:   SecretConfig{Env: DefaultSecretEnv},
		Auth:     AuthConfig{Mode: access.ModeOpen},
	}
}

// Lookup reads an environment variable. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// Load starts from Default, merges the YAML file at path when path is not
// empty and then applies environment overrides.
func Load(path string, lookup Lookup) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup Lookup) error {
	if lookup == nil {
		return nil
	}
	for _, key := range Keys() {
		value, ok := lookup(EnvName(key))
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := c.Set(key, value); err != nil {
			return fmt.Errorf("%s: %w", EnvName(key), err)
		}
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.Storage.Mode) {
	case storage.ModeFile, storage.ModeSettings, storage.ModeMirrored:
	default:
		return fmt.Errorf("unsupported storage.mode %q", c.Storage.Mode)
	}
	if c.Storage.Limit < 0 {
		return fmt.Errorf("storage.limit must not be negative")
	}
	if c.UsesFiles() && strings.TrimSpace(c.Public.Dir) == "" {
		return fmt.Errorf("public.dir is required for storage.mode %q", c.Storage.Mode)
	}
	if _, err := filename.ParseLayout(c.Public.Layout); err != nil {
		return err
	}
	switch strings.ToLower(c.Settings.Driver) {
	case "", settings.DriverMemory, settings.DriverRedis, settings.DriverPostgres, settings.DriverSQLite:
	default:
		return fmt.Errorf("unsupported settings.driver %q", c.Settings.Driver)
	}
	if _, err := access.New(c.Auth.Mode, []byte(c.Auth.Secret)); err != nil {
		return err
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// UsesFiles reports whether connections are published as files.
func (c Config) UsesFiles() bool {
	mode := strings.ToLower(c.Storage.Mode)
	return mode == storage.ModeFile || mode == storage.ModeMirrored
}

// PublicURL is the prefix of file URLs in payloads.
func (c Config) PublicURL() string {
	if c.Public.URL != "" {
		return c.Public.URL
	}
	return c.Public.Path
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// SettingsBackend returns the settings store configuration.
func (c Config) SettingsBackend() settings.Config {
	r := c.Settings.Redis
	return settings.Config{
		Driver: c.Settings.Driver,
		Redis: settings.RedisConfig{
			Addr:         r.Addr,
			Addrs:        r.Addrs,
			Username:     r.Username,
			Password:     r.Password,
			MasterName:   r.MasterName,
			KeyPrefix:    r.Prefix,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
			PoolSize:     r.PoolSize,
			TLS: settings.RedisTLSConfig{
				CAFile:             r.TLS.CA,
				CertFile:           r.TLS.Cert,
				KeyFile:            r.TLS.Key,
				ServerName:         r.TLS.ServerName,
				InsecureSkipVerify: r.TLS.SkipVerify,
			},
		},
		Postgres: settings.PostgresConfig{
			DSN:            c.Settings.Postgres.DSN,
			MaxConns:       int32(c.Settings.Postgres.MaxConns),
			ConnectTimeout: c.Settings.Postgres.ConnectTimeout,
		},
		SQLitePath: c.Settings.SQLite.Path,
	}
}

// SecretSource reads the site secret from secret.file, falling back to the
// variable named by secret.env.
func (c Config) SecretSource() secrets.Source {
	var chain secrets.Chain
	if c.Secret.File != "" {
		chain = append(chain, secrets.FileSource{Path: c.Secret.File})
	}
	name := c.Secret.Env
	if name == "" {
		name = DefaultSecretEnv
	}
	return append(chain, secrets.EnvSource{Var: name})
}

// Authorizer builds the configured authorizer.
func (c Config) Authorizer() (access.Authorizer, error) {
	return access.New(c.Auth.Mode, []byte(c.Auth.Secret))
}

// Set assigns one dotted key from its string form.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	r := &c.Settings.Redis
	var err error
	switch key {
	case "addr":
		c.Addr = value
	case "shutdown_timeout":
		c.ShutdownTimeout, err = parseDuration(value)
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	case "public.dir":
		c.Public.Dir = value
	case "public.path":
		c.Public.Path = value
	case "public.url":
		c.Public.URL = value
	case "public.layout":
		c.Public.Layout = value
	case "public.dynamic_path":
		c.Public.DynamicPath = value
	case "storage.mode":
		c.Storage.Mode = value
	case "storage.limit":
		c.Storage.Limit, err = parseInt(value)
	case "settings.driver":
		c.Settings.Driver = value
	case "settings.redis.addr":
		r.Addr = value
	case "settings.redis.addrs":
		r.Addrs = splitAndTrim(value)
	case "settings.redis.username":
		r.Username = value
	case "settings.redis.password":
		r.Password = value
	case "settings.redis.master_name":
		r.MasterName = value
	case "settings.redis.prefix":
		r.Prefix = value
	case "settings.redis.pool_size":
		r.PoolSize, err = parseInt(value)
	case "settings.redis.dial_timeout":
		r.DialTimeout, err = parseDuration(value)
	case "settings.redis.read_timeout":
		r.ReadTimeout, err = parseDuration(value)
	case "settings.redis.write_timeout":
		r.WriteTimeout, err = parseDuration(value)
	case "settings.redis.tls.ca":
		r.TLS.CA = value
	case "settings.redis.tls.cert":
		r.TLS.Cert = value
	case "settings.redis.tls.key":
		r.TLS.Key = value
	case "settings.redis.tls.server_name":
		r.TLS.ServerName = value
	case "settings.redis.tls.skip_verify":
		r.TLS.SkipVerify, err = strconv.ParseBool(value)
	case "settings.postgres.dsn":
		c.Settings.Postgres.DSN = value
	case "settings.postgres.max_conns":
		c.Settings.Postgres.MaxConns, err = parseInt(value)
	case "settings.postgres.connect_timeout":
		c.Settings.Postgres.ConnectTimeout, err = parseDuration(value)
	case "settings.sqlite.path":
		c.Settings.SQLite.Path = value
	case "secret.env":
		c.Secret.Env = value
	case "secret.file":
		c.Secret.File = value
	case "auth.mode":
		c.Auth.Mode = value
	case "auth.secret":
		c.Auth.Secret = value
	case "tls.cert":
		c.TLS.Cert = value
	case "tls.key":
		c.TLS.Key = value
	case "cors.origins":
		c.CORS.Origins = splitAndTrim(value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

func parseInt(value string) (int, error) {
	return strconv.Atoi(value)
}

func parseDuration(value string) (time.Duration, error) {
	return time.ParseDuration(value)
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
