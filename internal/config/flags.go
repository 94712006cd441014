package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

var keyUsage = []struct {
	key   string
	usage string
}{
	{"addr", "HTTP listen address"},
	{"shutdown_timeout", "graceful shutdown timeout"},
	{"log.level", "log level (debug, info, warn, error)"},
	{"log.format", "log format (json or text)"},
	{"public.dir", "directory connection files are published to"},
	{"public.path", "URL path the publish directory is served under"},
	{"public.url", "URL prefix of connection files in payloads (defaults to public.path)"},
	{"public.layout", "publish directory layout (flat or sharded)"},
	{"public.dynamic_path", "URL path of rendered projections when no files are published"},
	{"storage.mode", "connection storage (file, settings or mirrored)"},
	{"storage.limit", "messages kept per channel"},
	{"settings.driver", "settings backend (memory, redis, postgres or sqlite)"},
	{"settings.redis.addr", "Redis address"},
	{"settings.redis.addrs", "comma separated Redis addresses"},
	{"settings.redis.username", "Redis username"},
	{"settings.redis.password", "Redis password"},
	{"settings.redis.master_name", "Redis sentinel master name"},
	{"settings.redis.prefix", "Redis key prefix"},
	{"settings.redis.pool_size", "maximum Redis connections"},
	{"settings.redis.dial_timeout", "Redis dial timeout"},
	{"settings.redis.read_timeout", "Redis read timeout"},
	{"settings.redis.write_timeout", "Redis write timeout"},
	{"settings.redis.tls.ca", "path to Redis TLS CA certificate"},
	{"settings.redis.tls.cert", "path to Redis TLS client certificate"},
	{"settings.redis.tls.key", "path to Redis TLS client key"},
	{"settings.redis.tls.server_name", "override Redis TLS server name"},
	{"settings.redis.tls.skip_verify", "skip Redis TLS verification"},
	{"settings.postgres.dsn", "Postgres connection string"},
	{"settings.postgres.max_conns", "maximum connections in the Postgres pool"},
	{"settings.postgres.connect_timeout", "Postgres connect timeout"},
	{"settings.sqlite.path", "SQLite database file"},
	{"secret.env", "environment variable holding the site secret"},
	{"secret.file", "file holding the site secret"},
	{"auth.mode", "authorization mode (open or token)"},
	{"auth.secret", "HS256 secret for access tokens"},
	{"tls.cert", "path to TLS certificate file"},
	{"tls.key", "path to TLS private key file"},
	{"cors.origins", "comma separated origins allowed to call the server cross-origin"},
}

// Keys lists every dotted configuration key.
func Keys() []string {
	keys := make([]string, len(keyUsage))
	for i, k := range keyUsage {
		keys[i] = k.key
	}
	return keys
}

// EnvName maps a key to its environment variable, e.g. storage.mode to
// LIGHTPOLL_STORAGE_MODE.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}

// FlagName maps a key to its flag, e.g. settings.redis.pool_size to
// settings-redis-pool-size.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// Flags holds the values of the configuration flags bound to a flag set.
type Flags struct {
	config string
	values map[string]*string
	keys   map[string]string
	visit  func(fn func(name string))
}

func newFlags() *Flags {
	return &Flags{values: make(map[string]*string), keys: make(map[string]string)}
}

// BindFlags registers --config and one flag per key on a standard flag set.
func BindFlags(fs *flag.FlagSet) *Flags {
	f := newFlags()
	fs.StringVar(&f.config, "config", "", "path to YAML config file")
	for _, k := range keyUsage {
		name := FlagName(k.key)
		f.keys[name] = k.key
		f.values[name] = fs.String(name, "", k.usage)
	}
	f.visit = func(fn func(string)) {
		fs.Visit(func(fl *flag.Flag) { fn(fl.Name) })
	}
	return f
}

// BindPFlags registers --config and one flag per key on a pflag set. The set
// may be a command's persistent flags: cobra parses those through the
// subcommand's merged set, so set flags are found through Changed on the
// shared *pflag.Flag rather than fs.Visit.
func BindPFlags(fs *pflag.FlagSet) *Flags {
	f := newFlags()
	fs.StringVar(&f.config, "config", "", "path to YAML config file")
	bound := make([]*pflag.Flag, 0, len(keyUsage))
	for _, k := range keyUsage {
		name := FlagName(k.key)
		f.keys[name] = k.key
		f.values[name] = fs.String(name, "", k.usage)
		bound = append(bound, fs.Lookup(name))
	}
	f.visit = func(fn func(string)) {
		for _, fl := range bound {
			if fl.Changed {
				fn(fl.Name)
			}
		}
	}
	return f
}

// ConfigPath returns the --config value, falling back to LIGHTPOLL_CONFIG.
func (f *Flags) ConfigPath(lookup Lookup) string {
	var env string
	if lookup != nil {
		env, _ = lookup(EnvConfigPath)
	}
	return firstNonEmpty(f.config, env)
}

// Apply copies every flag that was set on the command line into cfg.
func (f *Flags) Apply(cfg *Config) error {
	var firstErr error
	f.visit(func(name string) {
		key, ok := f.keys[name]
		if !ok || firstErr != nil {
			return
		}
		if err := cfg.Set(key, *f.values[name]); err != nil {
			firstErr = fmt.Errorf("--%s: %w", name, err)
		}
	})
	return firstErr
}

// Resolve loads the file and environment, applies flags and validates the
// result.
func Resolve(f *Flags, lookup Lookup) (Config, error) {
	path := ""
	if f != nil {
		path = f.ConfigPath(lookup)
	}
	cfg, err := Load(path, lookup)
	if err != nil {
		return Config{}, err
	}
	if f != nil {
		if err := f.Apply(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
