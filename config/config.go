// Package config reads the settings of the tessera command from flags,
// environment variables and .env files, and builds the logger and backend
// they describe.
package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/memory"
	"github.com/asaidimu/go-tessera/sqlite"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable, e.g. TESSERA_DATA_PATH.
const EnvPrefix = "tessera"

// Keys, shared by flags and environment variables.
const (
	KeyBackend      = "backend"
	KeyDataPath     = "data-path"
	KeyLogLevel     = "log-level"
	KeyBusyTimeout  = "busy-timeout"
	KeyTablePrefix  = "table-prefix"
	KeySyncOnCommit = "sync-on-commit"
)

// Config is the resolved configuration.
type Config struct {
	// Backend is "memory" or "sqlite".
	Backend string
	// DataPath is the sqlite database file, or the memory dump file. An
	// empty path keeps a memory backend purely in memory.
	DataPath     string
	LogLevel     string
	BusyTimeout  time.Duration
	TablePrefix  string
	SyncOnCommit bool
}

// LoadEnvFiles loads .env.local and .env from dir into the environment.
// Variables already set are kept, so the local file goes first. Missing
// files are ignored.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(filepath.Join(dir, ".env.local"))
	_ = godotenv.Load(filepath.Join(dir, ".env"))
}

// New returns a viper instance with the defaults set and the environment
// bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBackend, memory.Name)
	v.SetDefault(KeyDataPath, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyBusyTimeout, sqlite.DefaultBusyTimeout)
	v.SetDefault(KeyTablePrefix, "")
	v.SetDefault(KeySyncOnCommit, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterFlags adds one flag per key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyBackend, memory.Name, "storage backend (memory, sqlite)")
	fs.String(KeyDataPath, "", "database file for sqlite, dump file for memory")
	fs.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.Duration(KeyBusyTimeout, sqlite.DefaultBusyTimeout, "how long sqlite waits on a lock held elsewhere")
	fs.String(KeyTablePrefix, "", "prefix for every table the sqlite backend creates")
	fs.Bool(KeySyncOnCommit, false, "write the memory dump file on every commit")
}

// Load resolves the configuration from v. Flags in fs, when given, take
// precedence over the environment.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, errors.Wrap(err, "binding flags")
		}
	}
	cfg := Config{
		Backend:      strings.ToLower(v.GetString(KeyBackend)),
		DataPath:     v.GetString(KeyDataPath),
		LogLevel:     v.GetString(KeyLogLevel),
		BusyTimeout:  v.GetDuration(KeyBusyTimeout),
		TablePrefix:  v.GetString(KeyTablePrefix),
		SyncOnCommit: v.GetBool(KeySyncOnCommit),
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration names a usable backend.
func (c Config) Validate() error {
	switch c.Backend {
	case memory.Name:
		if c.SyncOnCommit && c.DataPath == "" {
			return errors.Newf("%s needs %s", KeySyncOnCommit, KeyDataPath)
		}
	case sqlite.Name:
		if c.DataPath == "" {
			return errors.Newf("the sqlite backend needs %s", KeyDataPath)
		}
	default:
		return errors.Newf("unknown backend %q (expected memory or sqlite)", c.Backend)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid %s", KeyLogLevel)
	}
	return nil
}

// NewLogger builds a logger at level. Debug gets the development encoder,
// everything else the production one.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", KeyLogLevel)
	}
	var config zap.Config
	if lvl == zapcore.DebugLevel {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.TimeKey = "timestamp"
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}

// OpenBackend opens the backend c describes.
func (c Config) OpenBackend(ctx context.Context, logger *zap.Logger) (backend.Backend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case sqlite.Name:
		b, err := sqlite.Open(ctx, sqlite.Options{
			Path:        c.DataPath,
			BusyTimeout: c.BusyTimeout,
			TablePrefix: c.TablePrefix,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		b, err := memory.Open(memory.Options{
			Path:         c.DataPath,
			SyncOnCommit: c.SyncOnCommit,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
