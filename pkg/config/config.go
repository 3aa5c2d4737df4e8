// Package config provides YAML-based configuration loading for slotgate.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the gateway instance
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Identity controls the gateway cryptographic identity used for the
    // QUIC client certificate.
    Identity IdentityConfig `mapstructure:"identity"`

    // RPC holds the inbound submission API settings
    RPC RPCConfig `mapstructure:"rpc"`

    // Feed holds the leader/topology update feed settings
    Feed FeedConfig `mapstructure:"feed"`

    // Pool holds connection pool settings
    Pool PoolConfig `mapstructure:"pool"`

    // Dispatch holds fan-out and backpressure settings
    Dispatch DispatchConfig `mapstructure:"dispatch"`

    // Store holds pending-transaction store / rebroadcast settings
    Store StoreConfig `mapstructure:"store"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// RPCConfig defines the inbound JSON-RPC listener.
type RPCConfig struct {
    // Listen address for the HTTP JSON-RPC server, e.g. ":8899"
    Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "slotgate",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/slotgate.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Identity: IdentityConfig{Alg: "ed25519"},
        RPC:      RPCConfig{Listen: ":8899"},
        Feed: FeedConfig{
            Transport:        "quic",
            BackoffInitialMS: 500,
            BackoffMaxMS:     30000,
            BackoffJitterMS:  100,
        },
        Pool: PoolConfig{
            Transport:      "quic",
            MaxSessions:    1024,
            IdleTimeoutMS:  30000,
            FailCooldownMS: 2000,
        },
        Dispatch: DispatchConfig{
            FanoutSlots:        3,
            RetryBudget:        2,
            AttemptTimeoutMS:   500,
            MaxInflight:        2048,
            StalenessCeilingMS: 2000,
        },
        Store: StoreConfig{
            MaxAgeMS:        60000,
            RetryIntervalMS: 1000,
            MaxRetries:      5,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SLOTGATE and `.`/`-` are replaced with `_`.
// Example: SLOTGATE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("SLOTGATE")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Identity defaults
    v.SetDefault("identity.alg", cfg.Identity.Alg)
    v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
    v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
    // RPC defaults
    v.SetDefault("rpc.listen", cfg.RPC.Listen)
    // Feed defaults
    v.SetDefault("feed.transport", cfg.Feed.Transport)
    v.SetDefault("feed.endpoints", cfg.Feed.Endpoints)
    v.SetDefault("feed.backoff_initial_ms", cfg.Feed.BackoffInitialMS)
    v.SetDefault("feed.backoff_max_ms", cfg.Feed.BackoffMaxMS)
    v.SetDefault("feed.backoff_jitter_ms", cfg.Feed.BackoffJitterMS)
    // Pool defaults
    v.SetDefault("pool.transport", cfg.Pool.Transport)
    v.SetDefault("pool.max_sessions", cfg.Pool.MaxSessions)
    v.SetDefault("pool.idle_timeout_ms", cfg.Pool.IdleTimeoutMS)
    v.SetDefault("pool.fail_cooldown_ms", cfg.Pool.FailCooldownMS)
    // Dispatch defaults
    v.SetDefault("dispatch.fanout_slots", cfg.Dispatch.FanoutSlots)
    v.SetDefault("dispatch.retry_budget", cfg.Dispatch.RetryBudget)
    v.SetDefault("dispatch.attempt_timeout_ms", cfg.Dispatch.AttemptTimeoutMS)
    v.SetDefault("dispatch.max_inflight", cfg.Dispatch.MaxInflight)
    v.SetDefault("dispatch.staleness_ceiling_ms", cfg.Dispatch.StalenessCeilingMS)
    // Store defaults
    v.SetDefault("store.max_age_ms", cfg.Store.MaxAgeMS)
    v.SetDefault("store.retry_interval_ms", cfg.Store.RetryIntervalMS)
    v.SetDefault("store.max_retries", cfg.Store.MaxRetries)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("SLOTGATE_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `slotgate`
        v.SetConfigName("slotgate")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".slotgate"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.RPC.Listen) == "" {
        c.RPC.Listen = ":8899"
    }
    c.Feed.Transport = strings.ToLower(strings.TrimSpace(c.Feed.Transport))
    c.Pool.Transport = strings.ToLower(strings.TrimSpace(c.Pool.Transport))
    if c.Pool.MaxSessions <= 0 {
        return fmt.Errorf("pool.max_sessions must be positive, got %d", c.Pool.MaxSessions)
    }
    if c.Dispatch.FanoutSlots <= 0 {
        return fmt.Errorf("dispatch.fanout_slots must be positive, got %d", c.Dispatch.FanoutSlots)
    }
    if c.Dispatch.MaxInflight <= 0 {
        return fmt.Errorf("dispatch.max_inflight must be positive, got %d", c.Dispatch.MaxInflight)
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
