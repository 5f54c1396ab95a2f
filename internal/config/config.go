// Package config loads server configuration from weft.yaml with
// environment variable overrides (WEFT_ prefix).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string
	// DBPath is the SQLite database path. ":memory:" runs ephemeral.
	DBPath string

	// SSEHeartbeat is the idle ping period for SSE streams.
	SSEHeartbeat time.Duration
	// WatchInterval is the poll period for watch streams. Zero keeps the
	// watch package default.
	WatchInterval time.Duration

	// QueuePollInterval is the idle dequeue sleep for /queue/listen.
	QueuePollInterval time.Duration

	// ExpirySweepInterval is how often expired entries are purged.
	ExpirySweepInterval time.Duration
	// LeaseSweepInterval is how often expired queue leases are recovered.
	LeaseSweepInterval time.Duration
	// MetricsFlushInterval is how often in-memory op metrics are
	// persisted.
	MetricsFlushInterval time.Duration

	// GatewayManifest is the path to the piercing gateway fragment
	// manifest. Empty disables the gateway.
	GatewayManifest string
}

// Load reads configuration. An explicit path is required to exist; with
// an empty path, weft.yaml is searched in the working directory and is
// optional. Environment variables override file values, e.g.
// WEFT_SERVER_LISTEN or WEFT_DB_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("weft")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", ":4512")
	v.SetDefault("server.sse-heartbeat", 15*time.Second)
	v.SetDefault("server.watch-interval", 0)
	v.SetDefault("db.path", "weft.db")
	v.SetDefault("queue.poll-interval", time.Second)
	v.SetDefault("sweep.expiry-interval", time.Minute)
	v.SetDefault("sweep.lease-interval", 15*time.Second)
	v.SetDefault("metrics.flush-interval", 30*time.Second)
	v.SetDefault("gateway.manifest", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Listen:               v.GetString("server.listen"),
		DBPath:               v.GetString("db.path"),
		SSEHeartbeat:         v.GetDuration("server.sse-heartbeat"),
		WatchInterval:        v.GetDuration("server.watch-interval"),
		QueuePollInterval:    v.GetDuration("queue.poll-interval"),
		ExpirySweepInterval:  v.GetDuration("sweep.expiry-interval"),
		LeaseSweepInterval:   v.GetDuration("sweep.lease-interval"),
		MetricsFlushInterval: v.GetDuration("metrics.flush-interval"),
		GatewayManifest:      v.GetString("gateway.manifest"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db.path must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"server.sse-heartbeat":   c.SSEHeartbeat,
		"queue.poll-interval":    c.QueuePollInterval,
		"sweep.expiry-interval":  c.ExpirySweepInterval,
		"sweep.lease-interval":   c.LeaseSweepInterval,
		"metrics.flush-interval": c.MetricsFlushInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.WatchInterval < 0 {
		return fmt.Errorf("config: server.watch-interval must not be negative")
	}
	return nil
}
