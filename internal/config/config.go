// Package config loads node settings from defaults, an optional config file
// and SESSIONSYNC_* environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"sessionsync/internal/logs"
)

const envPrefix = "SESSIONSYNC"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Buffer int    `mapstructure:"buffer"`
}

// RefreshConfig drives both refresh trackers of a node.
type RefreshConfig struct {
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	MaxIntervalSeconds int64         `mapstructure:"max_interval_seconds"`
	Tick               time.Duration `mapstructure:"tick"`
}

// ClusterConfig configures the gossip transport. An empty BindAddr runs the
// node standalone.
type ClusterConfig struct {
	BindAddr  string   `mapstructure:"bind_addr"`
	BindPort  int      `mapstructure:"bind_port"`
	Seeds     []string `mapstructure:"seeds"`
	SecretKey string   `mapstructure:"secret_key"`
	QueueSize int      `mapstructure:"queue_size"`
}

// RemoteConfig lists the base URLs of the other sites' HTTP APIs.
type RemoteConfig struct {
	Sites             []string      `mapstructure:"sites"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	// LastResort asks unhealthy sites when none is healthy.
	LastResort bool `mapstructure:"last_resort"`
}

type TTLConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	OfflineIdleTimeout time.Duration `mapstructure:"offline_idle_timeout"`
}

type Config struct {
	NodeID   string        `mapstructure:"node_id"`
	Site     string        `mapstructure:"site"`
	HTTPAddr string        `mapstructure:"http_addr"`
	Log      LogConfig     `mapstructure:"log"`
	Refresh  RefreshConfig `mapstructure:"refresh"`
	Cluster  ClusterConfig `mapstructure:"cluster"`
	Remote   RemoteConfig  `mapstructure:"remote"`
	TTL      TTLConfig     `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("site", "site-1")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.buffer", 1000)

	v.SetDefault("refresh.max_batch_size", 1000)
	v.SetDefault("refresh.max_interval_seconds", 60)
	v.SetDefault("refresh.tick", "1s")

	v.SetDefault("cluster.bind_addr", "")
	v.SetDefault("cluster.bind_port", 7946)
	v.SetDefault("cluster.seeds", []string{})
	v.SetDefault("cluster.secret_key", "")
	v.SetDefault("cluster.queue_size", 256)

	v.SetDefault("remote.sites", []string{})
	v.SetDefault("remote.fetch_timeout", "2s")
	v.SetDefault("remote.heartbeat_interval", "5s")
	v.SetDefault("remote.heartbeat_timeout", "1s")
	v.SetDefault("remote.last_resort", true)

	v.SetDefault("ttl.interval", "30s")
	v.SetDefault("ttl.idle_timeout", "30m")
	v.SetDefault("ttl.offline_idle_timeout", "720h")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Site == "":
		return errors.New("site must not be empty")
	case c.Refresh.MaxBatchSize <= 0:
		return errors.Errorf("refresh.max_batch_size must be positive, got %d", c.Refresh.MaxBatchSize)
	case c.Refresh.MaxIntervalSeconds <= 0:
		return errors.Errorf("refresh.max_interval_seconds must be positive, got %d", c.Refresh.MaxIntervalSeconds)
	case c.Refresh.Tick <= 0:
		return errors.New("refresh.tick must be positive")
	case c.TTL.Interval <= 0:
		return errors.New("ttl.interval must be positive")
	}
	if len(c.Remote.Sites) > 0 {
		switch {
		case c.Remote.HeartbeatInterval <= 0:
			return errors.New("remote.heartbeat_interval must be positive when remote.sites is set")
		case c.Remote.HeartbeatTimeout <= 0:
			return errors.New("remote.heartbeat_timeout must be positive when remote.sites is set")
		case c.Remote.FetchTimeout <= 0:
			return errors.New("remote.fetch_timeout must be positive when remote.sites is set")
		}
	}
	if _, ok := logs.ParseLevel(c.Log.Level); !ok {
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c Config) LogLevel() logs.Level {
	lvl, _ := logs.ParseLevel(c.Log.Level)
	return lvl
}
