package filezoom

import (
	"time"

	"github.com/gobeaver/beaver-kit/config"
)

type Config struct {
	// Maximum number of operations running at once
	Workers int `env:"FILEZOOM_WORKERS,default:2"`

	// Size of one streamed copy chunk in bytes
	ChunkSize int `env:"FILEZOOM_CHUNK_SIZE,default:262144"`

	// Per-subscriber event channel capacity
	EventBuffer int `env:"FILEZOOM_EVENT_BUFFER,default:16"`

	// Walk sources before an operation starts to compute progress totals
	Prescan bool `env:"FILEZOOM_PRESCAN,default:true"`

	// Network backend connection handling
	ConnectTimeoutSeconds  int `env:"FILEZOOM_CONNECT_TIMEOUT_SECONDS,default:15"`
	ReconnectAttempts      int `env:"FILEZOOM_RECONNECT_ATTEMPTS,default:3"`
	ReconnectBackoffMillis int `env:"FILEZOOM_RECONNECT_BACKOFF_MILLIS,default:200"`

	// Logging
	LogLevel  string `env:"FILEZOOM_LOG_LEVEL,default:info"`
	LogFormat string `env:"FILEZOOM_LOG_FORMAT,default:console"`

	// YAML file with mount descriptors
	MountsFile string `env:"FILEZOOM_MOUNTS_FILE"`
}

// GetConfig returns config loaded from environment. beaver-kit prefixes
// every variable with BEAVER_, as in BEAVER_FILEZOOM_WORKERS.
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when the environment is not
// consulted.
func DefaultConfig() *Config {
	return &Config{
		Workers:                2,
		ChunkSize:              256 * 1024,
		EventBuffer:            16,
		Prescan:                true,
		ConnectTimeoutSeconds:  15,
		ReconnectAttempts:      3,
		ReconnectBackoffMillis: 200,
		LogLevel:               "info",
		LogFormat:              "console",
	}
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReconnectBackoff returns the initial reconnect wait as a duration.
func (c *Config) ReconnectBackoff() time.Duration {
	if c.ReconnectBackoffMillis <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.ReconnectBackoffMillis) * time.Millisecond
}
