// Package config loads relayd's server and client settings from the
// environment, layered under cobra flag defaults the way the teacher's CLI
// commands seed their own env-backed configs before parsing flags on top.
//
// This package has no teacher analogue — cmd/devopsclaw's config loader
// lived in a pkg/config that the retrieval pack did not include — so it is
// built fresh, reusing the teacher's actual dependency for the job:
// caarlos0/env/v11.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig holds every knob cmd/relayd's serve command exposes.
type ServerConfig struct {
	Addr              string        `env:"RELAYD_ADDR" envDefault:"127.0.0.1:6500"`
	MetricsAddr       string        `env:"RELAYD_METRICS_ADDR" envDefault:""`
	HeartbeatInterval time.Duration `env:"RELAYD_HEARTBEAT_INTERVAL" envDefault:"5s"`
	LostProbeLimit    int           `env:"RELAYD_LOST_PROBE_LIMIT" envDefault:"3"`
	ReloadGrace       time.Duration `env:"RELAYD_RELOAD_GRACE" envDefault:"30s"`
	IdempotencyTTL    time.Duration `env:"RELAYD_IDEMPOTENCY_TTL" envDefault:"60s"`
	QueueCapacity     int           `env:"RELAYD_QUEUE_CAPACITY" envDefault:"0"`
	RequestTimeout    time.Duration `env:"RELAYD_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"RELAYD_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel          string        `env:"RELAYD_LOG_LEVEL" envDefault:"info"`
}

// LoadServerConfig reads a ServerConfig from the environment. Callers layer
// cobra flag values on top of the returned struct for anything the user
// passed explicitly; env vars only supply defaults flags didn't override.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// ClientConfig holds cmd/relayctl's settings.
type ClientConfig struct {
	RelayAddr    string        `env:"RELAYCTL_ADDR" envDefault:"127.0.0.1:6500"`
	DialTimeout  time.Duration `env:"RELAYCTL_DIAL_TIMEOUT" envDefault:"5s"`
	RetryBudget  time.Duration `env:"RELAYCTL_RETRY_BUDGET" envDefault:"30s"`
	LogLevel     string        `env:"RELAYCTL_LOG_LEVEL" envDefault:"warn"`
}

// LoadClientConfig reads a ClientConfig from the environment.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}
