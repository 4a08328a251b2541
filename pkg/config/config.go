// Package config loads client configuration from a YAML file and
// SURREALPOOL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full client configuration tree.
type Config struct {
	// Endpoints lists the RPC endpoints the pool spreads its
	// connections over. A single entry is the common case.
	Endpoints []string

	Namespace string
	Database  string

	Username string
	Password string
	Token    string

	// RequestTimeout bounds every RPC round-trip.
	RequestTimeout time.Duration

	Pool    PoolConfig
	Breaker BreakerConfig
}

type PoolConfig struct {
	Size                int
	HealthCheckInterval time.Duration
	ReconnectDelay      time.Duration
	FailureThreshold    int
}

type BreakerConfig struct {
	Enabled               bool
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	SlowCallDuration      time.Duration
	MinimumSamples        int
	WindowSize            int
	OpenTimeout           time.Duration
	HalfOpenMaxCalls      int
}

// Load reads configuration from path, or from surrealpool.yaml in the
// working directory or ./configs when path is empty. Environment
// variables override file values: pool.size becomes SURREALPOOL_POOL_SIZE.
// A missing file is only an error when a path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("surrealpool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("SURREALPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoints", []string{"ws://localhost:8000/rpc"})
	v.SetDefault("requesttimeout", 30*time.Second)

	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.healthcheckinterval", 15*time.Second)
	v.SetDefault("pool.reconnectdelay", 2*time.Second)
	v.SetDefault("pool.failurethreshold", 3)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failureratethreshold", 0.5)
	v.SetDefault("breaker.slowcallratethreshold", 1.0)
	v.SetDefault("breaker.slowcallduration", 5*time.Second)
	v.SetDefault("breaker.minimumsamples", 10)
	v.SetDefault("breaker.windowsize", 100)
	v.SetDefault("breaker.opentimeout", 30*time.Second)
	v.SetDefault("breaker.halfopenmaxcalls", 3)
}

// Validate rejects configurations that cannot work at all.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, ep := range c.Endpoints {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return fmt.Errorf("endpoint %q: scheme must be ws or wss", ep)
		}
	}
	if c.Namespace == "" || c.Database == "" {
		return errors.New("namespace and database are required")
	}
	if c.Pool.Size <= 0 {
		return errors.New("pool.size must be positive")
	}
	if c.Breaker.FailureRateThreshold < 0 || c.Breaker.FailureRateThreshold > 1 {
		return errors.New("breaker.failureratethreshold must be within [0, 1]")
	}
	if c.Breaker.SlowCallRateThreshold < 0 || c.Breaker.SlowCallRateThreshold > 1 {
		return errors.New("breaker.slowcallratethreshold must be within [0, 1]")
	}
	return nil
}
