package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Capacity  CapacityConfig
	Breaker   BreakerConfig
	Selector  SelectorConfig
	Monitor   MonitorConfig
	Alerting  AlertingConfig
	Authority AuthorityConfig
}

type ServerConfig struct {
	Port      string
	Mode      string
	JWTSecret string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL string
}

type CapacityConfig struct {
	// WindowWidth is the trailing interval summed on every capacity check.
	WindowWidth time.Duration
	// BucketSize is the counter granularity inside the window.
	BucketSize time.Duration
	// CacheReadDiscount scales cache-read token volume before it is counted.
	CacheReadDiscount float64
	// FailOpen controls behavior when the counter store is unreachable:
	// true admits traffic, false rejects it.
	FailOpen     bool
	CheckTimeout time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

type SelectorConfig struct {
	Strategy string
	// CapacityFloor is the minimum remaining-capacity fraction for the
	// capacity_random strategy.
	CapacityFloor float64
}

type MonitorConfig struct {
	SyncInterval       time.Duration
	WarningThreshold   float64
	CriticalThreshold  float64
	ExhaustedThreshold float64
}

type AlertingConfig struct {
	Cooldown   time.Duration
	WebhookURL string
	Channel    string
}

type AuthorityConfig struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
	// RequestsPerSecond bounds the reconciliation sweep against the admin API.
	RequestsPerSecond float64
	Burst             int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("CREDPOOL")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("capacity.windowwidth", "60s")
	viper.SetDefault("capacity.bucketsize", "1s")
	viper.SetDefault("capacity.cachereaddiscount", 0.1)
	viper.SetDefault("capacity.failopen", true)
	viper.SetDefault("capacity.checktimeout", "2s")
	viper.SetDefault("breaker.failurethreshold", 5)
	viper.SetDefault("breaker.successthreshold", 3)
	viper.SetDefault("breaker.recoverytimeout", "60s")
	viper.SetDefault("selector.strategy", "round_robin")
	viper.SetDefault("selector.capacityfloor", 0.2)
	viper.SetDefault("monitor.syncinterval", "5m")
	viper.SetDefault("monitor.warningthreshold", 80)
	viper.SetDefault("monitor.criticalthreshold", 95)
	viper.SetDefault("monitor.exhaustedthreshold", 100)
	viper.SetDefault("alerting.cooldown", "15m")
	viper.SetDefault("alerting.channel", "ops-quota")
	viper.SetDefault("authority.requesttimeout", "10s")
	viper.SetDefault("authority.requestspersecond", 5)
	viper.SetDefault("authority.burst", 10)

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if url := os.Getenv("AUTHORITY_URL"); url != "" {
		cfg.Authority.URL = url
	}
	if key := os.Getenv("AUTHORITY_API_KEY"); key != "" {
		cfg.Authority.APIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Capacity.CacheReadDiscount < 0 || c.Capacity.CacheReadDiscount >= 1.0 {
		return fmt.Errorf("capacity.cachereaddiscount must be in [0, 1), got %v", c.Capacity.CacheReadDiscount)
	}
	if c.Capacity.BucketSize <= 0 || c.Capacity.WindowWidth < c.Capacity.BucketSize {
		return fmt.Errorf("capacity window %v must cover at least one bucket of %v", c.Capacity.WindowWidth, c.Capacity.BucketSize)
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be >= 1")
	}
	if c.Monitor.WarningThreshold >= c.Monitor.CriticalThreshold ||
		c.Monitor.CriticalThreshold > c.Monitor.ExhaustedThreshold {
		return fmt.Errorf("monitor thresholds must be ascending: warning < critical <= exhausted")
	}
	return nil
}
