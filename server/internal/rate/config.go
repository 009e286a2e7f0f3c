package rate

import (
	"fmt"
	"os"
	"time"
)

const (
	storeTypeMemory = "memory"
	storeTypeRedis  = "redis"

	defaultRedisKeyPrefix   = "generate3d:rate:"
	defaultRedisDialTimeout = 5 * time.Second
)

// Config configures per-client limits on the generation endpoint.
//
// A client may send Burst requests back to back and then Rate requests per
// Period.
type Config struct {
	Enable bool `yaml:"enable"`

	// StoreType is "memory" (default, per replica) or "redis" (shared).
	StoreType string            `yaml:"storeType"`
	Redis     *RedisStoreConfig `yaml:"redis"`

	Rate   int           `yaml:"rate"`
	Period time.Duration `yaml:"period"`
	Burst  int           `yaml:"burst"`

	// TrustForwardedFor keys clients on the first X-Forwarded-For address.
	// Enable it only behind a proxy that sets the header.
	TrustForwardedFor bool `yaml:"trustForwardedFor"`
}

// gcraParams returns the emission interval and the burst tolerance in seconds.
func (c *Config) gcraParams() (interval, burstOffset float64) {
	interval = c.Period.Seconds() / float64(c.Rate)
	return interval, float64(c.Burst) * interval
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.Rate <= 0 || c.Period <= 0 || c.Burst <= 0 {
		return fmt.Errorf("rate, period and burst must be greater than 0")
	}

	switch c.StoreType {
	case "":
		c.StoreType = storeTypeMemory
	case storeTypeMemory:
	case storeTypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis must be set for the redis store")
		}
		if err := c.Redis.validate(); err != nil {
			return fmt.Errorf("redis: %s", err)
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.StoreType)
	}
	return nil
}

// RedisStoreConfig is the configuration of the Redis store.
type RedisStoreConfig struct {
	// Address is host:port.
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	// Password is read from REDIS_PASSWORD.
	Password string `yaml:"-"`
	Database int    `yaml:"database"`

	// KeyPrefix namespaces the limiter keys when the Redis is shared.
	KeyPrefix   string        `yaml:"keyPrefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	EnableTLS   bool          `yaml:"enableTls"`
}

func (c *RedisStoreConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultRedisKeyPrefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultRedisDialTimeout
	}
	if p, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		c.Password = p
	}
	return nil
}
