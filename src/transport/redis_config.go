package transport

import (
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisURL matches the backend's own Redis setting.
const DefaultRedisURL = "redis://localhost:6379/0"

// DefaultRedisChannel is the pub/sub channel backend workers publish events on.
const DefaultRedisChannel = "safecon:events"

// RedisConfig selects the Redis server and channel for the pub/sub transport.
type RedisConfig struct {
	// URL is redis://[user:password@]host:port/db. When set it wins over
	// Addr, Password and DB.
	URL      string
	Addr     string
	Password string
	DB       int
	Channel  string
}

// DefaultRedisConfig points at the backend's default Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{URL: DefaultRedisURL, Channel: DefaultRedisChannel}
}

// RedisConfigFromEnv reads REDIS_URL, the same variable the backend uses.
// REDIS_ADDR, REDIS_PASSWORD and REDIS_DB select a server field by field
// and replace the URL. REALTIME_REDIS_CHANNEL overrides the channel.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.URL = ""
		cfg.Addr = v
		cfg.Password = os.Getenv("REDIS_PASSWORD")
		if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
			cfg.DB = db
		}
	}
	if v := os.Getenv("REALTIME_REDIS_CHANNEL"); v != "" {
		cfg.Channel = v
	}
	return cfg
}

// Options builds go-redis client options.
func (c *RedisConfig) Options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if c.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}, nil
}
