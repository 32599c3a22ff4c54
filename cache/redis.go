package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/eschnou/sunorooms/config"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the process-wide Redis client.
var RedisClient *redis.Client

// NewClient builds a Redis client from the configuration without connecting.
func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// ConnectRedis initialises RedisClient and pings it.
func ConnectRedis(cfg *config.Config) error {
	RedisClient = NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := RedisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// CloseRedis closes RedisClient.
func CloseRedis() error {
	if RedisClient != nil {
		return RedisClient.Close()
	}
	return nil
}

// TestRedis runs a set/get/del round trip against RedisClient.
func TestRedis(ctx context.Context) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	const key = "sunorooms:test_key"
	const want = "Redis connection successful!"

	if err := RedisClient.Set(ctx, key, want, 5*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key: %w", err)
	}

	val, err := RedisClient.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get Redis key: %w", err)
	}
	if val != want {
		return fmt.Errorf("unexpected value from Redis: got %s", val)
	}

	if err := RedisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete Redis key: %w", err)
	}
	return nil
}
