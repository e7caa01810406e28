package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Client represents a Redis client.
type Client struct {
	rdb *redis.Client
}

// RDB returns the underlying Redis connection.
func (c *Client) RDB() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection for graceful shutdown.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MustNewClient creates a new Redis client.
func MustNewClient() *Client {
	host := viper.GetString("redis.host")
	port := viper.GetInt("redis.port")

	if host == "" {
		host = "redis"
	}
	if port == 0 {
		port = 6379
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: os.Getenv("FULFILLMENT_REDIS_PASSWORD"),
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}

	slog.Info("Redis connected", "host", host, "port", port)

	return &Client{
		rdb: rdb,
	}
}
