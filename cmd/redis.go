package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/cache"
	"github.com/eschnou/sunorooms/logger"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Check the Redis connection",
	Long:  `Connect to Redis and run a set/get/del round trip. Needed when CHANNEL_BACKEND=redis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Redis: %s, DB: %d\n", cfg.RedisAddr(), cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer func() {
			if err := cache.CloseRedis(); err != nil {
				logger.Warn("Failed to close Redis", logger.ErrorField(err))
			}
		}()
		fmt.Println("Connected.")

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := cache.TestRedis(ctx); err != nil {
			return fmt.Errorf("redis round trip: %w", err)
		}
		fmt.Println("Round trip OK.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
