package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/config"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/ratelimit"
	redisClient "agent-relay/pkg/redis"
	"agent-relay/pkg/server"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("instance_id", cfg.InstanceID).Info("Starting agent relay")

	m := metrics.NewMetrics()

	// Counters default to in-process memory; redis keeps them across restarts.
	var counters ratelimit.CounterStore
	if cfg.RateLimitBackend == "redis" {
		redisConfig := redisClient.DefaultConnectionConfig()
		redisConfig.URL = cfg.RedisURL

		redis, err := redisClient.NewClient(redisConfig, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()

		counters = ratelimit.NewRedisCounters(redis.Raw())
	}

	service := server.NewService(cfg, logger, m, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("Agent relay shutdown complete")
}
