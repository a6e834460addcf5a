package server

import (
	"context"
	"fmt"
	"log/slog"

	"devicefarm/internal/config"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施；Docker 在 mock 模式下为 nil，Redis 未配置时为 nil
type Dependency struct {
	Docker *client.Client
	Redis  *redis.Client
	Logger *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	deps := &Dependency{Logger: logger}

	if !cfg.Farm.IsMock {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if _, err := dockerClient.Ping(ctx); err != nil {
			dockerClient.Close()
			return nil, fmt.Errorf("docker ping: %w", err)
		}
		deps.Docker = dockerClient
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			deps.Close()
			return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
		}
		deps.Redis = redisClient
	}

	return deps, nil
}

func (d *Dependency) Close() {
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
