// Package redis backs the presence registry with Redis sets so multiple
// service instances agree on who is online. Keys carry a TTL refreshed on
// every add; a crashed instance's connections age out instead of pinning
// users online forever.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kelmah/messaging-service/internal/config"
	registrypresence "github.com/kelmah/messaging-service/internal/registry/presence"
	"github.com/redis/go-redis/v9"
)

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context) (registrypresence.Registry, error) {
			cfg := config.FromContext(ctx)
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis URL: %w", err)
			}
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("failed to ping redis: %w", err)
			}
			return &Registry{client: client, ttl: cfg.PresenceTTL}, nil
		},
	})
}

// Registry stores one set of connection ids per user.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func key(userID string) string {
	return "presence:user:" + userID
}

func (r *Registry) Add(ctx context.Context, userID, connID string) (bool, error) {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key(userID), connID)
	card := pipe.SCard(ctx, key(userID))
	if r.ttl > 0 {
		pipe.Expire(ctx, key(userID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() == 1, nil
}

func (r *Registry) Remove(ctx context.Context, userID, connID string) (bool, error) {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, key(userID), connID)
	card := pipe.SCard(ctx, key(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() == 0, nil
}

func (r *Registry) Online(ctx context.Context, userID string) (bool, error) {
	card, err := r.client.SCard(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return card > 0, nil
}

func (r *Registry) Connections(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, key(userID)).Result()
}
