package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/models"
)

const defaultRedisPrefix = "recipebox:"

// RedisCache stores subscribers as JSON values under a key prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	tracer trace.Tracer
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return NewRedisCacheWithPrefix(client, defaultRedisPrefix)
}

func NewRedisCacheWithPrefix(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		tracer: otel.Tracer("cache"),
	}
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.Subscriber, error) {
	ctx, span := c.tracer.Start(ctx, "cache.get",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.read"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache.hit", false),
			attribute.String("cache.result", "miss"),
		)
		return nil, ErrCacheMiss
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var subscriber models.Subscriber
	if err := json.Unmarshal(data, &subscriber); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode cached subscriber: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.String("cache.result", "hit"),
		attribute.String("subscriber.id", subscriber.ID.String()),
	)
	return &subscriber, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, subscriber *models.Subscriber, ttl time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "cache.set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
			attribute.String("ttl", ttl.String()),
		))
	defer span.End()

	data, err := json.Marshal(subscriber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode subscriber: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set: %w", err)
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "cache.delete",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	removed, err := c.client.Del(ctx, c.prefix+key).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis del: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("key.existed", removed > 0),
		attribute.Bool("success", true),
	)
	return nil
}

// Clear removes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "cache.clear",
		trace.WithAttributes(
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	var cleared int
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("redis del: %w", err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis scan: %w", err)
	}

	span.SetAttributes(
		attribute.Int("items.cleared", cleared),
		attribute.Bool("success", true),
	)
	return nil
}
