package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"recipebox/internal/models"
)

var (
	ErrCacheMiss = errors.New("key not found in cache")
	ErrExpired   = errors.New("key expired in cache")
)

// Cache holds recently read subscribers. A miss is reported as ErrCacheMiss or
// ErrExpired; callers fall back to the repository on any error.
type Cache interface {
	Get(ctx context.Context, key string) (*models.Subscriber, error)
	Set(ctx context.Context, key string, subscriber *models.Subscriber, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type cacheItem struct {
	subscriber models.Subscriber
	expireAt   time.Time
}

type InMemoryCache struct {
	mu     sync.RWMutex
	items  map[string]*cacheItem
	tracer trace.Tracer
	stop   chan struct{}
	once   sync.Once
}

func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithCleanup(time.Minute)
}

func NewInMemoryCacheWithCleanup(interval time.Duration) *InMemoryCache {
	cache := &InMemoryCache{
		items:  make(map[string]*cacheItem),
		tracer: otel.Tracer("cache"),
		stop:   make(chan struct{}),
	}

	go cache.cleanup(interval)
	return cache
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*models.Subscriber, error) {
	_, span := c.tracer.Start(ctx, "cache.get",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.read"),
		))
	defer span.End()

	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		span.SetAttributes(
			attribute.Bool("cache.hit", false),
			attribute.String("cache.result", "miss"),
		)
		return nil, ErrCacheMiss
	}

	if time.Now().After(item.expireAt) {
		span.SetAttributes(
			attribute.Bool("cache.hit", false),
			attribute.String("cache.result", "expired"),
		)
		return nil, ErrExpired
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.String("cache.result", "hit"),
		attribute.String("subscriber.id", item.subscriber.ID.String()),
	)
	subscriber := item.subscriber
	return &subscriber, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, subscriber *models.Subscriber, ttl time.Duration) error {
	_, span := c.tracer.Start(ctx, "cache.set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "cache.write"),
			attribute.String("ttl", ttl.String()),
		))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		subscriber: *subscriber,
		expireAt:   time.Now().Add(ttl),
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	_, span := c.tracer.Start(ctx, "cache.delete",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.write"),
		))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.items[key]
	delete(c.items, key)

	span.SetAttributes(
		attribute.Bool("key.existed", exists),
		attribute.Bool("success", true),
	)
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	_, span := c.tracer.Start(ctx, "cache.clear",
		trace.WithAttributes(
			attribute.String("operation", "cache.write"),
		))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	itemCount := len(c.items)
	c.items = make(map[string]*cacheItem)

	span.SetAttributes(
		attribute.Int("items.cleared", itemCount),
		attribute.Bool("success", true),
	)
	return nil
}

// Close stops the expiry janitor. It is safe to call more than once.
func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expireAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func GenerateCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("subscriber:%s", id.String())
}
