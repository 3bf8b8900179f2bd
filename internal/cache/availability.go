package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevag4/fieldbooking/internal/app"
)

// AvailabilityCache keeps computed per-day availability views in Redis so a
// query does not hit the ledger on every request. Keys are
// avail:{resource}:{YYYY-MM-DD}.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

const defaultAvailabilityTTL = 5 * time.Minute

func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = defaultAvailabilityTTL
	}
	return &AvailabilityCache{client: client, ttl: ttl}
}

func availabilityKey(resourceID string, date time.Time) string {
	return fmt.Sprintf("avail:%s:%s", resourceID, date.UTC().Format("2006-01-02"))
}

func (c *AvailabilityCache) Get(ctx context.Context, resourceID string, date time.Time) (*app.AvailabilityView, error) {
	raw, err := c.client.Get(ctx, availabilityKey(resourceID, date)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var view app.AvailabilityView
	if err := json.Unmarshal(raw, &view); err != nil {
		// A corrupt entry behaves like a miss; the next Set overwrites it.
		return nil, nil
	}
	return &view, nil
}

func (c *AvailabilityCache) Set(ctx context.Context, view app.AvailabilityView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, availabilityKey(view.ResourceID, view.Date), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *AvailabilityCache) Invalidate(ctx context.Context, resourceID string, date time.Time) error {
	if err := c.client.Del(ctx, availabilityKey(resourceID, date)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
