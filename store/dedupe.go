package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers accepted event ids so a tracker retrying after a
// lost response does not record the same event twice.
type EventDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewEventDeduper returns a deduper over client. A nil client disables
// dedupe.
func NewEventDeduper(client *redis.Client, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventDeduper{client: client, ttl: ttl, prefix: "collector:event:"}
}

// Seen marks id as accepted and reports whether it already was.
func (d *EventDeduper) Seen(ctx context.Context, id string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", id, err)
	}
	return !set, nil
}

// Forget removes id, used when storing the event failed after Seen.
func (d *EventDeduper) Forget(ctx context.Context, id string) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Del(ctx, d.prefix+id).Err()
}
