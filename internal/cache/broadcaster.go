package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// Broadcaster fans availability deltas out over Redis pub/sub, one channel
// per resource, so observers on any instance see mutations made on any other.
type Broadcaster struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{
		client: client,
		log:    logrus.WithField("component", "availability_broadcast"),
	}
}

func changeChannel(resourceID string) string {
	return "avail-changes:" + resourceID
}

func (b *Broadcaster) Publish(ctx context.Context, change domain.AvailabilityChange) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, changeChannel(change.ResourceID), raw).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe delivers changes for one resource until stop is called or the
// context ends. A slow consumer drops deltas rather than blocking the pump;
// the snapshot-on-connect contract makes dropped deltas recoverable.
func (b *Broadcaster) Subscribe(ctx context.Context, resourceID string) (<-chan domain.AvailabilityChange, func(), error) {
	sub := b.client.Subscribe(ctx, changeChannel(resourceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", resourceID, err)
	}

	out := make(chan domain.AvailabilityChange, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change domain.AvailabilityChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					b.log.WithError(err).Warn("dropping malformed change payload")
					continue
				}
				select {
				case out <- change:
				default:
					b.log.WithField("resource_id", resourceID).Debug("slow consumer, delta dropped")
				}
			}
		}
	}()

	return out, stop, nil
}
