// Package eventbus publishes memory lifecycle events (stored, reinforced,
// evicted, sweep) to a Redis stream so external observers can follow the
// engine without coupling to its internals.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one memory lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "stored", "reinforced", "retrieved", "evicted", "sweep"
	NodeID    string    `json:"node_id,omitempty"`
	Layer     string    `json:"layer,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const stream = "stratamem:events"

// Bus is a Redis Streams publisher/subscriber for memory events.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the stream.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe emits events from the stream until the context is cancelled.
// Only events appended after the call are delivered.
func (b *Bus) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   16,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				b.logger.Warn("event read failed", zap.Error(err))
				continue
			}

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if err := json.Unmarshal([]byte(raw), &ev); err != nil {
						b.logger.Warn("event decode failed", zap.Error(err))
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
