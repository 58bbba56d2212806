package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"yad2-ingest/models"
)

// Event types published for downstream consumers.
const (
	EventListingCreated = "listing.created"
	EventListingHistory = "listing.history"
)

// Event is one ingest outcome worth telling other systems about.
type Event struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Listing   *models.Listing        `json:"listing,omitempty"`
	History   *models.ListingHistory `json:"history,omitempty"`
	Published time.Time              `json:"published_at"`
}

// Publisher delivers ingest events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event. Used when REDIS_ADDR is empty.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// RedisPublisher appends events as JSON to a Redis stream, trimming it to
// roughly maxLen entries on every add.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a new Redis publisher.
func NewRedisPublisher(addr string, db int, stream string, maxLen int64) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Published.IsZero() {
		ev.Published = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":  ev.Type,
			"event": body,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
