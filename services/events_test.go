package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yad2-ingest/models"
)

// This test requires a running redis instance on localhost:6379.
// If redis is not available, the test will be skipped.
func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	stream := fmt.Sprintf("test_listing_events_%d", time.Now().UnixNano())
	publisher := NewRedisPublisher("localhost:6379", 0, stream, 5)
	defer publisher.Close()

	if err := publisher.Ping(ctx); err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	defer client.Del(ctx, stream)

	ev := Event{Type: EventListingCreated, TaskID: "t1", Listing: &models.Listing{ExternalID: "abc123", Price: 95000}}
	require.NoError(t, publisher.Publish(ctx, ev))

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventListingCreated, msgs[0].Values["type"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &got))
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "abc123", got.Listing.ExternalID)
	assert.False(t, got.Published.IsZero())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: EventListingCreated}))
	assert.NoError(t, p.Close())
}
