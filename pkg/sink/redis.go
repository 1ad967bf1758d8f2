package sink

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultChannel is the pub/sub channel events are published to.
	DefaultChannel = "quotawatch:events"
	// latestKey holds the most recent snapshot for late-joining consumers.
	latestKey = "quotawatch:snapshot:latest"

	redisWriteTimeout = 2 * time.Second
)

// RedisSink publishes every event to a pub/sub channel and mirrors the
// latest snapshot under a key, so external consumers can observe status
// without talking to the daemon's HTTP API.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Emit(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to marshal event for redis: %v", err)
		return
	}

	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		log.Printf("Failed to PUBLISH to %s: %v", s.channel, err)
	}

	if ev.Type == EventSnapshotUpdated && ev.Snapshot != nil {
		snap, err := json.Marshal(ev.Snapshot)
		if err != nil {
			log.Printf("Failed to marshal snapshot for redis: %v", err)
			return
		}
		if err := s.client.Set(ctx, latestKey, snap, 0).Err(); err != nil {
			log.Printf("Failed to SET %s: %v", latestKey, err)
		}
	}
}
