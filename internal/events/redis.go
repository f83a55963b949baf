package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	"harvestline/internal/domain"
)

const defaultStream = "harvestline:events"

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	rdb    *redis.Client
	stream string
}

func NewRedisSink(rdb *redis.Client, stream string) *RedisSink {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, e domain.Event) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":        e.Type,
			"ts":          e.TS,
			"entity_kind": e.EntityKind,
			"entity_id":   e.EntityID,
			"actor_id":    e.ActorID,
			"payload":     e.Payload,
		},
	}).Err()
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
