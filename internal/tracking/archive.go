package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TrailArchive keeps a stopped session's trail for later playback.
type TrailArchive interface {
	Archive(ctx context.Context, bookingID string, trail []Point) error
}

type NopArchive struct{}

func (NopArchive) Archive(context.Context, string, []Point) error { return nil }

// RedisTrailArchive appends trails to a per-booking Redis list.
type RedisTrailArchive struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTrailArchive(client *redis.Client, ttl time.Duration) *RedisTrailArchive {
	return &RedisTrailArchive{client: client, ttl: ttl}
}

func (r *RedisTrailArchive) Archive(ctx context.Context, bookingID string, trail []Point) error {
	values := make([]any, 0, len(trail))
	for _, p := range trail {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode point: %w", err)
		}
		values = append(values, b)
	}
	key := TrailKey(bookingID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// Trail reads an archived trail back in recording order.
func (r *RedisTrailArchive) Trail(ctx context.Context, bookingID string) ([]Point, error) {
	raw, err := r.client.LRange(ctx, TrailKey(bookingID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(raw))
	for _, s := range raw {
		var p Point
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("decode point: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func TrailKey(bookingID string) string { return "tracking:trail:" + bookingID }
