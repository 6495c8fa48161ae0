package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/garage-dispatch/internal/models"
)

// RedisGeo implements Locator and Directory on Redis: a GEO set of garage
// positions, one SET per pincode, a meta hash per garage and a hash mapping
// mechanics to garages.
type RedisGeo struct {
	client  *redis.Client
	key     string
	RadiusM float64
	Limit   int
}

func NewRedisGeo(client *redis.Client, key string, radiusM float64, limit int) *RedisGeo {
	return &RedisGeo{client: client, key: key, RadiusM: radiusM, Limit: limit}
}

func (r *RedisGeo) UpsertGarage(ctx context.Context, g models.Garage) error {
	if g.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: g.Loc.Lon, Latitude: g.Loc.Lat, Name: g.ID})
		for _, pin := range g.Pincodes {
			p.SAdd(ctx, pincodeKey(pin), g.ID)
		}
		p.HSet(ctx, metaKey(g.ID), map[string]interface{}{
			"online":  strconv.FormatBool(g.Online),
			"updated": time.Now().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo: upsert garage %s: %w", g.ID, err)
	}
	return nil
}

func (r *RedisGeo) SetMechanicGarage(ctx context.Context, mechanicID, garageID string) error {
	if err := r.client.HSet(ctx, rosterKey, mechanicID, garageID).Err(); err != nil {
		return fmt.Errorf("geo: roster %s: %w", mechanicID, err)
	}
	return nil
}

func (r *RedisGeo) GarageOf(ctx context.Context, mechanicID string) (string, error) {
	id, err := r.client.HGet(ctx, rosterKey, mechanicID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("geo: mechanic %s: %w", mechanicID, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("geo: roster %s: %w", mechanicID, err)
	}
	return id, nil
}

func (r *RedisGeo) Eligible(ctx context.Context, pickup models.Location) ([]string, error) {
	seen := make(map[string]bool)
	var candidates []string
	if pickup.Pincode != "" {
		ids, err := r.client.SMembers(ctx, pincodeKey(pickup.Pincode)).Result()
		if err != nil {
			return nil, fmt.Errorf("geo: pincode %s: %w", pickup.Pincode, err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}
	if r.RadiusM > 0 {
		res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
			Longitude:  pickup.Lon,
			Latitude:   pickup.Lat,
			Radius:     r.RadiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("geo: radius search: %w", err)
		}
		for _, id := range res {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		online, err := r.client.HGet(ctx, metaKey(id), "online").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("geo: meta %s: %w", id, err)
		}
		if online != "true" {
			continue
		}
		out = append(out, id)
		if r.Limit > 0 && len(out) == r.Limit {
			break
		}
	}
	return out, nil
}

const rosterKey = "mechanic:garage"

func metaKey(id string) string     { return "garage:meta:" + id }
func pincodeKey(pin string) string { return "garages:pincode:" + pin }

var (
	_ Locator   = (*RedisGeo)(nil)
	_ Directory = (*RedisGeo)(nil)
)
