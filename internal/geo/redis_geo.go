package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo is a read model of idle drivers kept in Redis GEO sets so that
// dashboards and other processes can query availability without touching
// the dispatch engine. It is fed from the event stream by cmd/consumer.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

// Upsert stores the driver position with GEOADD and its metadata in a hash.
func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Position.Lon, Latitude: d.Position.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"class":   string(d.VehicleClass),
		"status":  string(d.Status),
		"updated": d.Updated.UTC().Format(time.RFC3339Nano),
	}).Err()
}

// LastUpdated returns the registry timestamp of the last projected snapshot
// of the driver, or the zero time if none was stored.
func (r *RedisGeo) LastUpdated(ctx context.Context, driverID string) (time.Time, error) {
	v, err := r.client.HGet(ctx, metaKey(driverID), "updated").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Remove drops the driver from the GEO set and records its new status.
func (r *RedisGeo) Remove(ctx context.Context, d models.Driver) error {
	if err := r.client.ZRem(ctx, r.key, d.ID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", d.ID, err)
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"status":  string(d.Status),
		"updated": d.Updated.UTC().Format(time.RFC3339Nano),
	}).Err()
}

// Nearby returns drivers within radiusM of (lat, lon), nearest first.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Status: models.DriverOnlineIdle}
		d.Position.Lat = g.Latitude
		d.Position.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			d.VehicleClass = models.VehicleClass(m["class"])
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
