package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-exchange/internal/models"
)

// RedisIndex implements Index on Redis GEO commands. Positions land in one
// geo set per kind; provider metadata lives in a hash keyed by provider id.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func NewRedisIndex(addr, password, prefix string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, prefix: prefix, ctx: context.Background()}
}

// NewRedisIndexFromClient wraps an existing client (shared by the consumer).
func NewRedisIndexFromClient(c *redis.Client, prefix string) *RedisIndex {
	return &RedisIndex{client: c, prefix: prefix, ctx: context.Background()}
}

func (r *RedisIndex) geoKey(kind models.Kind) string {
	if kind == "" {
		return r.prefix + ":all"
	}
	return r.prefix + ":" + string(kind)
}

func (r *RedisIndex) metaKey(id string) string { return r.prefix + ":meta:" + id }

func (r *RedisIndex) Upsert(p Provider) {
	loc := &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}
	_, _ = r.client.GeoAdd(r.ctx, r.geoKey(p.Kind), loc).Result()
	_, _ = r.client.GeoAdd(r.ctx, r.geoKey(""), loc).Result()
	_ = r.client.HSet(r.ctx, r.metaKey(p.ID), map[string]interface{}{
		"kind":    string(p.Kind),
		"online":  strconv.FormatBool(p.Online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Nearby(at models.Coord, radiusM float64, kind models.Kind, limit int) []models.NearbyPoint {
	if radiusM <= 0 {
		radiusM = 5000
	}
	q := &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}
	res, err := r.client.GeoRadius(r.ctx, r.geoKey(kind), at.Lon, at.Lat, q).Result()
	if err != nil {
		return nil
	}
	out := make([]models.NearbyPoint, 0, len(res))
	for _, g := range res {
		if m, err := r.client.HGetAll(r.ctx, r.metaKey(g.Name)).Result(); err == nil {
			if m["online"] == "false" {
				continue
			}
		}
		out = append(out, models.NearbyPoint{
			ID:       g.Name,
			Position: models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out
}
