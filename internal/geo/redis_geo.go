package geo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

// RedisGeo keeps worker positions in a Redis GEO set plus a metadata hash
// per worker, so several API instances share one view of the fleet.
type RedisGeo struct {
	client   *redis.Client
	key      string
	maxCount int
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, maxCount: 500}
}

// UpsertPing stores a location ping. Pings older than the stored one are
// dropped and reported with applied=false.
func (r *RedisGeo) UpsertPing(ctx context.Context, p models.LocationPing) (applied bool, err error) {
	prev, err := r.client.HGet(ctx, metaKey(p.WorkerID), "updated").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if prev != "" {
		if ts, perr := time.Parse(time.RFC3339Nano, prev); perr == nil && !p.Timestamp.After(ts) {
			return false, nil
		}
	}
	fields := map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"updated": p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(p.ServiceClasses) > 0 {
		fields["classes"] = joinClasses(p.ServiceClasses)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: p.WorkerID})
		pipe.HSet(ctx, metaKey(p.WorkerID), fields)
		return nil
	})
	return err == nil, err
}

// SetAssignment records the order a worker is committed to; "" clears it.
func (r *RedisGeo) SetAssignment(ctx context.Context, workerID, orderID string) error {
	return r.client.HSet(ctx, metaKey(workerID), "assignment", orderID).Err()
}

// NearbyWorkers returns workers inside radiusM ordered by distance.
func (r *RedisGeo) NearbyWorkers(ctx context.Context, center models.Coord, radiusM float64) ([]models.WorkerAvailability, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: r.maxCount, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkerAvailability, 0, len(res))
	for i, g := range res {
		w := models.WorkerAvailability{WorkerID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m := cmds[i].Val()
		w.Online = m["online"] == "true"
		if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
			w.LastPingAt = ts
		}
		w.ServiceClasses = splitClasses(m["classes"])
		w.CurrentAssignment = m["assignment"]
		out = append(out, w)
	}
	return out, nil
}

func (r *RedisGeo) Name() string { return "redis_geo" }

// Handle mirrors assignment changes from the order event stream.
func (r *RedisGeo) Handle(ctx context.Context, ev models.OrderEvent) error {
	if ev.WorkerID == "" {
		return nil
	}
	switch {
	case ev.Type == models.EventOfferAccepted:
		return r.SetAssignment(ctx, ev.WorkerID, ev.OrderID)
	case ev.Type == models.EventOrderCancelled,
		ev.Type == models.EventStatusChanged && ev.Status == models.StatusCompleted:
		return r.SetAssignment(ctx, ev.WorkerID, "")
	}
	return nil
}

func metaKey(id string) string { return "worker:meta:" + id }

func joinClasses(cs []models.ServiceClass) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitClasses(v string) []models.ServiceClass {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]models.ServiceClass, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, models.ServiceClass(p))
		}
	}
	return out
}
