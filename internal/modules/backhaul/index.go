// README: Open-service index backed by Redis GEO; a prefilter, the scorer re-checks distances.
package backhaul

import (
	"context"
	"math"

	"github.com/redis/go-redis/v9"

	"freight/internal/types"
)

const (
	// OpenServicesKey is the Redis GEO set holding PUBLICADO service origins.
	OpenServicesKey = "backhaul:open_services"
	// PolarServicesKey holds PUBLICADO services whose origin Redis GEO cannot store.
	PolarServicesKey = "backhaul:open_services:polar"

	// maxGeoLat is the latitude limit of Redis GEO (web mercator).
	maxGeoLat = 85.05112878
)

type Index struct {
	redis *redis.Client
}

func NewIndex(redis *redis.Client) *Index {
	return &Index{redis: redis}
}

func geoStorable(p types.Point) bool {
	return math.Abs(p.Lat) <= maxGeoLat
}

func (i *Index) IndexOpen(ctx context.Context, id types.ID, origin types.Point) error {
	if !geoStorable(origin) {
		return i.redis.SAdd(ctx, PolarServicesKey, string(id)).Err()
	}
	return i.redis.GeoAdd(ctx, OpenServicesKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: origin.Lng,
		Latitude:  origin.Lat,
	}).Err()
}

func (i *Index) Unindex(ctx context.Context, id types.ID) error {
	pipe := i.redis.Pipeline()
	pipe.ZRem(ctx, OpenServicesKey, string(id))
	pipe.SRem(ctx, PolarServicesKey, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns indexed service ids within radiusKm of p, nearest first,
// followed by every polar service. p must be geoStorable. Redis uses a
// slightly different earth radius, so the search radius is padded.
func (i *Index) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	pipe := i.redis.Pipeline()
	near := pipe.GeoSearch(ctx, OpenServicesKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm*1.01 + 1,
		RadiusUnit: "km",
		Sort:       "ASC",
	})
	polar := pipe.SMembers(ctx, PolarServicesKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(near.Val())+len(polar.Val()))
	for _, r := range near.Val() {
		ids = append(ids, types.ID(r))
	}
	for _, r := range polar.Val() {
		ids = append(ids, types.ID(r))
	}
	return ids, nil
}

// OpenService is the minimum needed to (re)build the index.
type OpenService struct {
	ID     types.ID
	Origin types.Point
}

// Add indexes the given services without touching existing entries.
func (i *Index) Add(ctx context.Context, services []OpenService) error {
	if len(services) == 0 {
		return nil
	}
	_, err := i.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		addAll(ctx, pipe, services)
		return nil
	})
	return err
}

// Rebuild replaces the index content with the given services in one transaction.
func (i *Index) Rebuild(ctx context.Context, services []OpenService) error {
	_, err := i.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, OpenServicesKey, PolarServicesKey)
		addAll(ctx, pipe, services)
		return nil
	})
	return err
}

func addAll(ctx context.Context, pipe redis.Pipeliner, services []OpenService) {
	var locs []*redis.GeoLocation
	var polar []any
	for _, s := range services {
		if !geoStorable(s.Origin) {
			polar = append(polar, string(s.ID))
			continue
		}
		locs = append(locs, &redis.GeoLocation{Name: string(s.ID), Longitude: s.Origin.Lng, Latitude: s.Origin.Lat})
	}
	if len(locs) > 0 {
		pipe.GeoAdd(ctx, OpenServicesKey, locs...)
	}
	if len(polar) > 0 {
		pipe.SAdd(ctx, PolarServicesKey, polar...)
	}
}
