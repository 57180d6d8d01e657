package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ipguard/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const geoCacheKeyPrefix = "ipguard:geo:"

// geoCache is a thin redis layer. A nil client turns every call into a miss.
type geoCache struct {
	client *redis.Client
}

func newGeoCache(client *redis.Client) *geoCache {
	return &geoCache{client: client}
}

func geoCacheKey(ip string) string {
	return geoCacheKeyPrefix + ip
}

func (c *geoCache) get(ctx context.Context, ip string) (*domain.GeoInfo, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, geoCacheKey(ip)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug("Geolocation cache read failed", "ip", ip, "error", err)
		}
		return nil, false
	}

	var info domain.GeoInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		log.Debug("Geolocation cache entry unreadable", "ip", ip, "error", err)
		return nil, false
	}
	return &info, true
}

func (c *geoCache) set(ctx context.Context, ip string, info *domain.GeoInfo, ttl time.Duration) {
	if c == nil || c.client == nil || info == nil {
		return
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, geoCacheKey(ip), payload, ttl).Err(); err != nil {
		log.Debug("Geolocation cache write failed", "ip", ip, "error", err)
	}
}
