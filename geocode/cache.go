package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/vtmapdata/infra_backend/config"
)

const defaultCacheTTL = 720 * time.Hour

// CachedGeocoder memoizes reverse-geocode results in Redis. Addresses for a
// fixed coordinate never change, so a long TTL is safe; with Redis down it
// degrades to the inner geocoder.
type CachedGeocoder struct {
	inner Geocoder
	ttl   time.Duration
}

func NewCachedGeocoder(inner Geocoder) *CachedGeocoder {
	return &CachedGeocoder{inner: inner, ttl: defaultCacheTTL}
}

func cacheKey(latitude, longitude float64) string {
	// 6 decimal places is ~0.1m, finer than any GPS fix we ingest.
	return fmt.Sprintf("geocode:%.6f,%.6f", latitude, longitude)
}

func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	key := cacheKey(latitude, longitude)
	if config.GetRedisDB() != nil {
		var cached string
		if ok, err := config.GetRedisObject(key, &cached); err == nil && ok && cached != "" {
			return cached, nil
		}
	}

	address, err := c.inner.ReverseGeocode(ctx, latitude, longitude)
	if err != nil {
		return "", err
	}

	_ = config.SetRedisObject(key, address, c.ttl)
	return address, nil
}
