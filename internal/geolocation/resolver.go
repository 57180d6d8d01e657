package geolocation

import (
	"context"
	"net/http"
	"time"

	"ipguard/internal/config"
	"ipguard/internal/domain"
	"ipguard/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Settings is read on every lookup so runtime config changes apply without a restart.
type Settings struct {
	LookupURL   string
	Timeout     time.Duration
	CacheTTL    time.Duration
	GeoLitePath string
}

func SettingsFromConfig() Settings {
	cfg := config.GetConfig()
	return Settings{
		LookupURL:   cfg.Geolocation.LookupURL,
		Timeout:     cfg.GeoTimeout(),
		CacheTTL:    cfg.GeoCacheTTL(),
		GeoLitePath: cfg.Geolocation.GeoLiteCityPath,
	}
}

type Options struct {
	HTTPClient *http.Client
	Redis      *redis.Client
	Settings   func() Settings
}

// Resolver turns an IP into best-effort location data. It never returns an
// error: any failure along the way yields nil.
type Resolver struct {
	http     *http.Client
	cache    *geoCache
	geolite  *geoLiteCity
	settings func() Settings
	group    singleflight.Group
}

func NewResolver(opts Options) *Resolver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	settings := opts.Settings
	if settings == nil {
		settings = SettingsFromConfig
	}

	r := &Resolver{
		http:     httpClient,
		cache:    newGeoCache(opts.Redis),
		geolite:  &geoLiteCity{},
		settings: settings,
	}

	if path := settings().GeoLitePath; path != "" {
		if err := r.geolite.load(path); err != nil {
			log.Debug("GeoLite city database not loaded", "path", path, "error", err)
		}
	}

	return r
}

// Resolve looks the address up in the cache, then the remote API, then the
// local GeoLite City database. Private addresses resolve to a synthetic local record.
func (r *Resolver) Resolve(ctx context.Context, ip string) *domain.GeoInfo {
	canonical, private, ok := support.ClassifyIP(ip)
	if !ok {
		return nil
	}
	if private {
		return domain.LocalGeoInfo()
	}

	settings := r.settings()
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	result := r.group.DoChan(canonical, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.lookup(lookupCtx, canonical, settings), nil
	})

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		log.Debug("Geolocation lookup abandoned", "ip", canonical, "error", waitCtx.Err())
		return nil
	case res := <-result:
		info, _ := res.Val.(*domain.GeoInfo)
		if info == nil {
			return nil
		}
		copied := *info
		return &copied
	}
}

func (r *Resolver) lookup(ctx context.Context, ip string, settings Settings) *domain.GeoInfo {
	if cached, ok := r.cache.get(ctx, ip); ok {
		return cached
	}

	info, err := fetchRemote(ctx, r.http, settings.LookupURL, ip)
	if err != nil {
		log.Debug("Remote geolocation failed", "ip", ip, "error", err)
		info = nil
	}

	if info == nil {
		info, err = r.geolite.lookup(ip)
		if err != nil {
			log.Debug("GeoLite geolocation failed", "ip", ip, "error", err)
			return nil
		}
	}

	if info != nil {
		r.cache.set(ctx, ip, info, settings.CacheTTL)
	}
	return info
}

// ReloadGeoLite swaps in the database at the configured path.
func (r *Resolver) ReloadGeoLite() error {
	return r.geolite.load(r.settings().GeoLitePath)
}

func (r *Resolver) Close() error {
	return r.geolite.close()
}
