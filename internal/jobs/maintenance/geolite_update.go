package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/config"
	"ipguard/internal/geolocation"
	"ipguard/internal/support"
)

const geoLiteUpdateJob = "geolite_update"

type geoLiteUpdater interface {
	UpdateGeoLite(ctx context.Context, licenseKey string) error
}

// StartGeoLiteUpdateRoutine refreshes the GeoLite2 City fallback database on
// the configured schedule when a license key is present.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater geoLiteUpdater) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, geoLiteUpdateJob, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, updater)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context, updater geoLiteUpdater) {
	current := config.GetConfig().GeoLiteUpdateInterval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	triggerGeoLiteUpdate(ctx, updater, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, updater, "scheduled")
			if next := config.GetConfig().GeoLiteUpdateInterval(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

func triggerGeoLiteUpdate(ctx context.Context, updater geoLiteUpdater, reason string) {
	cfg := config.GetConfig()
	if !cfg.Geolocation.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return
	}

	licenseKey := support.GetEnv("MAXMIND_LICENSE_KEY", cfg.Geolocation.LicenseKey)
	err := updater.UpdateGeoLite(ctx, licenseKey)
	switch {
	case errors.Is(err, geolocation.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	default:
		log.Info("GeoLite city database updated", "reason", reason)
	}
}
