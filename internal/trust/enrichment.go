package trust

import (
	"context"
	"sync"
	"time"

	"ipguard/internal/domain"

	"github.com/charmbracelet/log"
)

// Enricher fills in a record's location in the background. Lookups run on
// their own context so a finished request never cancels them.
type Enricher struct {
	geo     GeoResolver
	trust   TrustStore
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewEnricher(geo GeoResolver, store TrustStore, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Enricher{geo: geo, trust: store, timeout: timeout}
}

func (e *Enricher) EnrichAsync(userID uint, ip string) {
	if e == nil || e.geo == nil || e.trust == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		info := e.geo.Resolve(ctx, ip)
		if info == nil || info.Source == domain.GeoSourceLocal {
			return
		}
		if err := e.trust.UpdateGeo(ctx, userID, ip, info); err != nil {
			log.Debug("Geolocation enrichment not stored", "user_id", userID, "ip", ip, "error", err)
		}
	}()
}

// Wait blocks until every pending enrichment has finished.
func (e *Enricher) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}
