package geolocation

import (
	"errors"
	"net"
	"os"
	"sync"

	"ipguard/internal/domain"

	"github.com/oschwald/geoip2-golang"
)

var errGeoLiteUnavailable = errors.New("geolocation: geolite city database not loaded")

// geoLiteCity guards a swappable GeoLite2 City reader.
type geoLiteCity struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

func (g *geoLiteCity) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return err
	}

	g.mu.Lock()
	old := g.reader
	g.reader = reader
	g.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (g *geoLiteCity) lookup(ip string) (*domain.GeoInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.reader == nil {
		return nil, errGeoLiteUnavailable
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, errors.New("geolocation: invalid ip")
	}

	record, err := g.reader.City(parsed)
	if err != nil {
		return nil, err
	}

	info := &domain.GeoInfo{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
		Source:  domain.GeoSourceGeoLite,
	}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].Names["en"]
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, lon := record.Location.Latitude, record.Location.Longitude
		info.Latitude = &lat
		info.Longitude = &lon
	}

	if info.Country == "" && info.City == "" && info.Region == "" {
		return nil, nil
	}
	return info, nil
}

func (g *geoLiteCity) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}
