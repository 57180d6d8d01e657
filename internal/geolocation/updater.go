package geolocation

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	geoLiteCityEdition = "GeoLite2-City"
	updaterUserAgent   = "ipguard-geolite-updater/1.0"
)

var (
	// ErrNoLicenseKey indicates that no MaxMind license key has been configured.
	ErrNoLicenseKey = errors.New("geolocation: maxmind license key is not configured")

	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
)

// UpdateGeoLite downloads the GeoLite2 City archive, replaces the database at
// the configured path and reloads it. Concurrent callers share one download.
func (r *Resolver) UpdateGeoLite(ctx context.Context, licenseKey string) error {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		return ErrNoLicenseKey
	}

	destPath := r.settings().GeoLitePath
	if destPath == "" {
		return errors.New("geolocation: geolite city path is not configured")
	}

	_, err, _ := r.group.Do("geolite-update", func() (interface{}, error) {
		if err := downloadCityEdition(ctx, r.http, licenseKey, destPath); err != nil {
			return nil, err
		}
		return nil, r.geolite.load(destPath)
	})
	return err
}

func downloadCityEdition(ctx context.Context, client *http.Client, licenseKey, destPath string) error {
	query := url.Values{}
	query.Set("edition_id", geoLiteCityEdition)
	query.Set("license_key", licenseKey)
	query.Set("suffix", "tar.gz")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, maxMindDownloadURL+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", updaterUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", geoLiteCityEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", geoLiteCityEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", geoLiteCityEdition, err)
	}
	defer gz.Close()

	wanted := geoLiteCityEdition + ".mmdb"
	archive := tar.NewReader(gz)
	for {
		header, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", geoLiteCityEdition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != wanted {
			continue
		}
		if err := replaceFile(destPath, archive); err != nil {
			return fmt.Errorf("%s: write file: %w", geoLiteCityEdition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", geoLiteCityEdition)
}

// replaceFile writes through a temp file in the same directory so readers
// never observe a partially written database.
func replaceFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), destPath)
}
