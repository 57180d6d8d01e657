package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ipguard/internal/domain"
)

var errNoLookupURL = errors.New("geolocation: lookup url is not configured")

// ip-api.com compatible response body.
type remoteResponse struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Country    string   `json:"country"`
	RegionName string   `json:"regionName"`
	City       string   `json:"city"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	ISP        string   `json:"isp"`
}

func fetchRemote(ctx context.Context, client *http.Client, lookupURL, ip string) (*domain.GeoInfo, error) {
	if strings.TrimSpace(lookupURL) == "" {
		return nil, errNoLookupURL
	}

	target := lookupURL
	if strings.Contains(lookupURL, "%s") {
		target = fmt.Sprintf(lookupURL, ip)
	} else {
		target = strings.TrimRight(lookupURL, "/") + "/" + ip
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("lookup failed: %s", payload.Message)
	}

	return &domain.GeoInfo{
		Country:   payload.Country,
		Region:    payload.RegionName,
		City:      payload.City,
		Latitude:  payload.Lat,
		Longitude: payload.Lon,
		ISP:       payload.ISP,
		Source:    domain.GeoSourceRemote,
	}, nil
}
