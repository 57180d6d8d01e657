package domain

import "strings"

const (
	GeoSourceRemote  = "remote"
	GeoSourceGeoLite = "geolite"
	GeoSourceLocal   = "local"
)

// GeoInfo is advisory metadata about an address. Empty strings mean unknown.
type GeoInfo struct {
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	ISP       string   `json:"isp,omitempty"`
	Source    string   `json:"source,omitempty"`
}

func LocalGeoInfo() *GeoInfo {
	return &GeoInfo{Country: "Local", Region: "Local", City: "Local", ISP: "Local network", Source: GeoSourceLocal}
}

func (g *GeoInfo) Location() string {
	if g == nil {
		return ""
	}
	return joinLocation(nonEmpty(g.City), nonEmpty(g.Region), nonEmpty(g.Country))
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func joinLocation(parts ...*string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != nil && strings.TrimSpace(*p) != "" {
			out = append(out, strings.TrimSpace(*p))
		}
	}
	return strings.Join(out, ", ")
}
