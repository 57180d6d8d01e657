package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
)

func getGlobalSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	previousCfg := config.GetConfig()

	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		log.Error("Error decoding request body", "error", err)
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		// the new values are live even when persisting or broadcasting failed
		log.Warn("Configuration applied with errors", "error", err)
	}

	licenseKey := strings.TrimSpace(newConfig.Geolocation.LicenseKey)
	if s.deps.RefreshGeoLite != nil && licenseKey != "" && licenseKey != strings.TrimSpace(previousCfg.Geolocation.LicenseKey) {
		go func() {
			if err := s.deps.RefreshGeoLite(context.Background(), licenseKey); err != nil {
				log.Warn("GeoLite refresh after settings change failed", "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Configuration updated successfully"})
}

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	overview := map[string]any{}

	if s.deps.Overview != nil {
		counts, err := s.deps.Overview.CountByStatus(r.Context())
		if err != nil {
			log.Error("Failed to count trust records", "error", err)
			writeError(w, "TransientFailure", http.StatusServiceUnavailable)
			return
		}
		overview["trustRecords"] = counts
	}

	if s.deps.ActiveInstances != nil {
		instances, err := s.deps.ActiveInstances(r.Context())
		if err != nil {
			log.Warn("Failed to count active instances", "error", err)
		} else {
			overview["activeInstances"] = instances
		}
	}

	writeJSON(w, http.StatusOK, overview)
}
