package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Verification struct {
		CodeTTL           Timer  `json:"code_ttl"`
		StrictIPMatch     bool   `json:"strict_ip_match"`
		MaxCodesPerWindow uint32 `json:"max_codes_per_window"`
		ThrottleWindow    Timer  `json:"throttle_window"`
	} `json:"verification"`

	Trust struct {
		PollTimer             Timer `json:"poll_timer"`
		ChallengeCleanupTimer Timer `json:"challenge_cleanup_timer"`
	} `json:"trust"`

	Session struct {
		TTL Timer `json:"ttl"`
	} `json:"session"`

	Geolocation struct {
		LookupURL       string `json:"lookup_url"`
		TimeoutMs       uint32 `json:"timeout_ms"`
		CacheTimer      Timer  `json:"cache_timer"`
		GeoLiteCityPath string `json:"geolite_city_path"`
		LicenseKey      string `json:"license_key"`
		AutoUpdate      bool   `json:"auto_update"`
		UpdateTimer     Timer  `json:"update_timer"`
	} `json:"geolocation"`

	Mail struct {
		AppName string `json:"app_name"`
	} `json:"mail"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

const (
	defaultCodeTTL        = 10 * time.Minute
	defaultThrottleWindow = 15 * time.Minute
	defaultSessionTTL     = 12 * time.Hour
	defaultGeoTimeout     = 3 * time.Second
	defaultGeoCacheTTL    = 24 * time.Hour
	defaultGeoUpdateEvery = 24 * time.Hour
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		cfg = Config{}
	}
	configValue.Store(cfg)
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

			if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

// CodeTTL is how long a verification code stays valid.
func (c Config) CodeTTL() time.Duration {
	return durationOr(c.Verification.CodeTTL, defaultCodeTTL)
}

func (c Config) ThrottleWindow() time.Duration {
	return durationOr(c.Verification.ThrottleWindow, defaultThrottleWindow)
}

func (c Config) SessionTTL() time.Duration {
	return durationOr(c.Session.TTL, defaultSessionTTL)
}

func (c Config) GeoTimeout() time.Duration {
	if c.Geolocation.TimeoutMs == 0 {
		return defaultGeoTimeout
	}
	return time.Duration(c.Geolocation.TimeoutMs) * time.Millisecond
}

func (c Config) GeoCacheTTL() time.Duration {
	return durationOr(c.Geolocation.CacheTimer, defaultGeoCacheTTL)
}

func (c Config) GeoLiteUpdateInterval() time.Duration {
	return durationOr(c.Geolocation.UpdateTimer, defaultGeoUpdateEvery)
}

func durationOr(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}
