package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// StorageBackend identifies which persisted key-value store should be used.
type StorageBackend string

// IdentityType is the role of the local user in conversations.
type IdentityType string

const (
	StorageSQLite StorageBackend = "sqlite"
	StorageBadger StorageBackend = "badger"
	StorageMemory StorageBackend = "memory"

	IdentitySurveyor   IdentityType = "surveyor"
	IdentityDispatcher IdentityType = "dispatcher"

	DefaultCacheTTL        = 30 * time.Second
	DefaultCacheMaxEntries = 100
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	LogToFile bool   `json:"log_to_file"`
}

// ServerConfig contains remote service endpoints.
type ServerConfig struct {
	APIURL    string `json:"api_url"`
	StreamURL string `json:"stream_url"`
	ChatURL   string `json:"chat_url"`
}

// IdentityConfig describes who the local user is for messaging.
type IdentityConfig struct {
	ID   string       `json:"id"`
	Type IdentityType `json:"type"`
}

// StorageConfig selects the persisted state backend.
type StorageConfig struct {
	Backend StorageBackend `json:"backend"`
}

// CacheConfig tunes the read request cache.
type CacheConfig struct {
	DefaultTTLSeconds int `json:"default_ttl_seconds"`
	MaxEntries        int `json:"max_entries"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled bool                     `json:"enabled"`
	Events  NotificationEventsConfig `json:"events"`
}

// NotificationEventsConfig stores per-event notification toggles.
type NotificationEventsConfig struct {
	IncomingMessage  bool `json:"incoming_message"`
	NotableActivity  bool `json:"notable_activity"`
	SyncFailed       bool `json:"sync_failed"`
	ConnectionStatus bool `json:"connection_status"`
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Server        ServerConfig       `json:"server"`
	Identity      IdentityConfig     `json:"identity"`
	Storage       StorageConfig      `json:"storage"`
	Cache         CacheConfig        `json:"cache"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
	Metrics       MetricsConfig      `json:"metrics"`
}

// envOverrides holds values that may be supplied through the environment.
type envOverrides struct {
	APIURL       string `env:"FIELDSYNC_API_URL"`
	StreamURL    string `env:"FIELDSYNC_STREAM_URL"`
	ChatURL      string `env:"FIELDSYNC_CHAT_URL"`
	LogLevel     string `env:"FIELDSYNC_LOG_LEVEL"`
	Storage      string `env:"FIELDSYNC_STORAGE"`
	IdentityID   string `env:"FIELDSYNC_IDENTITY_ID"`
	IdentityType string `env:"FIELDSYNC_IDENTITY_TYPE"`
	MetricsAddr  string `env:"FIELDSYNC_METRICS_ADDR"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{},
		Identity: IdentityConfig{
			Type: IdentitySurveyor,
		},
		Storage: StorageConfig{
			Backend: StorageSQLite,
		},
		Cache: CacheConfig{
			DefaultTTLSeconds: int(DefaultCacheTTL / time.Second),
			MaxEntries:        DefaultCacheMaxEntries,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled: true,
			Events: NotificationEventsConfig{
				IncomingMessage:  true,
				NotableActivity:  true,
				SyncFailed:       true,
				ConnectionStatus: false,
			},
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return AppConfig{}, err
	}
	cfg.FillMissingDefaults()

	return cfg, nil
}

// ApplyEnv overlays FIELDSYNC_* environment variables on top of file values.
func (c *AppConfig) ApplyEnv() error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setIfPresent(&c.Server.APIURL, raw.APIURL)
	setIfPresent(&c.Server.StreamURL, raw.StreamURL)
	setIfPresent(&c.Server.ChatURL, raw.ChatURL)
	setIfPresent(&c.Logging.Level, raw.LogLevel)
	setIfPresent(&c.Identity.ID, raw.IdentityID)
	setIfPresent(&c.Metrics.ListenAddr, raw.MetricsAddr)
	if v := strings.TrimSpace(raw.Storage); v != "" {
		c.Storage.Backend = StorageBackend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(raw.IdentityType); v != "" {
		c.Identity.Type = IdentityType(strings.ToLower(v))
	}

	return nil
}

func setIfPresent(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageSQLite
	}
	if c.Identity.Type == "" {
		c.Identity.Type = IdentitySurveyor
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		c.Cache.DefaultTTLSeconds = int(DefaultCacheTTL / time.Second)
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Server.APIURL = strings.TrimRight(strings.TrimSpace(c.Server.APIURL), "/")
	if c.Server.StreamURL == "" && c.Server.APIURL != "" {
		c.Server.StreamURL = c.Server.APIURL + "/activity/stream"
	}
	if c.Server.ChatURL == "" && c.Server.APIURL != "" {
		c.Server.ChatURL = websocketURL(c.Server.APIURL) + "/ws/chat"
	}
}

// CacheTTL returns the default read cache TTL as a duration.
func (c AppConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLSeconds) * time.Second
}

func websocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Server.APIURL) == "" {
		return errors.New("server api_url is required")
	}
	for name, raw := range map[string]string{
		"api_url":    c.Server.APIURL,
		"stream_url": c.Server.StreamURL,
		"chat_url":   c.Server.ChatURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("server %s is invalid: %w", name, err)
		}
	}

	switch c.Storage.Backend {
	case StorageSQLite, StorageBadger, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	switch c.Identity.Type {
	case IdentitySurveyor, IdentityDispatcher:
	default:
		return fmt.Errorf("unknown identity type: %s", c.Identity.Type)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
