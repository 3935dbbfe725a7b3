package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Source types understood by the adapter factory.
const (
	TypeJSON = "json"
	TypeRSS  = "rss"
	TypeICS  = "ics"
	TypeHTML = "html"
)

// DefaultAgendaKey names the agenda synthesized when none is configured.
const DefaultAgendaKey = "all"

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Europe/Paris"
	defaultRefreshCron    = "*/15 * * * *"
	defaultHorizonDays    = 31
	defaultUserAgent      = "sortir/1.0 (+agenda aggregator)"
	defaultCacheDir       = "./var/cache"
	defaultSourceTimeout  = 15 * time.Second
	defaultSourceRetries  = 1
	defaultAgendaTTL      = 30 * time.Minute
	defaultRefreshTimeout = 2 * time.Minute
	defaultPageSize       = 100
	defaultMaxPages       = 5
)

// JSONConfig describes a structured JSON API endpoint.
type JSONConfig struct {
	// ItemsPath is a dotted path to the array of records in the response
	// (e.g. "results" or "data.events"). Empty means the root is the array.
	ItemsPath     string `yaml:"items_path,omitempty" json:"items_path,omitempty"`
	PageParam     string `yaml:"page_param,omitempty" json:"page_param,omitempty"`
	PageSizeParam string `yaml:"page_size_param,omitempty" json:"page_size_param,omitempty"`
	PageSize      int    `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	MaxPages      int    `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	FirstPage     int    `yaml:"first_page,omitempty" json:"first_page,omitempty"`
}

// Paginated reports whether the endpoint is walked page by page.
func (j JSONConfig) Paginated() bool {
	return j.PageParam != ""
}

// SelectorConfig extracts one field from a scraped card.
type SelectorConfig struct {
	Selector string `yaml:"selector" json:"selector"`
	// Attr reads an attribute instead of the text content.
	Attr string `yaml:"attr,omitempty" json:"attr,omitempty"`
}

// HTMLConfig is the selector map for a scraped page.
type HTMLConfig struct {
	Item   string                    `yaml:"item" json:"item"`
	Fields map[string]SelectorConfig `yaml:"fields" json:"fields"`
	// Render loads the page in headless Chromium before scraping.
	Render bool `yaml:"render,omitempty" json:"render,omitempty"`
}

// ICSConfig holds iCalendar expansion limits.
type ICSConfig struct {
	MaxOccurrences int `yaml:"max_occurrences,omitempty" json:"max_occurrences,omitempty"`
}

// SourceConfig describes one upstream event source.
type SourceConfig struct {
	// Name is the source tag stamped on every event; must be unique.
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Retries is the number of extra attempts after a failed fetch.
	Retries *int `yaml:"retries,omitempty" json:"retries,omitempty"`

	DefaultTitle string `yaml:"default_title,omitempty" json:"default_title,omitempty"`
	// StableIDs marks the source's native ids as stable across refreshes,
	// enabling id-based deduplication in addition to (title, date).
	StableIDs bool `yaml:"stable_ids,omitempty" json:"stable_ids,omitempty"`
	// Fields maps canonical event fields to native field names.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`

	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TokenEnv   string            `yaml:"token_env,omitempty" json:"token_env,omitempty"`
	TokenParam string            `yaml:"token_param,omitempty" json:"token_param,omitempty"`

	JSON JSONConfig `yaml:"json,omitempty" json:"json,omitempty"`
	HTML HTMLConfig `yaml:"html,omitempty" json:"html,omitempty"`
	ICS  ICSConfig  `yaml:"ics,omitempty" json:"ics,omitempty"`
}

// RetryCount returns the configured retries, defaulting when unset.
func (s SourceConfig) RetryCount() int {
	if s.Retries == nil || *s.Retries < 0 {
		return defaultSourceRetries
	}
	return *s.Retries
}

// AgendaConfig is one served aggregate, cached under Key.
type AgendaConfig struct {
	Key string `yaml:"key" json:"key"`
	// Sources lists source names; empty means every configured source.
	Sources     []string      `yaml:"sources,omitempty" json:"sources,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	HorizonDays int           `yaml:"horizon_days,omitempty" json:"horizon_days,omitempty"`
}

// CacheConfig selects where cache entries are persisted.
type CacheConfig struct {
	// Backend is "file" (one JSON document per key) or "sqlite".
	Backend    string `yaml:"backend" json:"backend"`
	Dir        string `yaml:"dir" json:"dir"`
	SQLitePath string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	// HTTPCacheDir enables conditional GET (ETag / Last-Modified) for
	// feed downloads. Empty disables it.
	HTTPCacheDir   string        `yaml:"http_cache_dir,omitempty" json:"http_cache_dir,omitempty"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout,omitempty" json:"refresh_timeout,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for zone-less upstream dates and output.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string used to warm every agenda.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the default number of future days kept per agenda.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format,omitempty" json:"log_format,omitempty"`

	Cache   CacheConfig    `yaml:"cache" json:"cache"`
	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Agendas []AgendaConfig `yaml:"agendas,omitempty" json:"agendas,omitempty"`
}

// envOverrides are read from SORTIR_* environment variables.
type envOverrides struct {
	Listen       string `envconfig:"LISTEN"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	LogFormat    string `envconfig:"LOG_FORMAT"`
	Timezone     string `envconfig:"TIMEZONE"`
	CacheDir     string `envconfig:"CACHE_DIR"`
	CacheBackend string `envconfig:"CACHE_BACKEND"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:      defaultListen,
		Timezone:    defaultTimezone,
		RefreshCron: defaultRefreshCron,
		HorizonDays: defaultHorizonDays,
		UserAgent:   defaultUserAgent,
		LogLevel:    "info",
		Cache: CacheConfig{
			Backend: "file",
			Dir:     defaultCacheDir,
		},
		Sources: []SourceConfig{},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = "file"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = defaultCacheDir
	}
	if c.Cache.Backend == "sqlite" && c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = filepath.Join(c.Cache.Dir, "cache.db")
	}
	if c.Cache.RefreshTimeout <= 0 {
		c.Cache.RefreshTimeout = defaultRefreshTimeout
	}

	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Timeout <= 0 {
			s.Timeout = defaultSourceTimeout
		}
		if s.Type == TypeJSON && s.JSON.Paginated() {
			if s.JSON.PageSize <= 0 {
				s.JSON.PageSize = defaultPageSize
			}
			if s.JSON.MaxPages <= 0 {
				s.JSON.MaxPages = defaultMaxPages
			}
		}
	}

	if len(c.Agendas) == 0 {
		c.Agendas = []AgendaConfig{{Key: DefaultAgendaKey}}
	}
	for i := range c.Agendas {
		a := &c.Agendas[i]
		a.Key = strings.TrimSpace(a.Key)
		if a.TTL <= 0 {
			a.TTL = defaultAgendaTTL
		}
		if a.HorizonDays <= 0 {
			a.HorizonDays = c.HorizonDays
		}
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	switch c.Cache.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cache backend %q: must be file or sqlite", c.Cache.Backend))
	}

	names := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is empty", i))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name))
		}
		names[s.Name] = true

		switch s.Type {
		case TypeJSON, TypeRSS, TypeICS:
		case TypeHTML:
			if s.HTML.Item == "" {
				errs = append(errs, fmt.Errorf("source %q: html.item selector is empty", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown type %q", s.Name, s.Type))
		}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("source %q: url is empty", s.Name))
		}
	}

	keys := make(map[string]bool, len(c.Agendas))
	for i, a := range c.Agendas {
		if a.Key == "" {
			errs = append(errs, fmt.Errorf("agendas[%d]: key is empty", i))
			continue
		}
		if keys[a.Key] {
			errs = append(errs, fmt.Errorf("agendas[%d]: duplicate key %q", i, a.Key))
		}
		keys[a.Key] = true
		for _, name := range a.Sources {
			if !names[name] {
				errs = append(errs, fmt.Errorf("agenda %q: unknown source %q", a.Key, name))
			}
		}
	}

	return errors.Join(errs...)
}

// Location returns the configured timezone, or time.Local when it cannot
// be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Source returns the source config with the given name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// ApplyEnv overlays SORTIR_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process("SORTIR", &env); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	if env.Listen != "" {
		c.Listen = env.Listen
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.LogFormat != "" {
		c.LogFormat = env.LogFormat
	}
	if env.Timezone != "" {
		c.Timezone = env.Timezone
	}
	if env.CacheDir != "" {
		c.Cache.Dir = env.CacheDir
	}
	if env.CacheBackend != "" {
		c.Cache.Backend = env.CacheBackend
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - In both cases SORTIR_* environment overrides are applied and the
//     result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
