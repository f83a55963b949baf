package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models harvestline.yml.
type Config struct {
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyAgentHeader bool   `yaml:"allow_legacy_agent_header"`
	} `yaml:"server"`
	Harvest   HarvestConfig   `yaml:"harvest"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Claims    ClaimsConfig    `yaml:"claims"`
	CrossPost CrossPostConfig `yaml:"crosspost"`
	Events    EventsConfig    `yaml:"events"`
	Sites     []SiteConfig    `yaml:"sites"`
}

type HarvestConfig struct {
	MaxPerSite       int           `yaml:"max_per_site"`
	QualityThreshold float64       `yaml:"quality_threshold"`
	FetchMultiplier  int           `yaml:"fetch_multiplier"`
	MaxWait          time.Duration `yaml:"max_wait"`
	Retries          int           `yaml:"retries"`
	Backoff          time.Duration `yaml:"backoff"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type DedupConfig struct {
	Threshold   float64       `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	WindowLimit int           `yaml:"window_limit"`
}

type ScoringConfig struct {
	Weights struct {
		Detail     float64 `yaml:"detail"`
		Recency    float64 `yaml:"recency"`
		Engagement float64 `yaml:"engagement"`
		Clarity    float64 `yaml:"clarity"`
	} `yaml:"weights"`
	DetailTarget         int           `yaml:"detail_target"`
	RecencyHalfLife      time.Duration `yaml:"recency_half_life"`
	EngagementSaturation float64       `yaml:"engagement_saturation"`
}

type ClaimsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type CrossPostConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type EventsConfig struct {
	Buffer int          `yaml:"buffer"`
	Sinks  []SinkConfig `yaml:"sinks"`
}

// SinkConfig selects an event sink: table, redis or webhook.
type SinkConfig struct {
	Kind     string        `yaml:"kind"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	URL      string        `yaml:"url"`
	Secret   string        `yaml:"secret"`
	Timeout  time.Duration `yaml:"timeout"`
	Events   []string      `yaml:"events"`
}

type RateConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type SiteConfig struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Prefix    string            `yaml:"prefix"`
	BaseURL   string            `yaml:"base_url"`
	TokenEnv  string            `yaml:"token_env"`
	Enabled   *bool             `yaml:"enabled"`
	CrossPost bool              `yaml:"cross_post"`
	Rate      RateConfig        `yaml:"rate"`
	Options   map[string]string `yaml:"options"`
}

// IsEnabled treats a missing flag as enabled.
func (s SiteConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Token resolves the site credential from the environment.
func (s SiteConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.TokenEnv))
}

var siteKinds = map[string]bool{
	"stackexchange": true,
	"github":        true,
	"reddit":        true,
	"hackernews":    true,
}

var sinkKinds = map[string]bool{
	"table":   true,
	"redis":   true,
	"webhook": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite":
	case "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or pgx")
	}
	if c.Harvest.MaxPerSite <= 0 {
		return fmt.Errorf("config.harvest.max_per_site must be positive")
	}
	if c.Harvest.QualityThreshold < 0 || c.Harvest.QualityThreshold > 1 {
		return fmt.Errorf("config.harvest.quality_threshold must be within [0,1]")
	}
	if c.Harvest.Retries < 0 {
		return fmt.Errorf("config.harvest.retries must not be negative")
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("config.dedup.threshold must be within (0,1]")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("config.dedup.window must be positive")
	}
	w := c.Scoring.Weights
	for name, v := range map[string]float64{"detail": w.Detail, "recency": w.Recency, "engagement": w.Engagement, "clarity": w.Clarity} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("config.scoring.weights.%s must not be negative", name)
		}
	}
	if w.Detail+w.Recency+w.Engagement+w.Clarity <= 0 {
		return fmt.Errorf("config.scoring.weights must not all be zero")
	}
	for _, sink := range c.Events.Sinks {
		if !sinkKinds[sink.Kind] {
			return fmt.Errorf("config.events.sinks has unknown kind %q", sink.Kind)
		}
		if sink.Kind == "redis" && strings.TrimSpace(sink.Addr) == "" {
			return fmt.Errorf("redis sink requires addr")
		}
		if sink.Kind == "webhook" && strings.TrimSpace(sink.URL) == "" {
			return fmt.Errorf("webhook sink requires url")
		}
	}
	seen := map[string]bool{}
	prefixes := map[string]string{}
	for _, s := range c.Sites {
		if s.Name == "" {
			return fmt.Errorf("config.sites contains a site without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("site %s defined twice", s.Name)
		}
		seen[s.Name] = true
		if !siteKinds[s.Kind] {
			return fmt.Errorf("site %s has unknown kind %q", s.Name, s.Kind)
		}
		if s.Prefix == "" {
			return fmt.Errorf("site %s requires prefix", s.Name)
		}
		if other, ok := prefixes[s.Prefix]; ok {
			return fmt.Errorf("site %s reuses prefix %s of site %s", s.Name, s.Prefix, other)
		}
		prefixes[s.Prefix] = s.Name
		if s.BaseURL == "" {
			return fmt.Errorf("site %s requires base_url", s.Name)
		}
		if s.Rate.Capacity <= 0 || s.Rate.RefillPerSecond <= 0 {
			return fmt.Errorf("site %s requires a positive rate capacity and refill_per_second", s.Name)
		}
	}
	return nil
}

// Site returns the named site config.
func (c *Config) Site(name string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// EnabledSites lists enabled site names in config order.
func (c *Config) EnabledSites() []string {
	var names []string
	for _, s := range c.Sites {
		if s.IsEnabled() {
			names = append(names, s.Name)
		}
	}
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "harvestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  driver: sqlite
  dsn: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_agent_header: false

harvest:
  max_per_site: 10
  quality_threshold: 0.6
  fetch_multiplier: 3
  max_wait: 30s
  retries: 3
  backoff: 500ms
  request_timeout: 15s

dedup:
  threshold: 0.8
  window: 168h
  window_limit: 2000

scoring:
  weights:
    detail: 0.3
    recency: 0.2
    engagement: 0.25
    clarity: 0.25
  detail_target: 1200
  recency_half_life: 168h
  engagement_saturation: 100

claims:
  timeout: 4h
  reap_interval: 5m

crosspost:
  timeout: 5s

events:
  buffer: 256
  sinks:
    - kind: table

sites:
  - name: stackoverflow
    kind: stackexchange
    prefix: so_
    base_url: https://api.stackexchange.com
    token_env: STACKEXCHANGE_KEY
    rate:
      capacity: 30
      refill_per_second: 0.5
    options:
      site: stackoverflow

  - name: github
    kind: github
    prefix: gh_
    base_url: https://api.github.com
    token_env: GITHUB_TOKEN
    cross_post: true
    rate:
      capacity: 10
      refill_per_second: 0.15
    options:
      query: 'label:"help wanted"'

  - name: reddit
    kind: reddit
    prefix: rd_
    base_url: https://www.reddit.com
    rate:
      capacity: 10
      refill_per_second: 0.15
    options:
      subreddits: learnprogramming,golang,webdev

  - name: hackernews
    kind: hackernews
    prefix: hn_
    base_url: https://hn.algolia.com
    rate:
      capacity: 20
      refill_per_second: 1
`
