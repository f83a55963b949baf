package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"stackoverflow", "github", "reddit", "hackernews"}, cfg.EnabledSites())
	assert.Equal(t, 4*time.Hour, cfg.Claims.Timeout)
	assert.InDelta(t, 0.6, cfg.Harvest.QualityThreshold, 1e-9)
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("harvest:\n  max_per_site: 25\nclaims:\n  timeout: 30m\n"))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Harvest.MaxPerSite)
	assert.Equal(t, 30*time.Minute, cfg.Claims.Timeout)
	assert.Equal(t, 3, cfg.Harvest.FetchMultiplier)
	assert.Len(t, cfg.Sites, 4)
}

func TestDisabledSiteIsNotEnabled(t *testing.T) {
	cfg := Default()
	off := false
	cfg.Sites[2].Enabled = &off
	assert.Equal(t, []string{"stackoverflow", "github", "hackernews"}, cfg.EnabledSites())
	sc, ok := cfg.Site("reddit")
	require.True(t, ok)
	assert.False(t, sc.IsEnabled())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"pgx without dsn":     func(c *Config) { c.Store.Driver = "pgx" },
		"unknown driver":      func(c *Config) { c.Store.Driver = "mysql" },
		"threshold above one": func(c *Config) { c.Harvest.QualityThreshold = 1.5 },
		"zero weights": func(c *Config) {
			c.Scoring.Weights.Detail, c.Scoring.Weights.Recency = 0, 0
			c.Scoring.Weights.Engagement, c.Scoring.Weights.Clarity = 0, 0
		},
		"duplicate prefix":   func(c *Config) { c.Sites[1].Prefix = c.Sites[0].Prefix },
		"unknown site kind":  func(c *Config) { c.Sites[0].Kind = "forum" },
		"zero rate":          func(c *Config) { c.Sites[0].Rate.Capacity = 0 },
		"redis sink no addr": func(c *Config) { c.Events.Sinks = append(c.Events.Sinks, SinkConfig{Kind: "redis"}) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "hl config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}
