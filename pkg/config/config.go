// Package config loads the engine's TOML configuration file and applies
// defaults for anything unset.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"github.com/dephealth/vulnscan-db/pkg/utils"
)

const (
	BackendFS   = "fs"
	BackendBolt = "boltdb"
)

type Config struct {
	Cache Cache    `toml:"cache"`
	HTTP  HTTP     `toml:"http"`
	OSV   Provider `toml:"osv"`
	GHSA  Provider `toml:"ghsa"`
}

type Cache struct {
	Dir            string `toml:"dir"`
	Backend        string `toml:"backend"`
	TTLMinutes     int    `toml:"ttl_minutes"`
	SeverityBypass *bool  `toml:"severity_bypass"`
}

type HTTP struct {
	Retries        int     `toml:"retries"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RateLimit      float64 `toml:"rate_limit"`
}

type Provider struct {
	URL         string `toml:"url"`
	Enabled     *bool  `toml:"enabled"`
	Concurrency int    `toml:"concurrency"`
	TokenEnv    string `toml:"token_env"`
}

// Load reads path and fills in defaults. A missing file is not an error; the
// defaults alone are a working configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, xerrors.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cache.Dir == "" {
		c.Cache.Dir = utils.CacheDir()
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendFS
	}
	if c.Cache.TTLMinutes <= 0 {
		c.Cache.TTLMinutes = 60
	}
	if c.Cache.SeverityBypass == nil {
		t := true
		c.Cache.SeverityBypass = &t
	}
	if c.HTTP.Retries <= 0 {
		c.HTTP.Retries = 3
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		c.HTTP.TimeoutSeconds = 30
	}
	if c.OSV.Enabled == nil {
		t := true
		c.OSV.Enabled = &t
	}
	if c.GHSA.Enabled == nil {
		t := true
		c.GHSA.Enabled = &t
	}
	if c.GHSA.TokenEnv == "" {
		c.GHSA.TokenEnv = "GITHUB_TOKEN"
	}
}

// TTL returns the cache time-to-live as a duration.
func (c Cache) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Token resolves the provider's bearer token from the environment. An empty
// string means unauthenticated requests.
func (p Provider) Token() string {
	if p.TokenEnv == "" {
		return ""
	}
	return os.Getenv(p.TokenEnv)
}
