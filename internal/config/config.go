package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "FEEDWATCH_CONFIG"
	dbPathEnv     = "FEEDWATCH_DB_PATH"
	secretsEnv    = "FEEDWATCH_SECRETS_FILE"
	pushURLEnv    = "FEEDWATCH_PUSH_URL"
)

// Source describes one syndication feed to poll.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Topic classifies every item produced by this source (e.g.
	// "decisions", "press-releases").
	Topic string `yaml:"topic"`
	// FetchFullContent scrapes the item link and extracts the main text
	// instead of relying on the feed-provided description.
	FetchFullContent bool `yaml:"fetch_full_content"`
}

// FetchConfig bounds feed retrieval.
type FetchConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	MaxItemsPerFeed int `yaml:"max_items_per_feed"`
}

func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// TaggingConfig enables the optional entity-tagging capability.
type TaggingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (t TaggingConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// EnrichmentConfig wires the summarization service.
type EnrichmentConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Prompt         string        `yaml:"prompt"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	MaxRetries     int           `yaml:"max_retries"`
	Tagging        TaggingConfig `yaml:"tagging"`
}

func (e EnrichmentConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// NotifyConfig wires the outbound push channel.
type NotifyConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (n NotifyConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// RunConfig bounds a single pipeline run.
type RunConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes"`
	Workers        int `yaml:"workers"`
	// ReclaimMinutes is how long a ledger claim may stay unstored before
	// a later run is allowed to take it over.
	ReclaimMinutes int `yaml:"reclaim_minutes"`
	// IntervalMinutes drives daemon mode.
	IntervalMinutes int `yaml:"interval_minutes"`
}

func (r RunConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMinutes) * time.Minute
}

func (r RunConfig) ReclaimAfter() time.Duration {
	return time.Duration(r.ReclaimMinutes) * time.Minute
}

func (r RunConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// APIConfig configures the HTTP preference/query surface.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	Mode string `yaml:"mode"`
}

// Config is the full application configuration.
type Config struct {
	DatabasePath string           `yaml:"database_path"`
	SecretsFile  string           `yaml:"secrets_file"`
	Sources      []Source         `yaml:"sources"`
	Fetch        FetchConfig      `yaml:"fetch"`
	Enrichment   EnrichmentConfig `yaml:"enrichment"`
	Notify       NotifyConfig     `yaml:"notify"`
	Run          RunConfig        `yaml:"run"`
	API          APIConfig        `yaml:"api"`
	Logging      LoggingConfig    `yaml:"logging"`
}

// Topics collects the distinct topics declared by the configured sources.
func (c Config) Topics() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range c.Sources {
		t := strings.ToLower(strings.TrimSpace(s.Topic))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabasePath: "feedwatch.db",
		Fetch:        FetchConfig{TimeoutSeconds: 30, MaxItemsPerFeed: 100},
		Enrichment: EnrichmentConfig{
			Model:          "gpt-4o-mini",
			Prompt:         "Summarize the following update in 3-5 concise bullet points highlighting key information.\nTitle: {{.Title}}\nContent: {{.Body}}",
			TimeoutSeconds: 60,
			MaxRetries:     3,
			Tagging:        TaggingConfig{TimeoutSeconds: 10},
		},
		Notify: NotifyConfig{TimeoutSeconds: 10},
		Run: RunConfig{
			TimeoutMinutes:  10,
			Workers:         4,
			ReclaimMinutes:  60,
			IntervalMinutes: 60,
		},
		API:     APIConfig{Addr: ":8080"},
		Logging: LoggingConfig{Mode: "dev"},
	}
}

// Load reads the YAML config (path argument, else $FEEDWATCH_CONFIG, else
// ~/.config/feedwatch/config.yaml) over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(configPathEnv)
	}
	if strings.TrimSpace(path) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "feedwatch", "config.yaml")
		}
	}

	if path != "" {
		raw, err := os.ReadFile(ExpandPath(path))
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.DatabasePath = ExpandPath(cfg.DatabasePath)
	cfg.SecretsFile = ExpandPath(cfg.SecretsFile)
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(dbPathEnv); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv(secretsEnv); v != "" {
		c.SecretsFile = v
	}
	if v := os.Getenv(pushURLEnv); v != "" {
		c.Notify.Endpoint = v
	}
}

// ExpandPath expands a leading ~ and environment variables in a
// filesystem path.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			if p == "~" {
				p = home
			} else if strings.HasPrefix(p, "~/") {
				p = filepath.Join(home, p[2:])
			}
		}
	}
	return p
}
