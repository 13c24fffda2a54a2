package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iimez/llmpool/internal/errs"
)

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// Config is the process-level configuration.
type Config struct {
	ListenAddr         string                 `yaml:"listen_addr"`
	ModelsPath         string                 `yaml:"models_path"`
	Concurrency        int                    `yaml:"concurrency"`
	PrepareConcurrency int                    `yaml:"prepare_concurrency"`
	TTLSweepSeconds    int                    `yaml:"ttl_sweep_sec"`
	PromoteCacheHits   *bool                  `yaml:"promote_cache_hits"`
	Models             map[string]ModelConfig `yaml:"models"`
	Logging            LoggingConfig          `yaml:"logging"`
	Auth               AuthConfig             `yaml:"auth"`
	RateLimit          RateLimitConfig        `yaml:"rate_limit"`
	Cache              CacheConfig            `yaml:"cache"`
	Metrics            MetricsConfig          `yaml:"metrics"`

	// EngineBinaries maps an engine name (e.g. "llamacpp") to the executable
	// path it should spawn, for engines backed by a subprocess server.
	EngineBinaries map[string]string `yaml:"engine_binaries"`

	configPath string `yaml:"-"`
}

func (c *Config) ConfigPath() string { return c.configPath }

// ShouldPromoteCacheHits reports whether a waiter matching a just-released
// instance's cached context may jump ahead of older waiters. Default true;
// deployments that need strict FIFO set promote_cache_hits: false.
func (c *Config) ShouldPromoteCacheHits() bool {
	if c.PromoteCacheHits == nil {
		return true
	}
	return *c.PromoteCacheHits
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "", "reading config", err)
	}

	cfg := &Config{
		ListenAddr:         ":8080",
		Concurrency:        1,
		PrepareConcurrency: 2,
		TTLSweepSeconds:    15,
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "", "parsing config", err)
	}

	cfg.ModelsPath = expandHome(cfg.ModelsPath)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PrepareConcurrency <= 0 {
		cfg.PrepareConcurrency = 2
	}

	if len(cfg.Models) == 0 {
		return nil, errs.New(errs.KindConfig, "", "at least one model must be configured")
	}

	for id, m := range cfg.Models {
		if !modelIDPattern.MatchString(id) {
			return nil, errs.New(errs.KindConfig, id, "model id must match [A-Za-z0-9_\\-.]+")
		}
		if m.Engine == "" {
			return nil, errs.New(errs.KindConfig, id, "engine is required")
		}
		if m.Task == "" {
			m.Task = TaskChat
		}
		if !m.Task.Valid() {
			return nil, errs.New(errs.KindConfig, id, fmt.Sprintf("invalid task %q", m.Task))
		}
		if m.Source == nil && m.MinInstances > 0 {
			// A model with min_instances > 0 is prepared at startup and must
			// be locatable; engines without a remote source are expected to
			// resolve Location themselves, so this only rejects the case
			// where neither URL nor Location was set at all.
			return nil, errs.New(errs.KindConfig, id, "source is required when min_instances > 0")
		}
		if m.MinInstances < 0 {
			return nil, errs.New(errs.KindConfig, id, "min_instances must be >= 0")
		}
		want := m.MaxInstances
		if want < 1 {
			want = 1
		}
		if want < m.MinInstances {
			want = m.MinInstances
		}
		m.MaxInstances = want
		if m.Prepare == "" {
			m.Prepare = "async"
		}
		if m.Prepare != "blocking" && m.Prepare != "async" {
			return nil, errs.New(errs.KindConfig, id, fmt.Sprintf("invalid prepare mode %q", m.Prepare))
		}
		if m.Source != nil {
			// Artifact locations are anchored under models_path: a relative
			// location resolves against it, and a URL-only source defaults to
			// models_path/<url basename> as its download target.
			loc := expandHome(m.Source.Location)
			if loc == "" && m.Source.URL != "" {
				loc = filepath.Base(strings.SplitN(m.Source.URL, "?", 2)[0])
			}
			if loc != "" && !filepath.IsAbs(loc) && cfg.ModelsPath != "" {
				loc = filepath.Join(cfg.ModelsPath, loc)
			}
			m.Source.Location = loc
		}
		m.ID = id
		cfg.Models[id] = m
	}

	cfg.configPath = path
	return cfg, nil
}

// ModelByRequestedName resolves a client-supplied model name to a configured
// model. Exact match only: the OpenAI surface exposes configured ids
// verbatim via GET /v1/models, and substring aliasing invites silent
// misrouting between similarly-named models.
func (c *Config) ModelByRequestedName(name string) (ModelConfig, bool) {
	m, ok := c.Models[name]
	return m, ok
}
