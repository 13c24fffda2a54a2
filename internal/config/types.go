package config

import (
	"fmt"
	"time"
)

// TaskKind identifies the shape of a request/response pair a model serves.
type TaskKind string

const (
	TaskChat           TaskKind = "chat"
	TaskTextCompletion TaskKind = "text-completion"
	TaskEmbedding      TaskKind = "embedding"
	TaskImageToText    TaskKind = "image-to-text"
	TaskSpeechToText   TaskKind = "speech-to-text"
	TaskTextToImage    TaskKind = "text-to-image"
)

func (t TaskKind) Valid() bool {
	switch t {
	case TaskChat, TaskTextCompletion, TaskEmbedding, TaskImageToText, TaskSpeechToText, TaskTextToImage:
		return true
	}
	return false
}

// DeviceGPU is a tri-state device preference: true (require GPU), false
// (require CPU), or "auto" (let the engine choose). It unmarshals from
// either a YAML bool or the literal string "auto".
type DeviceGPU struct {
	Auto     bool
	Required bool // only meaningful when Auto == false
}

func (d *DeviceGPU) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// The bool branch goes first: yaml.v3 decodes any scalar, bools
	// included, into a string target.
	var asBool bool
	if err := unmarshal(&asBool); err == nil {
		*d = DeviceGPU{Auto: false, Required: asBool}
		return nil
	}
	var asString string
	if err := unmarshal(&asString); err != nil {
		return fmt.Errorf("device.gpu: expected bool or \"auto\": %w", err)
	}
	if asString == "auto" {
		*d = DeviceGPU{Auto: true}
		return nil
	}
	return fmt.Errorf("device.gpu: invalid string %q, only \"auto\" is accepted", asString)
}

// DeviceConfig holds the device placement preference for a model.
type DeviceConfig struct {
	GPU DeviceGPU `yaml:"gpu"`
}

// SourceConfig describes where a model's artifacts come from.
type SourceConfig struct {
	URL      string `yaml:"url"`
	Location string `yaml:"location"`
	Checksum string `yaml:"checksum"`
}

// ChatMessage is a single turn used for preload/initial-message defaults.
type ChatMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// TaskDefaults carries task-specific defaults applied when a request omits them.
type TaskDefaults struct {
	Sampling        map[string]any `yaml:"sampling"`
	Grammar         string         `yaml:"grammar"`
	Tools           []map[string]any `yaml:"tools"`
	InitialMessages []ChatMessage  `yaml:"initial_messages"`
	Prefix          string         `yaml:"prefix"`
}

// ModelConfig is the immutable-after-startup configuration for one model.
type ModelConfig struct {
	ID           string        `yaml:"id"`
	Engine       string        `yaml:"engine"`
	Task         TaskKind      `yaml:"task"`
	Source       *SourceConfig `yaml:"source"`
	MinInstances int           `yaml:"min_instances"`
	MaxInstances int           `yaml:"max_instances"`
	TTLSeconds   int           `yaml:"ttl"`
	Device       DeviceConfig  `yaml:"device"`
	Defaults     TaskDefaults  `yaml:"defaults"`
	Prepare      string        `yaml:"prepare"` // "blocking" | "async"

	// Options carries engine-specific tuning (e.g. llamacpp's context_size,
	// threads, batch_size, extra_args) that the core never interprets,
	// passed through to Adapter.CreateInstance opaquely, the same
	// treat-as-opaque policy TaskDefaults.Sampling follows for request-level
	// knobs.
	Options map[string]any `yaml:"options"`
}

// TTL returns the idle-eviction duration, defaulting to 10 minutes.
func (m ModelConfig) TTL() time.Duration {
	if m.TTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(m.TTLSeconds) * time.Second
}

// LoggingConfig configures the zap sink.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "console"
	Level  string `yaml:"level"`
	File   string `yaml:"file"` // optional rotating file sink path
}

// AuthConfig configures API-key authentication.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Keys      []string `yaml:"keys"`
	AdminKeys []string `yaml:"admin_keys"`
}

// RateLimitConfig configures per-key/per-IP token bucket rate limiting.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	BurstSize      int  `yaml:"burst_size"`
}

// CacheConfig configures the deterministic-response cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	TTLSec     int  `yaml:"ttl_sec"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}
