package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fincoach/insightcache/pkg/logging"
	"github.com/fincoach/insightcache/pkg/models"
)

// Config holds all insightcache configuration.
type Config struct {
	Listen    string          `yaml:"listen" validate:"required"`
	Log       logging.Config  `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Generator GeneratorConfig `yaml:"generator"`
}

// StoreConfig selects the cache row backend.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// CacheConfig controls lookup and generation behaviour.
type CacheConfig struct {
	// CoalesceMisses collapses concurrent misses for the same key into one
	// generator call within this process.
	CoalesceMisses    bool                                      `yaml:"coalesce_misses"`
	GenerationTimeout time.Duration                             `yaml:"generation_timeout" validate:"gte=0"`
	Policies          map[models.InsightType]models.PolicyEntry `yaml:"policies" validate:"dive"`
}

// SweeperConfig controls the background expired-row sweep.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"required_if=Enabled true,gte=0"`
	// RedisAddr, when set, makes replicas share a lock so only one sweeps
	// per interval.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LockTTL       time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// GeneratorConfig defines the upstream text generators.
type GeneratorConfig struct {
	Model     string           `yaml:"model"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"omitempty,url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type" validate:"omitempty,oneof=openai anthropic"`
	Model  string `yaml:"model"`
}

// BreakerConfig tunes the circuit breaker around generator calls.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio" validate:"gte=0,lte=1"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8090",
		Log:    logging.DefaultConfig(),
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "insightcache.db",
		},
		Cache: CacheConfig{
			GenerationTimeout: 60 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: time.Hour,
			LockTTL:  5 * time.Minute,
		},
		Generator: GeneratorConfig{
			Model: "gpt-4o-mini",
			Breaker: BreakerConfig{
				MaxRequests:  5,
				Interval:     30 * time.Second,
				Timeout:      60 * time.Second,
				FailureRatio: 0.8,
				MinRequests:  5,
			},
		},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

var validate = validator.New()

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
