// Package config loads daemon configuration from an optional YAML file with
// VPS_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Config is the complete daemon configuration.
type Config struct {
	Listen    ListenConfig    `mapstructure:"listen"`
	Docker    DockerConfig    `mapstructure:"docker"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
}

// ListenConfig holds the HTTP listen addresses.
type ListenConfig struct {
	API     string `mapstructure:"api"`
	Metrics string `mapstructure:"metrics"`
}

type DockerConfig struct {
	// Host overrides the engine address; empty uses DOCKER_HOST / the
	// default socket.
	Host string `mapstructure:"host"`
}

type NATSConfig struct {
	// URL of the event broker; empty disables event publishing.
	URL string `mapstructure:"url"`
}

type RegistryConfig struct {
	// Path of the badger database directory.
	Path string `mapstructure:"path"`
}

type QuotaConfig struct {
	// Limit is the maximum number of concurrently owned instances.
	Limit int `mapstructure:"limit"`
}

// ResourcesConfig is applied identically to every created instance. Memory
// accepts human-readable sizes ("2g", "512mb"); storage is passed to the
// runtime as given.
type ResourcesConfig struct {
	Memory  string  `mapstructure:"memory"`
	CPUs    float64 `mapstructure:"cpus"`
	Storage string  `mapstructure:"storage"`
}

type ReadinessConfig struct {
	// Timeout bounds the total wait for a connectable session.
	Timeout time.Duration `mapstructure:"timeout"`
	// PollInterval is the idle wait between output checks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxConcurrent bounds simultaneous provisioning work.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.api", ":8080")
	v.SetDefault("listen.metrics", ":9090")
	v.SetDefault("docker.host", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("registry.path", "./data/registry")
	v.SetDefault("quota.limit", 12)
	v.SetDefault("resources.memory", "2g")
	v.SetDefault("resources.cpus", 1.0)
	v.SetDefault("resources.storage", "")
	v.SetDefault("readiness.timeout", 2*time.Minute)
	v.SetDefault("readiness.poll_interval", 2*time.Second)
	v.SetDefault("readiness.max_concurrent", 8)
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Quota.Limit <= 0 {
		return nil, fmt.Errorf("quota.limit must be positive, got %d", cfg.Quota.Limit)
	}
	return &cfg, nil
}

// ResourceLimits converts the configured sizes into runtime limits.
func (c *Config) ResourceLimits() (models.ResourceLimits, error) {
	var limits models.ResourceLimits
	if c.Resources.Memory != "" {
		mem, err := humanize.ParseBytes(c.Resources.Memory)
		if err != nil {
			return limits, fmt.Errorf("resources.memory %q: %w", c.Resources.Memory, err)
		}
		limits.MemoryBytes = int64(mem)
	}
	if c.Resources.CPUs > 0 {
		limits.NanoCPUs = int64(c.Resources.CPUs * 1e9)
	}
	limits.StorageSize = c.Resources.Storage
	return limits, nil
}
