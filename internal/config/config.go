package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/kraken/internal/safety"
)

// Update strategies for replacing an extension container.
const (
	UpdateStopFirst  = "stop-first"
	UpdateStartFirst = "start-first"
)

// Config is the top-level configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Registry     RegistryConfig     `yaml:"registry"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Core         CoreConfig         `yaml:"core"`
	Events       EventsConfig       `yaml:"events"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// RuntimeConfig describes how to reach the local container runtime.
type RuntimeConfig struct {
	// Host is the engine endpoint, e.g. unix:///var/run/docker.sock. Empty uses
	// the environment (DOCKER_HOST) or the engine default.
	Host            string        `yaml:"host"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	PullTimeout     time.Duration `yaml:"pull_timeout"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// RegistryConfig holds remote registry settings
type RegistryConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	PlainHTTP      []string      `yaml:"plain_http"`
	DockerConfig   string        `yaml:"docker_config"`
	TagConcurrency int           `yaml:"tag_concurrency"`
}

// CatalogConfig controls the version catalog cache
type CatalogConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

// ManifestConfig points at the extension manifest source
type ManifestConfig struct {
	// Source is an http(s) URL or a local file path.
	Source  string        `yaml:"source"`
	Timeout time.Duration `yaml:"timeout"`
}

// OrchestratorConfig holds control loop settings
type OrchestratorConfig struct {
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	InspectTimeout     time.Duration `yaml:"inspect_timeout"`
	AutoRestart        bool          `yaml:"auto_restart"`
	RestartBackoff     time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff  time.Duration `yaml:"max_restart_backoff"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	UpdateStrategy     string        `yaml:"update_strategy"`
	OperationHistory   int           `yaml:"operation_history"`
}

// CoreConfig names the core service and its bootstrap launcher
type CoreConfig struct {
	Repository             string `yaml:"repository"`
	ContainerName          string `yaml:"container_name"`
	BootstrapRepository    string `yaml:"bootstrap_repository"`
	BootstrapContainerName string `yaml:"bootstrap_container_name"`
}

// EventsConfig configures the optional redis event publisher
type EventsConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:9110",
			DataDir: "/var/lib/kraken",
			DBPath:  "",
		},
		Runtime: RuntimeConfig{
			Host:            "",
			CallTimeout:     30 * time.Second,
			PullTimeout:     30 * time.Minute,
			StopGracePeriod: 10 * time.Second,
			RetryAttempts:   3,
		},
		Registry: RegistryConfig{
			Timeout:        30 * time.Second,
			TagConcurrency: 4,
		},
		Catalog: CatalogConfig{
			TTL:  10 * time.Minute,
			Size: 512,
		},
		Manifest: ManifestConfig{
			Timeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ReconcileInterval:  15 * time.Second,
			InspectTimeout:     5 * time.Second,
			AutoRestart:        true,
			RestartBackoff:     5 * time.Second,
			MaxRestartBackoff:  5 * time.Minute,
			MaxRestartAttempts: 10,
			UpdateStrategy:     UpdateStopFirst,
			OperationHistory:   500,
		},
		Core: CoreConfig{
			Repository:             "bluerobotics/blueos-core",
			ContainerName:          "blueos-core",
			BootstrapRepository:    "bluerobotics/blueos-bootstrap",
			BootstrapContainerName: "blueos-bootstrap",
		},
		Events: EventsConfig{
			Channel: "kraken:events",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"kraken.yaml",
		"/etc/kraken/kraken.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "kraken", "kraken.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Orchestrator.ReconcileInterval <= 0 {
		return fmt.Errorf("orchestrator.reconcile_interval must be positive")
	}
	if c.Orchestrator.InspectTimeout <= 0 {
		return fmt.Errorf("orchestrator.inspect_timeout must be positive")
	}
	if c.Runtime.CallTimeout <= 0 {
		return fmt.Errorf("runtime.call_timeout must be positive")
	}
	switch strings.ToLower(c.Orchestrator.UpdateStrategy) {
	case UpdateStopFirst, UpdateStartFirst:
	case "":
		c.Orchestrator.UpdateStrategy = UpdateStopFirst
	default:
		return fmt.Errorf("orchestrator.update_strategy %q is not one of %s, %s",
			c.Orchestrator.UpdateStrategy, UpdateStopFirst, UpdateStartFirst)
	}
	if c.Core.BootstrapRepository == "" {
		return fmt.Errorf("core.bootstrap_repository is required")
	}
	if c.Server.DBPath != "" {
		if _, err := safety.ResolveUnder(c.Server.DataDir, c.Server.DBPath); err != nil {
			return fmt.Errorf("server.db_path: %w", err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite path, defaulting under the data directory
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		if p, err := safety.ResolveUnder(c.Server.DataDir, c.Server.DBPath); err == nil {
			return p
		}
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "kraken.db")
}

// DockerConfigPath returns the docker config.json used for registry credentials
func (c *Config) DockerConfigPath() string {
	if c.Registry.DockerConfig != "" {
		return c.Registry.DockerConfig
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".docker", "config.json")
	}
	return filepath.Join(c.Server.DataDir, "docker", "config.json")
}
