// Package config loads tacit configuration from .tacit/config.yaml.
// Missing files fall back to defaults so the hook can run on a fresh
// workspace without any setup step.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tacit configuration.
type Config struct {
	// Store settings
	Store StoreConfig `yaml:"store"`

	// Hook entry point settings
	Hook HookConfig `yaml:"hook"`

	// Worker pool settings
	Worker WorkerConfig `yaml:"worker"`

	// LLM oracle configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Budget limits (integer cents)
	Budget BudgetConfig `yaml:"budget"`

	// Publishing gateway
	Publish PublishConfig `yaml:"publish"`

	// Telemetry
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `yaml:"path"` // Default: <workspace>/.tacit/tacit.db
}

// HookConfig configures the synchronous capture path.
type HookConfig struct {
	DeadlineMS    int  `yaml:"deadline_ms"`     // Default: 100
	MaxEventBytes int  `yaml:"max_event_bytes"` // Default: 1 MiB
	Pseudonymize  bool `yaml:"pseudonymize"`    // In-memory, per-invocation only
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	PollInterval  string `yaml:"poll_interval"`  // Default: "1s"
	ShutdownGrace string `yaml:"shutdown_grace"` // Default: "30s"
	Concurrency   int    `yaml:"concurrency"`    // Per job type, default 1
	LeaseSeconds  int    `yaml:"lease_seconds"`  // Default: 120
}

// LLMConfig configures the remote oracle used by stage-2 validation and
// learning extraction.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // "genai"
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`   // Default: "gemini-2.0-flash"
	Timeout   string `yaml:"timeout"` // Per attempt, default "10s"
	MaxOutput int    `yaml:"max_output_tokens"`
}

// EmbeddingConfig configures the embedding engine used for learning dedup.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "genai" or "local"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"` // Default: "gemini-embedding-001"
}

// BudgetConfig holds spending limits in integer cents.
type BudgetConfig struct {
	DailyLimitCents        int64  `yaml:"daily_limit_cents"`
	MonthlyLimitCents      int64  `yaml:"monthly_limit_cents"`
	PerOperationLimitCents int64  `yaml:"per_operation_limit_cents"`
	PricingPath            string `yaml:"pricing_path"` // Default: <workspace>/.tacit/pricing.yaml
}

// PublishConfig configures the shared-store gateway. An empty URL
// disables publishing entirely; publish jobs then stay queued.
type PublishConfig struct {
	GatewayURL string `yaml:"gateway_url"`
}

// TelemetryConfig configures logging and retention.
type TelemetryConfig struct {
	Level         string `yaml:"level"`          // debug/info/warn/error
	RetentionDays int    `yaml:"retention_days"` // Default: 30
	PruneBatch    int    `yaml:"prune_batch"`    // Row-delete cap per run, default 10000
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		Hook: HookConfig{
			DeadlineMS:    100,
			MaxEventBytes: 1 << 20,
		},
		Worker: WorkerConfig{
			PollInterval:  "1s",
			ShutdownGrace: "30s",
			Concurrency:   1,
			LeaseSeconds:  120,
		},
		LLM: LLMConfig{
			Provider:  "genai",
			Model:     "gemini-2.0-flash",
			Timeout:   "10s",
			MaxOutput: 4096,
		},
		Embedding: EmbeddingConfig{
			Provider: "local",
			Model:    "gemini-embedding-001",
		},
		Budget: BudgetConfig{
			DailyLimitCents:        500,
			MonthlyLimitCents:      10000,
			PerOperationLimitCents: 25,
		},
		Telemetry: TelemetryConfig{
			Level:         "info",
			RetentionDays: 30,
			PruneBatch:    10000,
		},
	}
}

// Load reads config from the workspace, applying defaults for anything
// unset. A missing file is not an error.
func Load(workspace string) (Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".tacit", "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyWorkspace(workspace)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyWorkspace(workspace)
	return cfg, nil
}

func (c *Config) applyWorkspace(workspace string) {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(workspace, ".tacit", "tacit.db")
	}
	if c.Budget.PricingPath == "" {
		c.Budget.PricingPath = filepath.Join(workspace, ".tacit", "pricing.yaml")
	}
	if c.Hook.DeadlineMS <= 0 {
		c.Hook.DeadlineMS = 100
	}
	if c.Hook.MaxEventBytes <= 0 {
		c.Hook.MaxEventBytes = 1 << 20
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.LeaseSeconds <= 0 {
		c.Worker.LeaseSeconds = 120
	}
	if c.Telemetry.PruneBatch <= 0 {
		c.Telemetry.PruneBatch = 10000
	}
	if c.Telemetry.RetentionDays <= 0 {
		c.Telemetry.RetentionDays = 30
	}
}

// HookDeadline returns the hard wall-clock deadline for one hook invocation.
func (c Config) HookDeadline() time.Duration {
	return time.Duration(c.Hook.DeadlineMS) * time.Millisecond
}

// ParseDuration parses a config duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .tacit directory, falling back to the working directory itself.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for cur := dir; ; {
		if info, err := os.Stat(filepath.Join(cur, ".tacit")); err == nil && info.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir, nil
		}
		cur = parent
	}
}
