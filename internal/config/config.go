// Package config assembles the router's configuration record once at
// process start by layering defaults, an optional YAML file, and
// environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration.
type Config struct {
	Backends BackendsConfig `yaml:"backends"`
	Cost     CostConfig     `yaml:"cost"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Index    IndexConfig    `yaml:"index"`
	Router   RouterConfig   `yaml:"router"`
	Retry    RetryConfig    `yaml:"retry"`
}

// BackendsConfig holds endpoint and credential settings for each provider
// class enumerated by the Model Registry.
type BackendsConfig struct {
	LocalStudioBaseURL string `yaml:"local_studio_base_url"` // OpenAI-compatible loopback endpoint
	LocalOllamaBaseURL string `yaml:"local_ollama_base_url"` // plain chat loopback endpoint
	RemoteBaseURL      string `yaml:"remote_base_url"`       // hosted aggregator
	RemoteAPIKey       string `yaml:"remote_api_key,omitempty"`
	DefaultModelID     string `yaml:"default_model_id"`
}

// CostConfig holds the cost threshold that get_cost_estimate compares its
// projected total against.
type CostConfig struct {
	ThresholdUSD float64 `yaml:"threshold_usd"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`     // debug, info, warn, error
	FilePath string `yaml:"file_path"` // loaded but not read: serve logs to locallama.log under Storage.DBDir
}

// StorageConfig holds the configurable root for persistent state files.
type StorageConfig struct {
	DBDir string `yaml:"db_dir"`
}

// IndexConfig holds Code Index settings.
type IndexConfig struct {
	ExcludePatterns []string `yaml:"exclude_patterns"`
	ChunkLines      int      `yaml:"chunk_lines"`
	K1              float64  `yaml:"k1"`
	B               float64  `yaml:"b"`
	RetrivThreshold float64  `yaml:"retriv_threshold"`
}

// RouterConfig holds Router & Load Balancer tunables.
type RouterConfig struct {
	EffectiveLoadCap      float64 `yaml:"effective_load_cap"`
	AlternativeScoreRatio float64 `yaml:"alternative_score_ratio"`
	EnableBatching        bool    `yaml:"enable_batching"`
	ResourceOptimizedPath bool    `yaml:"resource_optimized_path"`
}

// RetryConfig holds the Executor's backend retry/backoff settings.
type RetryConfig struct {
	MaxAdditionalRetries int           `yaml:"max_additional_retries"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backends: BackendsConfig{
			LocalStudioBaseURL: "http://localhost:1234",
			LocalOllamaBaseURL: "http://localhost:11434",
			RemoteBaseURL:      "https://openrouter.ai/api/v1",
			DefaultModelID:     "local:default",
		},
		Cost: CostConfig{ThresholdUSD: 0.02},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Storage: StorageConfig{DBDir: "./.locallama"},
		Index: IndexConfig{
			ExcludePatterns: []string{"**/node_modules/**", "**/.git/**", "**/vendor/**"},
			ChunkLines:      200,
			K1:              1.5,
			B:               0.75,
			RetrivThreshold: 0.8,
		},
		Router: RouterConfig{
			EffectiveLoadCap:      3.0,
			AlternativeScoreRatio: 0.85,
			EnableBatching:        false,
			ResourceOptimizedPath: false,
		},
		Retry: RetryConfig{
			MaxAdditionalRetries: 2,
			BaseDelay:            500 * time.Millisecond,
			MaxDelay:             5 * time.Second,
		},
	}
}

// Load builds a Config by starting from Default(), merging an optional YAML
// file at path (if non-empty and present), then applying environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCALLAMA_LOCAL_STUDIO_URL"); v != "" {
		cfg.Backends.LocalStudioBaseURL = v
	}
	if v := os.Getenv("LOCALLAMA_LOCAL_OLLAMA_URL"); v != "" {
		cfg.Backends.LocalOllamaBaseURL = v
	}
	if v := os.Getenv("LOCALLAMA_REMOTE_URL"); v != "" {
		cfg.Backends.RemoteBaseURL = v
	}
	if v := os.Getenv("LOCALLAMA_REMOTE_API_KEY"); v != "" {
		cfg.Backends.RemoteAPIKey = v
	}
	if v := os.Getenv("LOCALLAMA_DEFAULT_MODEL_ID"); v != "" {
		cfg.Backends.DefaultModelID = v
	}
	if v := os.Getenv("LOCALLAMA_COST_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.ThresholdUSD = f
		}
	}
	if v := os.Getenv("LOCALLAMA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOCALLAMA_LOG_FILE"); v != "" {
		cfg.Logging.FilePath = v
	}
	if v := os.Getenv("LOCALLAMA_DB_DIR"); v != "" {
		cfg.Storage.DBDir = v
	}
	if v := os.Getenv("LOCALLAMA_INDEX_EXCLUDE"); v != "" {
		cfg.Index.ExcludePatterns = splitCSV(v)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
