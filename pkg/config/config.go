// Package config handles configuration loading for the deliberation engine.
// It merges a config file, documented defaults, and CONCLAVE_* environment
// variables, with environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	APIKeys    APIKeysConfig              `mapstructure:"api_keys"`
	Budgets    BudgetsConfig              `mapstructure:"budgets"`
	Cache      CacheConfig                `mapstructure:"cache"`
	Timeouts   TimeoutsConfig             `mapstructure:"timeouts"`
	Features   FeaturesConfig             `mapstructure:"features"`
	Classifier ClassifierConfig           `mapstructure:"classifier"`
	Synthesis  SynthesisConfig            `mapstructure:"synthesis"`
	Judge      JudgeConfig                `mapstructure:"judge"`
	Search     SearchConfig               `mapstructure:"search"`
	ExecTools  []ExecToolConfig           `mapstructure:"exec_tools"`
	Pricing    map[string]ModelPricing    `mapstructure:"pricing"`
	Ladder     LadderConfig               `mapstructure:"ladder"`
	Workspaces map[string]WorkspaceConfig `mapstructure:"workspaces"`
	DataDir    string                     `mapstructure:"data_dir"`
}

// APIKeysConfig holds provider API keys.
type APIKeysConfig struct {
	Anthropic  string `mapstructure:"anthropic"`
	OpenAI     string `mapstructure:"openai"`
	Google     string `mapstructure:"google"`
	OpenRouter string `mapstructure:"openrouter"`
}

// BudgetsConfig holds the spend limits enforced before every priced call.
type BudgetsConfig struct {
	DailyUSD float64 `mapstructure:"daily_usd"`
	QueryUSD float64 `mapstructure:"query_usd"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// TimeoutsConfig holds per-stage deadlines. All values are configuration
// with documented defaults; calls past a stage deadline are discarded.
type TimeoutsConfig struct {
	Stage1      time.Duration `mapstructure:"stage1"`
	Stage2      time.Duration `mapstructure:"stage2"`
	Stage3      time.Duration `mapstructure:"stage3"`
	Stage4      time.Duration `mapstructure:"stage4"`
	Classifier  time.Duration `mapstructure:"classifier"`
	Tool        time.Duration `mapstructure:"tool"`
	Coordinator time.Duration `mapstructure:"coordinator"`
}

// FeaturesConfig holds feature flags.
type FeaturesConfig struct {
	Tools bool `mapstructure:"tools"`
	Judge bool `mapstructure:"judge"`
	RAG   bool `mapstructure:"rag"`
}

// ClassifierConfig designates the cheap backend used when rules don't match.
type ClassifierConfig struct {
	Backend string `mapstructure:"backend"`
}

// SynthesisConfig designates the synthesizer backend and token-budget tier.
type SynthesisConfig struct {
	Backend string `mapstructure:"backend"`
	Tier    string `mapstructure:"tier"`
	// ContextTokenLimit caps tool/RAG context; larger contexts are
	// summarized by the classifier backend before inclusion.
	ContextTokenLimit int `mapstructure:"context_token_limit"`
}

// JudgeConfig designates the independent judge backend.
type JudgeConfig struct {
	Backend string `mapstructure:"backend"`
}

// SearchConfig points the web_search tool at a search API. The tool is
// only registered when an endpoint is set.
type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// ExecToolConfig defines one operator-pinned command exposed as a tool.
type ExecToolConfig struct {
	Name    string   `mapstructure:"name"`
	Command []string `mapstructure:"command"`
	Workdir string   `mapstructure:"workdir"`
}

// ModelPricing defines per-1k token pricing for a backend id.
type ModelPricing struct {
	PromptPer1K     float64 `mapstructure:"prompt_per_1k" yaml:"prompt_per_1k"`
	CompletionPer1K float64 `mapstructure:"completion_per_1k" yaml:"completion_per_1k"`
}

// LadderConfig maps query complexity to default backend sets.
type LadderConfig struct {
	Simple   []string `mapstructure:"simple"`
	Moderate []string `mapstructure:"moderate"`
	Complex  []string `mapstructure:"complex"`
	Expert   []string `mapstructure:"expert"`
}

// ForComplexity returns the backend set for a complexity name.
func (l LadderConfig) ForComplexity(complexity string) []string {
	switch complexity {
	case "simple":
		return l.Simple
	case "moderate":
		return l.Moderate
	case "complex":
		return l.Complex
	case "expert":
		return l.Expert
	default:
		return l.Moderate
	}
}

// Load reads configuration from the given file (optional), environment
// variables, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := defaultConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Provider keys fall back to the conventional env vars.
	bindProviderKey(v, "api_keys.anthropic", "ANTHROPIC_API_KEY")
	bindProviderKey(v, "api_keys.openai", "OPENAI_API_KEY")
	bindProviderKey(v, "api_keys.google", "GOOGLE_API_KEY")
	bindProviderKey(v, "api_keys.openrouter", "OPENROUTER_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces structural invariants before any priced call can happen.
func (c *Config) Validate() error {
	if c.Budgets.DailyUSD <= 0 {
		return fmt.Errorf("budgets.daily_usd must be positive")
	}
	if c.Budgets.QueryUSD <= 0 {
		return fmt.Errorf("budgets.query_usd must be positive")
	}
	if c.Classifier.Backend == "" {
		return fmt.Errorf("classifier.backend is required")
	}
	if c.Synthesis.Backend == "" {
		return fmt.Errorf("synthesis.backend is required")
	}
	switch c.Synthesis.Tier {
	case "minimal", "standard", "comprehensive":
	default:
		return fmt.Errorf("synthesis.tier %q is not one of minimal|standard|comprehensive", c.Synthesis.Tier)
	}
	if c.Features.Judge {
		if c.Judge.Backend == "" {
			return fmt.Errorf("judge.backend is required when features.judge is enabled")
		}
		if c.Judge.Backend == c.Synthesis.Backend {
			return fmt.Errorf("judge.backend must be distinct from synthesis.backend")
		}
	}
	for _, set := range [][]string{c.Ladder.Simple, c.Ladder.Moderate, c.Ladder.Complex, c.Ladder.Expert} {
		if err := validateBackendSet(set); err != nil {
			return fmt.Errorf("ladder: %w", err)
		}
	}
	for name, ws := range c.Workspaces {
		if len(ws.Backends) > 0 {
			if err := validateBackendSet(ws.Backends); err != nil {
				return fmt.Errorf("workspace %q: %w", name, err)
			}
		}
		if ws.SynthesisTier != "" {
			switch ws.SynthesisTier {
			case "minimal", "standard", "comprehensive":
			default:
				return fmt.Errorf("workspace %q: synthesis tier %q invalid", name, ws.SynthesisTier)
			}
		}
	}
	return nil
}

func validateBackendSet(backends []string) error {
	if len(backends) < 1 || len(backends) > 5 {
		return fmt.Errorf("backend set size %d outside [1,5]", len(backends))
	}
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if seen[b] {
			return fmt.Errorf("duplicate backend %q", b)
		}
		seen[b] = true
	}
	return nil
}

// Workspace returns the configuration for a workspace, falling back to the
// general defaults when the workspace has no entry.
func (c *Config) Workspace(name string) WorkspaceConfig {
	if ws, ok := c.Workspaces[strings.TrimSpace(name)]; ok {
		return ws
	}
	return WorkspaceConfig{SynthesisTier: c.Synthesis.Tier}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("budgets.daily_usd", 100.0)
	v.SetDefault("budgets.query_usd", 5.0)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("timeouts.stage1", 90*time.Second)
	v.SetDefault("timeouts.stage2", 75*time.Second)
	v.SetDefault("timeouts.stage3", 120*time.Second)
	v.SetDefault("timeouts.stage4", 60*time.Second)
	v.SetDefault("timeouts.classifier", 10*time.Second)
	v.SetDefault("timeouts.tool", 15*time.Second)
	v.SetDefault("timeouts.coordinator", 30*time.Second)
	v.SetDefault("features.tools", true)
	v.SetDefault("features.judge", false)
	v.SetDefault("features.rag", false)
	v.SetDefault("classifier.backend", "google/gemini-2.0-flash")
	v.SetDefault("synthesis.backend", "anthropic/claude-opus-4-20250514")
	v.SetDefault("synthesis.tier", "standard")
	v.SetDefault("synthesis.context_token_limit", 2000)
	v.SetDefault("judge.backend", "openai/gpt-5.2-pro")
	v.SetDefault("ladder.simple", []string{"google/gemini-2.0-flash"})
	v.SetDefault("ladder.moderate", []string{
		"anthropic/claude-sonnet-4-20250514",
		"openai/gpt-5.2-thinking",
	})
	v.SetDefault("ladder.complex", []string{
		"anthropic/claude-sonnet-4-20250514",
		"openai/gpt-5.2-thinking",
		"google/gemini-2.0-pro",
	})
	v.SetDefault("ladder.expert", []string{
		"anthropic/claude-sonnet-4-20250514",
		"anthropic/claude-opus-4-20250514",
		"openai/gpt-5.2-thinking",
		"openai/gpt-5.2-pro",
		"google/gemini-2.0-pro",
	})
	v.SetDefault("pricing", map[string]any{
		"anthropic/claude-sonnet-4-20250514": map[string]any{"prompt_per_1k": 0.003, "completion_per_1k": 0.015},
		"anthropic/claude-opus-4-20250514":   map[string]any{"prompt_per_1k": 0.015, "completion_per_1k": 0.075},
		"openai/gpt-5.2-thinking":            map[string]any{"prompt_per_1k": 0.0025, "completion_per_1k": 0.01},
		"openai/gpt-5.2-pro":                 map[string]any{"prompt_per_1k": 0.01, "completion_per_1k": 0.04},
		"google/gemini-2.0-pro":              map[string]any{"prompt_per_1k": 0.00125, "completion_per_1k": 0.005},
		"google/gemini-2.0-flash":            map[string]any{"prompt_per_1k": 0.0001, "completion_per_1k": 0.0004},
	})
	if dir, err := defaultConfigDir(); err == nil {
		v.SetDefault("data_dir", filepath.Join(dir, "data"))
	} else {
		v.SetDefault("data_dir", ".conclave")
	}
}

func bindProviderKey(v *viper.Viper, key, envVar string) {
	if v.GetString(key) == "" {
		if val := os.Getenv(envVar); val != "" {
			v.Set(key, val)
		}
	}
}

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".conclave"), nil
}
