package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Engine      EngineConfig      `json:"engine"`
	Decay       DecayConfig       `json:"decay"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Compression CompressionConfig `json:"compression"`
	Ingest      IngestConfig      `json:"ingest"`
	Gateway     GatewayConfig     `json:"gateway"`
	Log         LogConfig         `json:"log"`
	mu          sync.RWMutex
}

type EngineConfig struct {
	DataDir string `json:"data_dir" env:"STRATA_ENGINE_DATA_DIR"`

	// WorkingCapacity is the bounded working-memory slot count. The
	// cognitive guideline is "seven plus or minus two"; the default sits
	// at the upper bound.
	WorkingCapacity int `json:"working_capacity" env:"STRATA_ENGINE_WORKING_CAPACITY"`

	// FreshWindowSeconds is how long a new item may stay staged before a
	// sweep must classify or discard it.
	FreshWindowSeconds int `json:"fresh_window_seconds" env:"STRATA_ENGINE_FRESH_WINDOW_SECONDS"`

	ShockThreshold     float64 `json:"shock_threshold" env:"STRATA_ENGINE_SHOCK_THRESHOLD"`
	WorkingThreshold   float64 `json:"working_threshold" env:"STRATA_ENGINE_WORKING_THRESHOLD"`
	ClassifyFloor      float64 `json:"classify_floor" env:"STRATA_ENGINE_CLASSIFY_FLOOR"`
	EvictRecencyWeight float64 `json:"evict_recency_weight" env:"STRATA_ENGINE_EVICT_RECENCY_WEIGHT"`
	EvictImportWeight  float64 `json:"evict_importance_weight" env:"STRATA_ENGINE_EVICT_IMPORTANCE_WEIGHT"`
	EvictFreqWeight    float64 `json:"evict_frequency_weight" env:"STRATA_ENGINE_EVICT_FREQUENCY_WEIGHT"`

	RecencyHalfLifeSeconds int     `json:"recency_half_life_seconds" env:"STRATA_ENGINE_RECENCY_HALF_LIFE_SECONDS"`
	ReinforceBonus         float64 `json:"reinforce_bonus" env:"STRATA_ENGINE_REINFORCE_BONUS"`
	ImportanceCap          float64 `json:"importance_cap" env:"STRATA_ENGINE_IMPORTANCE_CAP"`

	RetryAttempts  int `json:"retry_attempts" env:"STRATA_ENGINE_RETRY_ATTEMPTS"`
	RetryBackoffMS int `json:"retry_backoff_ms" env:"STRATA_ENGINE_RETRY_BACKOFF_MS"`

	EmbeddingModel string `json:"embedding_model" env:"STRATA_ENGINE_EMBEDDING_MODEL"`
}

// DecayConfig carries the full phase schedule. The state machine reads
// every threshold from here; there is no built-in numeric schedule.
type DecayConfig struct {
	FreshSeconds        int `json:"fresh_seconds" env:"STRATA_DECAY_FRESH_SECONDS"`
	ConsolidatedSeconds int `json:"consolidated_seconds" env:"STRATA_DECAY_CONSOLIDATED_SECONDS"`
	SummarizedSeconds   int `json:"summarized_seconds" env:"STRATA_DECAY_SUMMARIZED_SECONDS"`
	ArchivedSeconds     int `json:"archived_seconds" env:"STRATA_DECAY_ARCHIVED_SECONDS"`

	RetainFresh        float64 `json:"retain_fresh" env:"STRATA_DECAY_RETAIN_FRESH"`
	RetainConsolidated float64 `json:"retain_consolidated" env:"STRATA_DECAY_RETAIN_CONSOLIDATED"`
	RetainSummarized   float64 `json:"retain_summarized" env:"STRATA_DECAY_RETAIN_SUMMARIZED"`
	RetainArchived     float64 `json:"retain_archived" env:"STRATA_DECAY_RETAIN_ARCHIVED"`

	// ProceduralScale stretches every threshold for procedural items.
	ProceduralScale           float64 `json:"procedural_scale" env:"STRATA_DECAY_PROCEDURAL_SCALE"`
	ProceduralConfidenceFloor float64 `json:"procedural_confidence_floor" env:"STRATA_DECAY_PROCEDURAL_CONFIDENCE_FLOOR"`
	ProceduralConfidenceCap   float64 `json:"procedural_confidence_cap" env:"STRATA_DECAY_PROCEDURAL_CONFIDENCE_CAP"`
	ProceduralReinforceStep   float64 `json:"procedural_reinforce_step" env:"STRATA_DECAY_PROCEDURAL_REINFORCE_STEP"`
	ProceduralHalfLifeSeconds int     `json:"procedural_half_life_seconds" env:"STRATA_DECAY_PROCEDURAL_HALF_LIFE_SECONDS"`
}

type SchedulerConfig struct {
	IntervalSeconds int `json:"interval_seconds" env:"STRATA_SCHEDULER_INTERVAL_SECONDS"`

	// Cron, when set, replaces the fixed interval with a cron-expression
	// cadence (five-field, gronx syntax).
	Cron string `json:"cron" env:"STRATA_SCHEDULER_CRON"`

	SweepBatchLimit int `json:"sweep_batch_limit" env:"STRATA_SCHEDULER_SWEEP_BATCH_LIMIT"`
}

type CompressionConfig struct {
	// Backend selects the compressor: extractive (local), http, or llm.
	Backend       string  `json:"backend" env:"STRATA_COMPRESSION_BACKEND"`
	MinSimilarity float64 `json:"min_similarity" env:"STRATA_COMPRESSION_MIN_SIMILARITY"`
	TargetRatio   float64 `json:"target_ratio" env:"STRATA_COMPRESSION_TARGET_RATIO"`

	HTTP HTTPCompressorConfig `json:"http"`
	LLM  LLMCompressorConfig  `json:"llm"`
}

type HTTPCompressorConfig struct {
	Endpoint       string `json:"endpoint" env:"STRATA_COMPRESSION_HTTP_ENDPOINT"`
	APIKey         string `json:"api_key" env:"STRATA_COMPRESSION_HTTP_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"STRATA_COMPRESSION_HTTP_TIMEOUT_SECONDS"`
}

type LLMCompressorConfig struct {
	APIBase        string `json:"api_base" env:"STRATA_COMPRESSION_LLM_API_BASE"`
	APIKey         string `json:"api_key" env:"STRATA_COMPRESSION_LLM_API_KEY"`
	Model          string `json:"model" env:"STRATA_COMPRESSION_LLM_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"STRATA_COMPRESSION_LLM_TIMEOUT_SECONDS"`
}

type IngestConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token             string              `json:"token" env:"STRATA_INGEST_DISCORD_TOKEN"`
	AllowFrom         FlexibleStringSlice `json:"allow_from" env:"STRATA_INGEST_DISCORD_ALLOW_FROM"`
	DefaultImportance float64             `json:"default_importance" env:"STRATA_INGEST_DISCORD_DEFAULT_IMPORTANCE"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"STRATA_GATEWAY_HOST"`
	Port int    `json:"port" env:"STRATA_GATEWAY_PORT"`
}

type LogConfig struct {
	Level string `json:"level" env:"STRATA_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"STRATA_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:                "~/.strata/state",
			WorkingCapacity:        9,
			FreshWindowSeconds:     1800,
			ShockThreshold:         0.92,
			WorkingThreshold:       0.65,
			ClassifyFloor:          0.25,
			EvictRecencyWeight:     0.45,
			EvictImportWeight:      0.35,
			EvictFreqWeight:        0.20,
			RecencyHalfLifeSeconds: 6 * 3600,
			ReinforceBonus:         0.05,
			ImportanceCap:          1.0,
			RetryAttempts:          3,
			RetryBackoffMS:         25,
			EmbeddingModel:         "strata-chargram-256-v1",
		},
		Decay: DecayConfig{
			FreshSeconds:              3 * 24 * 3600,
			ConsolidatedSeconds:       7 * 24 * 3600,
			SummarizedSeconds:         30 * 24 * 3600,
			ArchivedSeconds:           90 * 24 * 3600,
			RetainFresh:               0.90,
			RetainConsolidated:        0.75,
			RetainSummarized:          0.60,
			RetainArchived:            0.45,
			ProceduralScale:           6.0,
			ProceduralConfidenceFloor: 0.15,
			ProceduralConfidenceCap:   0.98,
			ProceduralReinforceStep:   0.04,
			ProceduralHalfLifeSeconds: 60 * 24 * 3600,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 60,
			Cron:            "",
			SweepBatchLimit: 256,
		},
		Compression: CompressionConfig{
			Backend:       "extractive",
			MinSimilarity: 0.62,
			TargetRatio:   0.4,
			HTTP: HTTPCompressorConfig{
				TimeoutSeconds: 10,
			},
			LLM: LLMCompressorConfig{
				APIBase:        "https://openrouter.ai/api/v1",
				Model:          "openai/gpt-5.2",
				TimeoutSeconds: 20,
			},
		},
		Ingest: IngestConfig{
			Discord: DiscordConfig{
				Token:             "",
				AllowFrom:         FlexibleStringSlice{},
				DefaultImportance: 0.4,
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18920,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.WorkingCapacity < 1 {
		return fmt.Errorf("engine.working_capacity must be at least 1, got %d", c.Engine.WorkingCapacity)
	}
	if c.Engine.FreshWindowSeconds < 1 {
		return fmt.Errorf("engine.fresh_window_seconds must be positive, got %d", c.Engine.FreshWindowSeconds)
	}
	if c.Compression.MinSimilarity < 0 || c.Compression.MinSimilarity > 1 {
		return fmt.Errorf("compression.min_similarity must be in [0,1], got %v", c.Compression.MinSimilarity)
	}
	switch c.Compression.Backend {
	case "", "extractive", "http", "llm":
	default:
		return fmt.Errorf("compression.backend must be extractive, http, or llm, got %q", c.Compression.Backend)
	}
	if expr := strings.TrimSpace(c.Scheduler.Cron); expr != "" {
		if !gronx.New().IsValid(expr) {
			return fmt.Errorf("scheduler.cron is not a valid cron expression: %q", expr)
		}
	}
	if c.Scheduler.Cron == "" && c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("scheduler.interval_seconds must be positive when no cron expression is set")
	}
	for name, v := range map[string]int{
		"decay.fresh_seconds":        c.Decay.FreshSeconds,
		"decay.consolidated_seconds": c.Decay.ConsolidatedSeconds,
		"decay.summarized_seconds":   c.Decay.SummarizedSeconds,
		"decay.archived_seconds":     c.Decay.ArchivedSeconds,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// DataDirPath returns the engine data directory with ~ expanded.
func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Engine.DataDir)
}

// DBPath returns the SQLite file location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDirPath(), "memory.db")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
