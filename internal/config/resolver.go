package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIDBPath   string
	CLIAIModel  string
	CLIBatchDir string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath   ResolvedValue `json:"db_path"`
	BatchDir ResolvedValue `json:"batch_dir"`

	AIEndpoint ResolvedValue `json:"ai_endpoint"`
	AIAPIKey   ResolvedValue `json:"ai_api_key"`
	AIModel    ResolvedValue `json:"ai_model"`

	GeocoderEndpoint ResolvedValue `json:"geocoder_endpoint"`
	GeocoderAPIKey   ResolvedValue `json:"geocoder_api_key"`

	RegionalCachePath ResolvedValue `json:"regional_cache_path"`

	IngestToken ResolvedValue `json:"ingest_token"`
	ListenAddr  ResolvedValue `json:"listen_addr"`

	FuzzyThreshold    ResolvedValue `json:"fuzzy_threshold"`
	MaxPostAgeDays    ResolvedValue `json:"max_post_age_days"`
	HeartbeatInterval ResolvedValue `json:"heartbeat_interval"`
	RunTimeout        ResolvedValue `json:"run_timeout"`
}

type fileConfig struct {
	DBPath   string `yaml:"db_path"`
	BatchDir string `yaml:"batch_dir"`
	AI       struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
	} `yaml:"ai"`
	Geocoder struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"geocoder"`
	RegionalCache string `yaml:"regional_cache"`
	Server        struct {
		IngestToken string `yaml:"ingest_token"`
		ListenAddr  string `yaml:"listen_addr"`
	} `yaml:"server"`
	Pipeline struct {
		FuzzyThreshold    string `yaml:"fuzzy_threshold"`
		MaxPostAgeDays    string `yaml:"max_post_age_days"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		RunTimeout        string `yaml:"run_timeout"`
	} `yaml:"pipeline"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kalendaryo", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.BatchDir, cfg.BatchDir, SourceConfig, path)
		apply(&out.AIEndpoint, cfg.AI.Endpoint, SourceConfig, path)
		apply(&out.AIAPIKey, cfg.AI.APIKey, SourceConfig, path)
		apply(&out.AIModel, cfg.AI.Model, SourceConfig, path)
		apply(&out.GeocoderEndpoint, cfg.Geocoder.Endpoint, SourceConfig, path)
		apply(&out.GeocoderAPIKey, cfg.Geocoder.APIKey, SourceConfig, path)
		apply(&out.RegionalCachePath, cfg.RegionalCache, SourceConfig, path)
		apply(&out.IngestToken, cfg.Server.IngestToken, SourceConfig, path)
		apply(&out.ListenAddr, cfg.Server.ListenAddr, SourceConfig, path)
		apply(&out.FuzzyThreshold, cfg.Pipeline.FuzzyThreshold, SourceConfig, path)
		apply(&out.MaxPostAgeDays, cfg.Pipeline.MaxPostAgeDays, SourceConfig, path)
		apply(&out.HeartbeatInterval, cfg.Pipeline.HeartbeatInterval, SourceConfig, path)
		apply(&out.RunTimeout, cfg.Pipeline.RunTimeout, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "KALENDARYO_DB")
	applyEnv(&out.DBPath, "KALENDARYO_DB_PATH")
	applyEnv(&out.BatchDir, "KALENDARYO_BATCH_DIR")

	applyEnv(&out.AIEndpoint, "KALENDARYO_AI_ENDPOINT")
	applyEnv(&out.AIAPIKey, "KALENDARYO_AI_API_KEY")
	applyEnv(&out.AIModel, "KALENDARYO_AI_MODEL")

	applyEnv(&out.GeocoderEndpoint, "KALENDARYO_GEOCODER_ENDPOINT")
	applyEnv(&out.GeocoderAPIKey, "KALENDARYO_GEOCODER_API_KEY")

	applyEnv(&out.RegionalCachePath, "KALENDARYO_REGIONAL_CACHE")

	applyEnv(&out.IngestToken, "KALENDARYO_INGEST_TOKEN")
	applyEnv(&out.ListenAddr, "KALENDARYO_LISTEN_ADDR")

	applyEnv(&out.FuzzyThreshold, "KALENDARYO_FUZZY_THRESHOLD")
	applyEnv(&out.MaxPostAgeDays, "KALENDARYO_MAX_POST_AGE_DAYS")
	applyEnv(&out.HeartbeatInterval, "KALENDARYO_HEARTBEAT_INTERVAL")
	applyEnv(&out.RunTimeout, "KALENDARYO_RUN_TIMEOUT")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.AIModel, opts.CLIAIModel, SourceCLI, "--model")
	apply(&out.BatchDir, opts.CLIBatchDir, SourceCLI, "--batch-dir")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.BatchDir.Value != "" {
		out.BatchDir.Value = expandUserPath(out.BatchDir.Value)
	}
	if out.RegionalCachePath.Value != "" {
		out.RegionalCachePath.Value = expandUserPath(out.RegionalCachePath.Value)
	}

	return out, nil
}

// EffectiveFloat parses a resolved threshold, falling back on a built-in
// default for missing or malformed values.
func (r ResolvedConfig) EffectiveFloat(v ResolvedValue, fallback float64) float64 {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func (r ResolvedConfig) EffectiveInt(v ResolvedValue, fallback int) int {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// EffectiveDuration accepts Go duration syntax ("30s", "5m") or a bare
// number of seconds.
func (r ResolvedConfig) EffectiveDuration(v ResolvedValue, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
