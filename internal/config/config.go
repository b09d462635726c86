package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TrialConfig struct {
	NSubjects          int     `json:"n_subjects" yaml:"n_subjects"`
	RandomizationRatio string  `json:"randomization_ratio" yaml:"randomization_ratio"`
	Seed               int     `json:"seed" yaml:"seed"`
	Visits             int     `json:"visits" yaml:"visits"`
	Endpoint           string  `json:"endpoint" yaml:"endpoint"`
	TreatmentSBPMean   float64 `json:"treatment_sbp_mean" yaml:"treatment_sbp_mean"`
	TreatmentSBPSD     float64 `json:"treatment_sbp_sd" yaml:"treatment_sbp_sd"`
	PlaceboSBPMean     float64 `json:"placebo_sbp_mean" yaml:"placebo_sbp_mean"`
	PlaceboSBPSD       float64 `json:"placebo_sbp_sd" yaml:"placebo_sbp_sd"`
	BaselineSBPMean    float64 `json:"baseline_sbp_mean" yaml:"baseline_sbp_mean"`
	BaselineSBPSD      float64 `json:"baseline_sbp_sd" yaml:"baseline_sbp_sd"`
	AgeMean            float64 `json:"age_mean" yaml:"age_mean"`
	AgeSD              float64 `json:"age_sd" yaml:"age_sd"`
	MissingRate        float64 `json:"missing_rate" yaml:"missing_rate"`
	DropoutRate        float64 `json:"dropout_rate" yaml:"dropout_rate"`
}

type SandboxConfig struct {
	Image           string `json:"image" yaml:"image"`
	DockerfileDir   string `json:"dockerfile_dir,omitempty" yaml:"dockerfile_dir,omitempty"`
	MemoryLimit     string `json:"memory_limit" yaml:"memory_limit"`
	CPUCount        int    `json:"cpu_count" yaml:"cpu_count"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	NetworkDisabled *bool  `json:"network_disabled,omitempty" yaml:"network_disabled,omitempty"`
}

type ModelConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	APIKeyEnv   string  `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

type LLMConfig struct {
	TrackA ModelConfig `json:"track_a" yaml:"track_a"`
	TrackB ModelConfig `json:"track_b" yaml:"track_b"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

type ResolutionConfig struct {
	Enabled       *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxIterations int   `json:"max_iterations" yaml:"max_iterations"`
}

type CacheConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type Config struct {
	Version    int              `json:"version" yaml:"version"`
	OutputDir  string           `json:"output_dir" yaml:"output_dir"`
	Trial      TrialConfig      `json:"trial" yaml:"trial"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Retry      RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Resolution ResolutionConfig `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Cache      CacheConfig      `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Load reads, strictly decodes, defaults, and validates a run config.
// JSON is accepted by extension; everything else is parsed as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = "./output"
	}
	if cfg.Trial.NSubjects == 0 {
		cfg.Trial.NSubjects = 300
	}
	if strings.TrimSpace(cfg.Trial.RandomizationRatio) == "" {
		cfg.Trial.RandomizationRatio = "2:1"
	}
	if cfg.Trial.Seed == 0 {
		cfg.Trial.Seed = 12345
	}
	if cfg.Trial.Visits == 0 {
		cfg.Trial.Visits = 26
	}
	if strings.TrimSpace(cfg.Trial.Endpoint) == "" {
		cfg.Trial.Endpoint = "SBP"
	}
	if strings.TrimSpace(cfg.Sandbox.Image) == "" {
		cfg.Sandbox.Image = "concord-r-clinical:latest"
	}
	if strings.TrimSpace(cfg.Sandbox.MemoryLimit) == "" {
		cfg.Sandbox.MemoryLimit = "2g"
	}
	if cfg.Sandbox.CPUCount == 0 {
		cfg.Sandbox.CPUCount = 1
	}
	if cfg.Sandbox.TimeoutSeconds == 0 {
		cfg.Sandbox.TimeoutSeconds = 300
	}
	// Generated code never gets network access unless explicitly granted.
	if cfg.Sandbox.NetworkDisabled == nil {
		t := true
		cfg.Sandbox.NetworkDisabled = &t
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Resolution.Enabled == nil {
		t := true
		cfg.Resolution.Enabled = &t
	}
	if cfg.Resolution.MaxIterations == 0 {
		cfg.Resolution.MaxIterations = 2
	}
	if cfg.Cache.Enabled == nil {
		t := true
		cfg.Cache.Enabled = &t
	}
	if strings.TrimSpace(cfg.Cache.Dir) == "" {
		cfg.Cache.Dir = ".cache/scripts"
	}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Trial.NSubjects <= 0 {
		return fmt.Errorf("trial.n_subjects must be > 0")
	}
	if cfg.Trial.Visits <= 0 {
		return fmt.Errorf("trial.visits must be > 0")
	}
	if _, _, err := ParseRatio(cfg.Trial.RandomizationRatio); err != nil {
		return err
	}
	if cfg.Trial.MissingRate < 0 || cfg.Trial.MissingRate >= 1 {
		return fmt.Errorf("trial.missing_rate must be in [0, 1)")
	}
	if cfg.Trial.DropoutRate < 0 || cfg.Trial.DropoutRate >= 1 {
		return fmt.Errorf("trial.dropout_rate must be in [0, 1)")
	}
	if cfg.Sandbox.CPUCount <= 0 {
		return fmt.Errorf("sandbox.cpu_count must be > 0")
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.LLM.TrackA.Model) == "" {
		return fmt.Errorf("llm.track_a.model is required")
	}
	if strings.TrimSpace(cfg.LLM.TrackB.Model) == "" {
		return fmt.Errorf("llm.track_b.model is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Resolution.MaxIterations < 1 {
		return fmt.Errorf("resolution.max_iterations must be >= 1")
	}
	return nil
}

// ParseRatio parses a randomization ratio like "2:1" into its two arms.
func ParseRatio(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid randomization_ratio: %q (want N:M)", s)
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		return 0, 0, fmt.Errorf("invalid randomization_ratio: %q (want N:M)", s)
	}
	return a, b, nil
}

// ResolutionEnabled returns the effective resolution toggle, defaulting to
// true when unset.
func (c *Config) ResolutionEnabled() bool {
	if c == nil || c.Resolution.Enabled == nil {
		return true
	}
	return *c.Resolution.Enabled
}

// CacheEnabled returns the effective cache toggle, defaulting to true when
// unset.
func (c *Config) CacheEnabled() bool {
	if c == nil || c.Cache.Enabled == nil {
		return true
	}
	return *c.Cache.Enabled
}

// NetworkDisabled returns the effective sandbox network toggle, defaulting
// to true (no network) when unset.
func (c *Config) NetworkDisabled() bool {
	if c == nil || c.Sandbox.NetworkDisabled == nil {
		return true
	}
	return *c.Sandbox.NetworkDisabled
}

// ResolveAPIKey reads the provider API key named by mc.APIKeyEnv.
func ResolveAPIKey(mc ModelConfig) (string, error) {
	env := strings.TrimSpace(mc.APIKeyEnv)
	if env == "" {
		return "", nil
	}
	v := os.Getenv(env)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set (referenced by llm config)", env)
	}
	return v, nil
}
