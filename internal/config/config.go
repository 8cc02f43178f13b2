// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/trialguard/internal/llm"
)

// LLM modes.
const (
	// ModeAuto uses the live provider when its API key is present and the
	// mock evaluator otherwise.
	ModeAuto = "auto"
	ModeLive = "live"
	ModeMock = "mock"
)

// Config holds all application configuration.
type Config struct {
	// Paths.
	RulesDir   string
	DBPath     string
	ResultsDir string

	// Reasoning model.
	LLMMode        string
	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string // Key for LLMProvider, read from its conventional variable.
	LLMMaxTokens   int
	LLMTemperature float64
	LLMMaxRounds   int
	LLMCallTimeout time.Duration

	// Usage pricing, USD per million tokens.
	InputCostPerMillion  float64
	OutputCostPerMillion float64

	// Batch orchestration.
	BatchWorkers    int
	JobMemoryTTL    time.Duration
	ResultRetention time.Duration // 0 disables pruning.
	JanitorInterval time.Duration

	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Operational settings.
	LogLevel    string
	LogFormat   string // "text" or "json"
	TraceStdout bool
}

// Load reads configuration from the environment. Every malformed value is
// reported; the returned Config holds defaults for those keys.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}

	cfg := Config{
		RulesDir:             str("TRIALGUARD_RULES_DIR", "rule_configs"),
		DBPath:               str("TRIALGUARD_DB_PATH", "clinical_trial.db"),
		ResultsDir:           str("TRIALGUARD_RESULTS_DIR", "batch_results"),
		LLMMode:              strings.ToLower(str("TRIALGUARD_LLM_MODE", ModeAuto)),
		LLMProvider:          strings.ToLower(str("TRIALGUARD_LLM_PROVIDER", "anthropic")),
		LLMModel:             str("TRIALGUARD_LLM_MODEL", ""),
		LLMMaxTokens:         integer("TRIALGUARD_LLM_MAX_TOKENS", 4000),
		LLMTemperature:       float("TRIALGUARD_LLM_TEMPERATURE", 0),
		LLMMaxRounds:         integer("TRIALGUARD_LLM_MAX_ROUNDS", 5),
		LLMCallTimeout:       duration("TRIALGUARD_LLM_CALL_TIMEOUT", 60*time.Second),
		InputCostPerMillion:  float("TRIALGUARD_INPUT_COST_PER_MILLION", 3),
		OutputCostPerMillion: float("TRIALGUARD_OUTPUT_COST_PER_MILLION", 15),
		BatchWorkers:         integer("TRIALGUARD_BATCH_WORKERS", 4),
		JobMemoryTTL:         duration("TRIALGUARD_JOB_MEMORY_TTL", time.Hour),
		ResultRetention:      duration("TRIALGUARD_RESULT_RETENTION", 720*time.Hour),
		JanitorInterval:      duration("TRIALGUARD_JANITOR_INTERVAL", 10*time.Minute),
		Port:                 integer("TRIALGUARD_PORT", 8080),
		ReadTimeout:          duration("TRIALGUARD_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         duration("TRIALGUARD_WRITE_TIMEOUT", 10*time.Minute),
		LogLevel:             strings.ToLower(str("TRIALGUARD_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(str("TRIALGUARD_LOG_FORMAT", "text")),
		TraceStdout:          boolean("TRIALGUARD_TRACE_STDOUT", false),
	}
	cfg.LLMAPIKey = os.Getenv(llm.APIKeyEnv(cfg.LLMProvider))
	return cfg, errors.Join(errs...)
}

// Validate checks values Load cannot reject on syntax alone.
func (c Config) Validate() error {
	var errs []error
	switch c.LLMMode {
	case ModeAuto, ModeLive, ModeMock:
	default:
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_LLM_MODE must be auto, live or mock, got %q", c.LLMMode))
	}
	switch c.LLMProvider {
	case "anthropic", "openai", "google":
	default:
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_LLM_PROVIDER must be anthropic, openai or google, got %q", c.LLMProvider))
	}
	if c.LLMMode == ModeLive && c.LLMAPIKey == "" {
		errs = append(errs, fmt.Errorf("config: live LLM mode requires %s", llm.APIKeyEnv(c.LLMProvider)))
	}
	if c.LLMMaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_LLM_MAX_ROUNDS must be positive"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_LLM_MAX_TOKENS must be positive"))
	}
	if c.BatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_BATCH_WORKERS must be positive"))
	}
	if c.ResultRetention < 0 {
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_RESULT_RETENTION must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config: TRIALGUARD_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UseMock reports whether llm-tools rules go to the mock evaluator.
func (c Config) UseMock() bool {
	switch c.LLMMode {
	case ModeMock:
		return true
	case ModeLive:
		return false
	default:
		return c.LLMAPIKey == ""
	}
}

// Retention returns the batch retention period, negative when pruning is
// disabled.
func (c Config) Retention() time.Duration {
	if c.ResultRetention == 0 {
		return -1
	}
	return c.ResultRetention
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: TRIALGUARD_LOG_LEVEL must be debug, info, warn or error, got %q", s)
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
