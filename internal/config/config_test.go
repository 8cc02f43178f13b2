package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	v, err := envInt("TEST_INT_BAD", 7)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
	assert.Equal(t, 7, v)
}

func TestEnvHelpersFallback(t *testing.T) {
	v, err := envFloat("TEST_FLOAT_MISSING", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	d, err := envDuration("TEST_DURATION_MISSING", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	t.Setenv("TEST_BOOL", "true")
	b, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TRIALGUARD_LLM_MODE", "")
	t.Setenv("TRIALGUARD_LLM_PROVIDER", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "rule_configs", cfg.RulesDir)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, 5, cfg.LLMMaxRounds)
	assert.Equal(t, 4000, cfg.LLMMaxTokens)
	assert.Equal(t, 60*time.Second, cfg.LLMCallTimeout)
	assert.Equal(t, 3.0, cfg.InputCostPerMillion)
	assert.Equal(t, 15.0, cfg.OutputCostPerMillion)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.Equal(t, 720*time.Hour, cfg.Retention())
	assert.True(t, cfg.UseMock(), "auto mode without a key uses the mock")
}

func TestLoadJoinsParseErrors(t *testing.T) {
	t.Setenv("TRIALGUARD_BATCH_WORKERS", "four")
	t.Setenv("TRIALGUARD_LLM_CALL_TIMEOUT", "soon")
	t.Setenv("TRIALGUARD_TRACE_STDOUT", "perhaps")
	cfg, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `TRIALGUARD_BATCH_WORKERS="four" is not a valid integer`)
	assert.Contains(t, err.Error(), `TRIALGUARD_LLM_CALL_TIMEOUT="soon" is not a valid duration`)
	assert.Contains(t, err.Error(), `TRIALGUARD_TRACE_STDOUT="perhaps" is not a valid boolean`)
	assert.Equal(t, 4, cfg.BatchWorkers, "defaults stand in for malformed values")
}

func TestModeSelection(t *testing.T) {
	t.Setenv("TRIALGUARD_LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLMAPIKey)
	assert.False(t, cfg.UseMock())

	cfg.LLMMode = ModeMock
	assert.True(t, cfg.UseMock())

	cfg.LLMMode = ModeLive
	cfg.LLMAPIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "live LLM mode requires OPENAI_API_KEY")
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)
	cfg.LLMMode = "sometimes"
	cfg.LLMProvider = "mistral"
	cfg.LogFormat = "xml"
	cfg.LogLevel = "chatty"
	cfg.BatchWorkers = 0
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"TRIALGUARD_LLM_MODE", "TRIALGUARD_LLM_PROVIDER", "TRIALGUARD_LOG_FORMAT", "TRIALGUARD_LOG_LEVEL", "TRIALGUARD_BATCH_WORKERS"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestZeroRetentionDisablesPruning(t *testing.T) {
	t.Setenv("TRIALGUARD_RESULT_RETENTION", "0s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Negative(t, cfg.Retention())
}
