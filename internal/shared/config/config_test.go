package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.LLMModel)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitialDelay)
	assert.Equal(t, 30000, cfg.ChunkMaxTokens)
	assert.Equal(t, 2, cfg.ChunkOverlapMessages)
	assert.Equal(t, 30*time.Minute, cfg.StaleProcessingAfter)
	assert.Equal(t, ArchiveNone, cfg.ArchiveStore)
	assert.True(t, cfg.IsDevLike())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("DATABASE_URL", "postgres://localhost/retro")
	t.Setenv("RETRY_MAX_DELAY", "10s")
	t.Setenv("CHUNK_MAX_TOKENS", "8000")
	t.Setenv("ARCHIVE_STORE", "S3")
	t.Setenv("S3_BUCKET", "retro-archive")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 10*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 8000, cfg.ChunkMaxTokens)
	assert.Equal(t, ArchiveS3, cfg.ArchiveStore)
	assert.False(t, cfg.IsDevLike())
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RETRY_JITTER", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "RETRY_JITTER")
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("LLM_MODEL", "gemini-2.5-pro")
	v := New()
	v.Set("LLM_MODEL", "gemini-2.5-flash")
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLMModel)
}
