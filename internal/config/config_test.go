package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, 5, cfg.MaxParallelRepos)
	assert.Equal(t, 7, cfg.UpdateIntervalDays)
	assert.Equal(t, 10*time.Minute, cfg.LLMCallTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: anthropic\nchat_model: claude-3-5-sonnet-20241022\nmax_parallel_repos: 2\n"), 0o644))

	t.Setenv("CODEWIKI_MAX_PARALLEL_REPOS", "9")
	t.Setenv("CODEWIKI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.ChatModel)
	assert.Equal(t, 9, cfg.MaxParallelRepos, "env must win over file")
	assert.Equal(t, "sk-test", cfg.APIKey)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ChatModel, cfg.ChatModel)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.Provider = "gemini"
	assert.Error(t, cfg.Validate())
}

func TestValidateAzureRequiresEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Provider = ProviderAzure
	assert.Error(t, cfg.Validate())
	cfg.Endpoint = "https://example.openai.azure.com"
	assert.NoError(t, cfg.Validate())
}

func TestUpdateInterval(t *testing.T) {
	cfg := Default()
	cfg.UpdateIntervalDays = 3
	assert.Equal(t, 72*time.Hour, cfg.UpdateInterval())
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Init(path, false))
	assert.Error(t, Init(path, false))
	assert.NoError(t, Init(path, true))
}
