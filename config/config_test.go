package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvProvider, EnvModel, EnvMaxTurns, EnvIndexURL, "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MaxTurns)
	assert.Equal(t, ".venv", cfg.VenvDir)
	assert.Equal(t, 30*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, 10000, cfg.Commands.OutputLimit)
	assert.Equal(t, "https://pypi.org", cfg.Registry.URL)
}

func TestDefaultLeavesShellToSandbox(t *testing.T) {
	assert.Empty(t, Default().Commands.Shell)
}

func TestLoadYAMLExplicitZeros(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_turns: 0
loop:
  max_malformed_responses: 0
commands:
  output_limit: 500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxTurns)
	assert.Equal(t, 0, cfg.Loop.MaxMalformedResponses)
	assert.Equal(t, 6, cfg.Loop.LoopWindow)
	assert.Equal(t, 500, cfg.Commands.OutputLimit)
	assert.Equal(t, 30*time.Second, cfg.Commands.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: anthropic
max_turns: 4
commands:
  timeout: 45s
registry:
  url: http://localhost:8080
  timeout: 2s
backend:
  max_retries: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 4, cfg.MaxTurns)
	assert.Equal(t, 45*time.Second, cfg.Commands.Timeout)
	assert.Equal(t, "http://localhost:8080", cfg.Registry.URL)
	assert.Equal(t, 2*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, 5, cfg.Backend.MaxRetries)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_turns: [\n"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.Provider = "mystery"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Provider")
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvProvider, "Anthropic")
	t.Setenv(EnvModel, "claude-haiku")
	t.Setenv(EnvMaxTurns, "0")
	t.Setenv(EnvIndexURL, "http://mirror.local")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-haiku", cfg.Model)
	assert.Equal(t, 0, cfg.MaxTurns)
	assert.Equal(t, "http://mirror.local", cfg.Registry.URL)

	t.Setenv(EnvMaxTurns, "many")
	assert.Error(t, cfg.ApplyEnv())
}

func TestCredential(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	assert.Empty(t, cfg.Credential())
	assert.Equal(t, "OPENAI_API_KEY", cfg.CredentialEnv())

	t.Setenv("OPENAI_API_KEY", " sk-test ")
	assert.Equal(t, "sk-test", cfg.Credential())

	cfg.Provider = "anthropic"
	assert.Empty(t, cfg.Credential())
}

func TestResolvePrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("model: from-file\nmax_turns: 7\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AV_MODEL=from-dotenv\nANTHROPIC_API_KEY=dotenv-key\n"), 0o644))
	t.Setenv("ANTHROPIC_API_KEY", "process-key")

	cfg, err := Resolve(Options{ProjectDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Model)
	assert.Equal(t, 7, cfg.MaxTurns)

	cfg.Provider = "anthropic"
	assert.Equal(t, "process-key", cfg.Credential())
}

func TestResolveExplicitFileMustExist(t *testing.T) {
	clearEnv(t)
	_, err := Resolve(Options{ProjectDir: t.TempDir(), File: "/nonexistent/av.yaml"})
	assert.Error(t, err)
}
