package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[source]
path = "data/restaurants.json"

[[providers]]
name = "primary"
kind = "compatible"
base_url = "http://localhost:8080/v1"
model_name = "local-model"
`

// validConfig returns a config that passes Validate after defaults
func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	return cfg
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, 4, cfg.Run.Concurrency)
	assert.Equal(t, 100, cfg.Run.PageSize)
	assert.Equal(t, 50, cfg.Run.ScanFactor)
	assert.Equal(t, "jsonfile", cfg.Source.Kind)
	assert.Equal(t, "data/restaurants.json.outputs.jsonl", cfg.Source.JournalPath)
	assert.Equal(t, "output/checkpoint.json", cfg.Checkpoint.Path)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 0.35, cfg.Uniqueness.SimilarityThreshold)
	assert.Equal(t, 100, cfg.Uniqueness.WindowSize)
	assert.Equal(t, 3, cfg.Uniqueness.ShingleSize)
	assert.Equal(t, 0.3, cfg.Retry.Jitter)
	assert.Equal(t, 150, cfg.Validation.MinWords)
	assert.Equal(t, 200, cfg.Validation.MaxWords)
	assert.Contains(t, cfg.Validation.Forbidden, "mediocre")
	assert.Contains(t, cfg.Validation.Placeholders, "not found")
	assert.NotEmpty(t, cfg.PromptTemplates.Generation)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, 15, cfg.Providers[0].BurstPercent)
}

func TestParseKeepsExplicitValues(t *testing.T) {
	data := minimalConfig + `
[run]
concurrency = 8
limit = 25

[breaker]
failure_threshold = 5
cooldown_seconds = 30

[validation]
min_words = 40
max_words = 60
format = "markdown"
headings = 1
forbidden = ["Mediocre", "soggy"]
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Run.Concurrency)
	assert.Equal(t, 25, cfg.Run.Limit)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 40, cfg.Validation.MinWords)
	assert.Equal(t, 1, cfg.Validation.Headings)
	assert.Contains(t, cfg.Validation.Forbidden, "soggy")

	// Duplicates of default terms are folded case-insensitively
	count := 0
	for _, f := range cfg.Validation.Forbidden {
		if f == "mediocre" || f == "Mediocre" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Run.Concurrency = 0 }, "run.concurrency"},
		{"concurrency above limit", func(c *Config) { c.Run.Concurrency = MaxConcurrency + 1 }, "must not exceed"},
		{"limits disabled", func(c *Config) {
			c.Run.Concurrency = MaxConcurrency + 1
			c.Run.DisableValidationLimits = true
		}, ""},
		{"negative limit", func(c *Config) { c.Run.Limit = -1 }, "run.limit"},
		{"unknown source", func(c *Config) { c.Source.Kind = "csv" }, "source.kind"},
		{"mongo without uri", func(c *Config) { c.Source.Kind = "mongo" }, "source.uri"},
		{"sqlite without table", func(c *Config) { c.Source.Kind = "sqlite" }, "source.table"},
		{"unknown checkpoint backend", func(c *Config) { c.Checkpoint.Backend = "s3" }, "checkpoint.backend"},
		{"postgres without url", func(c *Config) { c.Checkpoint.Backend = "postgres" }, "checkpoint.database_url"},
		{"redis without url", func(c *Config) { c.Uniqueness.Store = "redis" }, "uniqueness.redis_url"},
		{"threshold above one", func(c *Config) { c.Uniqueness.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"min above max words", func(c *Config) { c.Validation.MinWords = 300 }, "must not exceed validation.max_words"},
		{"unknown format", func(c *Config) { c.Validation.Format = "pdf" }, "validation.format"},
		{"structure on plain text", func(c *Config) { c.Validation.Headings = 1 }, "require format markdown or html"},
		{"schema without json", func(c *Config) { c.Validation.JSONSchemaPath = "schema.json" }, "requires format json"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one enabled provider"},
		{"all providers disabled", func(c *Config) { c.Providers[0].Disabled = true }, "at least one enabled provider"},
		{"duplicate provider", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "duplicated"},
		{"bad provider kind", func(c *Config) { c.Providers[0].Kind = "grpc" }, "kind must be one of"},
		{"temperature too high", func(c *Config) { c.Providers[0].Temperature = 3 }, "temperature"},
		{"max delay below base", func(c *Config) {
			c.Retry.BaseDelayMS = 5000
			c.Retry.MaxDelaySeconds = 1
		}, "retry.max_delay_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	t.Setenv("API_KEY", "generic-key")

	cfg, secrets, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local-model", cfg.Providers[0].ModelName)
	assert.Equal(t, "generic-key", secrets.GetAPIKey(cfg.Providers[0]))
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("COPYFORGE_TEST_KEY=from-file\n"), 0o644))
	t.Setenv("COPYFORGE_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("COPYFORGE_TEST_KEY"))

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("COPYFORGE_TEST_KEY"))

	// A missing default file is tolerated, an explicit one is not
	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "absent.env"), false))
	assert.Error(t, LoadEnvFile(filepath.Join(dir, "absent.env"), true))
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("API_KEY", "generic")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("BACKUP_KEY", "backup-key")

	providers := []ProviderConfig{{Name: "backup", APIKeyEnv: "BACKUP_KEY"}}
	secrets, err := LoadSecrets(providers)
	require.NoError(t, err)

	assert.Equal(t, "generic", secrets.APIKeys["generic"])
	assert.Equal(t, "openai-key", secrets.APIKeys["openai"])
	assert.Equal(t, "backup-key", secrets.APIKeys["provider:backup"])
}

func TestGetAPIKey(t *testing.T) {
	secrets := &Secrets{
		APIKeys: map[string]string{
			"generic":         "generic-key",
			"openai":          "openai-key",
			"provider:backup": "backup-key",
		},
	}

	tests := []struct {
		name     string
		provider ProviderConfig
		expected string
	}{
		{"explicit env", ProviderConfig{Name: "backup", APIKeyEnv: "BACKUP_KEY"}, "backup-key"},
		{"explicit env unset", ProviderConfig{Name: "other", APIKeyEnv: "OTHER_KEY"}, ""},
		{"by domain", ProviderConfig{Name: "oa", BaseURL: "https://api.openai.com/v1"}, "openai-key"},
		{"generic fallback", ProviderConfig{Name: "local", BaseURL: "http://localhost:8080/v1"}, "generic-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, secrets.GetAPIKey(tt.provider))
		})
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := validConfig(t)
	empty := &Secrets{APIKeys: map[string]string{}}

	// A compatible provider without a declared key variable may run unauthenticated
	assert.NoError(t, cfg.CheckCredentials(empty))

	cfg.Providers[0].Kind = "openai"
	err := cfg.CheckCredentials(empty)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredentials))

	cfg.Providers[0].Disabled = true
	cfg.Providers = append(cfg.Providers, ProviderConfig{Name: "local", Kind: "compatible", APIKeyEnv: "LOCAL_KEY"})
	err = cfg.CheckCredentials(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCAL_KEY")
}

func TestHashChangesWithConstraints(t *testing.T) {
	a := validConfig(t)
	b := validConfig(t)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)

	b.Validation.MaxWords = 250
	assert.NotEqual(t, a.Hash(), b.Hash())

	// Operational settings do not affect the hash
	c := validConfig(t)
	c.Run.Concurrency = 16
	assert.Equal(t, a.Hash(), c.Hash())
}
