package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	// Load secrets from environment
	secrets, err := LoadSecrets(cfg.Providers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes TOML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is only an
// error when the caller asked for it explicitly.
func LoadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Run.Concurrency == 0 {
		cfg.Run.Concurrency = 4
	}
	if cfg.Run.PageSize == 0 {
		cfg.Run.PageSize = 100
	}
	if cfg.Run.ScanFactor == 0 {
		cfg.Run.ScanFactor = 50
	}
	if cfg.Run.ShutdownGraceSeconds == 0 {
		cfg.Run.ShutdownGraceSeconds = 60
	}
	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = "output"
	}

	// Source defaults follow the restaurant export layout
	s := &cfg.Source
	if s.Kind == "" {
		s.Kind = "jsonfile"
	}
	if s.IDField == "" {
		s.IDField = "id"
	}
	if s.NameField == "" {
		s.NameField = "title"
	}
	if s.LocationField == "" {
		s.LocationField = "city"
	}
	if s.OutputField == "" {
		s.OutputField = "reviewSummary"
	}
	if s.FactsField == "" {
		s.FactsField = "facts"
	}
	if s.SubFactsField == "" {
		s.SubFactsField = "nearby"
	}
	if s.MinSubFacts == 0 {
		s.MinSubFacts = 1
	}
	if s.Kind == "jsonfile" && s.JournalPath == "" && s.Path != "" {
		s.JournalPath = s.Path + ".outputs.jsonl"
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "file"
	}
	if cfg.Checkpoint.Backend == "file" && cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = cfg.Run.OutputDir + "/checkpoint.json"
	}
	if cfg.Checkpoint.MaxConns == 0 {
		cfg.Checkpoint.MaxConns = 4
	}
	if cfg.Checkpoint.FlushEvery == 0 {
		cfg.Checkpoint.FlushEvery = 20
	}
	if cfg.Checkpoint.FlushIntervalSeconds == 0 {
		cfg.Checkpoint.FlushIntervalSeconds = 30
	}

	u := &cfg.Uniqueness
	if u.Store == "" {
		u.Store = "file"
	}
	if u.Store == "file" && u.Path == "" {
		u.Path = cfg.Run.OutputDir + "/fingerprints.txt"
	}
	if u.RedisKey == "" {
		u.RedisKey = "copyforge:fingerprints"
	}
	if u.MinSentenceWords == 0 {
		u.MinSentenceWords = 4
	}
	if u.ShingleSize == 0 {
		u.ShingleSize = 3
	}
	if u.WindowSize == 0 {
		u.WindowSize = 100
	}
	if u.SimilarityThreshold == 0 {
		u.SimilarityThreshold = 0.35
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.CooldownSeconds == 0 {
		cfg.Breaker.CooldownSeconds = 120 // 2 minutes default
	}

	// NOTE: In TOML, we can't distinguish 0 from unset, so jitter is
	// disabled with a negative value rather than 0.
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMS == 0 {
		cfg.Retry.BaseDelayMS = 2000
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 60
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.3
	}
	if cfg.Retry.CallTimeoutSeconds == 0 {
		cfg.Retry.CallTimeoutSeconds = 120
	}

	v := &cfg.Validation
	if v.MinWords == 0 && v.MaxWords == 0 {
		v.MinWords, v.MaxWords = 150, 200
	}
	if v.Format == "" {
		v.Format = "text"
	}
	if !v.DisableDefaultForbidden {
		v.Forbidden = mergeUnique(DefaultForbiddenTerms(), v.Forbidden)
		v.ForbiddenOpenings = mergeUnique(DefaultForbiddenOpenings(), v.ForbiddenOpenings)
		v.Placeholders = mergeUnique(DefaultPlaceholders(), v.Placeholders)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Kind == "" {
			p.Kind = "compatible"
		}
		if p.Temperature == 0 {
			p.Temperature = 0.7
		}
		if p.TopP == 0 {
			p.TopP = 1.0
		}
		if p.MaxOutputTokens == 0 {
			p.MaxOutputTokens = 1024
		}
		if p.RateLimitPerMinute == 0 {
			p.RateLimitPerMinute = 60
		}
		if p.BurstPercent == 0 {
			p.BurstPercent = 15 // Default: 15% burst
		}
	}

	// Apply default templates if not provided
	if cfg.PromptTemplates.System == "" {
		cfg.PromptTemplates.System = GetDefaultSystemPrompt()
	}
	if cfg.PromptTemplates.Generation == "" {
		cfg.PromptTemplates.Generation = GetDefaultGenerationTemplate()
	}
	if cfg.PromptTemplates.Correction == "" {
		cfg.PromptTemplates.Correction = GetDefaultCorrectionTemplate()
	}
	if cfg.PromptTemplates.Rewrite == "" {
		cfg.PromptTemplates.Rewrite = GetDefaultRewriteTemplate()
	}

	if cfg.Status.BroadcastIntervalMS == 0 {
		cfg.Status.BroadcastIntervalMS = 1000
	}
}

// mergeUnique appends extra to base, dropping case-insensitive duplicates
func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			key := lowerTrim(s)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}
