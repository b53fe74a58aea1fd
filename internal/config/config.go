package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrMissingCredentials is returned when a provider needs an API key that is not set
var ErrMissingCredentials = errors.New("missing credentials")

// Config represents the complete application configuration
type Config struct {
	Run             RunConfig        `toml:"run"`
	Source          SourceConfig     `toml:"source"`
	Checkpoint      CheckpointConfig `toml:"checkpoint"`
	Uniqueness      UniquenessConfig `toml:"uniqueness"`
	Breaker         BreakerConfig    `toml:"breaker"`
	Retry           RetryConfig      `toml:"retry"`
	Validation      ValidationConfig `toml:"validation"`
	Providers       []ProviderConfig `toml:"providers"` // Priority order
	PromptTemplates PromptTemplates  `toml:"prompt_templates"`
	Status          StatusConfig     `toml:"status"`
}

// RunConfig holds scheduling settings
type RunConfig struct {
	Concurrency             int    `toml:"concurrency"`
	PageSize                int    `toml:"page_size"`
	Limit                   int    `toml:"limit"`       // 0 = no cap
	ScanFactor              int    `toml:"scan_factor"` // Scan at most limit*scan_factor records when a cap is set
	ShutdownGraceSeconds    int    `toml:"shutdown_grace_seconds"`
	OutputDir               string `toml:"output_dir"`
	DisableValidationLimits bool   `toml:"disable_validation_limits"` // Disable upper bound validation (use with caution)
}

// SourceConfig describes where records come from and how their fields are named
type SourceConfig struct {
	Kind                 string   `toml:"kind"` // jsonfile, mongo, sqlite
	Path                 string   `toml:"path"` // jsonfile and sqlite
	URI                  string   `toml:"uri"`  // mongo
	Database             string   `toml:"database"`
	Collection           string   `toml:"collection"`
	Table                string   `toml:"table"`
	IDField              string   `toml:"id_field"`
	NameField            string   `toml:"name_field"`
	LocationField        string   `toml:"location_field"`
	OutputField          string   `toml:"output_field"`
	FactsField           string   `toml:"facts_field"`
	SubFactsField        string   `toml:"subfacts_field"`
	QualifyingCategories []string `toml:"qualifying_categories"` // Empty = any category
	MinSubFacts          int      `toml:"min_subfacts"`
	JournalPath          string   `toml:"journal_path"`   // jsonfile: append-only output journal
	MergeOnClose         bool     `toml:"merge_on_close"` // jsonfile: fold journal back into the source file
}

// CheckpointConfig selects and tunes the checkpoint backend
type CheckpointConfig struct {
	Backend              string `toml:"backend"` // file, postgres
	Path                 string `toml:"path"`    // file: checkpoint file, postgres: checkpoint name
	DatabaseURL          string `toml:"database_url"`
	MaxConns             int    `toml:"max_conns"`
	FlushEvery           int    `toml:"flush_every"` // Flush after N upserts
	FlushIntervalSeconds int    `toml:"flush_interval_seconds"`
}

// UniquenessConfig tunes the uniqueness guard and its fingerprint store
type UniquenessConfig struct {
	Store               string  `toml:"store"` // file, redis
	Path                string  `toml:"path"`
	RedisURL            string  `toml:"redis_url"`
	RedisKey            string  `toml:"redis_key"`
	MinSentenceWords    int     `toml:"min_sentence_words"`
	ShingleSize         int     `toml:"shingle_size"`
	WindowSize          int     `toml:"window_size"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

// RetryConfig holds backoff settings applied to every provider call
type RetryConfig struct {
	MaxAttempts        int     `toml:"max_attempts"`
	BaseDelayMS        int     `toml:"base_delay_ms"`
	MaxDelaySeconds    int     `toml:"max_delay_seconds"`
	Jitter             float64 `toml:"jitter"` // Fraction of the delay, negative disables
	CallTimeoutSeconds int     `toml:"call_timeout_seconds"`
}

// ValidationConfig declares the output contract
type ValidationConfig struct {
	MinWords                int      `toml:"min_words"`
	MaxWords                int      `toml:"max_words"`
	Format                  string   `toml:"format"`     // text, markdown, html, json
	Headings                int      `toml:"headings"`   // Exact heading count, 0 = unchecked
	ListItems               int      `toml:"list_items"` // Exact list item count, 0 = unchecked
	ListItemsMatchFacts     bool     `toml:"list_items_match_facts"`
	Required                []string `toml:"required"` // Templates rendered per record
	Forbidden               []string `toml:"forbidden"`
	ForbiddenOpenings       []string `toml:"forbidden_openings"`
	Placeholders            []string `toml:"placeholders"`
	DisableDefaultForbidden bool     `toml:"disable_default_forbidden"`
	RequireGroundedEntities bool     `toml:"require_grounded_entities"`
	JSONSchemaPath          string   `toml:"json_schema_path"`
}

// ProviderConfig represents configuration for a single provider endpoint
type ProviderConfig struct {
	Name               string  `toml:"name"`
	Kind               string  `toml:"kind"` // openai, compatible
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	APIKeyEnv          string  `toml:"api_key_env"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	BurstPercent       int     `toml:"burst_percent"`
	UseJSONMode        bool    `toml:"use_json_mode"`
	Disabled           bool    `toml:"disabled"`
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	System     string `toml:"system"`
	Generation string `toml:"generation"`
	Correction string `toml:"correction"` // Appended after a validation failure
	Rewrite    string `toml:"rewrite"`    // Appended after a uniqueness conflict
}

// StatusConfig controls the optional status server
type StatusConfig struct {
	Addr                string `toml:"addr"`
	BroadcastIntervalMS int    `toml:"broadcast_interval_ms"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxConcurrency is the maximum allowed concurrency
	MaxConcurrency = 256
	// MaxPageSize is the maximum records fetched per page
	MaxPageSize = 10000
	// MaxWordsLimit caps validation.max_words
	MaxWordsLimit = 20000
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("run.concurrency must be at least 1")
	}
	if !c.Run.DisableValidationLimits && c.Run.Concurrency > MaxConcurrency {
		return fmt.Errorf("run.concurrency must not exceed %d (got %d)", MaxConcurrency, c.Run.Concurrency)
	}
	if c.Run.PageSize < 1 || c.Run.PageSize > MaxPageSize {
		return fmt.Errorf("run.page_size must be between 1 and %d (got %d)", MaxPageSize, c.Run.PageSize)
	}
	if c.Run.Limit < 0 {
		return fmt.Errorf("run.limit must not be negative")
	}
	if c.Run.ScanFactor < 1 {
		return fmt.Errorf("run.scan_factor must be at least 1")
	}

	if err := c.validateSource(); err != nil {
		return err
	}

	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case "postgres":
		if c.Checkpoint.DatabaseURL == "" {
			return fmt.Errorf("checkpoint.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be one of: file, postgres (got %s)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.FlushEvery < 1 {
		return fmt.Errorf("checkpoint.flush_every must be at least 1")
	}

	switch c.Uniqueness.Store {
	case "file":
		if c.Uniqueness.Path == "" {
			return fmt.Errorf("uniqueness.path is required for the file store")
		}
	case "redis":
		if c.Uniqueness.RedisURL == "" {
			return fmt.Errorf("uniqueness.redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("uniqueness.store must be one of: file, redis (got %s)", c.Uniqueness.Store)
	}
	if c.Uniqueness.ShingleSize < 1 {
		return fmt.Errorf("uniqueness.shingle_size must be at least 1")
	}
	if c.Uniqueness.WindowSize < 1 {
		return fmt.Errorf("uniqueness.window_size must be at least 1")
	}
	if c.Uniqueness.SimilarityThreshold <= 0 || c.Uniqueness.SimilarityThreshold > 1 {
		return fmt.Errorf("uniqueness.similarity_threshold must be in (0, 1] (got %.2f)", c.Uniqueness.SimilarityThreshold)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.CooldownSeconds < 1 {
		return fmt.Errorf("breaker.cooldown_seconds must be at least 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry.base_delay_ms must be at least 1")
	}
	if time.Duration(c.Retry.MaxDelaySeconds)*time.Second < c.Retry.BaseDelay() {
		return fmt.Errorf("retry.max_delay_seconds must not be shorter than retry.base_delay_ms")
	}
	if c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must not exceed 1.0 (got %.2f)", c.Retry.Jitter)
	}

	if err := c.validateValidation(); err != nil {
		return err
	}

	enabled := 0
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := validateProviderConfig(i, p); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if !p.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled provider is required")
	}

	if c.PromptTemplates.Generation == "" {
		return fmt.Errorf("prompt_templates.generation is required")
	}

	return nil
}

func (c *Config) validateSource() error {
	s := c.Source
	switch s.Kind {
	case "jsonfile":
		if s.Path == "" {
			return fmt.Errorf("source.path is required for the jsonfile source")
		}
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("source.path is required for the sqlite source")
		}
		if s.Table == "" {
			return fmt.Errorf("source.table is required for the sqlite source")
		}
	case "mongo":
		if s.URI == "" || s.Database == "" || s.Collection == "" {
			return fmt.Errorf("source.uri, source.database and source.collection are required for the mongo source")
		}
	default:
		return fmt.Errorf("source.kind must be one of: jsonfile, mongo, sqlite (got %s)", s.Kind)
	}
	if s.IDField == "" || s.OutputField == "" {
		return fmt.Errorf("source.id_field and source.output_field are required")
	}
	if s.MinSubFacts < 0 {
		return fmt.Errorf("source.min_subfacts must not be negative")
	}
	return nil
}

func (c *Config) validateValidation() error {
	v := c.Validation
	if v.MinWords < 0 {
		return fmt.Errorf("validation.min_words must not be negative")
	}
	if v.MaxWords < 1 {
		return fmt.Errorf("validation.max_words must be at least 1")
	}
	if !c.Run.DisableValidationLimits && v.MaxWords > MaxWordsLimit {
		return fmt.Errorf("validation.max_words must not exceed %d (got %d)", MaxWordsLimit, v.MaxWords)
	}
	if v.MinWords > v.MaxWords {
		return fmt.Errorf("validation.min_words (%d) must not exceed validation.max_words (%d)", v.MinWords, v.MaxWords)
	}
	switch v.Format {
	case "text", "markdown", "html", "json":
	default:
		return fmt.Errorf("validation.format must be one of: text, markdown, html, json (got %s)", v.Format)
	}
	if v.Headings < 0 || v.ListItems < 0 {
		return fmt.Errorf("validation.headings and validation.list_items must not be negative")
	}
	if v.Format == "text" && (v.Headings > 0 || v.ListItems > 0 || v.ListItemsMatchFacts) {
		return fmt.Errorf("validation structure counts require format markdown or html")
	}
	if v.JSONSchemaPath != "" && v.Format != "json" {
		return fmt.Errorf("validation.json_schema_path requires format json")
	}
	return nil
}

func validateProviderConfig(i int, p ProviderConfig) error {
	if p.Name == "" {
		return fmt.Errorf("providers[%d].name is required", i)
	}
	if p.Kind != "openai" && p.Kind != "compatible" {
		return fmt.Errorf("providers.%s.kind must be one of: openai, compatible (got %s)", p.Name, p.Kind)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("providers.%s.base_url is required", p.Name)
	}
	if p.ModelName == "" {
		return fmt.Errorf("providers.%s.model_name is required", p.Name)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("providers.%s.temperature must be between 0 and 2", p.Name)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("providers.%s.top_p must be between 0 and 1", p.Name)
	}
	if p.MaxOutputTokens < 1 {
		return fmt.Errorf("providers.%s.max_output_tokens must be at least 1", p.Name)
	}
	if p.RateLimitPerMinute < 1 {
		return fmt.Errorf("providers.%s.rate_limit_per_minute must be at least 1", p.Name)
	}
	if p.BurstPercent < 1 || p.BurstPercent > 50 {
		return fmt.Errorf("providers.%s.burst_percent must be between 1 and 50 (got %d)", p.Name, p.BurstPercent)
	}
	return nil
}

// EnabledProviders returns the enabled providers in priority order
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// BaseDelay returns the initial backoff delay
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff ceiling
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// CallTimeout returns the wall-clock limit for a single provider call
func (r RetryConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

// Hash returns a short fingerprint of the settings that shape generated output.
// A checkpoint written under a different hash was produced by other constraints.
func (c *Config) Hash() string {
	var b strings.Builder
	v := c.Validation
	fmt.Fprintf(&b, "%d:%d:%s:%d:%d:%t:%t|", v.MinWords, v.MaxWords, v.Format, v.Headings, v.ListItems,
		v.ListItemsMatchFacts, v.RequireGroundedEntities)
	b.WriteString(strings.Join(v.Required, ","))
	b.WriteString("|")
	b.WriteString(c.PromptTemplates.System)
	b.WriteString(c.PromptTemplates.Generation)
	for _, p := range c.EnabledProviders() {
		fmt.Fprintf(&b, "|%s:%s", p.Name, p.ModelName)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}

// LoadSecrets loads provider credentials from environment variables
func LoadSecrets(providers []ProviderConfig) (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Load generic API key (provider-agnostic)
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Load provider-specific API keys (optional, override generic)
	for name, env := range knownProviderEnv {
		if key := os.Getenv(env); key != "" {
			secrets.APIKeys[name] = key
		}
	}

	// Explicitly named variables win over everything else
	for _, p := range providers {
		if p.APIKeyEnv == "" {
			continue
		}
		if key := os.Getenv(p.APIKeyEnv); key != "" {
			secrets.APIKeys["provider:"+p.Name] = key
		}
	}

	return secrets, nil
}

var knownProviderEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"nvidia":     "NVIDIA_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"groq":       "GROQ_API_KEY",
}

// GetAPIKey returns the API key for a provider
func (s *Secrets) GetAPIKey(p ProviderConfig) string {
	if key := s.APIKeys["provider:"+p.Name]; key != "" {
		return key
	}
	if p.APIKeyEnv != "" {
		// An explicitly named variable that is empty does not fall back
		return ""
	}
	if name := GetProviderName(p.BaseURL); name != "" {
		if key := s.APIKeys[name]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider
	// If no key found, return empty (could be local server without auth)
	return s.APIKeys["generic"]
}

// CheckCredentials verifies every enabled provider that needs a key has one
func (c *Config) CheckCredentials(s *Secrets) error {
	for _, p := range c.EnabledProviders() {
		if !p.requiresKey() {
			continue
		}
		if s.GetAPIKey(p) == "" {
			env := p.APIKeyEnv
			if env == "" {
				env = "API_KEY"
			}
			return fmt.Errorf("provider %s: %s is not set: %w", p.Name, env, ErrMissingCredentials)
		}
	}
	return nil
}

func (p ProviderConfig) requiresKey() bool {
	return p.Kind == "openai" || p.APIKeyEnv != ""
}

// GetProviderName extracts a known provider name from a base URL
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	case strings.Contains(baseURL, "groq.com"):
		return "groq"
	}
	return ""
}
