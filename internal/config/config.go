// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration from YAML, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/ratelimit"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// EnvPrefix prefixes automatic environment overrides, e.g. YOJANA_RECOMMEND_TOP_K
const EnvPrefix = "YOJANA"

// Config represents the complete application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	OpenAI      OpenAIConfig      `mapstructure:"openai"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm"`
	VectorStore VectorStoreConfig `mapstructure:"vectorstore"`
	Corpus      CorpusConfig      `mapstructure:"corpus"`
	Recommend   RecommendConfig   `mapstructure:"recommend"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	MyScheme    MySchemeConfig    `mapstructure:"myscheme"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey"`
	Endpoint string `mapstructure:"endpoint"`
}

// EmbeddingConfig selects and tunes the embedding provider
type EmbeddingConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	Dimensions   int    `mapstructure:"dimensions"`
	BatchSize    int    `mapstructure:"batch_size"`
	Concurrency  int    `mapstructure:"concurrency"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
}

// LLMConfig contains chat completion settings
type LLMConfig struct {
	Model          string               `mapstructure:"model"`
	MaxTokens      int                  `mapstructure:"max_tokens"`
	Temperature    float64              `mapstructure:"temperature"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker around LLM calls
type CircuitBreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// VectorStoreConfig selects the vector collection backend
type VectorStoreConfig struct {
	Backend        string `mapstructure:"backend"`
	CollectionName string `mapstructure:"collection_name"`
	ChromaURL      string `mapstructure:"chroma_url"`
	SQLitePath     string `mapstructure:"sqlite_path"`
}

// CorpusConfig locates the scheme corpus
type CorpusConfig struct {
	Path           string `mapstructure:"path"`
	IndexOnStartup bool   `mapstructure:"index_on_startup"`
}

// RecommendConfig holds the conversation policy thresholds
type RecommendConfig struct {
	TopK              int           `mapstructure:"top_k"`
	FollowupThreshold int           `mapstructure:"followup_threshold"`
	PreviewSize       int           `mapstructure:"preview_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxPromptTokens   int           `mapstructure:"max_prompt_tokens"`
}

// AuthConfig contains Firebase ID token verification settings
type AuthConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	ProjectID string   `mapstructure:"project_id"`
	CertsURL  string   `mapstructure:"certs_url"`
	AdminUIDs []string `mapstructure:"admin_uids"`
}

// RateLimitConfig contains per-route quotas
type RateLimitConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	RedisURL  string `mapstructure:"redis_url"`
	Recommend string `mapstructure:"recommend"`
	Reindex   string `mapstructure:"reindex"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MySchemeConfig configures the corpus fetcher
type MySchemeConfig struct {
	SearchURL   string        `mapstructure:"search_url"`
	DetailsURL  string        `mapstructure:"details_url"`
	APIKey      string        `mapstructure:"api_key"`
	PageSize    int           `mapstructure:"page_size"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
	Concurrency int           `mapstructure:"concurrency"`
	OutputDir   string        `mapstructure:"output_dir"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
	// Err is ErrMissingRequiredField or ErrInvalidConfigValue
	Err error
}

// Unwrap returns the sentinel category
func (e ValidationError) Unwrap() error {
	return e.Err
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	messages := make([]string, len(e))
	for i, err := range e {
		messages[i] = err.Error()
	}
	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(messages, "\n"))
}

// Unwrap exposes each error so errors.Is matches either sentinel
func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, err := range e {
		errs[i] = err
	}
	return errs
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	EnvFiles         []string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		EnvFiles:         []string{".env"},
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	loadEnvFiles(opts.EnvFiles)

	v := viper.New()
	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := config.Validate(); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

// loadEnvFiles loads .env files that exist; values already present in the
// process environment win
func loadEnvFiles(paths []string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("openai.apikey", "")
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.gemini_api_key", "")

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1500)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "45s")
	v.SetDefault("llm.circuit_breaker.max_failures", 5)
	v.SetDefault("llm.circuit_breaker.reset_timeout", "60s")

	v.SetDefault("vectorstore.backend", "sqlite")
	v.SetDefault("vectorstore.collection_name", "schemes")
	v.SetDefault("vectorstore.chroma_url", "http://chromadb:8000")
	v.SetDefault("vectorstore.sqlite_path", "./data/schemes.db")

	v.SetDefault("corpus.path", "./data/schemes.json")
	v.SetDefault("corpus.index_on_startup", true)

	v.SetDefault("recommend.top_k", 25)
	v.SetDefault("recommend.followup_threshold", 10)
	v.SetDefault("recommend.preview_size", 5)
	v.SetDefault("recommend.request_timeout", "90s")
	v.SetDefault("recommend.max_prompt_tokens", 12000)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.project_id", "")
	v.SetDefault("auth.certs_url", "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com")
	v.SetDefault("auth.admin_uids", []string{})

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.redis_url", "")
	v.SetDefault("ratelimit.recommend", "5/minute;50/day")
	v.SetDefault("ratelimit.reindex", "1/day")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:4200"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("myscheme.search_url", "https://api.myscheme.gov.in/search/v4/schemes")
	v.SetDefault("myscheme.details_url", "https://api.myscheme.gov.in/schemes/v5/public/schemes")
	v.SetDefault("myscheme.api_key", "")
	v.SetDefault("myscheme.page_size", 100)
	v.SetDefault("myscheme.batch_size", 100)
	v.SetDefault("myscheme.batch_delay", "60s")
	v.SetDefault("myscheme.concurrency", 10)
	v.SetDefault("myscheme.output_dir", "./data")
}

// setConfigFile resolves CONFIG_PATH, then the given path, then the
// default locations. Only an explicitly named file must exist.
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	return nil
}

// setEnvironmentMappings maps the conventional variable names used by
// deployment tooling onto config keys
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"ENV":                 "environment",
		"OPENAI_API_KEY":      "openai.apikey",
		"OPENAI_ENDPOINT":     "openai.endpoint",
		"GEMINI_API_KEY":      "embedding.gemini_api_key",
		"EMBEDDING_PROVIDER":  "embedding.provider",
		"CHROMA_URL":          "vectorstore.chroma_url",
		"VECTORSTORE_BACKEND": "vectorstore.backend",
		"SCHEMES_DB_PATH":     "corpus.path",
		"FIREBASE_PROJECT_ID": "auth.project_id",
		"REDIS_URL":           "ratelimit.redis_url",
		"MYSCHEME_API_KEY":    "myscheme.api_key",
		"PORT":                "server.port",
		"LOG_LEVEL":           "logging.level",
		"LOG_FORMAT":          "logging.format",
		"LOG_OUTPUT":          "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// Validate checks required fields and value ranges, reporting every problem at once
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message, Err: ErrInvalidConfigValue})
	}
	missing := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message, Err: ErrMissingRequiredField})
	}

	if c.OpenAI.APIKey == "" {
		missing("openai.apikey", "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable")
	}

	switch c.Embedding.Provider {
	case "openai":
	case "genai":
		if c.Embedding.GeminiAPIKey == "" {
			missing("embedding.gemini_api_key", "Gemini API key is required for the genai provider. Set GEMINI_API_KEY")
		}
	default:
		add("embedding.provider", "embedding provider must be one of: openai, genai")
	}
	if c.Embedding.Model == "" {
		missing("embedding.model", "embedding model is required")
	}
	if c.Embedding.BatchSize <= 0 {
		add("embedding.batch_size", "batch_size must be greater than 0")
	}
	if c.Embedding.Concurrency <= 0 {
		add("embedding.concurrency", "concurrency must be greater than 0")
	}

	if c.LLM.Model == "" {
		missing("llm.model", "LLM model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		add("llm.max_tokens", "max_tokens must be greater than 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}

	switch c.VectorStore.Backend {
	case "chroma":
		if c.VectorStore.ChromaURL == "" {
			missing("vectorstore.chroma_url", "ChromaDB URL is required for the chroma backend")
		}
	case "sqlite":
		if c.VectorStore.SQLitePath == "" {
			missing("vectorstore.sqlite_path", "SQLite path is required for the sqlite backend")
		} else if err := validateDirectoryExists(filepath.Dir(c.VectorStore.SQLitePath)); err != nil {
			add("vectorstore.sqlite_path", fmt.Sprintf("directory does not exist: %s", filepath.Dir(c.VectorStore.SQLitePath)))
		}
	default:
		add("vectorstore.backend", "vector store backend must be one of: chroma, sqlite")
	}
	if c.VectorStore.CollectionName == "" {
		missing("vectorstore.collection_name", "collection name is required")
	}

	if c.Corpus.Path == "" {
		missing("corpus.path", "corpus path is required")
	}

	if c.Recommend.TopK <= 0 {
		add("recommend.top_k", "top_k must be greater than 0")
	}
	if c.Recommend.FollowupThreshold < 0 {
		add("recommend.followup_threshold", "followup_threshold must be greater than or equal to 0")
	}
	if c.Recommend.PreviewSize <= 0 {
		add("recommend.preview_size", "preview_size must be greater than 0")
	}

	if c.Auth.Enabled && c.Auth.ProjectID == "" {
		missing("auth.project_id", "Firebase project id is required when auth is enabled. Set FIREBASE_PROJECT_ID")
	}

	if c.RateLimit.Enabled {
		for field, quota := range map[string]string{
			"ratelimit.recommend": c.RateLimit.Recommend,
			"ratelimit.reindex":   c.RateLimit.Reindex,
		} {
			if !validQuotas(quota) {
				add(field, fmt.Sprintf("invalid quota %q, expected e.g. \"5/minute;50/day\"", quota))
			}
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.Logging.Level) {
		add("logging.level", fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, c.Logging.Format) {
		add("logging.format", fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validQuotas(spec string) bool {
	_, err := ratelimit.ParseQuotas(spec)
	return err == nil
}

// MaskSensitiveValues returns a copy of the config with secrets masked for logging
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	masked.Embedding.GeminiAPIKey = maskValue(masked.Embedding.GeminiAPIKey)
	masked.MyScheme.APIKey = maskValue(masked.MyScheme.APIKey)
	masked.RateLimit.RedisURL = maskURLPassword(masked.RateLimit.RedisURL)

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

var urlPassword = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

func maskURLPassword(raw string) string {
	return urlPassword.ReplaceAllString(raw, "${1}****${3}")
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// WatchConfig reloads the configuration when the file changes and hands
// the validated result to callback. Invalid edits are logged and ignored.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.Info("Config file changed", zap.String("file", e.Name))

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       v.ConfigFileUsed(),
			ValidateRequired: true,
		})
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}
