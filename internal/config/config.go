// Package config provides configuration management for checkpoint.
//
// Settings are layered, later layers winning: built-in defaults, a YAML file
// (path from CHECKPOINT_CONFIG or the caller), a .env file in the working
// directory, and environment variables with the CHECKPOINT_ prefix. Provider
// API keys also use their conventional names (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GEMINI_API_KEY).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/checkpoint/internal/chunker"
	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/internal/ingest"
	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/internal/logging"
	"github.com/scrypster/checkpoint/pkg/types"
)

// Config holds all configuration settings.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Engine  EngineConfig  `yaml:"engine"`
	Backup  BackupConfig  `yaml:"backup"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // default: 127.0.0.1
	Port int    `yaml:"port"` // default: 8000

	// RequestsPerSecond limits API requests per client IP; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 10s

	// AllowedOrigins are host patterns (path.Match syntax, e.g.
	// "*.example.com") of cross-origin pages allowed to open /api/ws.
	// Same-origin connections are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RepairOnStart runs the repair pass over every checkpoint at startup.
	RepairOnStart bool `yaml:"repair_on_start"` // default: true
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	DataPath string `yaml:"data_path"` // default: ./data

	// VectorBackend is "sqlite" (vectors.db next to checkpoint.db) or
	// "postgres" (pgvector at PostgresDSN).
	VectorBackend string `yaml:"vector_backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// MetadataPath is the metadata database file.
func (s StorageConfig) MetadataPath() string {
	return filepath.Join(s.DataPath, "checkpoint.db")
}

// VectorPath is the SQLite vector database file.
func (s StorageConfig) VectorPath() string {
	return filepath.Join(s.DataPath, "vectors.db")
}

// LLMConfig selects the generation and embedding providers.
type LLMConfig struct {
	Provider          string `yaml:"provider"`           // openai, anthropic, gemini, ollama (default: ollama)
	EmbeddingProvider string `yaml:"embedding_provider"` // default: same as Provider
	Model             string `yaml:"model"`
	EmbeddingModel    string `yaml:"embedding_model"`
	BaseURL           string `yaml:"base_url"`
	EmbeddingBaseURL  string `yaml:"embedding_base_url"`

	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`

	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

func (l LLMConfig) apiKey(provider string) string {
	switch provider {
	case "openai":
		return l.OpenAIAPIKey
	case "anthropic":
		return l.AnthropicAPIKey
	case "gemini":
		return l.GeminiAPIKey
	default:
		return ""
	}
}

func (l LLMConfig) embeddingProvider() string {
	if l.EmbeddingProvider != "" {
		return l.EmbeddingProvider
	}
	return l.Provider
}

// GeneratorConfig returns the settings for llm.NewGenerator.
func (l LLMConfig) GeneratorConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:          l.Provider,
		APIKey:            l.apiKey(l.Provider),
		BaseURL:           l.BaseURL,
		Model:             l.Model,
		Timeout:           l.Timeout,
		RequestsPerSecond: l.RequestsPerSecond,
		Burst:             l.Burst,
	}
}

// EmbedderConfig returns the settings for llm.NewEmbedder.
func (l LLMConfig) EmbedderConfig() llm.ProviderConfig {
	provider := l.embeddingProvider()
	baseURL := l.EmbeddingBaseURL
	if baseURL == "" && provider == l.Provider {
		baseURL = l.BaseURL
	}
	return llm.ProviderConfig{
		Provider:          provider,
		APIKey:            l.apiKey(provider),
		BaseURL:           baseURL,
		EmbeddingModel:    l.EmbeddingModel,
		Timeout:           l.Timeout,
		RequestsPerSecond: l.RequestsPerSecond,
		Burst:             l.Burst,
	}
}

// IngestConfig contains chunking and pipeline settings.
type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size"`    // default: 1000
	ChunkOverlap int `yaml:"chunk_overlap"` // default: 200
	BatchSize    int `yaml:"batch_size"`    // default: 32
	Workers      int `yaml:"workers"`       // default: 4
}

// Chunk returns the chunker configuration.
func (i IngestConfig) Chunk() chunker.Config {
	return chunker.Config{Size: i.ChunkSize, Overlap: i.ChunkOverlap}
}

// Pipeline returns the pipeline configuration.
func (i IngestConfig) Pipeline() ingest.Config {
	return ingest.Config{BatchSize: i.BatchSize, Workers: i.Workers}
}

// EngineConfig contains chat settings.
type EngineConfig struct {
	SystemPrompt   string        `yaml:"system_prompt"`
	Temperature    *float64      `yaml:"temperature"`     // default: 0.8
	RequestTimeout time.Duration `yaml:"request_timeout"` // default: 60s
	HistoryLimit   int           `yaml:"history_limit"`   // default: 50
}

// Engine returns the engine configuration.
func (e EngineConfig) Engine() engine.Config {
	return engine.Config{
		SystemPrompt:   e.SystemPrompt,
		Temperature:    e.Temperature,
		RequestTimeout: e.RequestTimeout,
		HistoryLimit:   e.HistoryLimit,
	}
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`  // default: false
	Interval time.Duration `yaml:"interval"` // default: 24h
	Path     string        `yaml:"path"`     // default: ./backups
	Verify   bool          `yaml:"verify"`   // default: true

	RetentionHourly  int `yaml:"retention_hourly"`  // default: 24
	RetentionDaily   int `yaml:"retention_daily"`   // default: 7
	RetentionWeekly  int `yaml:"retention_weekly"`  // default: 4
	RetentionMonthly int `yaml:"retention_monthly"` // default: 12
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // console or json (default: console)
}

// Default returns the built-in configuration.
func Default() *Config {
	eng := engine.DefaultConfig()
	chunk := chunker.DefaultConfig()
	pipe := ingest.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			Burst:           20,
			ShutdownTimeout: 10 * time.Second,
			RepairOnStart:   true,
		},
		Storage: StorageConfig{
			DataPath:      "./data",
			VectorBackend: "sqlite",
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Timeout:  60 * time.Second,
		},
		Ingest: IngestConfig{
			ChunkSize:    chunk.Size,
			ChunkOverlap: chunk.Overlap,
			BatchSize:    pipe.BatchSize,
			Workers:      pipe.Workers,
		},
		Engine: EngineConfig{
			Temperature:    eng.Temperature,
			RequestTimeout: eng.RequestTimeout,
			HistoryLimit:   eng.HistoryLimit,
		},
		Backup: BackupConfig{
			Interval:         24 * time.Hour,
			Path:             "./backups",
			Verify:           true,
			RetentionHourly:  24,
			RetentionDaily:   7,
			RetentionWeekly:  4,
			RetentionMonthly: 12,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from every layer. path names a YAML file;
// when empty, CHECKPOINT_CONFIG is used, and with neither no file is read.
func Load(path string) (*Config, error) {
	// .env never overrides variables that are already set
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("%w: .env: %v", types.ErrInvalidConfiguration, err)
		}
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("CHECKPOINT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: config file: %v", types.ErrInvalidConfiguration, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config file %s: %v", types.ErrInvalidConfiguration, path, err)
	}
	return nil
}

// applyEnv overrides settings from environment variables. Malformed
// numbers and durations are reported rather than ignored.
func (c *Config) applyEnv() error {
	e := &envReader{}

	c.Server.Host = e.getString("CHECKPOINT_HOST", c.Server.Host)
	c.Server.Port = e.getInt("CHECKPOINT_PORT", c.Server.Port)
	c.Server.RequestsPerSecond = e.getFloat("CHECKPOINT_RATE_LIMIT", c.Server.RequestsPerSecond)
	c.Server.Burst = e.getInt("CHECKPOINT_RATE_BURST", c.Server.Burst)
	c.Server.ShutdownTimeout = e.getDuration("CHECKPOINT_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.RepairOnStart = e.getBool("CHECKPOINT_REPAIR_ON_START", c.Server.RepairOnStart)
	c.Server.AllowedOrigins = e.getList("CHECKPOINT_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Storage.DataPath = e.getString("CHECKPOINT_DATA_PATH", c.Storage.DataPath)
	c.Storage.VectorBackend = e.getString("CHECKPOINT_VECTOR_BACKEND", c.Storage.VectorBackend)
	c.Storage.PostgresDSN = e.getString("CHECKPOINT_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.LLM.Provider = e.getString("CHECKPOINT_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.EmbeddingProvider = e.getString("CHECKPOINT_EMBEDDING_PROVIDER", c.LLM.EmbeddingProvider)
	c.LLM.Model = e.getString("CHECKPOINT_LLM_MODEL", c.LLM.Model)
	c.LLM.EmbeddingModel = e.getString("CHECKPOINT_EMBEDDING_MODEL", c.LLM.EmbeddingModel)
	c.LLM.BaseURL = e.getString("CHECKPOINT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.EmbeddingBaseURL = e.getString("CHECKPOINT_EMBEDDING_BASE_URL", c.LLM.EmbeddingBaseURL)
	c.LLM.OpenAIAPIKey = e.getString("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.AnthropicAPIKey = e.getString("ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.GeminiAPIKey = e.getString("GEMINI_API_KEY", c.LLM.GeminiAPIKey)
	c.LLM.Timeout = e.getDuration("CHECKPOINT_LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.RequestsPerSecond = e.getFloat("CHECKPOINT_LLM_RATE_LIMIT", c.LLM.RequestsPerSecond)
	c.LLM.Burst = e.getInt("CHECKPOINT_LLM_RATE_BURST", c.LLM.Burst)

	c.Ingest.ChunkSize = e.getInt("CHECKPOINT_CHUNK_SIZE", c.Ingest.ChunkSize)
	c.Ingest.ChunkOverlap = e.getInt("CHECKPOINT_CHUNK_OVERLAP", c.Ingest.ChunkOverlap)
	c.Ingest.BatchSize = e.getInt("CHECKPOINT_EMBED_BATCH_SIZE", c.Ingest.BatchSize)
	c.Ingest.Workers = e.getInt("CHECKPOINT_INGEST_WORKERS", c.Ingest.Workers)

	c.Engine.SystemPrompt = e.getString("CHECKPOINT_SYSTEM_PROMPT", c.Engine.SystemPrompt)
	c.Engine.Temperature = e.getFloatPtr("CHECKPOINT_TEMPERATURE", c.Engine.Temperature)
	c.Engine.RequestTimeout = e.getDuration("CHECKPOINT_REQUEST_TIMEOUT", c.Engine.RequestTimeout)
	c.Engine.HistoryLimit = e.getInt("CHECKPOINT_HISTORY_LIMIT", c.Engine.HistoryLimit)

	c.Backup.Enabled = e.getBool("CHECKPOINT_BACKUP_ENABLED", c.Backup.Enabled)
	c.Backup.Interval = e.getDuration("CHECKPOINT_BACKUP_INTERVAL", c.Backup.Interval)
	c.Backup.Path = e.getString("CHECKPOINT_BACKUP_PATH", c.Backup.Path)
	c.Backup.Verify = e.getBool("CHECKPOINT_BACKUP_VERIFY", c.Backup.Verify)
	c.Backup.RetentionHourly = e.getInt("CHECKPOINT_BACKUP_RETENTION_HOURLY", c.Backup.RetentionHourly)
	c.Backup.RetentionDaily = e.getInt("CHECKPOINT_BACKUP_RETENTION_DAILY", c.Backup.RetentionDaily)
	c.Backup.RetentionWeekly = e.getInt("CHECKPOINT_BACKUP_RETENTION_WEEKLY", c.Backup.RetentionWeekly)
	c.Backup.RetentionMonthly = e.getInt("CHECKPOINT_BACKUP_RETENTION_MONTHLY", c.Backup.RetentionMonthly)

	c.Logging.Level = e.getString("CHECKPOINT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = e.getString("CHECKPOINT_LOG_FORMAT", c.Logging.Format)

	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfiguration, errors.Join(e.errs...))
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.RequestsPerSecond >= 0, "server.requests_per_second must not be negative")

	check(c.Storage.DataPath != "", "storage.data_path is required")
	switch c.Storage.VectorBackend {
	case "sqlite":
	case "postgres":
		check(c.Storage.PostgresDSN != "", "storage.postgres_dsn is required for the postgres vector backend")
	default:
		check(false, "storage.vector_backend %q must be sqlite or postgres", c.Storage.VectorBackend)
	}

	validProvider := func(p string) bool {
		return p == "openai" || p == "anthropic" || p == "gemini" || p == "ollama"
	}
	check(validProvider(c.LLM.Provider), "llm.provider %q is not supported", c.LLM.Provider)
	emb := c.LLM.embeddingProvider()
	check(validProvider(emb) && emb != "anthropic", "llm.embedding_provider %q cannot produce embeddings", emb)
	for _, p := range []string{c.LLM.Provider, emb} {
		if p != "ollama" && validProvider(p) {
			check(c.LLM.apiKey(p) != "", "an API key is required for %s", p)
		}
	}
	check(c.LLM.Timeout >= 0, "llm.timeout must not be negative")

	if err := c.Ingest.Chunk().Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.Ingest.BatchSize > 0, "ingest.batch_size must be positive")
	check(c.Ingest.Workers > 0, "ingest.workers must be positive")

	if err := c.Engine.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Backup.Enabled {
		check(c.Backup.Interval >= time.Minute, "backup.interval must be at least 1m")
		check(c.Backup.Path != "", "backup.path is required")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	check(c.Logging.Format == "console" || c.Logging.Format == "json", "logging.format %q must be console or json", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// envReader reads typed environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) getString(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

// getList splits a comma-separated value, dropping empty items.
func (e *envReader) getList(key string, def []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *envReader) getInt(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return def
	}
	return n
}

func (e *envReader) getFloat(key string, def float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, value))
		return def
	}
	return f
}

func (e *envReader) getFloatPtr(key string, def *float64) *float64 {
	if os.Getenv(key) == "" {
		return def
	}
	f := e.getFloat(key, 0)
	return &f
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return def
	}
	return d
}

// getBool recognizes true/1/yes and false/0/no in any case.
func (e *envReader) getBool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, value))
	return def
}
