// Package config loads docvault configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/efebarandurmaz/docvault/internal/chunker"
	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/identity"
	"github.com/efebarandurmaz/docvault/internal/vector/backend"
)

// EnvPrefix prefixes every environment override, e.g. DOCVAULT_SERVER_ADDR.
const EnvPrefix = "DOCVAULT"

// DefaultPath is read when Load is given no path and the file exists.
const DefaultPath = "configs/docvault.yaml"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Backend          string         `mapstructure:"backend"`
	PersistDirectory string         `mapstructure:"persist_directory"`
	Collection       string         `mapstructure:"collection"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	Qdrant           QdrantConfig   `mapstructure:"qdrant"`
	PGVector         PGVectorConfig `mapstructure:"pgvector"`
	Neo4j            Neo4jConfig    `mapstructure:"neo4j"`
}

type QdrantConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	APIKeySecret string `mapstructure:"api_key_secret"`
}

type PGVectorConfig struct {
	DSNSecret string `mapstructure:"dsn_secret"`
}

type Neo4jConfig struct {
	URI            string `mapstructure:"uri"`
	Username       string `mapstructure:"username"`
	PasswordSecret string `mapstructure:"password_secret"`
	Database       string `mapstructure:"database"`
}

type ChunkerConfig struct {
	Size       int      `mapstructure:"size"`
	Overlap    int      `mapstructure:"overlap"`
	Separators []string `mapstructure:"separators"`
}

type IdentityConfig struct {
	Field string `mapstructure:"field"`
}

type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKeySecret      string        `mapstructure:"api_key_secret"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BatchSize         int           `mapstructure:"batch_size"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

type SecretsConfig struct {
	Provider string `mapstructure:"provider"`
	File     string `mapstructure:"file"`
}

// legacyEnv maps the unprefixed variables of earlier deployments to keys.
// They win over the prefixed form when both are set.
var legacyEnv = map[string]string{
	"store.persist_directory": "PERSIST_DIRECTORY",
	"store.collection":        "COLLECTION_NAME",
	"embedding.model":         "OLLAMA_EMBED_MODEL",
	"embedding.base_url":      "OLLAMA_BASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("store.backend", backend.Bolt)
	v.SetDefault("store.persist_directory", "./chroma_db")
	v.SetDefault("store.collection", "documents")
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("store.qdrant.host", "localhost")
	v.SetDefault("store.qdrant.port", 6334)
	v.SetDefault("store.qdrant.api_key_secret", "QDRANT_API_KEY")
	v.SetDefault("store.pgvector.dsn_secret", "PGVECTOR_DSN")
	v.SetDefault("store.neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("store.neo4j.username", "neo4j")
	v.SetDefault("store.neo4j.password_secret", "NEO4J_PASSWORD")

	v.SetDefault("chunker.size", chunker.DefaultSize)
	v.SetDefault("chunker.overlap", chunker.DefaultOverlap)
	v.SetDefault("chunker.separators", chunker.DefaultSeparators)

	v.SetDefault("identity.field", identity.DefaultField)

	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.api_key_secret", "EMBEDDING_API_KEY")
	v.SetDefault("embedding.timeout", 2*time.Minute)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", time.Second)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.requests_per_minute", 0)
	v.SetDefault("embedding.burst", 0)

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "docvault-ingest")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.output", "stdout")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.file", "")
}

// Load reads configuration from path, then the environment. An empty path
// reads DefaultPath when it exists and otherwise uses defaults and the
// environment alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, legacy, prefixed); err != nil {
			return nil, fmt.Errorf("binding %s: %w", legacy, err)
		}
	}

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.Configurationf("config file %s not found", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	for _, warning := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
	return &cfg, nil
}

// Check reports fatal misconfiguration as a configuration error.
func (c *Config) Check() error {
	var problems []string

	if c.Chunker.Size <= 0 {
		problems = append(problems, fmt.Sprintf("chunker.size must be positive, got %d", c.Chunker.Size))
	}
	if c.Chunker.Overlap < 0 {
		problems = append(problems, fmt.Sprintf("chunker.overlap must not be negative, got %d", c.Chunker.Overlap))
	}
	if c.Chunker.Size > 0 && c.Chunker.Overlap >= c.Chunker.Size {
		problems = append(problems, fmt.Sprintf("chunker.overlap %d must be smaller than chunker.size %d", c.Chunker.Overlap, c.Chunker.Size))
	}
	if !slices.Contains(backend.Known(), c.Store.Backend) {
		problems = append(problems, fmt.Sprintf("unknown store.backend %q (known: %s)", c.Store.Backend, strings.Join(backend.Known(), ", ")))
	}
	if c.Store.Collection == "" {
		problems = append(problems, "store.collection is empty")
	}
	if c.Identity.Field == "" {
		problems = append(problems, "identity.field is empty")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	if p := c.Secrets.Provider; p != "env" && p != "file" {
		problems = append(problems, fmt.Sprintf("secrets.provider must be env or file, got %q", p))
	}
	if c.Secrets.Provider == "file" && c.Secrets.File == "" {
		problems = append(problems, "secrets.file is required when secrets.provider is file")
	}

	if len(problems) > 0 {
		return errdefs.Configurationf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Embedding.Provider != "" && c.Embedding.Provider != "ollama" && c.Embedding.APIKeySecret == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key_secret is empty", c.Embedding.Provider))
	}
	if c.Embedding.MaxRetries < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding max_retries %d is negative", c.Embedding.MaxRetries))
	}
	if c.Embedding.BatchSize < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding batch_size %d is negative", c.Embedding.BatchSize))
	}
	if c.Store.Timeout <= 0 {
		warnings = append(warnings, "store.timeout is not positive; the 30s default applies")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}
	if c.Audit.Enabled && c.Audit.Output == "" {
		warnings = append(warnings, "audit is enabled but audit.output is empty; writing to stdout")
	}
	if c.Store.Backend == backend.Memory {
		warnings = append(warnings, "store.backend 'memory' keeps nothing across restarts")
	}
	if c.Store.Backend == backend.Qdrant && c.Store.Qdrant.Host == "" {
		warnings = append(warnings, "store.backend 'qdrant' selected but store.qdrant.host is empty")
	}
	if c.Store.Backend == backend.Neo4j && c.Store.Neo4j.URI == "" {
		warnings = append(warnings, "store.backend 'neo4j' selected but store.neo4j.uri is empty")
	}

	return warnings
}

// SlogLevel parses the configured level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Level)
	}
	return level, nil
}
