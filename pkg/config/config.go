package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Registry  RegistryConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Variants  VariantsConfig
	Window    WindowConfig
	Synthesis SynthesisConfig
	KPI       KPIConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	// QueryTimeoutSec bounds one query, over HTTP or one websocket message.
	QueryTimeoutSec int
	BodyLimit       int
	AllowedOrigins  []string
	Development     bool
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	NProbe         int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled           bool
	Host              string
	Port              int
	Password          string
	DB                int
	EmbeddingTTLHours int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type RegistryConfig struct {
	// Backend is "file" or "neo4j".
	Backend         string
	Path            string
	MinConfidence   float64
	AmbiguityMargin float64
}

type LLMConfig struct {
	Provider            string
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float32
	MaxTokens           int
	TimeoutSec          int
	MaxAttempts         int
	EmbeddingModel      string
	EmbeddingDim        int
	DefaultServingModel string
	ServingModels       map[string]ServingModel
	Pricing             map[string]ModelPrice
}

type ServingModel struct {
	ModelID       string
	DisplayName   string
	MaxTokens     int
	Temperature   float32
	ContextWindow int
}

type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

type RetrievalConfig struct {
	TopKFiltered       int
	TopKGlobal         int
	TopKVariant        int
	EnableGlobal       bool
	EnableVariants     bool
	KeepFraction       float64
	MinKeep            int
	MaxDistance        float64
	PathTimeoutMs      int
	MaxConcurrentPaths int
	ApplySectionHints  bool
	LatestFiscalYear   int
	MaxYearSpan        int
}

type VariantsConfig struct {
	Enabled       bool
	Count         int
	Model         string
	MaxTokens     int
	Temperature   float32
	MaxSimilarity float64
	TimeoutMs     int
}

type WindowConfig struct {
	Size         int
	GrowthStep   int
	MaxSize      int
	MaxSentences int
}

type SynthesisConfig struct {
	MaxRegenerations int
	TemplatePath     string
	MaxContextTokens int
	RequireCitations bool
}

type KPIConfig struct {
	DefaultMetrics []string
	MaxSuggestions int
}

type AuditConfig struct {
	Enabled   bool
	QueueSize int
	Workers   int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

var ErrUnknownServingModel = errors.New("unknown serving model")

// Load reads the configuration once, without a reloadable store.
func Load() (*Config, error) {
	v := newViper("")
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration, ignoring files and the
// environment.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return config
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/finrag")
	}

	v.SetEnvPrefix("FINRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.QueryTimeoutSec <= 0 {
		problems = append(problems, "server.queryTimeoutSec must be positive")
	}

	r := c.Retrieval
	if r.TopKFiltered <= 0 || r.TopKGlobal <= 0 || r.TopKVariant <= 0 {
		problems = append(problems, "retrieval top-k values must be positive")
	}
	if r.KeepFraction <= 0 || r.KeepFraction > 1 {
		problems = append(problems, "retrieval.keepFraction must be in (0, 1]")
	}
	if r.MinKeep < 0 {
		problems = append(problems, "retrieval.minKeep must not be negative")
	}
	if r.PathTimeoutMs <= 0 {
		problems = append(problems, "retrieval.pathTimeoutMs must be positive")
	}

	w := c.Window
	if w.Size < 0 || w.GrowthStep < 0 {
		problems = append(problems, "window sizes must not be negative")
	}
	if w.MaxSize < w.Size {
		problems = append(problems, "window.maxSize must be >= window.size")
	}

	if c.Variants.Count < 0 {
		problems = append(problems, "variants.count must not be negative")
	}
	if c.Synthesis.MaxRegenerations < 0 {
		problems = append(problems, "synthesis.maxRegenerations must not be negative")
	}

	if len(c.LLM.ServingModels) > 0 {
		if _, ok := c.LLM.ServingModels[strings.ToLower(c.LLM.DefaultServingModel)]; !ok {
			problems = append(problems, fmt.Sprintf("llm.defaultServingModel %q is not in llm.servingModels", c.LLM.DefaultServingModel))
		}
	}

	switch c.Registry.Backend {
	case "file", "neo4j":
	default:
		problems = append(problems, fmt.Sprintf("registry.backend %q must be file or neo4j", c.Registry.Backend))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ServingModel resolves a named serving model; an empty key selects the default.
func (c LLMConfig) ServingModel(key string) (ServingModel, error) {
	if len(c.ServingModels) == 0 {
		if key != "" {
			return ServingModel{}, fmt.Errorf("%w: %s", ErrUnknownServingModel, key)
		}
		return ServingModel{
			ModelID:     c.Model,
			DisplayName: c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
		}, nil
	}

	if key == "" {
		key = c.DefaultServingModel
	}
	m, ok := c.ServingModels[strings.ToLower(key)]
	if !ok {
		return ServingModel{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownServingModel, key, strings.Join(c.servingKeys(), ", "))
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = c.MaxTokens
	}
	if m.DisplayName == "" {
		m.DisplayName = m.ModelID
	}
	return m, nil
}

func (c LLMConfig) servingKeys() []string {
	keys := make([]string, 0, len(c.ServingModels))
	for k := range c.ServingModels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Price returns the per-1K token prices for a model id, if configured.
func (c LLMConfig) Price(modelID string) (ModelPrice, bool) {
	p, ok := c.Pricing[strings.ToLower(modelID)]
	return p, ok
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.queryTimeoutSec", 90)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "sec_sentences")
	v.SetDefault("milvus.vectorDim", 1024)
	v.SetDefault("milvus.nProbe", 16)

	v.SetDefault("sqlite.path", "./data/finrag.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLHours", 168)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("registry.backend", "file")
	v.SetDefault("registry.path", "./config/companies.yaml")
	v.SetDefault("registry.minConfidence", 0.82)
	v.SetDefault("registry.ambiguityMargin", 0.08)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1500)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.maxAttempts", 3)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	v.SetDefault("llm.embeddingDim", 1024)
	v.SetDefault("llm.defaultServingModel", "")
	v.SetDefault("llm.servingModels", map[string]interface{}{})
	v.SetDefault("llm.pricing", map[string]interface{}{
		"gpt-4o-mini": map[string]interface{}{"inputPer1K": 0.00015, "outputPer1K": 0.0006},
		"gpt-4o":      map[string]interface{}{"inputPer1K": 0.0025, "outputPer1K": 0.01},
	})

	v.SetDefault("retrieval.topKFiltered", 30)
	v.SetDefault("retrieval.topKGlobal", 30)
	v.SetDefault("retrieval.topKVariant", 15)
	v.SetDefault("retrieval.enableGlobal", true)
	v.SetDefault("retrieval.enableVariants", true)
	v.SetDefault("retrieval.keepFraction", 0.6)
	v.SetDefault("retrieval.minKeep", 5)
	v.SetDefault("retrieval.maxDistance", 0)
	v.SetDefault("retrieval.pathTimeoutMs", 4000)
	v.SetDefault("retrieval.maxConcurrentPaths", 8)
	v.SetDefault("retrieval.applySectionHints", false)
	v.SetDefault("retrieval.latestFiscalYear", 2020)
	v.SetDefault("retrieval.maxYearSpan", 10)

	v.SetDefault("variants.enabled", true)
	v.SetDefault("variants.count", 3)
	v.SetDefault("variants.model", "")
	v.SetDefault("variants.maxTokens", 300)
	v.SetDefault("variants.temperature", 0.7)
	v.SetDefault("variants.maxSimilarity", 0.995)
	v.SetDefault("variants.timeoutMs", 5000)

	v.SetDefault("window.size", 3)
	v.SetDefault("window.growthStep", 1)
	v.SetDefault("window.maxSize", 5)
	v.SetDefault("window.maxSentences", 400)

	v.SetDefault("synthesis.maxRegenerations", 1)
	v.SetDefault("synthesis.templatePath", "")
	v.SetDefault("synthesis.maxContextTokens", 24000)
	v.SetDefault("synthesis.requireCitations", true)

	v.SetDefault("kpi.defaultMetrics", []string{"revenue", "net_income", "operating_income", "total_assets"})
	v.SetDefault("kpi.maxSuggestions", 2)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.queueSize", 256)
	v.SetDefault("audit.workers", 2)

	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
