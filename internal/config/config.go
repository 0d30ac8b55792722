package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AI       AIConfig       `mapstructure:"ai"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AIConfig holds all generative model configuration
type AIConfig struct {
	APIKey         string  `mapstructure:"api_key" json:"-"` // Never serialize
	Project        string  `mapstructure:"project"`          // Vertex backend when set and no API key
	Region         string  `mapstructure:"region"`
	ExtractModel   string  `mapstructure:"extract_model"` // Question extraction
	AnswerModel    string  `mapstructure:"answer_model"`  // Single and batch answering
	EmbeddingModel string  `mapstructure:"embedding_model"`
	TimeoutMS      int     `mapstructure:"timeout_ms"`
	RPS            float64 `mapstructure:"rps"` // Requests per second against the model API
	ContextDir     string  `mapstructure:"context_dir"`
}

// IsEnabled returns true if a model backend is configured
func (c *AIConfig) IsEnabled() bool {
	return c.APIKey != "" || c.Project != ""
}

// Timeout is the per-call deadline for model requests
func (c *AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type VectorConfig struct {
	APIEndpoint         string        `mapstructure:"api_endpoint"`   // e.g. 1234.us-central1-5678.vdb.vertexai.goog
	IndexEndpoint       string        `mapstructure:"index_endpoint"` // projects/.../indexEndpoints/...
	DeployedIndexID     string        `mapstructure:"deployed_index_id"`
	NeighborCount       int           `mapstructure:"neighbor_count"`
	EmbedBatchSize      int           `mapstructure:"embed_batch_size"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

// IsEnabled returns true if a deployed vector index is configured
func (c *VectorConfig) IsEnabled() bool {
	return c.APIEndpoint != "" && c.IndexEndpoint != "" && c.DeployedIndexID != ""
}

// Dispatch modes for pending answer rows
const (
	DispatchBatch  = "batch"
	DispatchSingle = "single"
)

type PipelineConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	BatchStagger   time.Duration `mapstructure:"batch_stagger"`
	AnswerJitter   time.Duration `mapstructure:"answer_jitter"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	DispatchMode   string        `mapstructure:"dispatch_mode"`
	Concurrency    int           `mapstructure:"concurrency"` // Handlers in flight per topic
	PageSize       int           `mapstructure:"page_size"`
	Consumer       string        `mapstructure:"consumer"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // json or console
	File        string `mapstructure:"file"`   // Optional rotated file output
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.rate_limit_rps", 20.0)
	v.SetDefault("http.rate_limit_burst", 40)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "rfiassist")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.project", "")
	v.SetDefault("ai.region", "us-central1")
	v.SetDefault("ai.extract_model", "gemini-2.0-flash")
	v.SetDefault("ai.answer_model", "gemini-2.5-flash")
	v.SetDefault("ai.embedding_model", "text-embedding-005")
	v.SetDefault("ai.timeout_ms", 60000)
	v.SetDefault("ai.rps", 5.0)
	v.SetDefault("ai.context_dir", "context")

	v.SetDefault("vector.api_endpoint", "")
	v.SetDefault("vector.index_endpoint", "")
	v.SetDefault("vector.deployed_index_id", "")
	v.SetDefault("vector.neighbor_count", 3)
	v.SetDefault("vector.embed_batch_size", 250)
	v.SetDefault("vector.similarity_threshold", 0.75)
	v.SetDefault("vector.cache_ttl", 7*24*time.Hour)

	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.batch_stagger", 50*time.Millisecond)
	v.SetDefault("pipeline.answer_jitter", 1000*time.Millisecond)
	v.SetDefault("pipeline.handler_timeout", 5*time.Minute)
	v.SetDefault("pipeline.dispatch_mode", DispatchBatch)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.page_size", 100)
	v.SetDefault("pipeline.consumer", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.service_name", "rfiassist")
}

// Load reads defaults, an optional YAML file and the environment.
// Keys map to env vars by upper-casing and replacing '.' with '_' (mongo.uri -> MONGO_URI).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names kept from earlier deployments
	_ = v.BindEnv("ai.api_key", "AI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("ai.project", "AI_PROJECT", "GCP_PROJECT_ID")
	_ = v.BindEnv("ai.region", "AI_REGION", "GCP_REGION")
	_ = v.BindEnv("http.port", "HTTP_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	switch c.Pipeline.DispatchMode {
	case DispatchBatch, DispatchSingle:
	default:
		return fmt.Errorf("pipeline.dispatch_mode must be %q or %q, got %q", DispatchBatch, DispatchSingle, c.Pipeline.DispatchMode)
	}
	if c.Pipeline.Concurrency <= 0 {
		c.Pipeline.Concurrency = 1
	}
	if c.Vector.EmbedBatchSize <= 0 {
		return fmt.Errorf("vector.embed_batch_size must be positive, got %d", c.Vector.EmbedBatchSize)
	}
	if c.Vector.NeighborCount <= 0 {
		c.Vector.NeighborCount = 3
	}
	return nil
}
