package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// defaultNodeID derives a snowflake node ID when none is configured.
func defaultNodeID() int {
	return os.Getpid() & 1023
}

type Config struct {
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string

	// OpenAI
	OpenAIAPIKey      string
	LLMModel          string
	EmbeddingModel    string
	LLMMaxTokens      int
	LLMTemperature    float64
	LLMTimeoutSec     int
	LLMMaxRetries     int
	LLMTokenBudget    int64 // daily token budget, 0 = unlimited
	LLMMaxConcurrent  int
	LLMRequestsPerSec int

	// Feature flags
	AIClassificationEnabled bool
	AIInsightsEnabled       bool
	IntentVectorEnabled     bool
	PartyGraphEnabled       bool
	StreamTriggerEnabled    bool

	// Forwarder identity
	ForwarderDomains []string
	ForwarderCompany string

	// Worker
	WorkerID          string
	NodeID            int
	PoolSize          int
	PoolBatchSize     int
	PoolQueueSize     int
	BatchLimit        int
	PollIntervalSec   int
	PollingEnabled    bool
	EmailTimeoutSec   int
	InterEmailDelayMS int
	MaxRetries        int
	RetryBaseDelaySec int

	// Consumer (Redis Stream)
	StreamGroup       string
	ConsumerBatchSize int
	ConsumerBlockMS   int

	// Cache
	ConfigCacheTTLMin int
	CacheMaxEntries   int
}

func Load() (*Config, error) {
	return &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "shipment_pipeline"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Neo4j
		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		// OpenAI
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMMaxTokens:      getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature:    getEnvFloat("LLM_TEMPERATURE", 0.1),
		LLMTimeoutSec:     getEnvInt("LLM_TIMEOUT_SEC", 45),
		LLMMaxRetries:     getEnvInt("LLM_MAX_RETRIES", 3),
		LLMTokenBudget:    int64(getEnvInt("LLM_DAILY_TOKEN_BUDGET", 0)),
		LLMMaxConcurrent:  getEnvInt("LLM_MAX_CONCURRENT", 10),
		LLMRequestsPerSec: getEnvInt("LLM_REQUESTS_PER_SEC", 5),

		// Feature flags
		AIClassificationEnabled: getEnvBool("AI_CLASSIFICATION_ENABLED", true),
		AIInsightsEnabled:       getEnvBool("AI_INSIGHTS_ENABLED", true),
		IntentVectorEnabled:     getEnvBool("INTENT_VECTOR_ENABLED", true),
		PartyGraphEnabled:       getEnvBool("PARTY_GRAPH_ENABLED", false),
		StreamTriggerEnabled:    getEnvBool("STREAM_TRIGGER_ENABLED", false),

		// Forwarder identity
		ForwarderDomains: getEnvSlice("FORWARDER_DOMAINS", []string{"intoglo.com"}),
		ForwarderCompany: getEnv("FORWARDER_COMPANY", "Intoglo"),

		// Worker
		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		NodeID:            getEnvInt("NODE_ID", defaultNodeID()),
		PoolSize:          getEnvInt("POOL_SIZE", 4),
		PoolBatchSize:     getEnvInt("POOL_BATCH_SIZE", 10),
		PoolQueueSize:     getEnvInt("POOL_QUEUE_SIZE", 500),
		BatchLimit:        getEnvInt("BATCH_LIMIT", 50),
		PollIntervalSec:   getEnvInt("POLL_INTERVAL_SEC", 30),
		PollingEnabled:    getEnvBool("POLLING_ENABLED", true),
		EmailTimeoutSec:   getEnvInt("EMAIL_TIMEOUT_SEC", 60),
		InterEmailDelayMS: getEnvInt("INTER_EMAIL_DELAY_MS", 200),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelaySec: getEnvInt("RETRY_BASE_DELAY_SEC", 1),

		// Consumer
		StreamGroup:       getEnv("STREAM_GROUP", "shipment-workers"),
		ConsumerBatchSize: getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:   getEnvInt("CONSUMER_BLOCK_MS", 5000),

		// Cache
		ConfigCacheTTLMin: getEnvInt("CONFIG_CACHE_TTL_MIN", 10),
		CacheMaxEntries:   getEnvInt("CACHE_MAX_ENTRIES", 10000),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// EmailTimeout returns the per-email soft deadline.
func (c *Config) EmailTimeout() time.Duration {
	return time.Duration(c.EmailTimeoutSec) * time.Second
}

// InterEmailDelay returns the minimum pause between emails in a batch.
func (c *Config) InterEmailDelay() time.Duration {
	return time.Duration(c.InterEmailDelayMS) * time.Millisecond
}

// ConfigCacheTTL returns how long cached configuration stays fresh.
func (c *Config) ConfigCacheTTL() time.Duration {
	return time.Duration(c.ConfigCacheTTLMin) * time.Minute
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
