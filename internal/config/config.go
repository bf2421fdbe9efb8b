// Package config provides configuration loading for the appflow service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the appflow service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store backend for apps, executions, agents and memories: "memory" or "redis"
	StoreType   string
	RunStoreTTL time.Duration
	EventMaxLen int64

	// Memory store
	MemoryMaxItems int

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// Shared-secret service tokens
	ServiceTokenSecret   string
	ServiceTokenIssuer   string
	ServiceTokenAudience string

	// CORS configuration
	CORSOrigins []string

	// API rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// K8s configuration
	K8sNamespace     string
	K8sInCluster     bool
	K8sKubeconfig    string
	K8sAgentsEnabled bool

	// Execution configuration
	MaxConcurrentExecutions int
	ExecutionTimeout        time.Duration
	NodeTimeoutDefault      time.Duration
	NodeMaxRetriesDefault   int
	NodeBackoffDefault      time.Duration

	// Collaborators
	ConnectorBaseURLs map[string]string
	AgentHTTPTimeout  time.Duration
	SeedDefaultAgents bool

	// Archive configuration
	ArchiveBackend    string // "memory", "s3" or "none"
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3PathPrefix      string
	ArchiveURLExpiry  time.Duration

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Stores
		StoreType:      getEnv("APPFLOW_STORE", "memory"),
		RunStoreTTL:    getDuration("RUNSTORE_TTL", 7*24*time.Hour), // 7 days
		EventMaxLen:    getInt64("EVENT_MAX_LEN", 5000),
		MemoryMaxItems: getInt("MEMORY_MAX_ITEMS", 1000),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		ServiceTokenSecret:   getEnv("SERVICE_TOKEN_SECRET", ""),
		ServiceTokenIssuer:   getEnv("SERVICE_TOKEN_ISSUER", "mentatlab-appflow"),
		ServiceTokenAudience: getEnv("SERVICE_TOKEN_AUDIENCE", ""),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// K8s
		K8sNamespace:     getEnv("K8S_NAMESPACE", "mentatlab"),
		K8sInCluster:     getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig:    getEnv("KUBECONFIG", ""),
		K8sAgentsEnabled: getBool("K8S_AGENTS_ENABLED", false),

		// Execution
		MaxConcurrentExecutions: getInt("MAX_CONCURRENT_EXECUTIONS", 0), // 0 = unlimited
		ExecutionTimeout:        getDuration("EXECUTION_TIMEOUT", 0),
		NodeTimeoutDefault:      getDuration("NODE_TIMEOUT_DEFAULT", 0),
		NodeMaxRetriesDefault:   getInt("NODE_MAX_RETRIES_DEFAULT", 0),
		NodeBackoffDefault:      time.Duration(getInt("NODE_BACKOFF_MS_DEFAULT", 1000)) * time.Millisecond,

		// Collaborators
		ConnectorBaseURLs: getStringMap("CONNECTOR_BASE_URLS", nil),
		AgentHTTPTimeout:  getDuration("AGENT_HTTP_TIMEOUT", 60*time.Second),
		SeedDefaultAgents: getBool("SEED_DEFAULT_AGENTS", true),

		// Archive
		ArchiveBackend:    getEnv("ARCHIVE_BACKEND", "memory"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", "appflow"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", false),
		S3PathPrefix:      getEnv("S3_PATH_PREFIX", ""),
		ArchiveURLExpiry:  getDuration("ARCHIVE_URL_EXPIRY", 15*time.Minute),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}

// getStringMap parses "k1=v1,k2=v2". Entries without '=' are skipped.
func getStringMap(key string, defaultVal map[string]string) map[string]string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
