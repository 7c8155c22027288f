package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the bridge server and its CLI.
type Config struct {
	Env                 string
	LogLevel            string
	HTTPAddr            string
	EventsAddr          string
	PublicBaseURL       string
	BackendURL          string
	BackendTimeout      time.Duration
	BackendProxyTimeout time.Duration
	TokenFile           string
	TokenHeader         string
	QueueCapacity       int
	DrainDelay          time.Duration
	ResultCacheLimit    int
	JobTypes            []string
	EventBuffer         int
	OutputDir           string
	ThumbnailWidth      int
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
	AllowedOrigins      []string
	RateLimitEnabled    bool
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RateLimitCapacity   int
	RateLimitRefill     float64
}

// Load reads configuration from environment variables with defaults suited to a local desktop install.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", ""),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		EventsAddr:          lookupEnv("EVENTS_ADDR", ":8081"),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		BackendURL:          strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/"),
		BackendTimeout:      getEnvDuration("BACKEND_TIMEOUT", 5*time.Minute),
		BackendProxyTimeout: getEnvDuration("BACKEND_PROXY_TIMEOUT", 30*time.Second),
		TokenFile:           getEnv("BRIDGE_TOKEN_FILE", ".bridge_token"),
		TokenHeader:         getEnv("BRIDGE_TOKEN_HEADER", "X-Bridge-Token"),
		QueueCapacity:       getEnvInt("QUEUE_CAPACITY", 5),
		DrainDelay:          getEnvDuration("QUEUE_DRAIN_DELAY", 50*time.Millisecond),
		ResultCacheLimit:    getEnvInt("RESULT_CACHE_LIMIT", 0),
		JobTypes:            getEnvList("JOB_TYPES", []string{"generate", "inpaint", "upscale"}),
		EventBuffer:         getEnvInt("EVENT_BUFFER", 32),
		OutputDir:           getEnv("OUTPUT_DIR", "./outputs"),
		ThumbnailWidth:      getEnvInt("THUMBNAIL_WIDTH", 256),
		ArtifactS3Bucket:    os.Getenv("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  os.Getenv("ARTIFACT_S3_ENDPOINT"),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "app://."}),
		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", false),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		RateLimitCapacity:   getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:     getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
	}
}

// JobTypeAllowed reports whether jobType is one of the configured job types.
func (c Config) JobTypeAllowed(jobType string) bool {
	for _, t := range c.JobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// lookupEnv distinguishes an explicitly empty variable from an unset one.
func lookupEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
