package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds shared runtime configuration for the processor, API and admin CLI.
type Config struct {
	Env       string
	LogLevel  string
	LogFormat string `validate:"oneof=json text"`

	HTTPPort    string `validate:"required"`
	MetricsAddr string

	// StoreURL is a SQLite file path, a postgres:// DSN or memory://.
	StoreURL string `validate:"required"`

	PollInterval       time.Duration `validate:"gt=0"`
	WorkerCount        int           `validate:"gte=1"`
	DequeueTimeout     time.Duration `validate:"gt=0"`
	BatchSize          int           `validate:"gte=1"`
	QueueSize          int           `validate:"gte=1"`
	StoreRetryAttempts int           `validate:"gte=1"`
	BackoffInitial     time.Duration `validate:"gt=0"`
	BackoffMax         time.Duration `validate:"gtefield=BackoffInitial"`

	ExecutorCommand string `validate:"required"`
	PlaybookPath    string
	// ExecutorTimeout of zero leaves executor calls without a deadline.
	ExecutorTimeout time.Duration `validate:"gte=0"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SubmitLimit   int           `validate:"gte=1"`
	SubmitWindow  time.Duration `validate:"gt=0"`

	MongoURI            string
	MongoDatabase       string
	InventoryCollection string
	GroupCollection     string
	AuditCollection     string
	AuditRedactKeys     []string

	TranscriptBucket    string
	TranscriptPrefix    string
	TranscriptEndpoint  string
	AWSRegion           string
	MaxInlineTranscript int `validate:"gte=0"`
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:       getEnv("APP_ENV", "dev"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		StoreURL: getEnv("TASK_DATABASE", "./taskdb.sqlite"),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 60*time.Second),
		WorkerCount:        getEnvInt("WORKER_COUNT", 3),
		DequeueTimeout:     getEnvDuration("DEQUEUE_TIMEOUT", 2*time.Second),
		BatchSize:          getEnvInt("POLL_BATCH_SIZE", 3),
		QueueSize:          getEnvInt("DISPATCH_QUEUE_SIZE", 100),
		StoreRetryAttempts: getEnvInt("STORE_RETRY_ATTEMPTS", 3),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 10*time.Second),

		ExecutorCommand: getEnv("EXECUTOR_COMMAND", "netspot-playbook"),
		PlaybookPath:    getEnv("PLAYBOOK_PATH", ""),
		ExecutorTimeout: getEnvDuration("EXECUTOR_TIMEOUT", 0),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SubmitLimit:   getEnvInt("SUBMIT_LIMIT", 30),
		SubmitWindow:  getEnvDuration("SUBMIT_WINDOW", time.Minute),

		MongoURI:            getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:       getEnv("MONGO_DATABASE", "netspot"),
		InventoryCollection: getEnv("COLL_NETSPOT", "netspot"),
		GroupCollection:     getEnv("COLL_NETSPOT_GROUPS", "netspot_groups"),
		AuditCollection:     getEnv("COLL_PLAYBOOK_LOGS", "netspot_playbook_logs"),
		AuditRedactKeys:     getEnvList("AUDIT_REDACT_KEYS", []string{"password"}),

		TranscriptBucket:    getEnv("TRANSCRIPT_S3_BUCKET", ""),
		TranscriptPrefix:    getEnv("TRANSCRIPT_S3_PREFIX", "transcripts/"),
		TranscriptEndpoint:  getEnv("TRANSCRIPT_S3_ENDPOINT", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		MaxInlineTranscript: getEnvInt("TRANSCRIPT_INLINE_MAX", 1<<20),
	}
}

var validate = validator.New()

// Validate checks the loaded values and reports every offending field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
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
