package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Inbound webhook
	Platform           string
	WebhookSecret      string
	WebhookVerifyToken string

	// Queue
	QueueBackend   string // "postgres", "sqs" or "memory"
	JobsQueueURL   string // SQS FIFO queue URL when QueueBackend=sqs
	WorkerCount    int
	ReceiveBatch   int
	ReceiveWait    time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LeaseDuration  time.Duration

	// Idempotency
	IdempotencyBackend string // "postgres" or "dynamo"
	IdempotencyTable   string

	// Intent classifier
	ClassifierBackend   string // "http" or "bedrock"
	ClassifierURL       string
	ClassifierAPIKey    string
	ClassifierTimeout   time.Duration
	BedrockModelID      string
	ConfidenceThreshold float64

	// Booking service
	BookingBaseURL string
	BookingAPIKey  string
	BookingTimeout time.Duration

	// Messaging send API
	SendBaseURL string
	SendAPIKey  string
	SendTimeout time.Duration

	// Conversation
	HistoryWindow int
	DefaultRegion string

	// Dead letters
	DeadLetterKeyHex string

	// Admin API
	AdminJWTSecret string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		Platform:           strings.ToLower(strings.TrimSpace(getEnv("PLATFORM", "messaging"))),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),

		QueueBackend:   strings.ToLower(strings.TrimSpace(getEnv("QUEUE_BACKEND", "postgres"))),
		JobsQueueURL:   getEnv("JOBS_QUEUE_URL", ""),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),
		ReceiveBatch:   getEnvAsInt("RECEIVE_BATCH", 5),
		ReceiveWait:    getEnvAsDuration("RECEIVE_WAIT", 2*time.Second),
		MaxAttempts:    getEnvAsInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay: getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:  getEnvAsDuration("RETRY_MAX_DELAY", 5*time.Minute),
		LeaseDuration:  getEnvAsDuration("LEASE_DURATION", 2*time.Minute),

		IdempotencyBackend: strings.ToLower(strings.TrimSpace(getEnv("IDEMPOTENCY_BACKEND", "postgres"))),
		IdempotencyTable:   getEnv("IDEMPOTENCY_TABLE", "processed-events"),

		ClassifierBackend:   strings.ToLower(strings.TrimSpace(getEnv("CLASSIFIER_BACKEND", "http"))),
		ClassifierURL:       getEnv("CLASSIFIER_URL", ""),
		ClassifierAPIKey:    getEnv("CLASSIFIER_API_KEY", ""),
		ClassifierTimeout:   getEnvAsDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.6),

		BookingBaseURL: getEnv("BOOKING_BASE_URL", ""),
		BookingAPIKey:  getEnv("BOOKING_API_KEY", ""),
		BookingTimeout: getEnvAsDuration("BOOKING_TIMEOUT", 10*time.Second),

		SendBaseURL: getEnv("SEND_BASE_URL", ""),
		SendAPIKey:  getEnv("SEND_API_KEY", ""),
		SendTimeout: getEnvAsDuration("SEND_TIMEOUT", 10*time.Second),

		HistoryWindow: getEnvAsInt("HISTORY_WINDOW", 10),
		DefaultRegion: getEnv("DEFAULT_REGION", "US"),

		DeadLetterKeyHex: getEnv("DEAD_LETTER_KEY", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
