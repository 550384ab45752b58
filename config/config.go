package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Observ    ObservabilityConfig
	Providers map[models.Provider]provider.Config
	Sync      SyncConfig
}

type ServerConfig struct {
	Port                string
	Env                 string
	LogLevel            string
	WebhookConcurrency  int
	WebhookApplyTimeout time.Duration
}

type DatabaseConfig struct {
	URL     string
	Migrate bool
}

// RedisConfig with an empty Addr selects the in-process fallback
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers          []string
	TopicOrderStatus string
	TopicPayments    string
	ConsumerGroup    string
}

type ObservabilityConfig struct {
	JaegerEndpoint   string
	TraceSampleRatio float64
}

type SyncConfig struct {
	StalenessThreshold time.Duration
	SchedulerInterval  time.Duration
	PollBatchLimit     int
	PollConcurrency    int
	PollRatePerSecond  float64
	PollBurst          int
	ProviderTimeout    time.Duration
	DedupTTL           time.Duration
	CASMaxAttempts     int
	StatusMapFile      string
}

func Load() *Config {
	_ = godotenv.Load()

	providerTimeout := getDuration("PROVIDER_TIMEOUT", 10*time.Second)

	return &Config{
		Server: ServerConfig{
			Port:                getEnv("PORT", "8080"),
			Env:                 getEnv("ENV", "development"),
			LogLevel:            getEnv("LOG_LEVEL", ""),
			WebhookConcurrency:  getInt("WEBHOOK_CONCURRENCY", 64),
			WebhookApplyTimeout: getDuration("WEBHOOK_APPLY_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			URL:     getEnv("DATABASE_URL", ""),
			Migrate: getBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:          splitList(getEnv("KAFKA_BROKERS", "")),
			TopicOrderStatus: getEnv("KAFKA_TOPIC_ORDER_STATUS", "order-status-events"),
			TopicPayments:    getEnv("KAFKA_TOPIC_PAYMENTS", "payment-events"),
			ConsumerGroup:    getEnv("KAFKA_CONSUMER_GROUP", "fulfillment-sync-group"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", ""),
			TraceSampleRatio: getFloat("TRACE_SAMPLE_RATIO", 0.25),
		},
		Providers: map[models.Provider]provider.Config{
			models.ProviderA: {
				WebhookSecret: getEnv("PROVIDER_A_WEBHOOK_SECRET", ""),
				BaseURL:       getEnv("PROVIDER_A_API_URL", "https://api.provider-a.example/v1"),
				APIKey:        getEnv("PROVIDER_A_API_KEY", ""),
				Timeout:       providerTimeout,
			},
			models.ProviderB: {
				WebhookSecret: getEnv("PROVIDER_B_WEBHOOK_SECRET", ""),
				BaseURL:       getEnv("PROVIDER_B_API_URL", "https://api.provider-b.example"),
				APIKey:        getEnv("PROVIDER_B_API_KEY", ""),
				Timeout:       providerTimeout,
			},
		},
		Sync: SyncConfig{
			StalenessThreshold: getDuration("STALENESS_THRESHOLD", 15*time.Minute),
			SchedulerInterval:  getDuration("SCHEDULER_INTERVAL", 15*time.Minute),
			PollBatchLimit:     getInt("POLL_BATCH_LIMIT", 200),
			PollConcurrency:    getInt("POLL_CONCURRENCY", 20),
			PollRatePerSecond:  getFloat("POLL_RATE_PER_SECOND", 5),
			PollBurst:          getInt("POLL_BURST", 5),
			ProviderTimeout:    providerTimeout,
			DedupTTL:           getDuration("DEDUP_TTL", 24*time.Hour),
			CASMaxAttempts:     getInt("CAS_MAX_ATTEMPTS", 3),
			StatusMapFile:      getEnv("STATUS_MAP_FILE", ""),
		},
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"STALENESS_THRESHOLD", c.Sync.StalenessThreshold},
		{"SCHEDULER_INTERVAL", c.Sync.SchedulerInterval},
		{"PROVIDER_TIMEOUT", c.Sync.ProviderTimeout},
		{"DEDUP_TTL", c.Sync.DedupTTL},
		{"WEBHOOK_APPLY_TIMEOUT", c.Server.WebhookApplyTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Sync.ProviderTimeout >= c.Sync.SchedulerInterval {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be shorter than SCHEDULER_INTERVAL"))
	}

	for _, n := range []struct {
		name  string
		value int
	}{
		{"WEBHOOK_CONCURRENCY", c.Server.WebhookConcurrency},
		{"POLL_CONCURRENCY", c.Sync.PollConcurrency},
		{"POLL_BATCH_LIMIT", c.Sync.PollBatchLimit},
		{"POLL_BURST", c.Sync.PollBurst},
		{"CAS_MAX_ATTEMPTS", c.Sync.CASMaxAttempts},
	} {
		if n.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", n.name))
		}
	}
	if c.Sync.PollRatePerSecond <= 0 {
		errs = append(errs, errors.New("POLL_RATE_PER_SECOND must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
