package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Every external
// backend is optional: an empty address leaves that backend unwired.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisChannel  string
	RedisLockKey  string

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaZoneTopic   string

	StripeAPIKey    string
	PaymentCurrency string

	SweepInterval       time.Duration
	LookaheadDays       int
	BookingLead         time.Duration
	ReservationBuffer   time.Duration
	PoolMinParticipants int
	Timezone            string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisChannel:        "dispatch-events",
		RedisLockKey:        "dispatch:sweep-lock",
		KafkaEventsTopic:    "dispatch-events",
		KafkaZoneTopic:      "driver-zones",
		PaymentCurrency:     "inr",
		SweepInterval:       30 * time.Second,
		LookaheadDays:       7,
		BookingLead:         20 * time.Minute,
		ReservationBuffer:   15 * time.Minute,
		PoolMinParticipants: 2,
		Timezone:            "UTC",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")
	setStringFromEnv(&cfg.RedisLockKey, "REDIS_LOCK_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaZoneTopic, "KAFKA_ZONE_TOPIC")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.LookaheadDays, "LOOKAHEAD_DAYS", &errs)
	setDurationFromEnv(&cfg.BookingLead, "BOOKING_LEAD", &errs)
	setDurationFromEnv(&cfg.ReservationBuffer, "RESERVATION_BUFFER", &errs)
	setIntFromEnv(&cfg.PoolMinParticipants, "POOL_MIN_PARTICIPANTS", &errs)
	setStringFromEnv(&cfg.Timezone, "DISPATCH_TIMEZONE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.LookaheadDays < 0 {
		errs = append(errs, fmt.Errorf("LOOKAHEAD_DAYS must be >= 0"))
	}
	if cfg.BookingLead <= 0 {
		errs = append(errs, fmt.Errorf("BOOKING_LEAD must be > 0"))
	}
	if cfg.PoolMinParticipants < 2 {
		errs = append(errs, fmt.Errorf("POOL_MIN_PARTICIPANTS must be >= 2"))
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// Location resolves Timezone, falling back to UTC. LoadServerConfig has
// already rejected unknown names.
func (c ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConsumerConfig drives the zone-update consumer process.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	Attempts     int
	RetryDelay   time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-zones",
		KafkaGroup:   "ride-dispatch-consumer",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_ZONE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
