package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver zone messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or rejected zone messages",
	})
	zoneUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_zone_updates_total",
		Help: "Total driver zone updates applied",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total zone updates abandoned after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, zoneUpdates, storeErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel, "zone-consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	svc := &matcher.Service{Store: store, Logger: logger}

	go serveMetrics(cfg.MetricsAddr, store, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{reader: r, updater: svc, attempts: cfg.Attempts, delay: cfg.RetryDelay, logger: logger}
	c.run(ctx)
	logger.Info("shutting down consumer")
}

func serveMetrics(addr string, store storage.Store, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// an empty transaction proves the database answers
		if err := store.InTx(r.Context(), func(storage.Tx) error { return nil }); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// MessageReader is the part of *kafka.Reader the consumer loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// ZoneUpdater applies a driver's zone change to the store.
type ZoneUpdater interface {
	UpdateDriverZone(ctx context.Context, driverID string, zone int) error
}

type consumer struct {
	reader   MessageReader
	updater  ZoneUpdater
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (c *consumer) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()

	var u models.ZoneUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
		msgsInvalid.Inc()
		c.logger.Warn("invalid zone message", "offset", m.Offset, "error", err)
		return
	}
	if err := applyWithRetry(ctx, c.updater, u, c.attempts, c.delay); err != nil {
		if permanent(err) {
			msgsInvalid.Inc()
		} else {
			storeErrors.Inc()
		}
		c.logger.Error("zone update failed", "driver_id", u.DriverID, "zone", u.Zone, "error", err)
		return
	}
	zoneUpdates.Inc()
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, apperror.ErrBadRequest) || errors.Is(err, apperror.ErrNotFound)
}

// applyWithRetry applies u with doubling backoff between attempts.
func applyWithRetry(ctx context.Context, up ZoneUpdater, u models.ZoneUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = up.UpdateDriverZone(ctx, u.DriverID, u.Zone); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
