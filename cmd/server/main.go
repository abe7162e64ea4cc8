package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-server")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := dispatch.NewHub(logger)
	var (
		notifier dispatch.Notifier = hub
		locker   schedule.Locker
	)

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		relay := dispatch.NewRedisRelay(rc, cfg.RedisChannel, hub, logger)
		go func() {
			if err := relay.Subscribe(ctx, rc); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		notifier = relay
		locker = schedule.NewRedisLocker(rc, cfg.RedisLockKey, uuid.NewString())
		logger.Info("redis relay enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	var zones httpapi.ZonePublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewEventLog(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer events.Close()
		notifier = dispatch.Fanout{notifier, events}

		producer := ingest.NewZoneProducer(cfg.KafkaBrokers, cfg.KafkaZoneTopic)
		defer producer.Close()
		zones = producer
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic, "zone_topic", cfg.KafkaZoneTopic)
	}

	agg := &pool.Aggregator{Store: store, Notifier: notifier, MinParticipants: cfg.PoolMinParticipants, Logger: logger}
	m := &matcher.Service{Store: store, Notifier: notifier, Offers: agg, Currency: cfg.PaymentCurrency, Logger: logger}
	if cfg.StripeAPIKey != "" {
		m.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	bookings := &booking.Service{Store: store, Location: cfg.Location(), Logger: logger}
	sweeper := &schedule.Sweeper{
		Store:      store,
		Aggregator: agg,
		Notifier:   notifier,
		Locker:     locker,
		Logger:     logger,
		Config: schedule.Config{
			Interval:          cfg.SweepInterval,
			LookaheadDays:     cfg.LookaheadDays,
			LeadWindow:        cfg.BookingLead,
			ReservationBuffer: cfg.ReservationBuffer,
			Location:          cfg.Location(),
		},
	}
	go sweeper.Run(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Matcher:  m,
		Bookings: bookings,
		Pool:     agg,
		Gateway:  gateway.New(m, agg, logger),
		Hub:      hub,
		Zones:    zones,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
