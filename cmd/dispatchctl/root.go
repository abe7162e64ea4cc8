package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

// storeOpener hands commands their store; tests swap in a memory store.
type storeOpener func(ctx context.Context, cfg config.ServerConfig) (storage.Store, error)

func openPostgres(ctx context.Context, cfg config.ServerConfig) (storage.Store, error) {
	if cfg.PGDSN == "" {
		return nil, fmt.Errorf("PG_DSN is required")
	}
	return storage.NewPostgresStore(ctx, cfg.PGDSN)
}

// notifierOpener hands commands a way to reach riders and drivers connected
// to the servers. The returned func releases its connections.
type notifierOpener func(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (dispatch.Notifier, func(), error)

// openNotifier publishes through the Redis relay the servers subscribe to and
// appends to the Kafka event log, whichever is configured.
func openNotifier(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (dispatch.Notifier, func(), error) {
	var (
		fan     dispatch.Fanout
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		fan = append(fan, dispatch.NewRedisRelay(rc, cfg.RedisChannel, nil, logger))
	}
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewEventLog(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		closers = append(closers, events.Close)
		fan = append(fan, events)
	}
	if len(fan) == 0 {
		logger.Warn("REDIS_ADDR and KAFKA_BROKERS unset; notifications are dropped")
		return dispatch.Nop{}, func() {}, nil
	}
	return fan, closeAll, nil
}

// app carries what every subcommand needs once the root has run.
type app struct {
	open   storeOpener
	notify notifierOpener
	cfg    config.ServerConfig
	logger *slog.Logger
}

func (a *app) withStore(cmd *cobra.Command, fn func(storage.Store) error) error {
	store, err := a.open(cmd.Context(), a.cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (a *app) withNotifier(cmd *cobra.Command, fn func(dispatch.Notifier) error) error {
	n, release, err := a.notify(cmd.Context(), a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open notifier: %w", err)
	}
	defer release()
	return fn(n)
}

func newRootCmd(open storeOpener, notify notifierOpener) *cobra.Command {
	a := &app{open: open, notify: notify}
	var logLevel string

	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Operate the ride dispatch database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			a.logger = logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, "dispatchctl")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(newSweepCmd(a), newExpandCmd(a), newDriverCmd(a))
	return root
}
