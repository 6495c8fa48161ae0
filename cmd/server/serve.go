package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/example/garage-dispatch/internal/chat"
	"github.com/example/garage-dispatch/internal/config"
	"github.com/example/garage-dispatch/internal/dispatch"
	"github.com/example/garage-dispatch/internal/eta"
	"github.com/example/garage-dispatch/internal/geo"
	"github.com/example/garage-dispatch/internal/httpapi"
	"github.com/example/garage-dispatch/internal/ingest"
	"github.com/example/garage-dispatch/internal/logging"
	"github.com/example/garage-dispatch/internal/notify"
	"github.com/example/garage-dispatch/internal/payments"
	"github.com/example/garage-dispatch/internal/realtime"
	"github.com/example/garage-dispatch/internal/storage"
	"github.com/example/garage-dispatch/internal/tracking"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// app holds everything serve builds so it can be torn down in order.
type app struct {
	handler  http.Handler
	registry *realtime.Registry
	coord    *dispatch.Coordinator
	chats    *chat.Manager
	closers  []func() error
}

func (a *app) close(logger *slog.Logger) {
	a.registry.Close()
	a.coord.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close dependency", "error", err)
		}
	}
}

func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{}
	var (
		bookings storage.BookingStore
		notes    storage.NotificationStore
		messages storage.MessageStore
		db       *sql.DB
		rc       *redis.Client
	)

	if cfg.PGDSN != "" {
		var err error
		db, err = storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		bookings = storage.NewPostgresStore(db)
		notes = storage.NewPostgresNotificationStore(db)
		messages = storage.NewPostgresMessageStore(db)
	} else {
		logger.Warn("PG_DSN not set; bookings, notifications and chat are kept in memory")
		bookings = storage.NewMemoryStore()
		notes = storage.NewMemoryNotificationStore()
		messages = storage.NewMemoryMessageStore()
	}

	var (
		directory geo.Directory
		locator   geo.Locator
		archive   tracking.TrailArchive = tracking.NopArchive{}
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GarageSearchRadiusM, cfg.GarageLimit)
		directory, locator = rg, rg
		archive = tracking.NewRedisTrailArchive(rc, cfg.TrailTTL)
	} else {
		idx := geo.NewIndex(cfg.GarageSearchRadiusM, cfg.GarageLimit)
		directory, locator = idx, idx
	}

	a.registry = realtime.NewRegistry(logger)
	hub := notify.NewHub(notes, a.registry, logger)

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		a.closers = append(a.closers, kp.Close)
		hub.Subscribe(notify.TopicAll, kp.Forward)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	a.chats = chat.NewManager(bookings, a.registry, chat.Options{
		TypingTTL:    cfg.TypingTTL,
		HistoryLimit: cfg.ChatHistoryLimit,
		Store:        messages,
		Publisher:    hub,
		Logger:       logger,
	})
	tracker := tracking.NewManager(a.registry, tracking.Options{
		ETA:       estimator,
		Archive:   archive,
		Publisher: hub,
		Logger:    logger,
	})

	var settler dispatch.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	a.coord = dispatch.NewCoordinator(dispatch.Deps{
		Store:    bookings,
		Sender:   a.registry,
		Locator:  locator,
		Roster:   directory,
		Notifier: hub,
		Chat:     a.chats,
		Tracking: tracker,
		Settler:  settler,
		Logger:   logger,
		Deadline: cfg.DispatchDeadline,
	})

	a.handler = httpapi.NewServer(httpapi.Deps{
		Coordinator: a.coord,
		Chat:        a.chats,
		Tracking:    tracker,
		Hub:         hub,
		Registry:    a.registry,
		Directory:   directory,
		Logger:      logger,
		Ready: func(ctx context.Context) error {
			var errs []error
			if db != nil {
				errs = append(errs, db.PingContext(ctx))
			}
			if rc != nil {
				errs = append(errs, rc.Ping(ctx).Err())
			}
			return errors.Join(errs...)
		},
	})
	return a, nil
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	logger := logging.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1s", func() { a.chats.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("schedule typing sweep: %w", err)
	}
	sweeper.Start()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("garage-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			<-sweeper.Stop().Done()
			a.close(logger)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	<-sweeper.Stop().Done()
	a.close(logger)
	logger.Info("server stopped")
	return nil
}
