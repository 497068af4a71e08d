package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/RaikyD/storefront-orders/internal/application"
	"github.com/RaikyD/storefront-orders/internal/auth"
	"github.com/RaikyD/storefront-orders/internal/cart"
	"github.com/RaikyD/storefront-orders/internal/config"
	"github.com/RaikyD/storefront-orders/internal/kafka"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/metrics"
	"github.com/RaikyD/storefront-orders/internal/migrate"
	"github.com/RaikyD/storefront-orders/internal/presentation"
	"github.com/RaikyD/storefront-orders/internal/rabbit"
	"github.com/RaikyD/storefront-orders/internal/repository"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.APP_ENV, cfg.LOG_LEVEL); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Error("service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, repo.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []application.Option{
		application.WithMetrics(m),
		application.WithCacheSize(cfg.ORDER_CACHE_SIZE),
		application.WithStoreTimeout(cfg.STORE_TIMEOUT),
		application.WithTestPayments(cfg.ALLOW_TEST_PAYMENTS),
	}
	if cfg.PRICING_MODE == config.PricingFlat {
		opts = append(opts, application.WithPricing(cart.FlatRate{
			FreeShippingOver: cfg.FREE_SHIPPING_OVER,
			ShippingFee:      cfg.SHIPPING_FEE,
			TaxRate:          cfg.TAX_RATE,
		}))
	}

	switch cfg.EVENTS_DRIVER {
	case config.EventsKafka:
		prod := kafka.NewProducer(cfg.KAFKA_BROKERS, cfg.KAFKA_EVENTS_TOPIC)
		defer func() { err = multierr.Append(err, prod.Close()) }()
		opts = append(opts, application.WithEvents(prod))
		logger.Info("publishing events to kafka", "topic", cfg.KAFKA_EVENTS_TOPIC)
	case config.EventsRabbitMQ:
		pub, perr := rabbit.NewPublisher(cfg.RABBIT_URL, cfg.RABBIT_EXCHANGE)
		if perr != nil {
			return fmt.Errorf("rabbitmq: %w", perr)
		}
		defer func() { err = multierr.Append(err, pub.Close()) }()
		opts = append(opts, application.WithEvents(pub))
		logger.Info("publishing events to rabbitmq", "exchange", cfg.RABBIT_EXCHANGE)
	}

	svc := application.NewOrdersService(repo, opts...)

	// кеш только для завершённых заказов, остальные всегда читаем из стора
	if err := svc.RestoreCache(ctx, cfg.ORDER_CACHE_SIZE); err != nil {
		logger.Warn("restore cache failed", "err", err)
	}

	middleware.DefaultLogger = middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logger.Std(),
		NoColor: cfg.APP_ENV != "development",
	})
	router := presentation.NewRouter(presentation.RouterConfig{
		Handler:        presentation.NewOrdersHandler(svc, cfg.PAYPAL_CLIENT_ID),
		Auth:           auth.New(cfg.JWT_SECRET, auth.Issuer),
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		AllowedOrigins: cfg.CORS_ALLOWED_ORIGINS,
		RequestTimeout: cfg.REQUEST_TIMEOUT,
		AccessLog:      true,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down http")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.KAFKA_CAPTURES_TOPIC != "" {
		consumer := kafka.NewCaptureConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KAFKA_BROKERS,
			Topic:   cfg.KAFKA_CAPTURES_TOPIC,
			GroupID: cfg.KAFKA_GROUP_ID,
		}, svc)
		g.Go(func() error {
			defer func() { _ = consumer.Close() }()
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (repository.OrderRepo, error) {
	switch cfg.STORE_DRIVER {
	case config.StoreMemory:
		logger.Warn("using in-memory store; orders are lost on restart")
		return repository.NewMemoryRepository(), nil

	case config.StoreSQLite:
		db, err := repository.OpenSQLite(cfg.SQLITE_PATH)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		if cfg.RUN_MIGRATIONS {
			if err := migrate.UpDB(db, migrate.SQLite); err != nil {
				return nil, multierr.Append(err, db.Close())
			}
		}
		logger.Info("sqlite store ready", "path", cfg.SQLITE_PATH)
		return repository.NewSQLiteRepository(db), nil

	default:
		if cfg.RUN_MIGRATIONS {
			if err := migrate.Up(cfg.DB_STRING); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DB_STRING)
		if err != nil {
			return nil, fmt.Errorf("pgxpool new: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.STORE_TIMEOUT)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		logger.Info("db connected")
		return repository.NewOrderRepository(pool), nil
	}
}
