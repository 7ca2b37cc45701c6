package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/metering/auth"
	"github.com/zllovesuki/metering/broker"
	"github.com/zllovesuki/metering/config"
	"github.com/zllovesuki/metering/customer"
	"github.com/zllovesuki/metering/db"
	"github.com/zllovesuki/metering/event"
	"github.com/zllovesuki/metering/external"
	"github.com/zllovesuki/metering/notification"
	"github.com/zllovesuki/metering/plan"
	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/ratelimit"
	"github.com/zllovesuki/metering/reconcile"
	"github.com/zllovesuki/metering/response"
	"github.com/zllovesuki/metering/subscription"
	"github.com/zllovesuki/metering/usage"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var err error

	authEnvironment, dotFile := config.DotFile()
	if authEnvironment == auth.EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	cfg, err := config.Load(dotFile)
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}
	if err := cfg.ValidateAPI(); err != nil {
		logger.Fatal("Invalid configurations",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Release:     Version,
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	var gdb *gorm.DB
	if cfg.SQLitePath != "" {
		gdb, err = db.NewSQLite(logger, cfg.SQLitePath)
	} else {
		gdb, err = db.New(logger, cfg.PostgresURI)
	}
	if err != nil {
		logger.Fatal("Cannot connect to database",
			zap.Error(err),
		)
	}

	eventManager, err := event.NewManager(event.ManagerOptions{DB: gdb, Logger: logger})
	if err != nil {
		logger.Fatal("Cannot initialize EventManager", zap.Error(err))
	}
	customerManager, err := customer.NewManager(customer.ManagerOptions{DB: gdb, Logger: logger})
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager", zap.Error(err))
	}
	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{DB: gdb, Logger: logger})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager", zap.Error(err))
	}
	usageManager, err := usage.NewManager(usage.ManagerOptions{DB: gdb, Logger: logger})
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager", zap.Error(err))
	}
	quotaManager, err := quota.NewManager(quota.ManagerOptions{DB: gdb, Logger: logger})
	if err != nil {
		logger.Fatal("Cannot initialize QuotaManager", zap.Error(err))
	}

	catalog := plan.DefaultCatalog()
	if cfg.PlanCatalog != "" {
		catalog, err = plan.LoadCatalog(cfg.PlanCatalog)
		if err != nil {
			logger.Fatal("Cannot load plan catalog",
				zap.String("Path", cfg.PlanCatalog),
				zap.Error(err),
			)
		}
	}

	source, err := external.NewSubscriptionSource(external.NewStripeClient(cfg.StripeKey, nil))
	if err != nil {
		logger.Fatal("Cannot initialize Stripe client", zap.Error(err))
	}

	var dispatcher notification.Dispatcher
	amqpBroker, err := broker.NewAMQPBroker(logger, cfg.AMQPURI)
	switch {
	case err == nil:
		defer amqpBroker.Close()
		dispatcher, err = notification.NewBrokerDispatcher(notification.BrokerDispatcherOptions{
			Producer: amqpBroker,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize notification dispatcher", zap.Error(err))
		}
	case authEnvironment == auth.EnvDevelopment:
		logger.Warn("Cannot connect to Broker, notifications will only be logged",
			zap.Error(err),
		)
		dispatcher = &notification.LogDispatcher{Logger: logger}
	default:
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}

	var limiter *ratelimit.Limiter
	if cfg.MeterRateLimit > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPW,
			DB:       0,
		})
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()

		limiter, err = ratelimit.New(ratelimit.Options{
			Redis:  rdb,
			Logger: logger,
			Limit:  cfg.MeterRateLimit,
			Window: time.Minute,
			Prefix: "metering:ratelimit",
		})
		if err != nil {
			logger.Fatal("Cannot initialize rate limiter", zap.Error(err))
		}
	}

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.ServiceRoleSecret,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth", zap.Error(err))
	}

	engine, err := reconcile.New(reconcile.Options{
		DB:            gdb,
		Events:        eventManager,
		Customers:     customerManager,
		Subscriptions: subscriptionManager,
		Usage:         usageManager,
		Quota:         quotaManager,
		Catalog:       catalog,
		Source:        source,
		Dispatcher:    dispatcher,
		Logger:        logger,
		StoreTimeout:  cfg.StoreTimeout,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reconciliation engine", zap.Error(err))
	}

	service, err := reconcile.NewService(reconcile.ServiceOptions{
		Engine:        engine,
		Auth:          authManager,
		Limiter:       limiter,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize metering Service Router", zap.Error(err))
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		rootRouter.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
			MaxAge:         300,
		}))
	}

	rootRouter.Mount("/", service.Router())
	rootRouter.Handle("/metrics", promhttp.Handler())
	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.StoreTimeout)
		defer cancel()
		if err := db.Ping(ctx, gdb); err != nil {
			response.WriteError(w, r, response.ErrServiceUnavailable())
			return
		}
		response.WriteResponse(w, r, map[string]string{"status": "ok"})
	})

	if authEnvironment == auth.EnvDevelopment {
		rootRouter.HandleFunc("/pprof/*", pprof.Index)
		rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
		rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
		rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
		rootRouter.HandleFunc("/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Handler:           rootRouter,
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Metering API listening",
			zap.String("Addr", cfg.ListenAddr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("API server stopped with error",
			zap.Error(err),
		)
	}
}
