package main

import (
	"context"
	"log"
	"net/smtp"
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
	"github.com/zllovesuki/metering/mailer"
	"github.com/zllovesuki/metering/task"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
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

	// Determine running environment and initialize structural logger
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
	if err := cfg.ValidateWorker(); err != nil {
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
			"component": "worker",
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

	amqpBroker, err := broker.NewAMQPBroker(logger, cfg.AMQPURI)
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	var smtpAuth smtp.Auth
	if cfg.SMTPUsername != "" {
		smtpAuth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	m, err := mailer.New(mailer.Options{
		Logger:   logger,
		Hostname: cfg.SMTPAddr(),
		SMTPAuth: smtpAuth,
		From:     cfg.SMTPFrom,
		SiteName: cfg.SiteName,
		SiteURL:  cfg.SiteURL,
		Fallback: cfg.SupportEmail,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Mailer", zap.Error(err))
	}

	notificationTask, err := task.NewNotificationTask(task.NotificationOptions{
		Consumer:        amqpBroker,
		CustomerManager: customerManager,
		Sender:          m,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize notification task", zap.Error(err))
	}

	retentionTask, err := task.NewRetentionTask(task.RetentionOptions{
		EventManager: eventManager,
		Retention:    cfg.EventRetention,
		Schedule:     cfg.RetentionSchedule,
		Timeout:      cfg.StoreTimeout * 12,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize retention task", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notificationTask.Run(gCtx)
	})
	g.Go(func() error {
		return retentionTask.Run(gCtx)
	})

	logger.Info("Worker started",
		zap.String("EventRetention", cfg.EventRetention.String()),
		zap.String("RetentionSchedule", cfg.RetentionSchedule),
	)

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error",
			zap.Error(err),
		)
	}
}
