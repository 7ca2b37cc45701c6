package db

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

type patchedLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound will be handled in application logic, let's not forward this to zap/sentry
func (l *patchedLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

func open(logger *zap.Logger, dialector gorm.Dialector) (*gorm.DB, error) {
	gLogger := zapgorm2.Logger{
		ZapLogger:        logger,
		LogLevel:         gormlogger.Warn,
		SlowThreshold:    time.Second,
		SkipCallerLookup: false,
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: &patchedLogger{
			Logger: gLogger,
		},
	})
}

// New returns an instance for interacting with the PostgreSQL database
func New(logger *zap.Logger, uri string) (*gorm.DB, error) {
	db, err := open(logger, postgres.Open(uri))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(1)
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewSQLite returns a single connection SQLite database. Used for local development and tests,
// dsn may be a file path or an in-memory uri such as "file:name?mode=memory&cache=shared"
func NewSQLite(logger *zap.Logger, dsn string) (*gorm.DB, error) {
	db, err := open(logger, sqlite.Open(dsn))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open sqlite database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get the connection pool")
	}
	// sqlite serializes writers anyway; one connection keeps in-memory databases alive
	pool.SetMaxIdleConns(1)
	pool.SetMaxOpenConns(1)
	return db, nil
}

// Ping checks that the database is reachable within the context deadline
func Ping(ctx context.Context, db *gorm.DB) error {
	pool, err := db.DB()
	if err != nil {
		return extErrors.Wrap(err, "Cannot get the connection pool")
	}
	return pool.PingContext(ctx)
}
