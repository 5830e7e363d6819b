package devstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smallsite/internal/config"
	"smallsite/internal/models"
	"smallsite/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// queryLogger reports failed and slow devstack queries through slog.
type queryLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(level logger.LogLevel) *queryLogger {
	return &queryLogger{
		log:   observability.GlobalLogger.With(slog.String("component", "devstack.db")),
		level: level,
		slow:  200 * time.Millisecond,
	}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) logf(ctx context.Context, at logger.LogLevel, slogLevel slog.Level, msg string, data []any) {
	if l.level >= at {
		l.log.Log(ctx, slogLevel, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	l.logf(ctx, logger.Info, slog.LevelInfo, msg, data)
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.logf(ctx, logger.Warn, slog.LevelWarn, msg, data)
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	l.logf(ctx, logger.Error, slog.LevelError, msg, data)
}

// Trace logs a query when it failed or ran past the slow threshold. Missing
// rows are the normal result of an existence check and are not errors here.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	sql, rows := fc()
	attrs := []any{slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed)}
	switch {
	case failed && l.level >= logger.Error:
		l.log.ErrorContext(ctx, "devstack query failed", append(attrs, slog.String("error", err.Error()))...)
	case elapsed >= l.slow && l.level >= logger.Warn:
		l.log.WarnContext(ctx, "devstack slow query", attrs...)
	case l.level >= logger.Info:
		l.log.DebugContext(ctx, "devstack query", attrs...)
	}
}

// Open connects to the configured database and migrates the schema.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		sslMode := cfg.DBSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			sslMode,
		)
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newQueryLogger(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		if cfg.DBDriver == "sqlite" {
			// SQLite allows a single writer.
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxOpenConns(25)
			sqlDB.SetMaxIdleConns(5)
			sqlDB.SetConnMaxLifetime(5 * time.Minute)
		}
	}

	observability.GlobalLogger.Info("devstack database ready", slog.String("driver", cfg.DBDriver))
	return db, nil
}

// OpenMemory opens a private in-memory SQLite database, for tests.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: newQueryLogger(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a new database.
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the auth and table schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&User{},
		&RefreshToken{},
		&OneTimeToken{},
		&models.Post{},
		&models.Profile{},
		&models.Favorite{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
