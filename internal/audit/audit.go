// Package audit persists an append-only log of mutating sandbox
// operations. The log is operational history, not the source of truth:
// the sandbox registry itself is in-memory and rebuilt empty on restart.
//
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode for concurrent reads.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event is one recorded operation.
type Event struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Action    string    `gorm:"size:64;index" json:"action"`
	SandboxID string    `gorm:"size:64;index" json:"sandbox_id"`
	Detail    string    `gorm:"size:1024" json:"detail,omitempty"`
	Success   bool      `json:"success"`
}

// TableName keeps the table name stable across GORM naming strategies.
func (Event) TableName() string { return "audit_events" }

// Log is the SQLite-backed audit log.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or opens) the audit database at path and migrates the
// schema.
func Open(path string, slogger *slog.Logger) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("audit path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	slogger.Info("audit log opened", slog.String("path", path))
	return &Log{db: db, logger: slogger}, nil
}

// Record appends one event. Failures are logged, never propagated: the
// audit log must not take down sandbox operations.
func (l *Log) Record(ctx context.Context, action, sandboxID, detail string, success bool) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		SandboxID: sandboxID,
		Detail:    detail,
		Success:   success,
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		l.logger.Error("audit append failed",
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}

// Recent returns the most recent events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := l.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	return events, nil
}

// BySandbox returns events for one sandbox, newest first.
func (l *Log) BySandbox(ctx context.Context, sandboxID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := l.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit events for %s: %w", sandboxID, err)
	}
	return events, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
