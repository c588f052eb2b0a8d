// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), schema migrations, and the process-wide write
// lock that serializes multi-statement transactions.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// writeMu serializes multi-statement write transactions within this process.
// SQLite is single-writer; concurrent handler tasks that each run a
// read-then-write sequence (upserts, cleanup+vacuum, reset) would otherwise
// race past the busy timeout. Plain single-statement reads never take it.
var writeMu sync.Mutex

// OpenSQLite opens (or creates) a SQLite database, applies PRAGMAs, and
// attaches the OpenTelemetry GORM plugin so store operations show up as
// spans under the handler trace.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates the four tables if absent and applies additive column
// changes (GORM adds missing columns such as interaction_id without touching
// existing data), plus the composite indexes declared on the models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.Chat{},
		&domain.Message{},
		&domain.TokenUsage{},
	)
}

// Reset drops and recreates all four tables. Destructive; administrative
// recovery only.
func Reset(ctx context.Context, db *gorm.DB) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	m := db.WithContext(ctx).Migrator()
	for _, model := range []any{&domain.TokenUsage{}, &domain.Message{}, &domain.Chat{}, &domain.User{}} {
		if m.HasTable(model) {
			if err := m.DropTable(model); err != nil {
				return err
			}
		}
	}
	return AutoMigrate(db.WithContext(ctx))
}

// withWriteTx runs fn inside a transaction while holding the process-wide
// write lock. Callers must not perform network I/O inside fn; the lock is
// for brief database work only.
func withWriteTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return db.WithContext(ctx).Transaction(fn)
}
