package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// newRepoDB opens a throwaway SQLite database with the full schema applied.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// seedScope inserts the chat and user rows message FKs point at.
func seedScope(t *testing.T, db *gorm.DB, chatID, userID int64) {
	t.Helper()
	if err := UpsertChat(context.Background(), db, &domain.Chat{ChatID: chatID, ChatType: "private"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if err := UpsertUser(context.Background(), db, &domain.User{UserID: userID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestOpenSQLite_CreatesFileAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	for _, table := range []string{"users", "chats", "messages", "token_usage"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestAutoMigrate_CreatesQueryIndexes(t *testing.T) {
	db := newRepoDB(t)

	indexed := []struct {
		model any
		field string
	}{
		{&domain.Message{}, "InteractionID"},
		{&domain.TokenUsage{}, "InteractionID"},
	}
	for _, ix := range indexed {
		if !db.Migrator().HasIndex(ix.model, ix.field) {
			t.Fatalf("expected index on %T.%s", ix.model, ix.field)
		}
	}
}

func TestOpenSQLite_MissingDirectory(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "no", "such", "dir", "relay.db"))
	if err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}

func TestReset_DropsAllData(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedScope(t, db, 1, 2)

	if _, err := CreateMessage(ctx, db, &domain.Message{ChatID: 1, UserID: 2, Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := Reset(ctx, db); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	n, err := CountMessages(ctx, db, 1)
	if err != nil {
		t.Fatalf("count after reset: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty messages table after reset, got %d", n)
	}
	// Schema must be usable again immediately.
	seedScope(t, db, 1, 2)
	if _, err := CreateMessage(ctx, db, &domain.Message{ChatID: 1, UserID: 2, Role: domain.RoleUser, Content: "again"}); err != nil {
		t.Fatalf("create after reset: %v", err)
	}
}
