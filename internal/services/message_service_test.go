package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/repo"
)

// newServiceDB opens a throwaway SQLite database with the full schema and
// seeds one chat/user scope for FK targets.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("svc_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	ctx := context.Background()
	if err := repo.UpsertChat(ctx, db, &domain.Chat{ChatID: 1, ChatType: "private"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if err := repo.UpsertUser(ctx, db, &domain.User{UserID: 2}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return db
}

func TestSaveMessage_RejectsInvalidRole(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))

	_, err := svc.SaveMessage(context.Background(), 1, 2, "system", "x", nil, nil)
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestSaveMessage_RejectsEmptyContent(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := svc.SaveMessage(context.Background(), 1, 2, domain.RoleUser, content, nil, nil)
		if !errors.Is(err, ErrEmptyContent) {
			t.Fatalf("content %q: expected ErrEmptyContent, got %v", content, err)
		}
	}
}

func TestSaveMessage_PersistsMetadata(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))
	ctx := context.Background()

	iid := "itx-7"
	id, err := svc.SaveMessage(ctx, 1, 2, domain.RoleAssistant, "answer", &iid, map[string]any{
		"finish_reason": "STOP",
		"continuations": 0,
	})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	history, err := svc.GetHistory(ctx, 1, nil, 10, true)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 row, got %d", len(history))
	}
	m := history[0]
	if m.InteractionID == nil || *m.InteractionID != iid {
		t.Fatalf("interaction id not persisted: %v", m.InteractionID)
	}
	if m.Metadata == nil {
		t.Fatalf("metadata not persisted")
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(*m.Metadata), &meta); err != nil {
		t.Fatalf("metadata not valid JSON: %v", err)
	}
	if meta["finish_reason"] != "STOP" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
}

func TestGetHistory_ExcludesAssistantWhenAsked(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))
	ctx := context.Background()

	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleUser, "q", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleAssistant, "a", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := svc.GetHistory(ctx, 1, nil, 10, false)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != 1 || got[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", got)
	}
}

func TestExportConversation_UnsupportedFormat(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))

	_, err := svc.ExportConversation(context.Background(), 1, "xml")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExportConversation_JSON(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))
	ctx := context.Background()

	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleUser, "hello", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleAssistant, "hi there", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := svc.ExportConversation(ctx, 1, ExportJSON)
	if err != nil {
		t.Fatalf("ExportConversation: %v", err)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["role"] != domain.RoleUser || entries[0]["content"] != "hello" {
		t.Fatalf("unexpected first entry: %v", entries[0])
	}
	if entries[1]["role"] != domain.RoleAssistant {
		t.Fatalf("unexpected second entry: %v", entries[1])
	}
}

func TestExportConversation_TXT(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))
	ctx := context.Background()

	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleUser, "question", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleAssistant, "reply", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := svc.ExportConversation(ctx, 1, ExportTXT)
	if err != nil {
		t.Fatalf("ExportConversation: %v", err)
	}

	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "User: question") {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Assistant: reply") {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}

func TestExportConversation_EmptyChat(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))

	out, err := svc.ExportConversation(context.Background(), 1, ExportTXT)
	if err != nil {
		t.Fatalf("ExportConversation: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty export, got %q", out)
	}
}

func TestClearConversation_ReturnsCount(t *testing.T) {
	svc := NewMessageService(newServiceDB(t))
	ctx := context.Background()

	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleUser, "one", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := svc.SaveMessage(ctx, 1, 2, domain.RoleUser, "two", nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := svc.ClearConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ClearConversation: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
}
