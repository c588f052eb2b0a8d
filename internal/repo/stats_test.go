package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

func TestGetChatStats_EmptyChat(t *testing.T) {
	db := newRepoDB(t)

	stats, err := GetChatStats(context.Background(), db, 404)
	if err != nil {
		t.Fatalf("GetChatStats: %v", err)
	}
	if stats.TotalMessages != 0 || stats.UniqueUsers != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
	if stats.FirstMessage != nil || stats.LastMessage != nil {
		t.Fatalf("expected nil bounds for empty chat")
	}
}

func TestGetChatStats_CountsParticipants(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedScope(t, db, 1, 2)
	if err := UpsertUser(ctx, db, &domain.User{UserID: 3, Username: strptr("bob")}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	for _, uid := range []int64{2, 2, 3} {
		mustCreateMsg(t, db, 1, uid, "m")
	}

	stats, err := GetChatStats(ctx, db, 1)
	if err != nil {
		t.Fatalf("GetChatStats: %v", err)
	}
	if stats.TotalMessages != 3 || stats.UniqueUsers != 2 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if len(stats.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(stats.Participants))
	}
	if stats.Participants[0].UserID != 2 || stats.Participants[0].MessageCount != 2 {
		t.Fatalf("expected user 2 first with 2 messages: %+v", stats.Participants[0])
	}
	if stats.FirstMessage == nil || stats.LastMessage == nil {
		t.Fatalf("expected message bounds to be set")
	}
}

func TestGetChatStats_TimestampBounds(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedScope(t, db, 1, 2)

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{t2, t1} {
		if _, err := CreateMessage(ctx, db, &domain.Message{ChatID: 1, UserID: 2, Role: domain.RoleUser, Content: "m", Timestamp: ts}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats, err := GetChatStats(ctx, db, 1)
	if err != nil {
		t.Fatalf("GetChatStats: %v", err)
	}
	if stats.FirstMessage == nil || stats.LastMessage == nil {
		t.Fatalf("expected message bounds to be set")
	}
	if stats.FirstMessage.Unix() != t1.Unix() {
		t.Fatalf("expected first bound %v, got %v", t1, stats.FirstMessage)
	}
	if stats.LastMessage.Unix() != t2.Unix() {
		t.Fatalf("expected last bound %v, got %v", t2, stats.LastMessage)
	}
}

func TestGetUserStats_RoleSplitAndLedger(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedScope(t, db, 1, 2)

	if _, err := CreateMessage(ctx, db, &domain.Message{ChatID: 1, UserID: 2, Role: domain.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := CreateMessage(ctx, db, &domain.Message{ChatID: 1, UserID: 2, Role: domain.RoleAssistant, Content: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := RecordTokenUsage(ctx, db, &domain.TokenUsage{UserID: 2, ChatID: 1, Tokens: 12, Role: domain.RoleUser}); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := GetUserStats(ctx, db, 2)
	if err != nil {
		t.Fatalf("GetUserStats: %v", err)
	}
	if stats.TotalMessages != 2 || stats.UserMessages != 1 || stats.AssistantMessages != 1 {
		t.Fatalf("unexpected message split: %+v", stats)
	}
	if stats.TotalTokens != 12 {
		t.Fatalf("expected 12 ledger tokens, got %d", stats.TotalTokens)
	}
	if len(stats.Chats) != 1 || stats.Chats[0].ChatID != 1 {
		t.Fatalf("unexpected chat breakdown: %+v", stats.Chats)
	}
	if stats.FirstMessage == nil || stats.LastMessage == nil {
		t.Fatalf("expected message bounds to be set")
	}
}

func TestGetDatabaseStats_Counts(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedScope(t, db, 1, 2)
	mustCreateMsg(t, db, 1, 2, "m")
	if _, err := RecordTokenUsage(ctx, db, &domain.TokenUsage{UserID: 2, ChatID: 1, Tokens: 5, Role: domain.RoleUser}); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := GetDatabaseStats(ctx, db)
	if err != nil {
		t.Fatalf("GetDatabaseStats: %v", err)
	}
	if stats.Users != 1 || stats.Chats != 1 || stats.Messages != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.TotalTokens != 5 {
		t.Fatalf("expected 5 tokens, got %d", stats.TotalTokens)
	}
	if stats.SizeBytes <= 0 {
		t.Fatalf("expected positive database size, got %d", stats.SizeBytes)
	}
}
