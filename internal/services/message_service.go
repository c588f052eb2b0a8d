// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the lifecycle of persisted conversation turns. It validates inputs,
// persists and retrieves messages, clears scoped history, searches content,
// exports full conversations, and runs retention cleanup.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry chat/user identifiers so store and ledger activity for one
// interaction can be correlated.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Export formats accepted by ExportConversation.
const (
	ExportJSON = "json"
	ExportTXT  = "txt"
)

// exportLimit bounds how many rows a full-conversation export reads.
const exportLimit = 10000

// MessageService coordinates message persistence and retrieval.
type MessageService struct {
	DB *gorm.DB
}

// NewMessageService constructs a MessageService over the given handle.
func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{DB: db}
}

// SaveMessage validates and persists one conversation turn, returning the
// assigned message id. Metadata, when present, is stored as an opaque JSON
// blob. Constraint violations surface as validation errors and must not be
// retried; connectivity failures come back as a retryable StorageError.
func (s *MessageService) SaveMessage(ctx context.Context, chatID, userID int64, role, content string, interactionID *string, metadata map[string]any) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SaveMessage",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.Int64("user.id", userID),
			attribute.String("message.role", role),
		),
	)
	defer span.End()

	if role != domain.RoleUser && role != domain.RoleAssistant {
		return 0, ErrInvalidRole
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, ErrEmptyContent
	}

	var meta *string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		enc := string(b)
		meta = &enc
	}

	m := &domain.Message{
		ChatID:        chatID,
		UserID:        userID,
		Role:          role,
		Content:       content,
		Timestamp:     time.Now().UTC(),
		InteractionID: interactionID,
		Metadata:      meta,
	}
	id, err := repo.CreateMessage(ctx, s.DB, m)
	return id, storageErr("save message", chatID, userID, err)
}

// GetHistory returns up to limit most recent rows for the chat scope,
// oldest-first. userID narrows to one participant; includeSystem=false
// drops assistant turns. limit counts raw rows, not turn pairs: callers
// wanting N exchanges of context must request 2×N.
func (s *MessageService) GetHistory(ctx context.Context, chatID int64, userID *int64, limit int, includeSystem bool) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "GetHistory",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	out, err := repo.History(ctx, s.DB, chatID, userID, limit, includeSystem)
	return out, storageErr("get history", chatID, deref(userID), err)
}

// ClearConversation deletes every message for the (chat, user) pair and
// returns the count for user-facing confirmation. Idempotent: an already
// empty scope yields 0. Ledger rows for the deleted messages are retained
// as orphaned audit references.
func (s *MessageService) ClearConversation(ctx context.Context, chatID, userID int64) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ClearConversation",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.Int64("user.id", userID),
		),
	)
	defer span.End()

	n, err := repo.ClearConversation(ctx, s.DB, chatID, userID)
	return n, storageErr("clear conversation", chatID, userID, err)
}

// SearchMessages does a substring match on content, newest-first, optionally
// scoped to a chat and/or user. Each hit carries its recorded token count
// (0 when no ledger row exists).
func (s *MessageService) SearchMessages(ctx context.Context, query string, chatID, userID *int64, limit int) ([]repo.MessageWithTokens, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SearchMessages",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	out, err := repo.SearchMessages(ctx, s.DB, query, chatID, userID, limit)
	return out, storageErr("search messages", deref(chatID), deref(userID), err)
}

// exportEntry is one row of a JSON export.
type exportEntry struct {
	Timestamp string          `json:"timestamp"`
	UserID    int64           `json:"user_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ExportConversation serializes the full chat history, oldest-first, to the
// requested format. "json" yields an indented array of entries; "txt" yields
// one human-readable line per turn. Any other format is a validation error.
func (s *MessageService) ExportConversation(ctx context.Context, chatID int64, format string) (string, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ExportConversation",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.String("format", format),
		),
	)
	defer span.End()

	if format != ExportJSON && format != ExportTXT {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	messages, err := repo.History(ctx, s.DB, chatID, nil, exportLimit, true)
	if err != nil {
		return "", storageErr("export conversation", chatID, 0, err)
	}

	if format == ExportJSON {
		entries := make([]exportEntry, 0, len(messages))
		for _, m := range messages {
			e := exportEntry{
				Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
				UserID:    m.UserID,
				Role:      m.Role,
				Content:   m.Content,
			}
			if m.Metadata != nil {
				e.Metadata = json.RawMessage(*m.Metadata)
			}
			entries = append(entries, e)
		}
		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode export: %w", err)
		}
		return string(b), nil
	}

	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		label := "User"
		if m.Role == domain.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s", m.Timestamp.UTC().Format("2006-01-02 15:04:05"), label, m.Content)
	}
	return sb.String(), nil
}

// CleanupOldMessages deletes messages older than now - days and reclaims
// disk space. days = 0 deletes everything. The delete runs as one atomic
// transaction; a crash mid-run leaves the table consistent.
func (s *MessageService) CleanupOldMessages(ctx context.Context, days int) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "CleanupOldMessages",
		trace.WithAttributes(attribute.Int("days_to_keep", days)),
	)
	defer span.End()

	n, err := repo.CleanupOldMessages(ctx, s.DB, days)
	return n, storageErr("cleanup old messages", 0, 0, err)
}

// GetChatStats returns aggregate counts and the per-participant breakdown
// for one chat.
func (s *MessageService) GetChatStats(ctx context.Context, chatID int64) (*repo.ChatStats, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "GetChatStats",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)),
	)
	defer span.End()

	stats, err := repo.GetChatStats(ctx, s.DB, chatID)
	return stats, storageErr("get chat stats", chatID, 0, err)
}

// GetUserStats returns aggregate counts, the per-chat breakdown, and ledger
// sums for one user.
func (s *MessageService) GetUserStats(ctx context.Context, userID int64) (*repo.UserStats, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "GetUserStats",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	stats, err := repo.GetUserStats(ctx, s.DB, userID)
	return stats, storageErr("get user stats", 0, userID, err)
}

// deref is a nil-safe int64 pointer read for log/error scoping.
func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
