// Package services – TokenService
//
// This file implements the token ledger's business rules: it records
// per-interaction token counts as reported by the upstream completion
// service and aggregates them per user. The ledger never infers counts
// itself; when the upstream cannot report usage, no row is written and the
// absence shows up in statistics as zero.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenService provides append and aggregate operations over the ledger.
type TokenService struct {
	DB *gorm.DB
}

// NewTokenService constructs a TokenService over the given handle.
func NewTokenService(db *gorm.DB) *TokenService {
	return &TokenService{DB: db}
}

// RecordTokenUsage appends one ledger row and returns its id. tokens must be
// >= 0; zero-token records are permitted (a turn with no measurable usage)
// though callers typically skip them.
func (s *TokenService) RecordTokenUsage(ctx context.Context, userID, chatID int64, tokens int, role string, messageID *int64, interactionID *string) (int64, error) {
	tr := otel.Tracer("services/TokenService")
	ctx, span := tr.Start(ctx, "RecordTokenUsage",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.Int64("user.id", userID),
			attribute.Int("tokens", tokens),
			attribute.String("message.role", role),
		),
	)
	defer span.End()

	if role != domain.RoleUser && role != domain.RoleAssistant {
		return 0, ErrInvalidRole
	}
	if tokens < 0 {
		return 0, ErrNegativeTokens
	}

	id, err := repo.RecordTokenUsage(ctx, s.DB, &domain.TokenUsage{
		UserID:        userID,
		ChatID:        chatID,
		MessageID:     messageID,
		InteractionID: interactionID,
		Role:          role,
		Tokens:        tokens,
	})
	return id, storageErr("record token usage", chatID, userID, err)
}

// UserStats sums a user's ledger rows grouped by role and by chat.
func (s *TokenService) UserStats(ctx context.Context, userID int64) (*repo.TokenStats, error) {
	tr := otel.Tracer("services/TokenService")
	ctx, span := tr.Start(ctx, "UserStats",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	stats, err := repo.UserTokenStats(ctx, s.DB, userID)
	return stats, storageErr("user token stats", 0, userID, err)
}

// InteractionTokens sums all rows sharing one interaction id.
func (s *TokenService) InteractionTokens(ctx context.Context, interactionID string) (int64, error) {
	tr := otel.Tracer("services/TokenService")
	ctx, span := tr.Start(ctx, "InteractionTokens")
	defer span.End()

	total, err := repo.InteractionTokens(ctx, s.DB, interactionID)
	return total, storageErr("interaction tokens", 0, 0, err)
}
