// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the token
// ledger. Rows are append-only; the ledger stores only what the upstream
// completion service reported, never inferred counts.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// ChatTokens is a per-chat token subtotal within a user's usage stats.
type ChatTokens struct {
	ChatID int64 `json:"chat_id"`
	Tokens int64 `json:"tokens"`
}

// TokenStats aggregates a user's ledger rows.
type TokenStats struct {
	TotalTokens    int64        `json:"total_tokens"`
	PromptTokens   int64        `json:"prompt_tokens"`
	ResponseTokens int64        `json:"response_tokens"`
	Records        int64        `json:"records"`
	FirstRecord    *time.Time   `json:"first_record,omitempty"`
	LastRecord     *time.Time   `json:"last_record,omitempty"`
	ByChat         []ChatTokens `json:"by_chat"`
}

// RecordTokenUsage appends one ledger row and returns its id. tokens must
// already be validated (>= 0) by the caller.
func RecordTokenUsage(ctx context.Context, db *gorm.DB, rec *domain.TokenUsage) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// UserTokenStats sums a user's ledger rows grouped by role and by chat.
// A user with no rows gets all-zero stats, not an error.
func UserTokenStats(ctx context.Context, db *gorm.DB, userID int64) (*TokenStats, error) {
	var row struct {
		Total    int64
		Prompt   int64
		Response int64
		Records  int64
	}
	err := db.WithContext(ctx).
		Model(&domain.TokenUsage{}).
		Select(
			"COALESCE(SUM(tokens), 0) AS total, "+
				"COALESCE(SUM(CASE WHEN role = 'user' THEN tokens ELSE 0 END), 0) AS prompt, "+
				"COALESCE(SUM(CASE WHEN role = 'assistant' THEN tokens ELSE 0 END), 0) AS response, "+
				"COUNT(*) AS records").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &TokenStats{
		TotalTokens:    row.Total,
		PromptTokens:   row.Prompt,
		ResponseTokens: row.Response,
		Records:        row.Records,
	}

	if row.Records > 0 {
		// Ordered LIMIT 1 reads (avoid MIN()/MAX() -> TEXT in SQLite).
		first, err := timestampBound(ctx, db, &domain.TokenUsage{}, "ASC", "user_id = ?", userID)
		if err != nil {
			return nil, err
		}
		last, err := timestampBound(ctx, db, &domain.TokenUsage{}, "DESC", "user_id = ?", userID)
		if err != nil {
			return nil, err
		}
		stats.FirstRecord = first
		stats.LastRecord = last
	}

	err = db.WithContext(ctx).
		Model(&domain.TokenUsage{}).
		Select("chat_id, COALESCE(SUM(tokens), 0) AS tokens").
		Where("user_id = ?", userID).
		Group("chat_id").
		Order("tokens DESC").
		Scan(&stats.ByChat).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// InteractionTokens sums all ledger rows sharing one interaction id, i.e.
// the prompt + completion total the upstream reported for that turn.
func InteractionTokens(ctx context.Context, db *gorm.DB, interactionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.TokenUsage{}).
		Select("COALESCE(SUM(tokens), 0)").
		Where("interaction_id = ?", interactionID).
		Scan(&total).Error
	return total, err
}
