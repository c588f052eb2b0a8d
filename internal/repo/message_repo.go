// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: saving turns, bounded history retrieval, scope clears, substring
// search, and retention cleanup.
//
// Ordering semantics: "recent" always means timestamp DESC with ties broken
// by id DESC, so pagination stays deterministic when multiple rows share a
// timestamp resolution coarser than the write rate. History results are
// reversed to ascending order before being returned.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// MessageWithTokens joins a message with its recorded token count, 0 when
// the ledger holds no row for it.
type MessageWithTokens struct {
	domain.Message
	Tokens int `json:"tokens"`
}

// CreateMessage inserts one message row and returns its assigned id.
// Constraint violations (invalid role, missing FK target) surface as the
// raw gorm error for the service layer to classify.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// History returns up to limit most recent rows for the chat, optionally
// narrowed to one user and optionally excluding assistant turns, in
// ascending time order. limit counts raw rows, not turn pairs.
func History(ctx context.Context, db *gorm.DB, chatID int64, userID *int64, limit int, includeSystem bool) ([]domain.Message, error) {
	q := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp DESC, id DESC")
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if !includeSystem {
		q = q.Where("role = ?", domain.RoleUser)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []domain.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}

	// Fetched newest-first; the contract is oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearConversation permanently deletes all messages for the (chat, user)
// pair and reports how many rows went away. Clearing an empty scope is not
// an error; it returns 0.
func ClearConversation(ctx context.Context, db *gorm.DB, chatID, userID int64) (int64, error) {
	var deleted int64
	err := withWriteTx(ctx, db, func(tx *gorm.DB) error {
		res := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// SearchMessages returns messages whose content contains query (SQLite LIKE,
// case-insensitive for ASCII), newest-first, optionally scoped to a chat
// and/or user. Each result carries its recorded token count via a LEFT JOIN
// on the ledger; messages without a ledger row report 0.
func SearchMessages(ctx context.Context, db *gorm.DB, query string, chatID, userID *int64, limit int) ([]MessageWithTokens, error) {
	q := db.WithContext(ctx).
		Table("messages").
		Select("messages.*, COALESCE(token_usage.tokens, 0) AS tokens").
		Joins("LEFT JOIN token_usage ON token_usage.message_id = messages.id").
		Where("messages.content LIKE ?", "%"+query+"%").
		Order("messages.timestamp DESC, messages.id DESC")
	if chatID != nil {
		q = q.Where("messages.chat_id = ?", *chatID)
	}
	if userID != nil {
		q = q.Where("messages.user_id = ?", *userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []MessageWithTokens
	err := q.Scan(&out).Error
	return out, err
}

// CleanupOldMessages deletes messages older than now - days in one
// transaction, then reclaims disk space. days = 0 deletes everything.
// Ledger rows referencing the deleted messages are retained (audit policy).
func CleanupOldMessages(ctx context.Context, db *gorm.DB, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var deleted int64
	err := withWriteTx(ctx, db, func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}

	// VACUUM cannot run inside the transaction; the delete above is already
	// durable, so a crash here only skips space reclamation.
	if deleted > 0 {
		db.WithContext(ctx).Exec("VACUUM")
	}
	return deleted, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}
