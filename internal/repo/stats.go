// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate/statistics queries backing
// the user-facing stats commands and the operator database overview.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// ChatParticipant is the per-user breakdown inside chat statistics.
type ChatParticipant struct {
	UserID       int64   `json:"user_id"`
	Username     *string `json:"username,omitempty"`
	FirstName    *string `json:"first_name,omitempty"`
	MessageCount int64   `json:"message_count"`
}

// ChatStats aggregates messages within one chat.
type ChatStats struct {
	TotalMessages int64             `json:"total_messages"`
	UniqueUsers   int64             `json:"unique_users"`
	FirstMessage  *time.Time        `json:"first_message,omitempty"`
	LastMessage   *time.Time        `json:"last_message,omitempty"`
	Participants  []ChatParticipant `json:"participants"`
}

// UserChatCount is the per-chat breakdown inside user statistics.
type UserChatCount struct {
	ChatID       int64 `json:"chat_id"`
	MessageCount int64 `json:"message_count"`
}

// UserStats aggregates one user's messages and token usage.
type UserStats struct {
	TotalMessages     int64           `json:"total_messages"`
	UserMessages      int64           `json:"user_messages"`
	AssistantMessages int64           `json:"assistant_messages"`
	FirstMessage      *time.Time      `json:"first_message,omitempty"`
	LastMessage       *time.Time      `json:"last_message,omitempty"`
	Chats             []UserChatCount `json:"chats"`
	TotalTokens       int64           `json:"total_tokens"`
	PromptTokens      int64           `json:"prompt_tokens"`
	ResponseTokens    int64           `json:"response_tokens"`
}

// DailyActivity is one day's message count in the database overview.
type DailyActivity struct {
	Date         string `json:"date"`
	MessageCount int64  `json:"message_count"`
}

// DatabaseStats is the operator-facing overview of the whole store.
type DatabaseStats struct {
	Users          int64           `json:"users_count"`
	Chats          int64           `json:"chats_count"`
	Messages       int64           `json:"messages_count"`
	SizeBytes      int64           `json:"db_size_bytes"`
	TotalTokens    int64           `json:"total_tokens"`
	RecentActivity []DailyActivity `json:"recent_activity"`
}

// timestampBound reads the oldest ("ASC") or newest ("DESC") timestamp among
// the filtered rows via an ordered LIMIT 1 read (avoid MIN()/MAX() -> TEXT in
// SQLite). Callers check the row count first; the result is only meaningful
// when at least one row matches.
func timestampBound(ctx context.Context, db *gorm.DB, model any, direction, query string, args ...any) (*time.Time, error) {
	var row struct {
		Timestamp time.Time
	}
	err := db.WithContext(ctx).
		Model(model).
		Select("timestamp").
		Where(query, args...).
		Order("timestamp " + direction).
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &row.Timestamp, nil
}

// GetChatStats returns message totals, distinct participant count, first/last
// timestamps, and a per-user breakdown for one chat. An empty chat yields
// zero counts and nil timestamps.
func GetChatStats(ctx context.Context, db *gorm.DB, chatID int64) (*ChatStats, error) {
	var row struct {
		Total int64
		Users int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT user_id) AS users").
		Where("chat_id = ?", chatID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &ChatStats{TotalMessages: row.Total, UniqueUsers: row.Users}
	if row.Total > 0 {
		first, err := timestampBound(ctx, db, &domain.Message{}, "ASC", "chat_id = ?", chatID)
		if err != nil {
			return nil, err
		}
		last, err := timestampBound(ctx, db, &domain.Message{}, "DESC", "chat_id = ?", chatID)
		if err != nil {
			return nil, err
		}
		stats.FirstMessage = first
		stats.LastMessage = last
	}

	err = db.WithContext(ctx).
		Table("messages").
		Select("messages.user_id, users.username, users.first_name, COUNT(*) AS message_count").
		Joins("LEFT JOIN users ON users.user_id = messages.user_id").
		Where("messages.chat_id = ?", chatID).
		Group("messages.user_id").
		Order("message_count DESC").
		Scan(&stats.Participants).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetUserStats returns one user's message totals split by role, first/last
// timestamps, a per-chat breakdown, and their ledger sums.
func GetUserStats(ctx context.Context, db *gorm.DB, userID int64) (*UserStats, error) {
	var row struct {
		Total     int64
		User      int64
		Assistant int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select(
			"COUNT(*) AS total, "+
				"COUNT(CASE WHEN role = 'user' THEN 1 END) AS user, "+
				"COUNT(CASE WHEN role = 'assistant' THEN 1 END) AS assistant").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		TotalMessages:     row.Total,
		UserMessages:      row.User,
		AssistantMessages: row.Assistant,
	}
	if row.Total > 0 {
		first, err := timestampBound(ctx, db, &domain.Message{}, "ASC", "user_id = ?", userID)
		if err != nil {
			return nil, err
		}
		last, err := timestampBound(ctx, db, &domain.Message{}, "DESC", "user_id = ?", userID)
		if err != nil {
			return nil, err
		}
		stats.FirstMessage = first
		stats.LastMessage = last
	}

	err = db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("chat_id, COUNT(*) AS message_count").
		Where("user_id = ?", userID).
		Group("chat_id").
		Order("message_count DESC").
		Scan(&stats.Chats).Error
	if err != nil {
		return nil, err
	}

	var tokens struct {
		Total    int64
		Prompt   int64
		Response int64
	}
	err = db.WithContext(ctx).
		Model(&domain.TokenUsage{}).
		Select(
			"COALESCE(SUM(tokens), 0) AS total, "+
				"COALESCE(SUM(CASE WHEN role = 'user' THEN tokens ELSE 0 END), 0) AS prompt, "+
				"COALESCE(SUM(CASE WHEN role = 'assistant' THEN tokens ELSE 0 END), 0) AS response").
		Where("user_id = ?", userID).
		Scan(&tokens).Error
	if err != nil {
		return nil, err
	}
	stats.TotalTokens = tokens.Total
	stats.PromptTokens = tokens.Prompt
	stats.ResponseTokens = tokens.Response
	return stats, nil
}

// GetDatabaseStats returns row counts per table, the on-disk size, the last
// seven days of message activity, and the all-time token total.
func GetDatabaseStats(ctx context.Context, db *gorm.DB) (*DatabaseStats, error) {
	stats := &DatabaseStats{}

	counts := []struct {
		model any
		dst   *int64
	}{
		{&domain.User{}, &stats.Users},
		{&domain.Chat{}, &stats.Chats},
		{&domain.Message{}, &stats.Messages},
	}
	for _, c := range counts {
		if err := db.WithContext(ctx).Model(c.model).Count(c.dst).Error; err != nil {
			return nil, err
		}
	}

	err := db.WithContext(ctx).
		Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").
		Scan(&stats.SizeBytes).Error
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("DATE(timestamp) AS date, COUNT(*) AS message_count").
		Where("timestamp >= ?", time.Now().UTC().AddDate(0, 0, -7)).
		Group("DATE(timestamp)").
		Order("date DESC").
		Scan(&stats.RecentActivity).Error
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).
		Model(&domain.TokenUsage{}).
		Select("COALESCE(SUM(tokens), 0)").
		Scan(&stats.TotalTokens).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}
