// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model
// and its persona prompt.
//
// Persona invariant: identity-refresh upserts run on every inbound message
// and must never erase a previously stored persona. UpsertChat therefore
// excludes persona_prompt from its conflict assignments unless the caller
// explicitly supplies one; SetPersona is the only other write path.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

// UpsertChat inserts or refreshes a chat row keyed by its external id.
// chat.PersonaPrompt == nil means "leave the stored persona alone"; a
// non-nil value replaces it.
func UpsertChat(ctx context.Context, db *gorm.DB, chat *domain.Chat) error {
	assign := []string{"chat_type", "title", "username"}
	if chat.PersonaPrompt != nil {
		assign = append(assign, "persona_prompt")
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns(assign),
	}).Create(chat).Error
}

// GetChat fetches a chat row, or ErrNotFound.
func GetChat(ctx context.Context, db *gorm.DB, chatID int64) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetPersona returns the stored persona prompt, or nil when the chat has
// none (or does not exist yet).
func GetPersona(ctx context.Context, db *gorm.DB, chatID int64) (*string, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Select("persona_prompt").
		Where("chat_id = ?", chatID).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return c.PersonaPrompt, nil
}

// SetPersona overwrites the persona prompt for an existing chat. An empty
// string clears it. Returns ErrNotFound when the chat row does not exist.
func SetPersona(ctx context.Context, db *gorm.DB, chatID int64, persona string) error {
	var value any
	if persona != "" {
		value = persona
	}
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("chat_id = ?", chatID).
		Update("persona_prompt", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
