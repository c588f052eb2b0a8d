// Package services – DirectoryService
//
// This file implements the identity directory: idempotent upserts for users
// and chats plus the chat-scoped persona prompt. Identity refresh happens on
// every inbound message; the persona-preserve invariant (an upsert without a
// persona never clears a stored one) lives in the repo's conflict clause and
// is exercised by this service's tests.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DirectoryService owns user/chat identity records and personas.
type DirectoryService struct {
	DB *gorm.DB
}

// NewDirectoryService constructs a DirectoryService over the given handle.
func NewDirectoryService(db *gorm.DB) *DirectoryService {
	return &DirectoryService{DB: db}
}

// UpsertUser inserts or refreshes a user identity record.
func (s *DirectoryService) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName *string) error {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "UpsertUser",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	err := repo.UpsertUser(ctx, s.DB, &domain.User{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
	})
	return storageErr("upsert user", 0, userID, err)
}

// UpsertChat inserts or refreshes a chat record. personaPrompt == nil leaves
// any stored persona untouched; a non-nil value replaces it.
func (s *DirectoryService) UpsertChat(ctx context.Context, chatID int64, chatType string, title, username, personaPrompt *string) error {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "UpsertChat",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.String("chat.type", chatType),
		),
	)
	defer span.End()

	err := repo.UpsertChat(ctx, s.DB, &domain.Chat{
		ChatID:        chatID,
		ChatType:      chatType,
		Title:         title,
		Username:      username,
		PersonaPrompt: personaPrompt,
	})
	return storageErr("upsert chat", chatID, 0, err)
}

// GetPersona returns the stored persona prompt, or nil when none is set.
func (s *DirectoryService) GetPersona(ctx context.Context, chatID int64) (*string, error) {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "GetPersona",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)),
	)
	defer span.End()

	p, err := repo.GetPersona(ctx, s.DB, chatID)
	return p, storageErr("get persona", chatID, 0, err)
}

// SetPersona overwrites the persona for an existing chat; an empty string
// clears it. This is the explicit user-facing setter, independent of the
// identity-refresh upsert path.
func (s *DirectoryService) SetPersona(ctx context.Context, chatID int64, persona string) error {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "SetPersona",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)),
	)
	defer span.End()

	err := repo.SetPersona(ctx, s.DB, chatID, persona)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChatNotFound
	}
	return storageErr("set persona", chatID, 0, err)
}
