// Package prompt turns stored conversation history into the bounded context
// consumed by the completion client. It handles persona injection and the
// role mapping between the store ("assistant") and the completion API
// ("model").
package prompt

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/gemini"
)

// HistorySource is the slice of the message store the builder reads.
type HistorySource interface {
	GetHistory(ctx context.Context, chatID int64, userID *int64, limit int, includeSystem bool) ([]domain.Message, error)
}

// PersonaSource is the slice of the directory the builder reads.
type PersonaSource interface {
	GetPersona(ctx context.Context, chatID int64) (*string, error)
}

// Builder assembles completion-API turn lists from persisted history.
type Builder struct {
	History HistorySource
	Persona PersonaSource

	// ContextLength is the number of prior exchange turns (not raw rows)
	// to include; the builder fetches 2x this many rows.
	ContextLength int
}

// NewBuilder constructs a Builder with the given context window.
func NewBuilder(history HistorySource, persona PersonaSource, contextLength int) *Builder {
	if contextLength <= 0 {
		contextLength = 10
	}
	return &Builder{History: history, Persona: persona, ContextLength: contextLength}
}

// Build returns the turn list for one inbound message.
//
// With maintainContext false the prompt is the bare new message; no history
// is read. Otherwise up to ContextLength x 2 prior rows are fetched across
// the whole chat (not filtered to one user, so group chats share context),
// oldest-first, with stored assistant turns mapped to the "model" role.
//
// A configured persona is prepended to the new message only when no prior
// history exists; once history is present the persona is assumed anchored in
// the model's running session. Persona lookup failures are logged and
// skipped rather than aborting the turn.
func (b *Builder) Build(ctx context.Context, chatID, userID int64, text string, maintainContext bool) ([]gemini.Content, error) {
	if !maintainContext {
		return []gemini.Content{{Role: gemini.RoleUser, Text: text}}, nil
	}

	history, err := b.History.GetHistory(ctx, chatID, nil, b.ContextLength*2, true)
	if err != nil {
		return nil, err
	}

	contents := make([]gemini.Content, 0, len(history)+1)
	for _, m := range history {
		role := gemini.RoleUser
		if m.Role == domain.RoleAssistant {
			role = gemini.RoleModel
		}
		contents = append(contents, gemini.Content{Role: role, Text: m.Content})
	}

	if len(history) == 0 {
		if persona := b.lookupPersona(ctx, chatID, userID); persona != "" {
			text = persona + "\n\n" + text
		}
	}

	return append(contents, gemini.Content{Role: gemini.RoleUser, Text: text}), nil
}

// lookupPersona reads the chat persona, degrading to none on failure.
// Availability of the chat function takes priority over persona fidelity.
func (b *Builder) lookupPersona(ctx context.Context, chatID, userID int64) string {
	p, err := b.Persona.GetPersona(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).
			Int64("chat_id", chatID).
			Int64("user_id", userID).
			Msg("persona lookup failed; continuing without persona")
		return ""
	}
	if p == nil {
		return ""
	}
	return *p
}
