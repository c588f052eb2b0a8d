// Package relay consumes the completion service's token stream and turns it
// into outbound transport chunks. It buffers fragments, splits at the
// transport's safe size (preferring the last newline before the limit),
// re-invokes generation when the upstream reports a length-limit truncation,
// and persists exactly one message row per logical side of the exchange.
package relay

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/gemini"
	"github.com/tbourn/go-gemini-relay/internal/services"
)

// Defaults applied by NewRelay when the config leaves them zero.
const (
	// DefaultChunkLimit caps outbound chunks in bytes; a byte count never
	// undercounts characters, so chunks stay under Telegram's 4096-char cap.
	DefaultChunkLimit = 4000
	// DefaultMaxContinuations bounds the truncation recovery loop.
	DefaultMaxContinuations = 3

	// continueInstruction seeds a continuation request.
	continueInstruction = "Continue exactly from where the previous response left off. Do not repeat anything already written."
	// continuationSeedRunes is how much of the produced tail is replayed to
	// anchor a continuation.
	continuationSeedRunes = 500

	// truncationNotice is appended when the continuation budget runs out.
	truncationNotice = "\n\n[response truncated: output limit reached]"
)

// Sender is the outbound transport contract (chat-scoped text delivery).
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// MessageStore is the slice of the store the relay writes through.
type MessageStore interface {
	SaveMessage(ctx context.Context, chatID, userID int64, role, content string, interactionID *string, metadata map[string]any) (int64, error)
}

// Ledger records reported token usage.
type Ledger interface {
	RecordTokenUsage(ctx context.Context, userID, chatID int64, tokens int, role string, messageID *int64, interactionID *string) (int64, error)
}

// ContextBuilder assembles the prompt turn list for one inbound message.
type ContextBuilder interface {
	Build(ctx context.Context, chatID, userID int64, text string, maintainContext bool) ([]gemini.Content, error)
}

// Relay orchestrates one inbound message end to end: context assembly,
// streamed generation, chunked delivery, continuation recovery, and durable
// persistence of both sides plus their ledger rows.
type Relay struct {
	Client  gemini.Client
	Store   MessageStore
	Ledger  Ledger
	Builder ContextBuilder
	Sender  Sender

	ChunkLimit       int
	MaxContinuations int
}

// NewRelay wires a Relay and applies defaults.
func NewRelay(client gemini.Client, store MessageStore, ledger Ledger, builder ContextBuilder, sender Sender, chunkLimit, maxContinuations int) *Relay {
	if chunkLimit <= 0 {
		chunkLimit = DefaultChunkLimit
	}
	if maxContinuations < 0 {
		maxContinuations = DefaultMaxContinuations
	}
	return &Relay{
		Client:           client,
		Store:            store,
		Ledger:           ledger,
		Builder:          builder,
		Sender:           sender,
		ChunkLimit:       chunkLimit,
		MaxContinuations: maxContinuations,
	}
}

// Respond handles one inbound message. On upstream failure it returns an
// UpstreamError and persists no assistant row; the user row and any chunks
// already flushed to the transport remain (accepted partial-delivery mode).
func (r *Relay) Respond(ctx context.Context, chatID, userID int64, text string, maintainContext bool) error {
	interactionID := uuid.NewString()
	lg := log.With().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Str("interaction_id", interactionID).
		Logger()

	contents, err := r.Builder.Build(ctx, chatID, userID, text, maintainContext)
	if err != nil {
		return err
	}

	userMsgID, err := r.Store.SaveMessage(ctx, chatID, userID, domain.RoleUser, text, &interactionID, nil)
	if err != nil {
		return err
	}

	var (
		full             strings.Builder
		buffer           string
		promptTokens     int
		completionTokens int
		usageReported    bool
		continuations    int
		finish           gemini.FinishReason
	)

	flush := func(chunk string) error {
		if strings.TrimSpace(chunk) == "" {
			return nil
		}
		chunksSent.Inc()
		return r.Sender.SendMessage(ctx, chatID, chunk)
	}

	for {
		stream, err := r.Client.StreamGenerate(ctx, contents)
		if err != nil {
			turnsTotal.WithLabelValues("upstream_error").Inc()
			return &services.UpstreamError{Op: "stream generate", Err: err}
		}

		for chunk := range stream.Chunks() {
			full.WriteString(chunk)
			buffer += chunk
			for len(buffer) > r.ChunkLimit {
				head, tail := split(buffer, r.ChunkLimit)
				if err := flush(head); err != nil {
					turnsTotal.WithLabelValues("send_error").Inc()
					return err
				}
				buffer = tail
			}
		}

		summary, err := stream.Summary()
		if err != nil {
			turnsTotal.WithLabelValues("upstream_error").Inc()
			return &services.UpstreamError{Op: "stream generate", Err: err}
		}
		if summary.UsageReported {
			promptTokens += summary.PromptTokens
			completionTokens += summary.CompletionTokens
			usageReported = true
		}
		finish = summary.FinishReason

		if finish != gemini.FinishMaxTokens {
			break
		}
		if continuations >= r.MaxContinuations {
			lg.Warn().Int("continuations", continuations).Msg("continuation budget exhausted; ending turn truncated")
			buffer += truncationNotice
			break
		}
		continuations++
		continuationsTotal.Inc()
		lg.Info().Int("round", continuations).Msg("upstream hit output limit; requesting continuation")
		contents = append(contents,
			gemini.Content{Role: gemini.RoleModel, Text: tail(full.String(), continuationSeedRunes)},
			gemini.Content{Role: gemini.RoleUser, Text: continueInstruction},
		)
	}

	if err := flush(buffer); err != nil {
		turnsTotal.WithLabelValues("send_error").Inc()
		return err
	}

	// One concatenated assistant row per interaction, however many
	// continuation rounds it took.
	meta := map[string]any{
		"finish_reason": string(finish),
		"continuations": continuations,
	}
	assistantMsgID, err := r.Store.SaveMessage(ctx, chatID, userID, domain.RoleAssistant, full.String(), &interactionID, meta)
	if err != nil {
		return err
	}

	if usageReported {
		if promptTokens > 0 {
			if _, err := r.Ledger.RecordTokenUsage(ctx, userID, chatID, promptTokens, domain.RoleUser, &userMsgID, &interactionID); err != nil {
				lg.Error().Err(err).Msg("failed to record prompt token usage")
			}
		}
		if completionTokens > 0 {
			if _, err := r.Ledger.RecordTokenUsage(ctx, userID, chatID, completionTokens, domain.RoleAssistant, &assistantMsgID, &interactionID); err != nil {
				lg.Error().Err(err).Msg("failed to record completion token usage")
			}
		}
	} else {
		// Streaming responses without a usage summary are a documented gap,
		// not an error; stats treat the absence as zero.
		lg.Debug().Msg("upstream reported no token usage for this interaction")
	}

	turnsTotal.WithLabelValues("ok").Inc()
	return nil
}

// split cuts s at the last newline at or before limit, or hard-splits at
// limit when the head contains no newline (backing off to a rune boundary).
// The tail has leading whitespace trimmed so the next outbound chunk does
// not start blank.
func split(s string, limit int) (head, tail string) {
	cut := strings.LastIndexByte(s[:limit], '\n')
	if cut <= 0 {
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut], strings.TrimLeft(s[cut:], " \n\t")
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
