// Package bot translates inbound transport updates into store, ledger, and
// relay operations. It owns command parsing and the per-scope "start a fresh
// conversation" flag; everything durable lives behind the injected services.
//
// All dependencies are constructor-injected and resolved at startup; there
// is no runtime service lookup.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/go-gemini-relay/internal/gemini"
	"github.com/tbourn/go-gemini-relay/internal/services"
	"github.com/tbourn/go-gemini-relay/internal/telegram"
)

// maxInboundRunes caps inbound message length before any processing.
const maxInboundRunes = 4000

// apologyReply is what the end user sees when a turn fails; details stay in
// the logs.
const apologyReply = "Sorry, something went wrong while handling your message. Please try again in a moment."

// Transport is the outbound side of the messaging platform.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Responder runs the full generation pipeline for one inbound message.
type Responder interface {
	Respond(ctx context.Context, chatID, userID int64, text string, maintainContext bool) error
}

// Handler routes updates to commands or the relay.
type Handler struct {
	Directory *services.DirectoryService
	Messages  *services.MessageService
	Tokens    *services.TokenService
	Admin     *services.AdminService
	Responder Responder
	Transport Transport

	// ModelInfo feeds the /info command.
	ModelInfo gemini.ModelInfo
	// AdminUserID gates the destructive operator commands; 0 disables them.
	AdminUserID int64

	mu    sync.Mutex
	fresh map[scopeKey]bool

	printer *message.Printer
}

type scopeKey struct {
	chatID int64
	userID int64
}

// NewHandler wires a Handler.
func NewHandler(dir *services.DirectoryService, msgs *services.MessageService, tokens *services.TokenService, admin *services.AdminService, responder Responder, transport Transport, modelInfo gemini.ModelInfo, adminUserID int64) *Handler {
	return &Handler{
		Directory:   dir,
		Messages:    msgs,
		Tokens:      tokens,
		Admin:       admin,
		Responder:   responder,
		Transport:   transport,
		ModelInfo:   modelInfo,
		AdminUserID: adminUserID,
		fresh:       make(map[scopeKey]bool),
		printer:     message.NewPrinter(language.English),
	}
}

// HandleUpdate processes one webhook update. Errors never escape: the
// boundary catches everything, reports a generic failure to the user, and
// keeps the details in the logs.
func (h *Handler) HandleUpdate(ctx context.Context, upd telegram.Update) {
	if upd.Message == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	chatID, userID := msg.Chat.ID, msg.From.ID
	lg := log.With().Int64("chat_id", chatID).Int64("user_id", userID).Logger()

	if err := h.upsertIdentities(ctx, msg); err != nil {
		// Identity refresh is retried once; a second failure aborts the turn
		// because messages must not be written before their FK targets.
		lg.Error().Err(err).Msg("identity upsert failed")
		h.reply(ctx, chatID, apologyReply)
		return
	}

	if strings.HasPrefix(text, "/") {
		h.handleCommand(ctx, chatID, userID, text)
		return
	}

	if n := len([]rune(text)); n > maxInboundRunes {
		h.reply(ctx, chatID, fmt.Sprintf("Message too long (%d characters). The limit is %d.", n, maxInboundRunes))
		return
	}

	if err := h.Transport.SendChatAction(ctx, chatID, telegram.ActionTyping); err != nil {
		lg.Debug().Err(err).Msg("typing indicator failed")
	}

	maintainContext := !h.takeFresh(chatID, userID)
	if err := h.Responder.Respond(ctx, chatID, userID, text, maintainContext); err != nil {
		var ue *services.UpstreamError
		if errors.As(err, &ue) {
			lg.Error().Err(err).Msg("completion service failed")
		} else {
			lg.Error().Err(err).Msg("relay turn failed")
		}
		h.reply(ctx, chatID, apologyReply)
	}
}

// upsertIdentities refreshes the user and chat rows, retrying a retryable
// storage failure once with a short backoff.
func (h *Handler) upsertIdentities(ctx context.Context, msg *telegram.Message) error {
	do := func() error {
		if err := h.Directory.UpsertUser(ctx, msg.From.ID,
			optStr(msg.From.Username), optStr(msg.From.FirstName), optStr(msg.From.LastName)); err != nil {
			return err
		}
		return h.Directory.UpsertChat(ctx, msg.Chat.ID, msg.Chat.Type,
			optStr(msg.Chat.Title), optStr(msg.Chat.Username), nil)
	}
	err := do()
	if err != nil && services.IsRetryable(err) {
		time.Sleep(200 * time.Millisecond)
		err = do()
	}
	return err
}

// handleCommand dispatches one slash command.
func (h *Handler) handleCommand(ctx context.Context, chatID, userID int64, text string) {
	cmd, args, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start":
		h.reply(ctx, chatID, "Hi! Send me any message and I will answer. Use /help to see what else I can do.")
	case "/help":
		h.reply(ctx, chatID, helpText)
	case "/new":
		h.setFresh(chatID, userID)
		h.reply(ctx, chatID, "Starting a fresh conversation. Your next message will be sent without prior context.")
	case "/clear":
		h.cmdClear(ctx, chatID, userID)
	case "/stats":
		h.cmdStats(ctx, chatID)
	case "/usage":
		h.cmdUsage(ctx, chatID, userID)
	case "/search":
		h.cmdSearch(ctx, chatID, userID, args)
	case "/export":
		h.cmdExport(ctx, chatID, args)
	case "/persona":
		h.cmdPersona(ctx, chatID, args)
	case "/info":
		h.cmdInfo(ctx, chatID)
	case "/dbstats":
		h.adminOnly(ctx, chatID, userID, h.cmdDBStats)
	case "/cleanup":
		h.adminOnly(ctx, chatID, userID, func(ctx context.Context, chatID int64) {
			h.cmdCleanup(ctx, chatID, args)
		})
	case "/reset":
		h.adminOnly(ctx, chatID, userID, h.cmdReset)
	default:
		h.reply(ctx, chatID, "Unknown command. Use /help to see what I understand.")
	}
}

const helpText = `What I can do:
/new - start a fresh conversation (no prior context)
/clear - delete your stored history in this chat
/stats - statistics for this chat
/usage - your token usage
/search <text> - search your stored messages
/export [json|txt] - export this chat's history
/persona [text] - show or set this chat's persona
/info - model information

Anything else you send is answered by the model.`

func (h *Handler) cmdClear(ctx context.Context, chatID, userID int64) {
	n, err := h.retryOnce(func() (int64, error) {
		return h.Messages.ClearConversation(ctx, chatID, userID)
	})
	if err != nil {
		h.fail(ctx, chatID, "clear conversation", err)
		return
	}
	h.reply(ctx, chatID, h.printer.Sprintf("Conversation cleared: %d messages deleted.", n))
}

func (h *Handler) cmdStats(ctx context.Context, chatID int64) {
	stats, err := h.Messages.GetChatStats(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "chat stats", err)
		return
	}
	var sb strings.Builder
	h.printer.Fprintf(&sb, "Chat statistics:\nMessages: %d\nParticipants: %d\n", stats.TotalMessages, stats.UniqueUsers)
	if stats.FirstMessage != nil {
		fmt.Fprintf(&sb, "First message: %s\n", stats.FirstMessage.UTC().Format("2006-01-02"))
	}
	for _, p := range stats.Participants {
		name := "unknown"
		if p.Username != nil && *p.Username != "" {
			name = "@" + *p.Username
		} else if p.FirstName != nil && *p.FirstName != "" {
			name = *p.FirstName
		}
		h.printer.Fprintf(&sb, "  %s: %d\n", name, p.MessageCount)
	}
	h.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func (h *Handler) cmdUsage(ctx context.Context, chatID, userID int64) {
	stats, err := h.Tokens.UserStats(ctx, userID)
	if err != nil {
		h.fail(ctx, chatID, "token stats", err)
		return
	}
	var sb strings.Builder
	h.printer.Fprintf(&sb, "Your token usage:\nTotal: %d tokens over %d records\nPrompts: %d, responses: %d\n",
		stats.TotalTokens, stats.Records, stats.PromptTokens, stats.ResponseTokens)
	for _, c := range stats.ByChat {
		h.printer.Fprintf(&sb, "  chat %d: %d tokens\n", c.ChatID, c.Tokens)
	}
	h.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func (h *Handler) cmdSearch(ctx context.Context, chatID, userID int64, query string) {
	if query == "" {
		h.reply(ctx, chatID, "Usage: /search <text>")
		return
	}
	hits, err := h.Messages.SearchMessages(ctx, query, &chatID, &userID, 10)
	if err != nil {
		h.fail(ctx, chatID, "search", err)
		return
	}
	if len(hits) == 0 {
		h.reply(ctx, chatID, "No messages matched.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d message(s):\n", len(hits))
	for _, m := range hits {
		snippet := m.Content
		if r := []rune(snippet); len(r) > 80 {
			snippet = string(r[:80]) + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04"), m.Role, snippet)
	}
	h.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func (h *Handler) cmdExport(ctx context.Context, chatID int64, format string) {
	if format == "" {
		format = services.ExportTXT
	}
	out, err := h.Messages.ExportConversation(ctx, chatID, format)
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedFormat) {
			h.reply(ctx, chatID, "Unsupported format. Use /export json or /export txt.")
			return
		}
		h.fail(ctx, chatID, "export", err)
		return
	}
	if out == "" {
		h.reply(ctx, chatID, "Nothing to export yet.")
		return
	}
	if r := []rune(out); len(r) > maxInboundRunes {
		out = string(r[:maxInboundRunes]) + "\n… (truncated)"
	}
	h.reply(ctx, chatID, out)
}

func (h *Handler) cmdPersona(ctx context.Context, chatID int64, args string) {
	if args == "" {
		p, err := h.Directory.GetPersona(ctx, chatID)
		if err != nil {
			h.fail(ctx, chatID, "get persona", err)
			return
		}
		if p == nil || *p == "" {
			h.reply(ctx, chatID, "No persona is set for this chat. Use /persona <text> to set one.")
			return
		}
		h.reply(ctx, chatID, "Current persona:\n"+*p)
		return
	}
	if err := h.Directory.SetPersona(ctx, chatID, args); err != nil {
		if errors.Is(err, services.ErrChatNotFound) {
			h.reply(ctx, chatID, "This chat is not registered yet; send a message first.")
			return
		}
		h.fail(ctx, chatID, "set persona", err)
		return
	}
	h.reply(ctx, chatID, "Persona updated. It will be applied on the next fresh conversation.")
}

func (h *Handler) cmdInfo(ctx context.Context, chatID int64) {
	mi := h.ModelInfo
	h.reply(ctx, chatID, fmt.Sprintf(
		"Model: %s\nTemperature: %.2f\nTop-p: %.2f\nTop-k: %d\nMax output tokens: %d",
		mi.Model, mi.Temperature, mi.TopP, mi.TopK, mi.MaxOutputTokens))
}

func (h *Handler) cmdDBStats(ctx context.Context, chatID int64) {
	stats, err := h.Admin.DatabaseStats(ctx)
	if err != nil {
		h.fail(ctx, chatID, "database stats", err)
		return
	}
	h.reply(ctx, chatID, h.printer.Sprintf(
		"Database:\nUsers: %d\nChats: %d\nMessages: %d\nTokens recorded: %d\nSize: %.2f MiB",
		stats.Users, stats.Chats, stats.Messages, stats.TotalTokens,
		float64(stats.SizeBytes)/(1<<20)))
}

func (h *Handler) cmdCleanup(ctx context.Context, chatID int64, args string) {
	days, err := strconv.Atoi(args)
	if err != nil || days < 0 {
		h.reply(ctx, chatID, "Usage: /cleanup <days-to-keep>")
		return
	}
	n, err := h.retryOnce(func() (int64, error) {
		return h.Messages.CleanupOldMessages(ctx, days)
	})
	if err != nil {
		h.fail(ctx, chatID, "cleanup", err)
		return
	}
	h.reply(ctx, chatID, h.printer.Sprintf("Cleanup done: %d messages deleted.", n))
}

func (h *Handler) cmdReset(ctx context.Context, chatID int64) {
	if err := h.Admin.ResetDatabase(ctx); err != nil {
		h.fail(ctx, chatID, "reset database", err)
		return
	}
	h.reply(ctx, chatID, "Database has been reset. All data is gone.")
}

// adminOnly runs fn only for the configured admin user.
func (h *Handler) adminOnly(ctx context.Context, chatID, userID int64, fn func(context.Context, int64)) {
	if h.AdminUserID == 0 || userID != h.AdminUserID {
		h.reply(ctx, chatID, "This command is restricted to the bot operator.")
		return
	}
	fn(ctx, chatID)
}

// retryOnce retries a retryable storage failure a single time with backoff.
func (h *Handler) retryOnce(fn func() (int64, error)) (int64, error) {
	n, err := fn()
	if err != nil && services.IsRetryable(err) {
		time.Sleep(200 * time.Millisecond)
		n, err = fn()
	}
	return n, err
}

// fail logs an operation failure and sends the generic apology.
func (h *Handler) fail(ctx context.Context, chatID int64, op string, err error) {
	log.Error().Err(err).Int64("chat_id", chatID).Str("op", op).Msg("command failed")
	h.reply(ctx, chatID, apologyReply)
}

// reply sends text, logging (not propagating) transport failures.
func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.Transport.SendMessage(ctx, chatID, text); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reply delivery failed")
	}
}

// setFresh marks the next message in the scope to start without context.
func (h *Handler) setFresh(chatID, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fresh[scopeKey{chatID, userID}] = true
}

// takeFresh consumes the fresh-conversation flag for the scope.
func (h *Handler) takeFresh(chatID, userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := scopeKey{chatID, userID}
	if h.fresh[k] {
		delete(h.fresh, k)
		return true
	}
	return false
}

// optStr maps an empty transport string to a NULL column.
func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
