// Package domain defines the persistence models for users, chats, messages,
// and token usage. These types are mapped with GORM and form the durable
// contract of the relay: the four tables below are what dashboards and export
// tooling read, so schema changes must stay additive.
package domain

import (
	"time"
)

// Message roles. The database constrains the role column to exactly these
// two values; nothing else may be persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User is the identity record for a messaging-platform account. Rows are
// created on first sighting and refreshed on every subsequent inbound
// message; they are never deleted.
//
// Fields:
//   - UserID: stable external identifier (primary key, assigned by the platform).
//   - Username / FirstName / LastName: optional display attributes.
//   - CreatedAt: first time this identity was seen.
type User struct {
	UserID    int64     `json:"user_id"    gorm:"primaryKey;autoIncrement:false"`
	Username  *string   `json:"username"   gorm:"type:varchar(64)"`
	FirstName *string   `json:"first_name" gorm:"type:varchar(128)"`
	LastName  *string   `json:"last_name"  gorm:"type:varchar(128)"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Chat is a conversation scope (private chat, group, or channel).
//
// PersonaPrompt is mutable free text injected into the first turn of a
// context-less session. Identity-refresh upserts happen on every inbound
// message and must never erase a previously stored persona; only the
// dedicated persona setter may change it.
type Chat struct {
	ChatID        int64     `json:"chat_id"        gorm:"primaryKey;autoIncrement:false"`
	ChatType      string    `json:"chat_type"      gorm:"type:varchar(32);not null"`
	Title         *string   `json:"title"          gorm:"type:varchar(255)"`
	Username      *string   `json:"username"       gorm:"type:varchar(64)"`
	PersonaPrompt *string   `json:"persona_prompt" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is one conversation turn. Rows are immutable once written; the
// only mutation paths are the explicit per-scope clear and the retention
// cleanup, both of which delete whole rows.
//
// InteractionID groups exactly one user message with the one assistant
// message it produced. It is generated fresh per inbound request and shared
// by both rows and by their token-usage rows.
//
// The composite indexes back the store's query patterns: recent history per
// chat, per-user history, interaction lookup, and per-(chat,user) clears.
type Message struct {
	ID            int64     `json:"id"             gorm:"primaryKey;autoIncrement"`
	ChatID        int64     `json:"chat_id"        gorm:"not null;index:idx_messages_chat_timestamp,priority:1;index:idx_messages_chat_user,priority:1"`
	UserID        int64     `json:"user_id"        gorm:"not null;index:idx_messages_user_timestamp,priority:1;index:idx_messages_chat_user,priority:2"`
	Role          string    `json:"role"           gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content       string    `json:"content"        gorm:"type:text;not null"`
	Timestamp     time.Time `json:"timestamp"      gorm:"not null;index:idx_messages_chat_timestamp,priority:2;index:idx_messages_user_timestamp,priority:2"`
	InteractionID *string   `json:"interaction_id" gorm:"type:char(36);index:idx_messages_interaction_id"`
	Metadata      *string   `json:"metadata"       gorm:"type:text"` // opaque JSON blob

	// Chat and User are FK associations; messages are only written after
	// both identities have been upserted.
	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ChatID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	User User `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// TokenUsage records per-message token counts as reported by the upstream
// completion service, tagged by role and interaction. Rows are append-only.
// When the upstream cannot report usage (streamed responses without a usage
// summary), no row is written; statistics treat that absence as zero.
//
// MessageID deliberately carries no foreign key constraint: clearing a
// conversation deletes message rows but retains ledger rows as an orphaned
// audit reference (see DESIGN.md for the cascade-policy decision).
type TokenUsage struct {
	ID            int64     `json:"id"             gorm:"primaryKey;autoIncrement"`
	UserID        int64     `json:"user_id"        gorm:"not null;index:idx_token_usage_user_ts,priority:1;index:idx_token_usage_chat_user,priority:2"`
	ChatID        int64     `json:"chat_id"        gorm:"not null;index:idx_token_usage_chat_user,priority:1"`
	MessageID     *int64    `json:"message_id"`
	InteractionID *string   `json:"interaction_id" gorm:"type:char(36);index"`
	Role          string    `json:"role"           gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Tokens        int       `json:"tokens"         gorm:"not null;default:0;check:tokens >= 0"`
	Timestamp     time.Time `json:"timestamp"      gorm:"not null;index:idx_token_usage_user_ts,priority:2"`
}

// TableName returns the database table name for TokenUsage.
func (TokenUsage) TableName() string { return "token_usage" }
