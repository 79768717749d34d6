// Package domain defines the persistence models for conversations, messages,
// reward profiles, and the reward-transaction ledger. These types are mapped
// with GORM and form the core data layer of the application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Message roles as stored in the messages table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation represents a chat thread owned by a user. Each conversation
// has a title (auto-generated from the first prompt if not provided) and
// contains the messages exchanged between the user and the assistant.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; indexed for efficient retrieval.
//   - Title: human-readable title.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Conversation struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"   gorm:"type:varchar(64);not null;index:idx_user_convs"`
	Title     string         `json:"title"     gorm:"type:varchar(255);not null;default:'New conversation'"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single utterance within a conversation, authored
// either by the "user" or the "assistant". Assistant messages carry the
// token usage reported by the generation API.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string         `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content        string         `json:"content"         gorm:"type:text;not null"`
	TokensUsed     *int           `json:"tokens_used,omitempty"` // only for assistant messages
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Conversation is the parent thread. Messages are cascade-deleted if
	// their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Profile holds the per-user reward state mutated once per chat interaction.
// The row is created at signup (or provisioned on first use) and updated by
// a plain read-modify-write; see services.TurnService for the accrual flow.
//
// RewardPoints is deliberately not constrained to be non-negative: a boost
// can drive the balance below zero on a non-streak day.
type Profile struct {
	UserID          string     `json:"user_id"           gorm:"type:varchar(64);primaryKey"`
	RewardPoints    int        `json:"reward_points"     gorm:"not null;default:0"`
	DailyStreak     int        `json:"daily_streak"      gorm:"not null;default:0"`
	LastMessageDate *time.Time `json:"last_message_date"` // date portion only, UTC
	TotalMessages   int        `json:"total_messages"    gorm:"not null;default:0"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Profile.
func (Profile) TableName() string { return "profiles" }

// RewardTransaction is an append-only ledger entry recording one signed
// point-balance change with a reason code. Entries are created once when the
// accrual procedure yields a non-zero net delta and are never updated or
// deleted afterwards.
//
// Kind is one of "message", "streak", or "boost" (see rewards.Kind).
type RewardTransaction struct {
	ID          string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID      string    `json:"user_id"     gorm:"type:varchar(64);not null;index:idx_user_rewards,priority:1"`
	Delta       int       `json:"delta"       gorm:"not null"`
	Kind        string    `json:"kind"        gorm:"type:varchar(16);not null;check:kind IN ('message','streak','boost')"`
	Description string    `json:"description" gorm:"type:varchar(255);not null"`
	CreatedAt   time.Time `json:"created_at"  gorm:"index:idx_user_rewards,priority:2"`
}

// TableName returns the database table name for RewardTransaction.
func (RewardTransaction) TableName() string { return "reward_transactions" }
