// Package domain defines the persistence models for bot users, their dialogs,
// and the exchanges inside each dialog. These types are mapped with GORM and
// form the core data layer of the assistant bot.
package domain

import (
	"time"
)

// User is a chat-platform account known to the bot. It is created lazily on
// first contact together with its first Dialog.
//
// Fields:
//   - ID: platform-assigned user id (not auto-incremented).
//   - ChatID: private chat used to talk to the user.
//   - CurrentDialogID: the active dialog; empty only before first contact completes.
//   - CurrentChatMode: key into the configured ChatModeCatalog.
//   - LastInteraction: timestamp of the most recent handled event.
//   - NUsedTokens / LastUpdateTokens: daily quota ledger and its last reset.
//   - IsSubscribed / SubscribeUntil: paid unlimited access window.
type User struct {
	ID               int64      `json:"id"                 gorm:"primaryKey;autoIncrement:false"`
	ChatID           int64      `json:"chat_id"            gorm:"not null"`
	Username         string     `json:"username"           gorm:"type:varchar(64);index"`
	FirstName        string     `json:"first_name"         gorm:"type:varchar(255)"`
	LastName         string     `json:"last_name"          gorm:"type:varchar(255)"`
	CurrentDialogID  string     `json:"current_dialog_id"  gorm:"type:char(36)"`
	CurrentChatMode  ChatModeID `json:"current_chat_mode"  gorm:"type:varchar(64);not null"`
	LastInteraction  time.Time  `json:"last_interaction"`
	NUsedTokens      int64      `json:"n_used_tokens"      gorm:"not null;default:0;check:n_used_tokens >= 0"`
	LastUpdateTokens time.Time  `json:"last_update_tokens"`
	IsSubscribed     bool       `json:"is_subscribed"      gorm:"not null;default:false"`
	SubscribeUntil   time.Time  `json:"subscribe_until"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// SubscriptionActive reports whether the user holds a paid subscription that
// has not yet expired at now.
func (u *User) SubscriptionActive(now time.Time) bool {
	return u.IsSubscribed && now.Before(u.SubscribeUntil)
}

// Dialog is one conversation thread. A dialog is never deleted; it is
// superseded when the user starts a new one.
type Dialog struct {
	ID        string     `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    int64      `json:"user_id"    gorm:"not null;index:idx_user_dialogs,priority:1"`
	ChatMode  ChatModeID `json:"chat_mode"  gorm:"type:varchar(64);not null"`
	CreatedAt time.Time  `json:"created_at" gorm:"index:idx_user_dialogs,priority:2"`
	UpdatedAt time.Time  `json:"updated_at"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Dialog.
func (Dialog) TableName() string { return "dialogs" }

// DialogMessage is one user utterance paired with the bot reply. Rows are
// append-only; the auto-incremented ID defines chronological order within a
// dialog, so the only allowed removals are the lowest IDs (context trim) or
// the highest ID (retry).
type DialogMessage struct {
	ID        uint64    `json:"id"         gorm:"primaryKey;autoIncrement"`
	DialogID  string    `json:"dialog_id"  gorm:"type:char(36);not null;index:idx_dialog_msgs"`
	User      string    `json:"user"       gorm:"type:text;not null"`
	Bot       string    `json:"bot"        gorm:"type:text;not null"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Dialog Dialog `json:"-" gorm:"foreignKey:DialogID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DialogMessage.
func (DialogMessage) TableName() string { return "dialog_messages" }
