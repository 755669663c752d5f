// Package reply turns bot output into platform messages: it splits long text
// into size-bounded chunks and sends each chunk with the requested markup,
// retrying once as plain text when the platform rejects the markup.
package reply

import (
	"context"
	"errors"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// ErrRenderRejected is returned by a Sender when the platform refused the
// message because of its markup. It is the only error that triggers the
// plain-text fallback.
var ErrRenderRejected = errors.New("markup rejected by platform")

// Action is an inline button attached to a message. Exactly one of Callback
// and URL is set.
type Action struct {
	Label    string
	Callback string
	URL      string
}

// Message is one outbound platform message.
type Message struct {
	ChatID int64
	Text   string
	Mode   domain.RenderMode

	// Actions is a keyboard, one slice per row.
	Actions [][]Action

	// EditMessageID, when non-zero, replaces the text of an existing message
	// instead of sending a new one.
	EditMessageID int

	// ReplyTo quotes an incoming message when non-zero.
	ReplyTo int
}

// Sender delivers a single message to the platform.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Callback tokens understood by the bot.
const (
	CallbackBuySubscription = "buy_subscribe"
	CallbackSetChatMode     = "set_chat_mode"
	CallbackSeparator       = "|"
)

// SetChatModeCallback returns the callback token selecting mode id.
func SetChatModeCallback(id domain.ChatModeID) string {
	return CallbackSetChatMode + CallbackSeparator + string(id)
}
