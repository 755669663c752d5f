package services

import (
	"context"
	"io"
	"strings"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
)

// EventKind is the shape of an incoming platform event.
type EventKind int

const (
	EventText EventKind = iota
	EventCommand
	EventVoice
	EventCallback
	EventEdited
)

// Voice references an audio message stored on the platform.
type Voice struct {
	FileID   string
	Duration int // seconds
}

// Callback is an inline-button press.
type Callback struct {
	ID        string
	Data      string
	MessageID int // message carrying the pressed button
}

// Event is one incoming platform update, already normalized.
type Event struct {
	UpdateID  int64
	Kind      EventKind
	From      PlatformUser
	ChatID    int64
	MessageID int
	Command   string // without the leading slash
	Text      string
	Voice     *Voice
	Callback  *Callback

	// Raw is the platform payload, dumped into error reports.
	Raw any `json:"-"`
}

// Route names an engine handler.
type Route string

const (
	RouteStart    Route = "start"
	RouteHelp     Route = "help"
	RouteNew      Route = "new"
	RouteRetry    Route = "retry"
	RouteText     Route = "text"
	RouteVoice    Route = "voice"
	RouteEdited   Route = "edited"
	RouteModes    Route = "mode"
	RouteSetMode  Route = "set_chat_mode"
	RouteBalance  Route = "balance"
	RoutePurchase Route = "buy_subscribe"
	RouteUnknown  Route = "unknown"
)

// RouteOf classifies ev.
func RouteOf(ev Event) Route {
	switch ev.Kind {
	case EventEdited:
		return RouteEdited
	case EventVoice:
		return RouteVoice
	case EventText:
		return RouteText
	case EventCallback:
		if ev.Callback == nil {
			return RouteUnknown
		}
		switch {
		case ev.Callback.Data == reply.CallbackBuySubscription:
			return RoutePurchase
		case strings.HasPrefix(ev.Callback.Data, reply.CallbackSetChatMode+reply.CallbackSeparator):
			return RouteSetMode
		}
		return RouteUnknown
	case EventCommand:
		switch strings.ToLower(ev.Command) {
		case "start":
			return RouteStart
		case "help":
			return RouteHelp
		case "new":
			return RouteNew
		case "retry":
			return RouteRetry
		case "mode":
			return RouteModes
		case "balance":
			return RouteBalance
		}
	}
	return RouteUnknown
}

// Platform is the chat-platform collaborator.
type Platform interface {
	reply.Sender
	SendTyping(ctx context.Context, chatID int64) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	IsChannelMember(ctx context.Context, channel string, userID int64) (bool, error)
	// DownloadFile returns the file body and a file name carrying its format.
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, string, error)
}

// Model is the language-model collaborator. Send returns the answer, its cost
// in quota units, and how many history entries were dropped from the front
// to fit the context window.
type Model interface {
	Send(ctx context.Context, message string, history []domain.DialogMessage, mode domain.ChatMode) (answer string, cost int64, removed int, err error)
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
