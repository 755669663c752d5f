package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/gpt-subscription-bot/internal/services"
)

// ToEvent converts an update into an engine event. It reports false for
// updates the bot does not handle (channel posts, stickers, inline queries).
func ToEvent(u tgbotapi.Update) (services.Event, bool) {
	ev := services.Event{UpdateID: int64(u.UpdateID), Raw: u}

	switch {
	case u.EditedMessage != nil:
		m := u.EditedMessage
		if m.From == nil || m.Chat == nil {
			return ev, false
		}
		ev.Kind = services.EventEdited
		ev.From = platformUser(m.From)
		ev.ChatID = m.Chat.ID
		ev.MessageID = m.MessageID
		ev.Text = m.Text
		return ev, true

	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.From == nil {
			return ev, false
		}
		ev.Kind = services.EventCallback
		ev.From = platformUser(cq.From)
		ev.ChatID = cq.From.ID
		ev.Callback = &services.Callback{ID: cq.ID, Data: cq.Data}
		if cq.Message != nil {
			ev.ChatID = cq.Message.Chat.ID
			ev.MessageID = cq.Message.MessageID
			ev.Callback.MessageID = cq.Message.MessageID
		}
		return ev, true

	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.Chat == nil {
			return ev, false
		}
		ev.From = platformUser(m.From)
		ev.ChatID = m.Chat.ID
		ev.MessageID = m.MessageID

		switch {
		case m.IsCommand():
			ev.Kind = services.EventCommand
			ev.Command = m.Command()
			ev.Text = m.CommandArguments()
		case m.Voice != nil:
			ev.Kind = services.EventVoice
			ev.Voice = &services.Voice{FileID: m.Voice.FileID, Duration: m.Voice.Duration}
		case m.Text != "":
			ev.Kind = services.EventText
			ev.Text = m.Text
		default:
			return ev, false
		}
		return ev, true
	}
	return ev, false
}

func platformUser(u *tgbotapi.User) services.PlatformUser {
	return services.PlatformUser{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
