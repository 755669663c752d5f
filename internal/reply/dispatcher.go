package reply

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// Dispatcher sends possibly oversized text as a series of chunks.
type Dispatcher struct {
	Sender    Sender
	ChunkSize int
}

// NewDispatcher returns a Dispatcher with the default chunk size when size <= 0.
func NewDispatcher(s Sender, size int) *Dispatcher {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Dispatcher{Sender: s, ChunkSize: size}
}

// Reply splits m.Text and sends every chunk with m.Mode. A chunk whose markup
// is rejected is re-sent once without markup; failure of that retry is logged
// and the remaining chunks are still sent. Actions are attached to the last
// chunk only. EditMessageID applies to the first chunk; later chunks are sent
// as new messages.
//
// The returned error is the first non-render failure, if any.
func (d *Dispatcher) Reply(ctx context.Context, m Message) error {
	chunks := Chunk(m.Text, d.ChunkSize)
	var firstErr error
	for i, c := range chunks {
		msg := Message{ChatID: m.ChatID, Text: c, Mode: m.Mode, ReplyTo: m.ReplyTo}
		if i == 0 {
			msg.EditMessageID = m.EditMessageID
		}
		if i == len(chunks)-1 {
			msg.Actions = m.Actions
		}
		if err := d.sendChunk(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send is Reply for callers that only have text.
func (d *Dispatcher) Send(ctx context.Context, chatID int64, text string, mode domain.RenderMode) error {
	return d.Reply(ctx, Message{ChatID: chatID, Text: text, Mode: mode})
}

func (d *Dispatcher) sendChunk(ctx context.Context, msg Message) error {
	mode := modeLabel(string(msg.Mode))
	err := d.Sender.Send(ctx, msg)
	switch {
	case err == nil:
		chunksSent.WithLabelValues(mode, "ok").Inc()
		return nil
	case !errors.Is(err, ErrRenderRejected) || msg.Mode == domain.RenderPlain:
		chunksSent.WithLabelValues(mode, "error").Inc()
		return err
	}

	logger := loggerFrom(ctx)
	logger.Debug().Err(err).Str("mode", mode).Msg("markup rejected, resending as plain text")

	msg.Mode = domain.RenderPlain
	if ferr := d.Sender.Send(ctx, msg); ferr != nil {
		chunksSent.WithLabelValues(mode, "fallback_failed").Inc()
		logger.Warn().Err(ferr).Msg("plain-text fallback failed")
		return nil
	}
	chunksSent.WithLabelValues(mode, "fallback").Inc()
	return nil
}

func loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
