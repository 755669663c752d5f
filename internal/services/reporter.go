package services

import (
	"context"
	"encoding/json"
	"fmt"
	"html"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
)

// ErrorReporter is the global handler for errors and panics escaping a route.
// It logs the failure and notifies the operator chat (or the event's chat when
// no operator is configured). It never panics and never returns an error.
type ErrorReporter struct {
	Replies        *reply.Dispatcher
	OperatorChatID int64
}

// Report logs err with the event and a best-effort stack, then sends a
// chunked HTML dump. If that fails, a short static notice is attempted.
func (r *ErrorReporter) Report(ctx context.Context, ev Event, err error, stack []byte) {
	errorsReported.Inc()
	logger := loggerFrom(ctx)
	logger.Error().Err(err).Bytes("stack", stack).Msg("exception while handling an update")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("error reporter panicked")
		}
	}()

	chatID := r.OperatorChatID
	if chatID == 0 {
		chatID = ev.ChatID
	}
	if chatID == 0 || r.Replies == nil {
		return
	}

	trace := err.Error()
	if len(stack) > 0 {
		trace += "\n\n" + string(stack)
	}
	text := fmt.Sprintf(textErrorReport, html.EscapeString(dumpEvent(ev)), html.EscapeString(trace))

	if rerr := r.Replies.Send(ctx, chatID, text, domain.RenderHTML); rerr != nil {
		logger.Warn().Err(rerr).Msg("error report not delivered")
		_ = r.Replies.Sender.Send(ctx, reply.Message{ChatID: chatID, Text: textReporterFault})
	}
}

func dumpEvent(ev Event) string {
	var v any = ev
	if ev.Raw != nil {
		v = ev.Raw
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", ev)
	}
	return string(b)
}
