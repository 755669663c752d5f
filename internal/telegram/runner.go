package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/gpt-subscription-bot/internal/services"
)

// HandlerFunc processes one event.
type HandlerFunc func(ctx context.Context, ev services.Event)

type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Runner feeds updates to a handler, one goroutine per update.
type Runner struct {
	Source  updateSource
	Handler HandlerFunc
	Timeout int // long-poll timeout, seconds

	wg sync.WaitGroup
}

// Poll receives updates by long polling until ctx is done, then stops the
// receiver and waits for in-flight handlers.
func (r *Runner) Poll(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = r.Timeout
	cfg.AllowedUpdates = []string{"message", "edited_message", "callback_query"}
	updates := r.Source.GetUpdatesChan(cfg)

	log.Info().Int("timeout", r.Timeout).Msg("telegram long polling started")
	for {
		select {
		case <-ctx.Done():
			r.Source.StopReceivingUpdates()
			r.Wait()
			return nil
		case u, ok := <-updates:
			if !ok {
				r.Wait()
				return nil
			}
			r.Dispatch(ctx, u)
		}
	}
}

// Dispatch handles u asynchronously. Handlers outlive ctx cancellation so an
// event already accepted is finished during shutdown.
func (r *Runner) Dispatch(ctx context.Context, u tgbotapi.Update) bool {
	ev, ok := ToEvent(u)
	if !ok {
		return false
	}
	hctx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Handler(hctx, ev)
	}()
	return true
}

// Wait blocks until every dispatched handler has returned.
func (r *Runner) Wait() { r.wg.Wait() }

type webhookAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SetWebhook registers url as the update endpoint.
func SetWebhook(b webhookAPI, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "edited_message", "callback_query"}
	if _, err := b.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// RemoveWebhook switches the bot back to getUpdates.
func RemoveWebhook(b webhookAPI) error {
	if _, err := b.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}
