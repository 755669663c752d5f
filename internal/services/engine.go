package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
)

// Decision is the outcome of the access gate for text and voice events.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionQuotaExceeded
	DecisionChannelGateFailed
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionQuotaExceeded:
		return "quota_exceeded"
	case DecisionChannelGateFailed:
		return "channel_gate_failed"
	}
	return "Decision(" + strconv.Itoa(int(d)) + ")"
}

// EngineConfig carries the collaborators and tunables of an Engine.
type EngineConfig struct {
	Store    Store
	Platform Platform
	Model    Model
	Payments PaymentProvider
	Modes    *domain.ChatModeCatalog

	// AllowedUsers holds usernames (with or without "@") or numeric ids.
	// Empty allows everyone.
	AllowedUsers    []string
	RequiredChannel string // empty disables the channel gate
	ChannelURL      string
	OperatorChatID  int64

	DailyLimit          int64
	IdleTimeout         time.Duration
	PricePer1000Tokens  decimal.Decimal
	VoicePricePerMinute decimal.Decimal

	SubscriptionPrice    decimal.Decimal
	SubscriptionDuration time.Duration
	PaymentPurpose       string
	PollInterval         time.Duration
	PollAttempts         int

	ChunkSize int
	Now       func() time.Time
}

// Engine routes every incoming event through session, quota, model, and reply
// handling. Events of different users run concurrently; events of one user
// are serialized.
type Engine struct {
	Store    Store
	Platform Platform
	Model    Model
	Modes    *domain.ChatModeCatalog

	Sessions *SessionRegistry
	Quota    *QuotaMeter
	Payments *PaymentPoller
	Replies  *reply.Dispatcher
	Reporter *ErrorReporter
	Locks    *UserLocks

	AllowedUsers    []string
	RequiredChannel string
	ChannelURL      string
	IdleTimeout     time.Duration
	Price           decimal.Decimal

	printer *message.Printer
	now     func() time.Time
}

// NewEngine assembles an Engine and its services from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	locks := NewUserLocks()
	replies := reply.NewDispatcher(cfg.Platform, cfg.ChunkSize)

	return &Engine{
		Store:    cfg.Store,
		Platform: cfg.Platform,
		Model:    cfg.Model,
		Modes:    cfg.Modes,
		Sessions: &SessionRegistry{
			Store:       cfg.Store,
			DefaultMode: cfg.Modes.Default(),
			Now:         now,
		},
		Quota: &QuotaMeter{
			Store:               cfg.Store,
			DailyLimit:          cfg.DailyLimit,
			PricePer1000Tokens:  cfg.PricePer1000Tokens,
			VoicePricePerMinute: cfg.VoicePricePerMinute,
			Now:                 now,
		},
		Payments: &PaymentPoller{
			Provider:    cfg.Payments,
			Store:       cfg.Store,
			Locks:       locks,
			Price:       cfg.SubscriptionPrice,
			Purpose:     cfg.PaymentPurpose,
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollAttempts,
			Duration:    cfg.SubscriptionDuration,
			Now:         now,
		},
		Replies: replies,
		Reporter: &ErrorReporter{
			Replies:        replies,
			OperatorChatID: cfg.OperatorChatID,
		},
		Locks:           locks,
		AllowedUsers:    cfg.AllowedUsers,
		RequiredChannel: cfg.RequiredChannel,
		ChannelURL:      cfg.ChannelURL,
		IdleTimeout:     cfg.IdleTimeout,
		Price:           cfg.SubscriptionPrice,
		printer:         message.NewPrinter(language.Russian),
		now:             now,
	}
}

// Handle processes one event. It never returns an error: failures and panics
// go to the error reporter.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	route := RouteOf(ev)
	logger := loggerFrom(ctx).With().
		Int64("update_id", ev.UpdateID).
		Int64("user_id", ev.From.ID).
		Int64("chat_id", ev.ChatID).
		Str("route", string(route)).
		Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := otel.Tracer("services/Engine").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("bot.route", string(route)),
			attribute.Int64("user.id", ev.From.ID),
		),
	)
	defer span.End()
	botEvents.WithLabelValues(string(route)).Inc()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.SetStatus(codes.Error, err.Error())
			e.Reporter.Report(ctx, ev, err, debug.Stack())
		}
	}()

	if !e.senderAllowed(ev.From) {
		logger.Debug().Str("username", ev.From.Username).Msg("sender not in allow-list")
		return
	}

	unlock := e.Locks.Lock(ev.From.ID)
	defer unlock()

	if err := e.dispatch(ctx, route, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Reporter.Report(ctx, ev, err, nil)
	}
}

// Shutdown stops running payment polls.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.Payments.Shutdown(ctx)
}

func (e *Engine) dispatch(ctx context.Context, route Route, ev Event) error {
	switch route {
	case RouteStart:
		return e.handleStart(ctx, ev)
	case RouteHelp:
		return e.Replies.Send(ctx, ev.ChatID, textHelp, domain.RenderHTML)
	case RouteNew:
		return e.handleNewDialog(ctx, ev)
	case RouteRetry:
		return e.handleRetry(ctx, ev)
	case RouteText:
		return e.handleText(ctx, ev)
	case RouteVoice:
		return e.handleVoice(ctx, ev)
	case RouteEdited:
		return e.Replies.Reply(ctx, reply.Message{
			ChatID:  ev.ChatID,
			Text:    textEditedMessage,
			Mode:    domain.RenderHTML,
			ReplyTo: ev.MessageID,
		})
	case RouteModes:
		return e.handleModes(ctx, ev)
	case RouteSetMode:
		return e.handleSetMode(ctx, ev)
	case RouteBalance:
		return e.handleBalance(ctx, ev)
	case RoutePurchase:
		return e.handlePurchase(ctx, ev)
	default:
		if ev.Callback != nil {
			return e.Platform.AnswerCallback(ctx, ev.Callback.ID, "")
		}
		return nil
	}
}

func (e *Engine) senderAllowed(pu PlatformUser) bool {
	if len(e.AllowedUsers) == 0 {
		return true
	}
	id := strconv.FormatInt(pu.ID, 10)
	for _, a := range e.AllowedUsers {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a == id || (pu.Username != "" && strings.EqualFold(a, pu.Username)) {
			return true
		}
	}
	return false
}

// enter registers the sender, guarantees an active dialog, and touches the
// user. It returns the interaction time seen before the touch.
func (e *Engine) enter(ctx context.Context, ev Event) (*domain.User, time.Time, error) {
	u, err := e.Sessions.EnsureUser(ctx, ev.From, ev.ChatID)
	if err != nil {
		return nil, time.Time{}, err
	}
	last := u.LastInteraction
	if err := e.Sessions.Touch(ctx, u); err != nil {
		return nil, time.Time{}, err
	}
	return u, last, nil
}

func (e *Engine) handleStart(ctx context.Context, ev Event) error {
	u, _, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	if err := e.Sessions.StartNewDialog(ctx, u); err != nil {
		return err
	}
	return e.Replies.Send(ctx, ev.ChatID, textStart, domain.RenderHTML)
}

func (e *Engine) handleNewDialog(ctx context.Context, ev Event) error {
	u, _, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	if err := e.Sessions.StartNewDialog(ctx, u); err != nil {
		return err
	}
	if err := e.Replies.Send(ctx, ev.ChatID, textNewDialog, domain.RenderHTML); err != nil {
		return err
	}
	mode := e.Modes.Resolve(u.CurrentChatMode)
	return e.Replies.Send(ctx, ev.ChatID, mode.WelcomeMessage, domain.RenderHTML)
}

func (e *Engine) handleRetry(ctx context.Context, ev Event) error {
	u, last, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	popped, err := e.popLast(ctx, u)
	if errors.Is(err, ErrNothingToRetry) {
		return e.Replies.Send(ctx, ev.ChatID, textNothingToRetry, domain.RenderHTML)
	}
	if err != nil {
		return err
	}
	ok, err := e.admit(ctx, ev, u, last, false)
	if err != nil || !ok {
		return err
	}
	return e.answer(ctx, ev, u, popped.User)
}

// popLast removes the newest exchange of u's current dialog. An empty dialog
// yields ErrNothingToRetry.
func (e *Engine) popLast(ctx context.Context, u *domain.User) (*domain.DialogMessage, error) {
	if u.CurrentDialogID == "" {
		return nil, ErrNothingToRetry
	}
	popped, err := e.Store.PopDialogMessage(ctx, u.CurrentDialogID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("dialog %s: %w", u.CurrentDialogID, ErrNothingToRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("pop last message: %w", err)
	}
	return popped, nil
}

func (e *Engine) handleText(ctx context.Context, ev Event) error {
	u, last, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	ok, err := e.admit(ctx, ev, u, last, true)
	if err != nil || !ok {
		return err
	}
	return e.answer(ctx, ev, u, ev.Text)
}

func (e *Engine) handleVoice(ctx context.Context, ev Event) error {
	if ev.Voice == nil {
		return ErrNoVoice
	}
	u, last, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	ok, err := e.admit(ctx, ev, u, last, true)
	if err != nil || !ok {
		return err
	}

	body, name, err := e.Platform.DownloadFile(ctx, ev.Voice.FileID)
	if err != nil {
		return fmt.Errorf("download voice %s: %w", ev.Voice.FileID, err)
	}
	transcript, err := e.Model.Transcribe(ctx, body, name)
	body.Close()
	if err != nil {
		return fmt.Errorf("transcribe voice: %w", err)
	}

	echo := fmt.Sprintf(textVoiceEcho, html.EscapeString(transcript))
	if err := e.Replies.Send(ctx, ev.ChatID, echo, domain.RenderHTML); err != nil {
		return err
	}

	answerErr := e.answer(ctx, ev, u, transcript)
	if err := e.Quota.Debit(ctx, u.ID, e.Quota.VoiceCost(ev.Voice.Duration), DebitVoice); err != nil {
		return errors.Join(answerErr, err)
	}
	return answerErr
}

// gate decides whether u may be served: channel membership first, then the
// daily quota.
func (e *Engine) gate(ctx context.Context, u *domain.User) (Decision, error) {
	if e.RequiredChannel != "" {
		member, err := e.Platform.IsChannelMember(ctx, e.RequiredChannel, u.ID)
		if err != nil {
			return DecisionChannelGateFailed, fmt.Errorf("check channel membership: %w", err)
		}
		if !member {
			return DecisionChannelGateFailed, nil
		}
	}
	bal, err := e.Quota.CheckAndMaybeReset(ctx, u)
	if err != nil {
		return DecisionQuotaExceeded, err
	}
	if !bal.Allowed() {
		return DecisionQuotaExceeded, nil
	}
	return DecisionAllowed, nil
}

// admit runs the gate, emits the refusal prompt when needed, and applies the
// idle timeout to admitted events. It reports whether the event proceeds.
func (e *Engine) admit(ctx context.Context, ev Event, u *domain.User, last time.Time, useTimeout bool) (bool, error) {
	d, err := e.gate(ctx, u)
	if err != nil {
		return false, err
	}
	gateDecisions.WithLabelValues(d.String()).Inc()

	switch d {
	case DecisionChannelGateFailed:
		return false, e.Replies.Reply(ctx, reply.Message{
			ChatID:  ev.ChatID,
			Text:    textChannelGate,
			Actions: [][]reply.Action{{{Label: textChannelButton, URL: e.channelURL()}}},
		})
	case DecisionQuotaExceeded:
		return false, e.Replies.Reply(ctx, reply.Message{
			ChatID:  ev.ChatID,
			Text:    fmt.Sprintf(textQuotaExceeded, e.Price.String()),
			Mode:    domain.RenderHTML,
			Actions: [][]reply.Action{{{Label: textBuyButton, Callback: reply.CallbackBuySubscription}}},
		})
	case DecisionAllowed:
	}

	if !useTimeout {
		return true, nil
	}
	started, err := e.Sessions.ApplyIdleTimeout(ctx, u, last, e.IdleTimeout)
	if err != nil {
		return false, err
	}
	if started {
		mode := e.Modes.Resolve(u.CurrentChatMode)
		notice := fmt.Sprintf(textTimeoutDialog, html.EscapeString(mode.Name))
		if err := e.Replies.Send(ctx, ev.ChatID, notice, domain.RenderHTML); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) channelURL() string {
	if e.ChannelURL != "" {
		return e.ChannelURL
	}
	return "https://t.me/" + strings.TrimPrefix(e.RequiredChannel, "@")
}

// answer calls the model with the current dialog, stores the exchange, debits
// its cost, and replies. A model failure is shown to the user and nothing is
// stored or charged.
func (e *Engine) answer(ctx context.Context, ev Event, u *domain.User, text string) error {
	logger := loggerFrom(ctx)
	if err := e.Platform.SendTyping(ctx, ev.ChatID); err != nil {
		logger.Debug().Err(err).Msg("typing indicator failed")
	}

	mode := e.Modes.Resolve(u.CurrentChatMode)
	history, err := e.Store.DialogMessages(ctx, u.CurrentDialogID)
	if err != nil {
		return fmt.Errorf("load dialog %s: %w", u.CurrentDialogID, err)
	}

	start := time.Now()
	answer, cost, removed, err := e.Model.Send(ctx, text, history, mode)
	if err != nil {
		modelLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		logger.Warn().Err(err).Msg("model call failed")
		return e.Replies.Send(ctx, ev.ChatID, fmt.Sprintf(textModelError, err), domain.RenderPlain)
	}
	modelLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if removed > 0 {
		if _, err := e.Store.TrimDialogFront(ctx, u.CurrentDialogID, removed); err != nil {
			return fmt.Errorf("trim dialog %s: %w", u.CurrentDialogID, err)
		}
	}
	if err := e.Store.AppendDialogMessage(ctx, &domain.DialogMessage{
		DialogID: u.CurrentDialogID,
		User:     text,
		Bot:      answer,
		Date:     e.now(),
	}); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := e.Quota.Debit(ctx, u.ID, cost, DebitChat); err != nil {
		return err
	}

	if notice, ok := TrimNotice(removed); ok {
		if err := e.Replies.Send(ctx, ev.ChatID, notice, domain.RenderHTML); err != nil {
			return err
		}
	}
	return e.Replies.Send(ctx, ev.ChatID, answer, mode.RenderMode)
}

func (e *Engine) handleModes(ctx context.Context, ev Event) error {
	if _, _, err := e.enter(ctx, ev); err != nil {
		return err
	}
	modes := e.Modes.List()
	rows := make([][]reply.Action, 0, len(modes))
	for _, m := range modes {
		rows = append(rows, []reply.Action{{Label: m.Name, Callback: reply.SetChatModeCallback(m.ID)}})
	}
	return e.Replies.Reply(ctx, reply.Message{
		ChatID:  ev.ChatID,
		Text:    textChooseMode,
		Mode:    domain.RenderHTML,
		Actions: rows,
	})
}

func (e *Engine) handleSetMode(ctx context.Context, ev Event) error {
	u, _, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	if err := e.Platform.AnswerCallback(ctx, ev.Callback.ID, ""); err != nil {
		loggerFrom(ctx).Debug().Err(err).Msg("answer callback failed")
	}

	id := domain.ChatModeID(strings.TrimPrefix(ev.Callback.Data, reply.CallbackSetChatMode+reply.CallbackSeparator))
	mode, ok := e.Modes.Get(id)
	if !ok {
		loggerFrom(ctx).Warn().Err(fmt.Errorf("%w: %q", domain.ErrUnknownChatMode, id)).Msg("stale mode button")
		return nil
	}
	if err := e.Store.SetChatMode(ctx, u.ID, id); err != nil {
		return fmt.Errorf("set chat mode: %w", err)
	}
	u.CurrentChatMode = id
	if err := e.Sessions.StartNewDialog(ctx, u); err != nil {
		return err
	}

	if err := e.Replies.Reply(ctx, reply.Message{
		ChatID:        ev.ChatID,
		Text:          fmt.Sprintf(textModeSelected, html.EscapeString(mode.Name)),
		Mode:          domain.RenderHTML,
		EditMessageID: ev.Callback.MessageID,
	}); err != nil {
		return err
	}
	return e.Replies.Send(ctx, ev.ChatID, mode.WelcomeMessage, domain.RenderHTML)
}

func (e *Engine) handleBalance(ctx context.Context, ev Event) error {
	u, _, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	bal, err := e.Quota.CheckAndMaybeReset(ctx, u)
	if err != nil {
		return err
	}
	if bal.Subscribed {
		return e.Replies.Send(ctx, ev.ChatID, fmt.Sprintf(textSubscribed, bal.Until.Format(dateLayout)), domain.RenderHTML)
	}
	return e.Replies.Reply(ctx, reply.Message{
		ChatID:  ev.ChatID,
		Text:    e.balanceText(bal),
		Mode:    domain.RenderHTML,
		Actions: [][]reply.Action{{{Label: textBuyButton, Callback: reply.CallbackBuySubscription}}},
	})
}

func (e *Engine) balanceText(bal Balance) string {
	left := bal.Available
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf(textBalance,
		e.printer.Sprintf("%d", bal.Used),
		e.printer.Sprintf("%d", left),
		e.Price.String(),
	)
}

func (e *Engine) handlePurchase(ctx context.Context, ev Event) error {
	u, _, err := e.enter(ctx, ev)
	if err != nil {
		return err
	}
	if err := e.Platform.AnswerCallback(ctx, ev.Callback.ID, ""); err != nil {
		loggerFrom(ctx).Debug().Err(err).Msg("answer callback failed")
	}
	msgID := ev.Callback.MessageID

	if err := e.Payments.Eligible(u); errors.Is(err, ErrAlreadySubscribed) {
		return e.Replies.Reply(ctx, reply.Message{
			ChatID:        ev.ChatID,
			Text:          fmt.Sprintf(textSubscribed, u.SubscribeUntil.Format(dateLayout)),
			Mode:          domain.RenderHTML,
			EditMessageID: msgID,
		})
	}

	req, err := e.Payments.Begin(ctx, u.ID)
	if err != nil {
		return err
	}
	if err := e.Replies.Reply(ctx, reply.Message{
		ChatID:        ev.ChatID,
		Text:          fmt.Sprintf(textCheckout, e.Price.String()),
		Mode:          domain.RenderHTML,
		EditMessageID: msgID,
		Actions:       [][]reply.Action{{{Label: textBuyButton, URL: req.CheckoutURL}}},
	}); err != nil {
		return err
	}

	chatID := ev.ChatID
	e.Payments.Start(ctx, req, func(ctx context.Context, _ *PaymentRequest, res PaymentResult) {
		if res.State != PollConfirmed {
			return
		}
		if err := e.Replies.Reply(ctx, reply.Message{
			ChatID:        chatID,
			Text:          textPurchaseDone,
			Mode:          domain.RenderHTML,
			EditMessageID: msgID,
		}); err != nil {
			loggerFrom(ctx).Warn().Err(err).Msg("purchase confirmation not delivered")
		}
	})
	return nil
}

func loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
