package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/payment"
)

// PaymentProvider is the payment collaborator.
type PaymentProvider interface {
	CreateCheckout(ctx context.Context, amount decimal.Decimal, label, purpose string) (string, error)
	// History returns operations carrying label, most recent first.
	History(ctx context.Context, label string) ([]payment.Operation, error)
}

// PollState is the lifecycle of one payment confirmation poll.
type PollState int

const (
	PollCreated PollState = iota
	PollPolling
	PollConfirmed
	PollTimedOut
	PollCancelled
)

func (s PollState) String() string {
	switch s {
	case PollCreated:
		return "created"
	case PollPolling:
		return "polling"
	case PollConfirmed:
		return "confirmed"
	case PollTimedOut:
		return "timed_out"
	case PollCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("PollState(%d)", int(s))
}

// PaymentRequest lives in memory for the duration of one poll.
type PaymentRequest struct {
	UserID      int64
	Label       string
	Amount      decimal.Decimal
	Purpose     string
	CheckoutURL string
	CreatedAt   time.Time
}

// PaymentResult is the terminal outcome of a poll.
type PaymentResult struct {
	State    PollState
	Attempts int
	Until    time.Time // set when Confirmed
}

// PaymentPoller drives bounded confirmation polls. Each purchase gets its own
// goroutine keyed by its label; several polls of one user may run at once,
// and the first confirmation stops the others on their next attempt.
type PaymentPoller struct {
	Provider    PaymentProvider
	Store       Store
	Locks       *UserLocks
	Price       decimal.Decimal
	Purpose     string
	Interval    time.Duration
	MaxAttempts int
	Duration    time.Duration // subscription length granted on success
	Now         func() time.Time

	mu      sync.Mutex
	running map[int64]map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func (p *PaymentPoller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Eligible returns ErrAlreadySubscribed while u holds an active subscription;
// no checkout may be created then.
func (p *PaymentPoller) Eligible(u *domain.User) error {
	if u.SubscriptionActive(p.now()) {
		return fmt.Errorf("user %d until %s: %w", u.ID, u.SubscribeUntil.Format(time.RFC3339), ErrAlreadySubscribed)
	}
	return nil
}

// Begin mints a unique label and creates the checkout link (state Created).
func (p *PaymentPoller) Begin(ctx context.Context, userID int64) (*PaymentRequest, error) {
	req := &PaymentRequest{
		UserID:    userID,
		Label:     uuid.NewString(),
		Amount:    p.Price,
		Purpose:   p.Purpose,
		CreatedAt: p.now(),
	}
	url, err := p.Provider.CreateCheckout(ctx, req.Amount, req.Label, req.Purpose)
	if err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	req.CheckoutURL = url
	return req, nil
}

// Start runs the poll for req in the background. The poll is detached from
// the caller's context; it stops on Cancel, Shutdown, confirmation, a
// subscription granted through another path, or after MaxAttempts. An
// earlier checkout link of the same user keeps being polled. onDone, if set,
// is called with the terminal result.
func (p *PaymentPoller) Start(ctx context.Context, req *PaymentRequest, onDone func(context.Context, *PaymentRequest, PaymentResult)) {
	logger := loggerFrom(ctx).With().Str("payment_label", req.Label).Logger()
	pollCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	if p.running == nil {
		p.running = make(map[int64]map[string]context.CancelFunc)
	}
	if p.running[req.UserID] == nil {
		p.running[req.UserID] = make(map[string]context.CancelFunc)
	}
	p.running[req.UserID][req.Label] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.forget(req.UserID, req.Label)
				paymentPolls.WithLabelValues("panic").Inc()
				logger.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("payment poll panicked")
			}
		}()

		res := p.Run(pollCtx, req)
		p.forget(req.UserID, req.Label)
		if onDone != nil {
			onDone(pollCtx, req, res)
		}
	}()
}

func (p *PaymentPoller) forget(userID int64, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	polls := p.running[userID]
	delete(polls, label)
	if len(polls) == 0 {
		delete(p.running, userID)
	}
}

// Run polls synchronously until a terminal state. Provider errors are logged
// and count as a spent attempt. A failed subscription commit is retried on
// the next attempt.
func (p *PaymentPoller) Run(ctx context.Context, req *PaymentRequest) PaymentResult {
	ctx, span := otel.Tracer("services/PaymentPoller").Start(ctx, "Run",
		trace.WithAttributes(
			attribute.Int64("user.id", req.UserID),
			attribute.String("payment.label", req.Label),
		),
	)
	defer span.End()

	logger := loggerFrom(ctx)

	res := PaymentResult{State: PollPolling}
	finish := func(s PollState) PaymentResult {
		res.State = s
		paymentPolls.WithLabelValues(s.String()).Inc()
		span.SetAttributes(attribute.String("payment.state", s.String()), attribute.Int("payment.attempts", res.Attempts))
		logger.Info().Str("state", s.String()).Int("attempts", res.Attempts).Msg("payment poll finished")
		return res
	}

	var ticker *time.Ticker
	if p.Interval > 0 {
		ticker = time.NewTicker(p.Interval)
		defer ticker.Stop()
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return finish(PollCancelled)
		}
		if attempt > 1 && p.subscribedElsewhere(ctx, req.UserID) {
			return finish(PollCancelled)
		}

		res.Attempts = attempt
		ops, err := p.Provider.History(ctx, req.Label)
		switch {
		case err != nil:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("payment history query failed")
		case len(ops) > 0 && ops[0].Status == payment.StatusSuccess:
			until, cerr := p.commit(ctx, req.UserID)
			if cerr == nil {
				res.Until = until
				return finish(PollConfirmed)
			}
			logger.Error().Err(cerr).Int("attempt", attempt).Msg("subscription commit failed")
		}

		if attempt == p.MaxAttempts {
			break
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return finish(PollCancelled)
			case <-ticker.C:
			}
		}
	}
	return finish(PollTimedOut)
}

func (p *PaymentPoller) commit(ctx context.Context, userID int64) (time.Time, error) {
	if p.Locks != nil {
		unlock := p.Locks.Lock(userID)
		defer unlock()
	}
	until := p.now().Add(p.Duration)
	if err := p.Store.SetSubscription(ctx, userID, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (p *PaymentPoller) subscribedElsewhere(ctx context.Context, userID int64) bool {
	u, err := p.Store.GetUser(ctx, userID)
	if err != nil {
		return false
	}
	return u.SubscriptionActive(p.now())
}

// Cancel stops every running poll of userID and reports how many there were.
func (p *PaymentPoller) Cancel(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	polls := p.running[userID]
	for _, cancel := range polls {
		cancel()
	}
	delete(p.running, userID)
	return len(polls)
}

// Active returns the labels of userID's running polls in sorted order.
func (p *PaymentPoller) Active(userID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	labels := make([]string, 0, len(p.running[userID]))
	for label := range p.running[userID] {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Shutdown cancels every running poll and waits for them to exit or for ctx
// to expire. No poll can be started afterwards.
func (p *PaymentPoller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for id, polls := range p.running {
		for _, cancel := range polls {
			cancel()
		}
		delete(p.running, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("payment polls still running"), ctx.Err())
	}
}
