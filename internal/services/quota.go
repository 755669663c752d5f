package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// Debit kinds, used as the metric label.
const (
	DebitChat  = "chat"
	DebitVoice = "voice"
)

var sixty = decimal.NewFromInt(60)

// Balance is a quota snapshot after a possible daily reset.
type Balance struct {
	Used       int64
	Available  int64 // limit - used; negative once the limit is overdrawn
	Subscribed bool  // subscription active at the time of the check
	Until      time.Time
}

// Allowed reports whether the user may be served: budget left or an active
// subscription.
func (b Balance) Allowed() bool { return b.Available > 0 || b.Subscribed }

// QuotaMeter keeps the daily token budget.
type QuotaMeter struct {
	Store      Store
	DailyLimit int64

	// Prices normalize voice minutes into tokens.
	PricePer1000Tokens  decimal.Decimal
	VoicePricePerMinute decimal.Decimal

	Now func() time.Time
}

func (q *QuotaMeter) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now().UTC()
}

// CheckAndMaybeReset zeroes the budget when at least one full day has passed
// since the last reset, then returns the balance. u is updated in place.
func (q *QuotaMeter) CheckAndMaybeReset(ctx context.Context, u *domain.User) (Balance, error) {
	now := q.now()
	if now.Sub(u.LastUpdateTokens) >= 24*time.Hour {
		if err := q.Store.ResetQuota(ctx, u.ID, now); err != nil {
			return Balance{}, fmt.Errorf("reset quota for user %d: %w", u.ID, err)
		}
		u.NUsedTokens = 0
		u.LastUpdateTokens = now
	}
	return Balance{
		Used:       u.NUsedTokens,
		Available:  q.DailyLimit - u.NUsedTokens,
		Subscribed: u.SubscriptionActive(now),
		Until:      u.SubscribeUntil,
	}, nil
}

// Debit adds cost to the user's usage. Negative costs count as zero; the
// total may exceed the daily limit.
func (q *QuotaMeter) Debit(ctx context.Context, userID int64, cost int64, kind string) error {
	if cost <= 0 {
		return nil
	}
	if err := q.Store.AddUsedTokens(ctx, userID, cost); err != nil {
		return fmt.Errorf("debit user %d: %w", userID, err)
	}
	tokensDebited.WithLabelValues(kind).Add(float64(cost))
	return nil
}

// VoiceCost converts a voice duration into tokens:
// seconds * pricePerMinute / 60 / (pricePer1000Tokens / 1000), truncated.
func (q *QuotaMeter) VoiceCost(seconds int) int64 {
	if seconds <= 0 || !q.PricePer1000Tokens.IsPositive() {
		return 0
	}
	dollars := decimal.NewFromInt(int64(seconds)).Mul(q.VoicePricePerMinute).Div(sixty)
	perToken := q.PricePer1000Tokens.Div(decimal.NewFromInt(1000))
	return dollars.Div(perToken).IntPart()
}
