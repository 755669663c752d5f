// Package payment talks to the YooMoney wallet API: it builds Quickpay
// checkout links for a unique label and reads the operation history filtered
// by that label so a poller can detect settlement.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultAPIURL      = "https://yoo.money/api/operation-history"
	defaultQuickpayURL = "https://yoomoney.ru/quickpay/confirm.xml"

	// StatusSuccess is the operation status of a settled payment.
	StatusSuccess = "success"
)

// ErrUnauthorized is returned when the wallet token is rejected.
var ErrUnauthorized = errors.New("payment provider rejected the token")

// Operation is one wallet history entry.
type Operation struct {
	OperationID string          `json:"operation_id"`
	Status      string          `json:"status"`
	Label       string          `json:"label"`
	DateTime    time.Time       `json:"datetime"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
}

// Client is a minimal YooMoney API client.
type Client struct {
	Token       string
	Receiver    string
	APIURL      string
	QuickpayURL string
	HTTP        *http.Client
}

// NewClient returns a Client for the wallet identified by receiver.
func NewClient(token, receiver string) *Client {
	return &Client{
		Token:       token,
		Receiver:    receiver,
		APIURL:      defaultAPIURL,
		QuickpayURL: defaultQuickpayURL,
		HTTP:        &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCheckout returns a Quickpay link paying amount to the receiver wallet.
// The label is echoed back in the operation history of the resulting payment.
func (c *Client) CreateCheckout(ctx context.Context, amount decimal.Decimal, label, purpose string) (string, error) {
	if c.Receiver == "" {
		return "", errors.New("payment receiver is not configured")
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("checkout amount must be positive, got %s", amount)
	}
	u, err := url.Parse(c.QuickpayURL)
	if err != nil {
		return "", fmt.Errorf("quickpay url: %w", err)
	}
	q := url.Values{}
	q.Set("receiver", c.Receiver)
	q.Set("quickpay-form", "shop")
	q.Set("targets", purpose)
	q.Set("paymentType", "SB")
	q.Set("sum", amount.StringFixed(2))
	q.Set("label", label)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// History returns the wallet operations carrying label, most recent first.
func (c *Client) History(ctx context.Context, label string) ([]Operation, error) {
	ctx, span := otel.Tracer("payment/YooMoney").Start(ctx, "History",
		trace.WithAttributes(attribute.String("payment.label", label)),
	)
	defer span.End()

	form := url.Values{}
	form.Set("label", label)
	form.Set("records", "10")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("operation history: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("operation history: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Error      string      `json:"error"`
		Operations []Operation `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("operation history: decode: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("operation history: %s", out.Error)
	}
	span.SetAttributes(attribute.Int("payment.operations", len(out.Operations)))
	return out.Operations, nil
}
