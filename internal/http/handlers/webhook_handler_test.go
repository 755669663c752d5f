package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/gpt-subscription-bot/internal/repo"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[int64]time.Time
	err  error
	ttls []time.Duration
}

func (d *memDedup) MarkUpdateProcessed(_ context.Context, id int64, now time.Time, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ttls = append(d.ttls, ttl)
	if d.err != nil {
		return d.err
	}
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return repo.ErrDuplicate
	}
	d.seen[id] = now.Add(ttl)
	return nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
}

func (r *recordingDispatcher) Dispatch(_ context.Context, u tgbotapi.Update) bool {
	if u.Message == nil && u.CallbackQuery == nil && u.EditedMessage == nil {
		return false
	}
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return true
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newWebhookRouter(d UpdateDeduper, disp UpdateDispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(nil, d, disp)
	h.DedupTTL = time.Hour
	h.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := gin.New()
	r.POST("/telegram/webhook/:secret", h.Webhook)
	return r
}

func postUpdate(r *gin.Engine, body string) (*httptest.ResponseRecorder, WebhookAck) {
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook/s3cret", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var ack WebhookAck
	_ = json.Unmarshal(w.Body.Bytes(), &ack)
	return w, ack
}

const textUpdate = `{"update_id":1001,"message":{"message_id":5,"date":1709294400,` +
	`"from":{"id":42,"is_bot":false,"first_name":"Ann","username":"ann"},` +
	`"chat":{"id":4200,"type":"private"},"text":"hello"}}`

func TestWebhook_DispatchesOnceAndAcksRedelivery(t *testing.T) {
	dedup := &memDedup{seen: map[int64]time.Time{}}
	disp := &recordingDispatcher{}
	r := newWebhookRouter(dedup, disp)

	w, ack := postUpdate(r, textUpdate)
	if w.Code != http.StatusOK || !ack.OK || ack.Duplicate {
		t.Fatalf("first delivery: code=%d ack=%+v", w.Code, ack)
	}
	w, ack = postUpdate(r, textUpdate)
	if w.Code != http.StatusOK || !ack.Duplicate {
		t.Fatalf("redelivery: code=%d ack=%+v", w.Code, ack)
	}
	if got := disp.count(); got != 1 {
		t.Fatalf("dispatched %d times; want 1", got)
	}
	if disp.updates[0].Message.Text != "hello" || disp.updates[0].Message.From.ID != 42 {
		t.Fatalf("decoded update mismatch: %+v", disp.updates[0].Message)
	}
	if dedup.ttls[0] != time.Hour {
		t.Fatalf("ttl = %v", dedup.ttls[0])
	}
}

func TestWebhook_DedupFailureStillDispatches(t *testing.T) {
	dedup := &memDedup{seen: map[int64]time.Time{}, err: errors.New("db down")}
	disp := &recordingDispatcher{}
	r := newWebhookRouter(dedup, disp)

	if w, ack := postUpdate(r, textUpdate); w.Code != http.StatusOK || !ack.OK {
		t.Fatalf("code=%d ack=%+v", w.Code, ack)
	}
	if disp.count() != 1 {
		t.Fatalf("update dropped on dedup failure")
	}
}

func TestWebhook_IgnoredAndMalformed(t *testing.T) {
	disp := &recordingDispatcher{}
	r := newWebhookRouter(nil, disp)

	w, ack := postUpdate(r, `{"update_id":7,"channel_post":{"message_id":1,"date":1,"chat":{"id":-1,"type":"channel"}}}`)
	if w.Code != http.StatusOK || !ack.Ignored {
		t.Fatalf("unsupported update: code=%d ack=%+v", w.Code, ack)
	}

	w, _ = postUpdate(r, `{"update_id":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeBadRequest {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
	if disp.count() != 0 {
		t.Fatalf("nothing should be dispatched")
	}
}
