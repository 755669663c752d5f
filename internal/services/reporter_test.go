package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
)

func TestReport_SendsEscapedDumpToOperator(t *testing.T) {
	p := newFakePlatform()
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 4000), OperatorChatID: operatorID}

	ev := Event{UpdateID: 11, ChatID: testChatID, Text: "<script>"}
	r.Report(context.Background(), ev, errors.New("db <down>"), []byte("goroutine 1"))

	sent := p.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	m := sent[0]
	if m.ChatID != operatorID || m.Mode != domain.RenderHTML {
		t.Fatalf("message = %+v", m)
	}
	for _, want := range []string{"&lt;script&gt;", "db &lt;down&gt;", "goroutine 1", "<pre>"} {
		if !strings.Contains(m.Text, want) {
			t.Fatalf("report missing %q:\n%s", want, m.Text)
		}
	}
}

func TestReport_FallsBackToEventChat(t *testing.T) {
	p := newFakePlatform()
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 4000)}

	r.Report(context.Background(), Event{ChatID: testChatID}, errors.New("x"), nil)

	if sent := p.messages(); len(sent) != 1 || sent[0].ChatID != testChatID {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestReport_ChunksLongDumps(t *testing.T) {
	p := newFakePlatform()
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 100), OperatorChatID: operatorID}

	r.Report(context.Background(), Event{ChatID: 1}, errors.New(strings.Repeat("e", 350)), nil)

	if sent := p.messages(); len(sent) < 4 {
		t.Fatalf("expected chunked report, got %d messages", len(sent))
	}
}

func TestReport_DegradesToStaticNotice(t *testing.T) {
	p := newFakePlatform()
	p.sendErr = func(m reply.Message) error {
		if m.Text == textReporterFault {
			return nil
		}
		return errors.New("forbidden")
	}
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 4000), OperatorChatID: operatorID}

	r.Report(context.Background(), Event{ChatID: 1}, errors.New("x"), nil)

	if texts := p.texts(); len(texts) != 1 || texts[0] != textReporterFault {
		t.Fatalf("texts = %q", texts)
	}
}

func TestReport_NeverPanics(t *testing.T) {
	p := newFakePlatform()
	p.sendErr = func(reply.Message) error { panic("transport bug") }
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 4000), OperatorChatID: operatorID}

	r.Report(context.Background(), Event{ChatID: 1}, errors.New("x"), nil)
}

func TestReport_NoDestination(t *testing.T) {
	p := newFakePlatform()
	r := &ErrorReporter{Replies: reply.NewDispatcher(p, 4000)}
	r.Report(context.Background(), Event{}, errors.New("x"), nil)
	if len(p.messages()) != 0 {
		t.Fatalf("nothing should be sent without a chat")
	}
}
