package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/payment"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
)

// ---------- clock ----------

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ---------- store ----------

type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]domain.User
	dialogs  map[string]domain.Dialog
	messages map[string][]domain.DialogMessage
	seq      int
	msgSeq   uint64

	subscribeErrs  int // SetSubscription fails this many times first
	subscribeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[int64]domain.User{},
		dialogs:  map[string]domain.Dialog{},
		messages: map[string][]domain.DialogMessage{},
	}
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &u, nil
}

func (s *fakeStore) CreateUser(_ context.Context, u *domain.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return false, nil
	}
	s.users[u.ID] = *u
	return true, nil
}

func (s *fakeStore) update(id int64, fn func(u *domain.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	fn(&u)
	s.users[id] = u
	return nil
}

func (s *fakeStore) SetLastInteraction(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(u *domain.User) { u.LastInteraction = at })
}

func (s *fakeStore) ResetQuota(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(u *domain.User) {
		u.NUsedTokens = 0
		u.LastUpdateTokens = at
	})
}

func (s *fakeStore) AddUsedTokens(_ context.Context, id int64, amount int64) error {
	return s.update(id, func(u *domain.User) { u.NUsedTokens += amount })
}

func (s *fakeStore) SetChatMode(_ context.Context, id int64, mode domain.ChatModeID) error {
	return s.update(id, func(u *domain.User) { u.CurrentChatMode = mode })
}

func (s *fakeStore) SetSubscription(_ context.Context, id int64, until time.Time) error {
	s.mu.Lock()
	s.subscribeCalls++
	if s.subscribeErrs > 0 {
		s.subscribeErrs--
		s.mu.Unlock()
		return errors.New("db unavailable")
	}
	s.mu.Unlock()
	return s.update(id, func(u *domain.User) {
		u.IsSubscribed = true
		u.SubscribeUntil = until
	})
}

func (s *fakeStore) StartDialog(_ context.Context, userID int64, mode domain.ChatModeID, at time.Time) (*domain.Dialog, error) {
	s.mu.Lock()
	s.seq++
	d := domain.Dialog{ID: fmt.Sprintf("dlg-%d", s.seq), UserID: userID, ChatMode: mode, CreatedAt: at, UpdatedAt: at}
	s.dialogs[d.ID] = d
	s.mu.Unlock()
	if err := s.update(userID, func(u *domain.User) { u.CurrentDialogID = d.ID }); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *fakeStore) GetDialog(_ context.Context, id string) (*domain.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &d, nil
}

func (s *fakeStore) DialogMessages(_ context.Context, dialogID string) ([]domain.DialogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DialogMessage(nil), s.messages[dialogID]...), nil
}

func (s *fakeStore) AppendDialogMessage(_ context.Context, m *domain.DialogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSeq++
	m.ID = s.msgSeq
	s.messages[m.DialogID] = append(s.messages[m.DialogID], *m)
	return nil
}

func (s *fakeStore) TrimDialogFront(_ context.Context, dialogID string, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[dialogID]
	if n > len(msgs) {
		n = len(msgs)
	}
	s.messages[dialogID] = append([]domain.DialogMessage(nil), msgs[n:]...)
	return int64(n), nil
}

func (s *fakeStore) PopDialogMessage(_ context.Context, dialogID string) (*domain.DialogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[dialogID]
	if len(msgs) == 0 {
		return nil, repo.ErrNotFound
	}
	last := msgs[len(msgs)-1]
	s.messages[dialogID] = msgs[:len(msgs)-1]
	return &last, nil
}

func (s *fakeStore) putUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *fakeStore) user(t *testing.T, id int64) domain.User {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		t.Fatalf("user %d not stored", id)
	}
	return u
}

func (s *fakeStore) messagesOf(dialogID string) []domain.DialogMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DialogMessage(nil), s.messages[dialogID]...)
}

func (s *fakeStore) dialogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

// ---------- platform ----------

type fakePlatform struct {
	mu       sync.Mutex
	sent     []reply.Message
	typing   int
	answered []string

	member    bool
	memberErr error
	files     map[string]string
	sendErr   func(m reply.Message) error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{member: true, files: map[string]string{}}
}

func (p *fakePlatform) Send(_ context.Context, m reply.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		if err := p.sendErr(m); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePlatform) SendTyping(context.Context, int64) error {
	p.mu.Lock()
	p.typing++
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) AnswerCallback(_ context.Context, id, _ string) error {
	p.mu.Lock()
	p.answered = append(p.answered, id)
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) IsChannelMember(context.Context, string, int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.member, p.memberErr
}

func (p *fakePlatform) DownloadFile(_ context.Context, fileID string) (io.ReadCloser, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.files[fileID]
	if !ok {
		return nil, "", errors.New("file not found")
	}
	return io.NopCloser(strings.NewReader(body)), fileID + ".oga", nil
}

func (p *fakePlatform) messages() []reply.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]reply.Message(nil), p.sent...)
}

func (p *fakePlatform) texts() []string {
	var out []string
	for _, m := range p.messages() {
		out = append(out, m.Text)
	}
	return out
}

// ---------- model ----------

type modelCall struct {
	message string
	history int
	mode    domain.ChatModeID
}

type fakeModel struct {
	mu      sync.Mutex
	calls   []modelCall
	answer  string
	cost    int64
	removed int
	err     error
	panics  bool

	transcript    string
	transcribed   []string
	transcribeErr error
}

func (m *fakeModel) Send(_ context.Context, message string, history []domain.DialogMessage, mode domain.ChatMode) (string, int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panics {
		panic("model exploded")
	}
	m.calls = append(m.calls, modelCall{message: message, history: len(history), mode: mode.ID})
	if m.err != nil {
		return "", 0, 0, m.err
	}
	return m.answer, m.cost, m.removed, nil
}

func (m *fakeModel) Transcribe(_ context.Context, audio io.Reader, _ string) (string, error) {
	b, _ := io.ReadAll(audio)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcribed = append(m.transcribed, string(b))
	return m.transcript, m.transcribeErr
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ---------- payment provider ----------

type fakeProvider struct {
	calls     atomic.Int64
	checkouts atomic.Int64
	history   func(attempt int) ([]payment.Operation, error)
	// byLabel, when set, answers History instead of history.
	byLabel func(label string) ([]payment.Operation, error)
}

func (p *fakeProvider) CreateCheckout(_ context.Context, amount decimal.Decimal, label, _ string) (string, error) {
	p.checkouts.Add(1)
	return "https://pay.example/checkout?label=" + label + "&sum=" + amount.StringFixed(2), nil
}

func (p *fakeProvider) History(_ context.Context, label string) ([]payment.Operation, error) {
	n := int(p.calls.Add(1))
	if p.byLabel != nil {
		return p.byLabel(label)
	}
	if p.history == nil {
		return nil, nil
	}
	return p.history(n)
}

func successOn(attempt int) func(int) ([]payment.Operation, error) {
	return func(n int) ([]payment.Operation, error) {
		if n < attempt {
			return nil, nil
		}
		return []payment.Operation{{OperationID: "op-1", Status: payment.StatusSuccess}}, nil
	}
}

// ---------- engine fixture ----------

const (
	testUserID = int64(42)
	testChatID = int64(4200)
	operatorID = int64(-100500)
)

func testModes(t *testing.T) *domain.ChatModeCatalog {
	t.Helper()
	c, err := domain.NewChatModeCatalog([]domain.ChatMode{
		{ID: "assistant", Name: "Ассистент", WelcomeMessage: "Привет, я ассистент", SystemPrompt: "You are helpful.", RenderMode: domain.RenderHTML},
		{ID: "code_assistant", Name: "Программист", WelcomeMessage: "Пишу код", SystemPrompt: "You write code.", RenderMode: domain.RenderMarkdown},
	}, "assistant")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

type fixture struct {
	engine   *Engine
	store    *fakeStore
	platform *fakePlatform
	model    *fakeModel
	provider *fakeProvider
	clock    *testClock
}

func newFixture(t *testing.T, mutate ...func(*EngineConfig)) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		platform: newFakePlatform(),
		model:    &fakeModel{answer: "ответ", cost: 120},
		provider: &fakeProvider{},
		clock:    newClock(),
	}
	cfg := EngineConfig{
		Store:                f.store,
		Platform:             f.platform,
		Model:                f.model,
		Payments:             f.provider,
		Modes:                testModes(t),
		OperatorChatID:       operatorID,
		DailyLimit:           5000,
		IdleTimeout:          10 * time.Minute,
		PricePer1000Tokens:   decimal.RequireFromString("0.002"),
		VoicePricePerMinute:  decimal.RequireFromString("0.006"),
		SubscriptionPrice:    decimal.NewFromInt(249),
		SubscriptionDuration: 4 * 7 * 24 * time.Hour,
		PaymentPurpose:       "Подписка",
		PollInterval:         0,
		PollAttempts:         5,
		ChunkSize:            4000,
		Now:                  f.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.engine = NewEngine(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) textEvent(text string) Event {
	return Event{
		UpdateID:  1,
		Kind:      EventText,
		From:      PlatformUser{ID: testUserID, Username: "alice", FirstName: "Alice"},
		ChatID:    testChatID,
		MessageID: 7,
		Text:      text,
	}
}

func (f *fixture) command(cmd string) Event {
	ev := f.textEvent("/" + cmd)
	ev.Kind = EventCommand
	ev.Command = cmd
	return ev
}

func (f *fixture) callback(data string) Event {
	ev := f.textEvent("")
	ev.Kind = EventCallback
	ev.Callback = &Callback{ID: "cb-1", Data: data, MessageID: 99}
	return ev
}

// seedUser stores a registered user with a current, empty dialog.
func (f *fixture) seedUser(t *testing.T, mutate func(u *domain.User)) domain.User {
	t.Helper()
	now := f.clock.Now()
	u := domain.User{
		ID:               testUserID,
		ChatID:           testChatID,
		Username:         "alice",
		CurrentChatMode:  "assistant",
		LastInteraction:  now,
		LastUpdateTokens: now,
	}
	if mutate != nil {
		mutate(&u)
	}
	f.store.putUser(u)
	if _, err := f.store.StartDialog(context.Background(), u.ID, u.CurrentChatMode, now); err != nil {
		t.Fatalf("start dialog: %v", err)
	}
	return f.store.user(t, u.ID)
}

func (f *fixture) sentTo(chatID int64) []reply.Message {
	var out []reply.Message
	for _, m := range f.platform.messages() {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}
