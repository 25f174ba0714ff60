// Package memory is an in-process platform used for local demos and tests.
// It keeps threads in memory and lets callers inject inbound messages,
// pairing tokens and session changes as if a real platform emitted them.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"unigate/internal/chat"
	"unigate/internal/domain"
)

// Config configures an in-memory platform.
type Config struct {
	Platform domain.Platform
	Mode     domain.AuthMode
	// Accounts maps username to password. Empty accepts any non-empty username.
	Accounts map[string]string
	// PairDelay, when set on a pairing platform, makes Login emit a token and
	// then become ready after the delay.
	PairDelay time.Duration
	Now       func() time.Time
}

// Adapter implements domain.Adapter over in-memory threads. The exported
// error and Gate fields let tests script failures and stalls.
type Adapter struct {
	platform domain.Platform
	mode     domain.AuthMode
	accounts map[string]string
	delay    time.Duration
	norm     *chat.Normalizer
	now      func() time.Time

	mu      sync.Mutex
	threads map[string]*thread
	order   []string
	sink    domain.EventSink
	account domain.Account

	// ListErr, HistoryErr and SendErr are returned by the matching calls when set.
	ListErr    error
	HistoryErr error
	SendErr    error
	// PanicOnHistory makes FetchHistory panic.
	PanicOnHistory bool
	// Gate, when non-nil, blocks every call until it is closed or ctx ends.
	Gate chan struct{}

	Calls atomic.Int64
}

type thread struct {
	participants []string
	items        []chat.Item
}

// New creates an in-memory platform.
func New(cfg Config) *Adapter {
	if cfg.Mode == "" {
		cfg.Mode = domain.AuthCredentials
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		platform: cfg.Platform,
		mode:     cfg.Mode,
		accounts: cfg.Accounts,
		delay:    cfg.PairDelay,
		norm:     chat.NewNormalizerWithClock(cfg.Now),
		now:      cfg.Now,
		threads:  make(map[string]*thread),
	}
}

func (a *Adapter) Platform() domain.Platform { return a.platform }
func (a *Adapter) AuthMode() domain.AuthMode { return a.mode }

func (a *Adapter) SubscribeEvents(sink domain.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *Adapter) Login(ctx context.Context, creds domain.Credentials) (domain.Account, error) {
	if err := a.wait(ctx); err != nil {
		return domain.Account{}, domain.NewAuthError(domain.NetworkUnavailable, a.platform, err)
	}

	if a.mode == domain.AuthPairing {
		if a.delay > 0 {
			go a.simulatePairing()
		}
		return domain.Account{}, nil
	}

	if creds.Username == "" {
		return domain.Account{}, domain.NewAuthError(domain.InvalidCredentials, a.platform, fmt.Errorf("username required"))
	}
	if len(a.accounts) > 0 {
		if pw, ok := a.accounts[creds.Username]; !ok || pw != creds.Password {
			return domain.Account{}, domain.NewAuthError(domain.InvalidCredentials, a.platform, nil)
		}
	}
	account := domain.Account{ID: "mem-" + creds.Username, Username: creds.Username}
	a.mu.Lock()
	a.account = account
	a.mu.Unlock()
	return account, nil
}

func (a *Adapter) simulatePairing() {
	a.EmitToken(uuid.NewString())
	time.Sleep(a.delay)
	a.EmitReady(domain.Account{ID: "mem-device", Username: "device"})
}

func (a *Adapter) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := a.wait(ctx); err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnreachable, a.platform, err)
	}
	if a.ListErr != nil {
		return nil, a.ListErr
	}

	a.mu.Lock()
	threads := make([]chat.Thread, 0, len(a.order))
	for _, id := range a.order {
		t := a.threads[id]
		ct := chat.Thread{ID: id, Participants: t.participants}
		if n := len(t.items); n > 0 {
			last := t.items[n-1]
			ct.Last = &last
		}
		threads = append(threads, ct)
	}
	a.mu.Unlock()

	return a.norm.Conversations(a.platform, threads), nil
}

func (a *Adapter) FetchHistory(ctx context.Context, id domain.ConversationID) ([]domain.Message, error) {
	if err := a.wait(ctx); err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnreachable, a.platform, err)
	}
	if a.PanicOnHistory {
		panic("memory adapter: scripted history panic")
	}
	if a.HistoryErr != nil {
		return nil, a.HistoryErr
	}

	a.mu.Lock()
	t, ok := a.threads[id.NativeID]
	var items []chat.Item
	if ok {
		items = append(items, t.items...)
	}
	a.mu.Unlock()

	if !ok {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, a.platform, fmt.Errorf("no conversation %s", id))
	}
	return a.norm.History(a.platform, items), nil
}

func (a *Adapter) Send(ctx context.Context, id domain.ConversationID, text string) (domain.Ack, error) {
	if err := a.wait(ctx); err != nil {
		return domain.Ack{}, domain.NewSendError(domain.DeliveryFailed, a.platform, err)
	}
	if a.SendErr != nil {
		return domain.Ack{}, a.SendErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.threads[id.NativeID]
	if !ok {
		return domain.Ack{}, domain.NewSendError(domain.ConversationNotFound, a.platform, fmt.Errorf("no conversation %s", id))
	}
	it := chat.Item{
		ID:        uuid.NewString(),
		ThreadID:  id.NativeID,
		Sender:    a.account.Username,
		Text:      &text,
		Timestamp: a.now(),
		FromMe:    true,
	}
	t.items = append(t.items, it)
	return domain.Ack{
		MessageID:      domain.MessageID{Platform: a.platform, NativeID: it.ID},
		ConversationID: id,
		Timestamp:      it.Timestamp,
	}, nil
}

// AddThread creates an empty thread.
func (a *Adapter) AddThread(id string, participants ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureThread(id, participants)
}

// AddItem appends an item to a thread without emitting an event.
func (a *Adapter) AddItem(it chat.Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.ensureThread(it.ThreadID, nil)
	t.items = append(t.items, it)
}

// Deliver records an inbound item and emits MessageReceived.
func (a *Adapter) Deliver(it chat.Item) {
	a.AddItem(it)
	msg := a.norm.Message(a.platform, it)
	a.publish(domain.Event{Kind: domain.EventMessageReceived, Message: &msg})
}

// EmitToken emits a pairing token refresh.
func (a *Adapter) EmitToken(code string) {
	a.publish(domain.Event{Kind: domain.EventPairingTokenRefreshed, Token: &domain.PairingToken{Code: code}})
}

// EmitReady emits session readiness.
func (a *Adapter) EmitReady(account domain.Account) {
	a.mu.Lock()
	a.account = account
	a.mu.Unlock()
	a.publish(domain.Event{Kind: domain.EventSessionReady, Account: &account})
}

// EmitLost emits session loss.
func (a *Adapter) EmitLost(reason string) {
	a.publish(domain.Event{Kind: domain.EventSessionLost, Reason: reason})
}

func (a *Adapter) publish(e domain.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return
	}
	e.Platform = a.platform
	e.Timestamp = a.now()
	sink.Publish(e)
}

// ensureThread must be called with mu held.
func (a *Adapter) ensureThread(id string, participants []string) *thread {
	t, ok := a.threads[id]
	if !ok {
		t = &thread{}
		a.threads[id] = t
		a.order = append(a.order, id)
	}
	if len(participants) > 0 {
		t.participants = participants
	}
	return t
}

func (a *Adapter) wait(ctx context.Context) error {
	a.Calls.Add(1)
	if a.Gate == nil {
		return nil
	}
	select {
	case <-a.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ domain.Adapter = (*Adapter)(nil)
