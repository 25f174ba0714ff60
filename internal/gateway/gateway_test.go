package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/adapter/memory"
	"unigate/internal/bus"
	"unigate/internal/chat"
	"unigate/internal/connection"
	"unigate/internal/domain"
	"unigate/internal/protocol"
	"unigate/internal/session"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	gw       *Gateway
	queue    *bus.InMemoryBus
	conns    *connection.Manager
	registry *session.Registry
	hooks    *bus.EventBus
	photo    *memory.Adapter
	personal *memory.Adapter
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()
	clock := func() time.Time { return base }

	q := bus.New(64, logger)
	photo := memory.New(memory.Config{
		Platform: domain.PhotoDM,
		Accounts: map[string]string{"ana": "secret"},
		Now:      clock,
	})
	personal := memory.New(memory.Config{Platform: domain.PersonalChat, Mode: domain.AuthPairing, Now: clock})
	photo.SubscribeEvents(q)
	personal.SubscribeEvents(q)

	reg := session.NewRegistry(session.Config{Adapters: []domain.Adapter{photo, personal}, Logger: logger})
	conns := connection.NewManager(connection.Config{BufferSize: 16, DeliverTimeout: 50 * time.Millisecond, Logger: logger})
	hooks := bus.NewEventBus(logger)
	gw := New(Config{Registry: reg, Connections: conns, Queue: q, Hooks: hooks, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{gw: gw, queue: q, conns: conns, registry: reg, hooks: hooks, photo: photo, personal: personal}
}

func (h *harness) loginPhoto(t *testing.T) {
	t.Helper()
	_, err := h.gw.Login(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	require.NoError(t, err)
}

func (h *harness) pairPersonal(t *testing.T) {
	t.Helper()
	_, err := h.gw.Login(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)
	h.personal.EmitToken("qr")
	h.personal.EmitReady(domain.Account{ID: "4915@s.whatsapp.net"})
	require.Eventually(t, func() bool {
		return h.registry.Status(domain.PersonalChat).IsAuthenticated()
	}, 2*time.Second, 5*time.Millisecond)
}

func text(s string) *string { return &s }

func nextFrame(t *testing.T, c *connection.Connection) protocol.Event {
	t.Helper()
	select {
	case f := <-c.Events():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return protocol.Event{}
	}
}

func assertNoFrame(t *testing.T, c *connection.Connection) {
	t.Helper()
	select {
	case f := <-c.Events():
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListAll_UnauthenticatedPlatformOmitted(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.photo.AddItem(chat.Item{ID: "m1", ThreadID: "t1", Sender: "bo", Text: text("hey"), Timestamp: base.Add(-time.Minute)})
	h.personal.AddItem(chat.Item{ID: "x", ThreadID: "p1", Text: text("hidden"), Timestamp: base})

	merged := h.gw.ListAllConversations(context.Background())

	require.Len(t, merged.Conversations, 1)
	assert.Equal(t, "photodm:t1", merged.Conversations[0].ID.String())
	assert.Equal(t, "hey", merged.Conversations[0].LastMessagePreview)
	assert.Equal(t, map[domain.Platform]chat.PlatformStatus{
		domain.PhotoDM:      {State: chat.StatusOK},
		domain.PersonalChat: {State: string(domain.Unauthenticated)},
	}, merged.PlatformStatus)
	assert.Zero(t, h.personal.Calls.Load())
}

func TestListAll_FailedPlatformOmitted(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.pairPersonal(t)
	h.photo.AddThread("t1", "bo")

	h.personal.EmitLost("logged out from phone")
	require.Eventually(t, func() bool {
		return h.registry.Status(domain.PersonalChat).Phase == domain.Failed
	}, 2*time.Second, 5*time.Millisecond)

	merged := h.gw.ListAllConversations(context.Background())
	require.Len(t, merged.Conversations, 1)
	assert.Equal(t, domain.PhotoDM, merged.Conversations[0].Platform)
	assert.Equal(t, string(domain.Failed), merged.PlatformStatus[domain.PersonalChat].State)
}

func TestListAll_FetchErrorIsolated(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.pairPersonal(t)
	h.personal.AddItem(chat.Item{ID: "w1", ThreadID: "p1", Text: text("yo"), Timestamp: base})
	h.photo.ListErr = domain.NewPlatformError(domain.PlatformRateLimited, domain.PhotoDM, errors.New("slow down"))

	merged := h.gw.ListAllConversations(context.Background())
	require.Len(t, merged.Conversations, 1)
	assert.Equal(t, "personalchat:p1", merged.Conversations[0].ID.String())
	assert.Equal(t, chat.PlatformStatus{State: chat.StatusError, Error: "platform.rate_limited"},
		merged.PlatformStatus[domain.PhotoDM])
	assert.Equal(t, chat.StatusOK, merged.PlatformStatus[domain.PersonalChat].State)
}

func TestListAll_MergedOrdering(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.pairPersonal(t)

	h.photo.AddItem(chat.Item{ID: "1", ThreadID: "b", Text: text("b"), Timestamp: base})
	h.photo.AddItem(chat.Item{ID: "2", ThreadID: "a", Text: text("a"), Timestamp: base})
	h.photo.AddItem(chat.Item{ID: "3", ThreadID: "old", Text: text("old"), Timestamp: base.Add(-time.Hour)})
	h.personal.AddItem(chat.Item{ID: "4", ThreadID: "a", Text: text("pa"), Timestamp: base})
	h.personal.AddItem(chat.Item{ID: "5", ThreadID: "new", Text: text("new"), Timestamp: base.Add(time.Hour)})

	var ids []string
	for _, c := range h.gw.ListAllConversations(context.Background()).Conversations {
		ids = append(ids, c.ID.String())
	}
	assert.Equal(t, []string{"personalchat:new", "photodm:a", "photodm:b", "personalchat:a", "photodm:old"}, ids)
}

func TestSend_UnknownConversationNoBroadcast(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	c := h.conns.Connect("test")
	_, err := h.conns.Subscribe(c.ID, true)
	require.NoError(t, err)

	_, err = h.gw.SendMessage(context.Background(), domain.PhotoDM, domain.NewConversationID(domain.PhotoDM, "nope"), "hello")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	assertNoFrame(t, c)
	assert.Equal(t, 0, h.queue.Len())
}

func TestSend_Success(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.photo.AddThread("t1", "bo")
	id := domain.NewConversationID(domain.PhotoDM, "t1")

	ack, err := h.gw.SendMessage(context.Background(), domain.PhotoDM, id, "hello")
	require.NoError(t, err)
	assert.Equal(t, id, ack.ConversationID)
	assert.Equal(t, base, ack.Timestamp)

	msgs, err := h.gw.FetchHistory(context.Background(), domain.PhotoDM, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.Outbound, msgs[0].Direction)
}

func TestSend_Rejections(t *testing.T) {
	h := newHarness(t)
	id := domain.NewConversationID(domain.PhotoDM, "t1")

	_, err := h.gw.SendMessage(context.Background(), domain.PhotoDM, id, "hello")
	assert.ErrorIs(t, err, domain.ErrSendUnauthenticated)

	h.loginPhoto(t)
	h.photo.AddThread("t1")
	_, err = h.gw.SendMessage(context.Background(), domain.PhotoDM, id, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)

	_, err = h.gw.SendMessage(context.Background(), domain.PersonalChat, id, "hello")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	h.photo.SendErr = errors.New("socket closed")
	_, err = h.gw.SendMessage(context.Background(), domain.PhotoDM, id, "hello")
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
}

func TestFetchHistory_UnauthenticatedRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.FetchHistory(context.Background(), domain.PhotoDM, domain.NewConversationID(domain.PhotoDM, "t1"))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Zero(t, h.photo.Calls.Load())
}

func TestFetchHistory_OtherPlatformFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.pairPersonal(t)
	h.photo.AddThread("t1")
	h.photo.PanicOnHistory = true
	h.personal.AddItem(chat.Item{ID: "b", ThreadID: "p1", Text: text("second"), Timestamp: base.Add(time.Second)})
	h.personal.AddItem(chat.Item{ID: "a", ThreadID: "p1", Text: nil, Timestamp: base})

	var wg sync.WaitGroup
	var photoErr error
	var msgs []domain.Message
	var personalErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, photoErr = h.gw.FetchHistory(context.Background(), domain.PhotoDM, domain.NewConversationID(domain.PhotoDM, "t1"))
	}()
	go func() {
		defer wg.Done()
		msgs, personalErr = h.gw.FetchHistory(context.Background(), domain.PersonalChat, domain.NewConversationID(domain.PersonalChat, "p1"))
	}()
	wg.Wait()

	assert.ErrorIs(t, photoErr, domain.ErrPlatformUnknown)
	require.NoError(t, personalErr)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.MediaPlaceholder, msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
}

func TestRouter_LatestPairingTokenForNewConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.Login(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)

	h.personal.EmitToken("qr-1")
	h.personal.EmitToken("qr-2")
	require.Eventually(t, func() bool {
		f, ok := h.conns.PendingPairing(domain.PersonalChat)
		return ok && f.Token.Code == "qr-2"
	}, 2*time.Second, 5*time.Millisecond)

	c := h.conns.Connect("late")
	f := nextFrame(t, c)
	assert.Equal(t, protocol.EvtPairingTokenRefreshed, f.Type)
	assert.Equal(t, "qr-2", f.Token.Code)
	assertNoFrame(t, c)
	assert.Equal(t, "qr-2", h.registry.Status(domain.PersonalChat).Pairing.Code)
}

func TestRouter_MessagesReachSubscribersInOrder(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	sub := h.conns.Connect("sub")
	_, _ = h.conns.Subscribe(sub.ID, false, domain.PhotoDM)
	other := h.conns.Connect("other")
	_, _ = h.conns.Subscribe(other.ID, false, domain.PersonalChat)

	for _, id := range []string{"m1", "m2", "m3"} {
		h.photo.Deliver(chat.Item{ID: id, ThreadID: "t1", Sender: "bo", Text: text(id), Timestamp: base})
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		f := nextFrame(t, sub)
		require.Equal(t, protocol.EvtMessageReceived, f.Type)
		assert.Equal(t, want, f.Message.Text)
		assert.Equal(t, domain.Inbound, f.Message.Direction)
	}
	assertNoFrame(t, other)
}

func TestRouter_DropsMessagesForUnauthenticatedPlatform(t *testing.T) {
	h := newHarness(t)
	c := h.conns.Connect("sub")
	_, _ = h.conns.Subscribe(c.ID, true)

	h.photo.Deliver(chat.Item{ID: "m1", ThreadID: "t1", Text: text("early"), Timestamp: base})
	assertNoFrame(t, c)
}

func TestRouter_SessionLostBroadcastAndGate(t *testing.T) {
	h := newHarness(t)
	h.loginPhoto(t)
	h.photo.AddThread("t1")
	c := h.conns.Connect("viewer")

	var hooked []domain.EventKind
	var mu sync.Mutex
	h.hooks.On(bus.Wildcard, func(e domain.Event) {
		mu.Lock()
		hooked = append(hooked, e.Kind)
		mu.Unlock()
	})

	h.photo.EmitLost("token expired")
	f := nextFrame(t, c)
	assert.Equal(t, protocol.EvtSessionLost, f.Type)
	assert.Equal(t, "token expired", f.Reason)

	_, err := h.gw.FetchHistory(context.Background(), domain.PhotoDM, domain.NewConversationID(domain.PhotoDM, "t1"))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	// A second loss for a platform that is already Failed is not broadcast.
	h.photo.EmitLost("again")
	assertNoFrame(t, c)

	mu.Lock()
	assert.Equal(t, []domain.EventKind{domain.EventSessionLost}, hooked)
	mu.Unlock()

	assert.True(t, h.gw.Reset(domain.PhotoDM))
	assert.Equal(t, domain.Unauthenticated, h.gw.PlatformStatus(domain.PhotoDM).Phase)
}

func TestRouter_PairingExpiredCarriesErrorCode(t *testing.T) {
	h := newHarness(t)
	c := h.conns.Connect("viewer")
	_, err := h.gw.Login(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)

	h.queue.Publish(domain.Event{
		Kind:     domain.EventSessionLost,
		Platform: domain.PersonalChat,
		Reason:   "pairing expired",
		Err:      domain.NewAuthError(domain.PairingExpired, domain.PersonalChat, nil),
	})

	f := nextFrame(t, c)
	assert.Equal(t, protocol.EvtSessionLost, f.Type)
	assert.Equal(t, "pairing expired", f.Reason)
	require.NotNil(t, f.Error)
	assert.Equal(t, "auth.pairing_expired", f.Error.Code)

	st := h.gw.PlatformStatus(domain.PersonalChat)
	assert.Equal(t, domain.Failed, st.Phase)
	assert.Equal(t, "auth.pairing_expired", st.Code)

	// A ready arriving after the expiry is dropped.
	h.personal.EmitReady(domain.Account{ID: "late"})
	assertNoFrame(t, c)
	assert.Equal(t, domain.Failed, h.gw.PlatformStatus(domain.PersonalChat).Phase)
}

func TestRouter_StopsWhenQueueClosed(t *testing.T) {
	logger := quietLogger()
	q := bus.New(4, logger)
	gw := New(Config{
		Registry:    session.NewRegistry(session.Config{Logger: logger}),
		Connections: connection.NewManager(connection.Config{Logger: logger}),
		Queue:       q,
		Logger:      logger,
	})
	done := make(chan struct{})
	go func() {
		gw.Run(context.Background())
		close(done)
	}()
	q.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
}
