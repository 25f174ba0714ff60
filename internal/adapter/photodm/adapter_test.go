package photodm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/chat"
	"unigate/internal/domain"
)

const testToken = "tok-ana"

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// fakeGraph serves the subset of the Graph API the adapter uses.
type fakeGraph struct {
	t        *testing.T
	failures atomic.Int32 // number of 500s to return before answering
	revoked  atomic.Bool
	sent     chan map[string]any
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		http.Error(w, `{"error":{"message":"boom","code":2}}`, http.StatusInternalServerError)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken || f.revoked.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/me":
		_, _ = io.WriteString(w, `{"id":"100","username":"ana"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/me/conversations":
		if r.URL.Query().Get("user_id") == "200" {
			_, _ = io.WriteString(w, `{"data":[{"id":"c1","participants":{"data":[{"id":"100","username":"ana"},{"id":"200","username":"bo"}]}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":[
			{"id":"c1","participants":{"data":[{"id":"100","username":"ana"},{"id":"200","username":"bo"}]},
			 "messages":{"data":[{"id":"m2","from":{"id":"100","username":"ana"},"message":"see you","created_time":"2024-05-01T10:00:00+0000"}]}},
			{"id":"c2","participants":{"data":[{"id":"100","username":"ana"},{"id":"300","username":"cy"}]},"messages":{"data":[]}}
		]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/c1":
		_, _ = io.WriteString(w, `{"id":"c1","participants":{"data":[{"id":"100","username":"ana"},{"id":"200","username":"bo"}]},
			"messages":{"data":[
				{"id":"m2","from":{"id":"100","username":"ana"},"message":"see you","created_time":"2024-05-01T10:00:00+0000"},
				{"id":"m1","from":{"id":"200","username":"bo"},"message":"","created_time":"2024-05-01T09:00:00+0000"}
			]}}`)
	case r.Method == http.MethodGet:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Unsupported get request","type":"GraphMethodException","code":100}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/me/messages":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("decode send body: %v", err)
		}
		f.sent <- body
		_, _ = io.WriteString(w, `{"recipient_id":"200","message_id":"mid.new"}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeGraph, *recordingSink) {
	t.Helper()
	fake := &fakeGraph{t: t, sent: make(chan map[string]any, 4)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a := New(Config{
		APIBase:            srv.URL,
		AppSecret:          "shh",
		VerifyToken:        "verify-me",
		RateLimitPerMinute: 6000,
		MaxRetries:         2,
		RetryBase:          time.Millisecond,
		HTTPClient:         srv.Client(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:                func() time.Time { return fixedNow },
	})
	sink := &recordingSink{}
	a.SubscribeEvents(sink)
	return a, fake, sink
}

func login(t *testing.T, a *Adapter) {
	t.Helper()
	_, err := a.Login(context.Background(), domain.Credentials{Username: "ana", Password: testToken})
	require.NoError(t, err)
}

func TestLogin(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	_, err := a.Login(context.Background(), domain.Credentials{Username: "ana"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = a.Login(context.Background(), domain.Credentials{Username: "ana", Password: "bad"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = a.Login(context.Background(), domain.Credentials{Username: "someone-else", Password: testToken})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	account, err := a.Login(context.Background(), domain.Credentials{Username: "ANA", Password: testToken})
	require.NoError(t, err)
	assert.Equal(t, domain.Account{ID: "100", Username: "ana"}, account)
}

func TestLogin_NetworkUnavailable(t *testing.T) {
	a := New(Config{
		APIBase:    "http://127.0.0.1:1",
		MaxRetries: 0,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := a.Login(context.Background(), domain.Credentials{Password: testToken})
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestListConversations(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	login(t, a)

	convs, err := a.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, "photodm:c1", convs[0].ID.String())
	assert.Equal(t, []string{"bo"}, convs[0].ParticipantNames)
	assert.Equal(t, "see you", convs[0].LastMessagePreview)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), convs[0].LastMessageTimestamp.UTC())

	assert.Equal(t, chat.NoMessagePreview, convs[1].LastMessagePreview)
	assert.Equal(t, fixedNow, convs[1].LastMessageTimestamp)
}

func TestFetchHistory(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	login(t, a)

	msgs, err := a.FetchHistory(context.Background(), domain.NewConversationID(domain.PhotoDM, "c1"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID.NativeID)
	assert.Equal(t, chat.MediaPlaceholder, msgs[0].Text)
	assert.Equal(t, domain.Inbound, msgs[0].Direction)
	assert.Equal(t, "bo", msgs[0].Sender)
	assert.Equal(t, domain.Outbound, msgs[1].Direction)

	_, err = a.FetchHistory(context.Background(), domain.NewConversationID(domain.PhotoDM, "zzz"))
	assert.ErrorIs(t, err, domain.ErrPlatformUnknown)
}

func TestFetchHistory_RetriesServerErrors(t *testing.T) {
	a, fake, _ := newTestAdapter(t)
	login(t, a)

	fake.failures.Store(2)
	msgs, err := a.FetchHistory(context.Background(), domain.NewConversationID(domain.PhotoDM, "c1"))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	fake.failures.Store(5)
	_, err = a.FetchHistory(context.Background(), domain.NewConversationID(domain.PhotoDM, "c1"))
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestRevokedTokenReportsSessionLost(t *testing.T) {
	a, fake, sink := newTestAdapter(t)
	login(t, a)
	fake.revoked.Store(true)

	_, err := a.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSessionLost, events[0].Kind)
	assert.Equal(t, domain.PhotoDM, events[0].Platform)
	assert.Contains(t, events[0].Reason, "Invalid OAuth")
}

func TestSend(t *testing.T) {
	a, fake, _ := newTestAdapter(t)
	login(t, a)

	id := domain.NewConversationID(domain.PhotoDM, "c1")
	ack, err := a.Send(context.Background(), id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "mid.new", ack.MessageID.NativeID)
	assert.Equal(t, id, ack.ConversationID)

	body := <-fake.sent
	assert.Equal(t, map[string]any{"id": "200"}, body["recipient"])
	assert.Equal(t, map[string]any{"text": "hello"}, body["message"])

	_, err = a.Send(context.Background(), domain.NewConversationID(domain.PhotoDM, "ghost"), "hello")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"instagram"}`)
	assert.True(t, verifySignature("shh", body, sign("shh", body)))
	assert.False(t, verifySignature("shh", body, sign("other", body)))
	assert.False(t, verifySignature("shh", body, ""))
	assert.False(t, verifySignature("shh", body, "md5=abc"))
}

func TestWebhook_Verification(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	h := a.WebhookHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/photodm?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/photodm?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/webhook/photodm", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_InboundMessage(t *testing.T) {
	a, _, sink := newTestAdapter(t)
	login(t, a)

	body := []byte(`{"object":"instagram","entry":[{"id":"100","time":1714557600000,"messaging":[
		{"sender":{"id":"200"},"recipient":{"id":"100"},"timestamp":1714557600000,"message":{"mid":"m9","text":"hi ana"}},
		{"sender":{"id":"100"},"recipient":{"id":"200"},"timestamp":1714557601000,"message":{"mid":"m10","text":"hi bo","is_echo":true}},
		{"sender":{"id":"200"},"recipient":{"id":"100"},"timestamp":1714557602000,"message":{"mid":"m11","attachments":[{"type":"image"}]}}
	]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/photodm", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", sign("shh", body))
	rec := httptest.NewRecorder()
	a.WebhookHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	events := sink.all()
	require.Len(t, events, 2)
	first := events[0].Message
	assert.Equal(t, domain.EventMessageReceived, events[0].Kind)
	assert.Equal(t, "photodm:c1", first.ConversationID.String())
	assert.Equal(t, "hi ana", first.Text)
	assert.Equal(t, "bo", first.Sender)
	assert.Equal(t, domain.Inbound, first.Direction)
	assert.Equal(t, int64(1714557600000), first.Timestamp.UnixMilli())
	assert.Equal(t, chat.MediaPlaceholder, events[1].Message.Text)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	a, _, sink := newTestAdapter(t)
	body := `{"object":"instagram","entry":[]}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/photodm", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	a.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook/photodm", strings.NewReader("{"))
	req.Header.Set("X-Hub-Signature-256", sign("shh", []byte("{")))
	rec = httptest.NewRecorder()
	a.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sink.all())
}
