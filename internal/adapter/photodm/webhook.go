package photodm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"

	"unigate/internal/domain"
)

const maxWebhookBody = 1 << 20

// --- Webhook payload types ---

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Messaging []webhookMessaging `json:"messaging"`
}

type webhookMessaging struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *webhookMessage     `json:"message,omitempty"`
}

type webhookMessage struct {
	MID         string              `json:"mid"`
	Text        string              `json:"text"`
	IsEcho      bool                `json:"is_echo"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type webhookAttachment struct {
	Type string `json:"type"`
}

// WebhookHandler serves the platform's webhook: GET answers the hub
// verification challenge, POST receives signed message notifications.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			a.handleVerification(rw, r)
		case http.MethodPost:
			a.handleIncoming(rw, r)
		default:
			http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (a *Adapter) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && a.verifyToken != "" && hmac.Equal([]byte(token), []byte(a.verifyToken)) {
		a.logger.Info("photodm webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	a.logger.Warn("photodm webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (a *Adapter) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if a.appSecret != "" && !verifySignature(a.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		a.logger.Warn("photodm webhook invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		a.logger.Warn("photodm webhook bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			a.deliver(r.Context(), m)
		}
	}
	rw.WriteHeader(http.StatusOK)
}

// deliver publishes one inbound notification. Echoes of our own sends are
// skipped; they are answered through sendResult instead.
func (a *Adapter) deliver(ctx context.Context, m webhookMessaging) {
	if m.Message == nil || m.Message.MID == "" {
		return
	}
	if m.Message.IsEcho {
		a.logger.Debug("skipping echo", "mid", m.Message.MID)
		return
	}

	convID := a.conversationFor(ctx, m.Sender.ID)
	ts := time.UnixMilli(m.Timestamp)
	if m.Timestamp == 0 {
		ts = time.Time{}
	}

	a.mu.RLock()
	sender := a.recipients[convID].Username
	a.mu.RUnlock()
	if sender == "" {
		sender = m.Sender.ID
	}

	it := a.item(a.currentAccount(), convID, graphMessage{
		ID:      m.Message.MID,
		From:    graphUser{ID: m.Sender.ID, Username: sender},
		Message: m.Message.Text,
	})
	it.Timestamp = ts
	msg := a.norm.Message(domain.PhotoDM, it)

	a.logger.Info("photodm message received", "conversation", convID, "text_len", len(m.Message.Text))
	a.publish(domain.Event{Kind: domain.EventMessageReceived, Message: &msg})
}

// conversationFor maps a sender to its conversation id, asking the Graph API
// when the sender has not been seen in a listing. Falls back to the sender id.
func (a *Adapter) conversationFor(ctx context.Context, userID string) string {
	a.mu.RLock()
	convID, ok := a.byUser[userID]
	a.mu.RUnlock()
	if ok {
		return convID
	}

	if a.client.accessToken() != "" {
		var list conversationList
		err := a.client.get(ctx, "me/conversations", url.Values{
			"platform": {"instagram"},
			"user_id":  {userID},
			"fields":   {"participants"},
		}, &list)
		if err == nil && len(list.Data) > 0 {
			me := a.currentAccount()
			a.remember(me, list.Data[0])
			return list.Data[0].ID
		}
		if err != nil {
			a.logger.Warn("conversation lookup failed", "user", userID, "err", err)
		}
	}
	return userID
}

// verifySignature checks the X-Hub-Signature-256 header.
func verifySignature(secret string, body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}
