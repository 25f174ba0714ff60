// Package personalchat connects the personal-device chat platform through
// whatsmeow. Login is by QR pairing: tokens and readiness arrive as events.
// The SDK has no history API, so chats and messages seen by this process are
// kept in an in-memory SQLite cache.
package personalchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"unigate/internal/chat"
	"unigate/internal/domain"
)

// ReasonPairingExpired is the session-lost reason when nobody scans in time.
const ReasonPairingExpired = "pairing expired"

// Config configures the personal-chat adapter.
type Config struct {
	Client Client
	Cache  *Cache
	QRSize int
	Logger *slog.Logger
	Now    func() time.Time
}

// Adapter implements domain.Adapter over a whatsmeow client. Direction is
// taken from the SDK's from-me flag.
type Adapter struct {
	client Client
	cache  *Cache
	qrSize int
	norm   *chat.Normalizer
	now    func() time.Time
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sink      domain.EventSink
	pairing   bool
	connected bool
}

// New creates the adapter and registers its SDK event handler.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		client: cfg.Client,
		cache:  cfg.Cache,
		qrSize: cfg.QRSize,
		norm:   chat.NewNormalizerWithClock(cfg.Now),
		now:    cfg.Now,
		logger: cfg.Logger.With("platform", domain.PersonalChat),
		ctx:    ctx,
		cancel: cancel,
	}
	a.client.AddEventHandler(a.handleEvent)
	return a
}

func (a *Adapter) Platform() domain.Platform { return domain.PersonalChat }
func (a *Adapter) AuthMode() domain.AuthMode { return domain.AuthPairing }

func (a *Adapter) SubscribeEvents(sink domain.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Login starts pairing and returns at once; the pairing token and readiness
// are published as events. A device that is already paired just connects.
func (a *Adapter) Login(ctx context.Context, _ domain.Credentials) (domain.Account, error) {
	a.mu.Lock()
	if a.pairing || a.connected {
		a.mu.Unlock()
		return domain.Account{}, nil
	}
	a.pairing = true
	a.mu.Unlock()

	var qr <-chan QRItem
	if !a.client.IsLoggedIn() {
		// The pairing flow must outlive the request that started it.
		ch, err := a.client.QRChannel(a.ctx)
		if err != nil {
			a.setPairing(false)
			return domain.Account{}, domain.NewAuthError(domain.NetworkUnavailable, domain.PersonalChat, err)
		}
		qr = ch
	}

	if err := a.client.Connect(); err != nil {
		a.setPairing(false)
		return domain.Account{}, domain.NewAuthError(domain.NetworkUnavailable, domain.PersonalChat, err)
	}

	if qr != nil {
		go a.watchPairing(qr)
	} else {
		a.setPairing(false)
	}
	a.logger.Info("personalchat connecting", "paired", qr == nil)
	return domain.Account{}, nil
}

func (a *Adapter) watchPairing(qr <-chan QRItem) {
	defer a.setPairing(false)
	for item := range qr {
		switch item.Event {
		case "code":
			token := domain.PairingToken{Code: item.Code}
			if img, err := qrDataURL(item.Code, a.qrSize); err == nil {
				token.Image = img
			} else {
				a.logger.Warn("qr render failed", "err", err)
			}
			a.publish(domain.Event{Kind: domain.EventPairingTokenRefreshed, Token: &token})
		case "success":
			a.logger.Info("pairing succeeded")
			return
		case "timeout":
			a.logger.Warn("pairing timed out")
			a.client.Disconnect()
			a.publish(domain.Event{
				Kind:   domain.EventSessionLost,
				Reason: ReasonPairingExpired,
				Err:    domain.NewAuthError(domain.PairingExpired, domain.PersonalChat, nil),
			})
			return
		default:
			a.logger.Warn("pairing failed", "event", item.Event)
			a.client.Disconnect()
			a.publish(domain.Event{Kind: domain.EventSessionLost, Reason: "pairing failed: " + item.Event})
			return
		}
	}
}

// ListConversations lists the chats seen by this process.
func (a *Adapter) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	threads, err := a.cache.Threads(ctx)
	if err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, domain.PersonalChat, err)
	}
	return a.norm.Conversations(domain.PersonalChat, threads), nil
}

// FetchHistory returns the cached messages of one chat.
func (a *Adapter) FetchHistory(ctx context.Context, id domain.ConversationID) ([]domain.Message, error) {
	jid, err := ParseRecipient(id.NativeID)
	if err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, domain.PersonalChat, err)
	}
	known, err := a.cache.HasChat(ctx, jid.String())
	if err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, domain.PersonalChat, err)
	}
	if !known {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, domain.PersonalChat,
			fmt.Errorf("no conversation %s", jid))
	}
	items, err := a.cache.History(ctx, jid.String())
	if err != nil {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, domain.PersonalChat, err)
	}
	return a.norm.History(domain.PersonalChat, items), nil
}

// Send delivers text to a chat. The conversation id may be a JID, a legacy
// "@c.us" id or a phone number.
func (a *Adapter) Send(ctx context.Context, id domain.ConversationID, text string) (domain.Ack, error) {
	jid, err := ParseRecipient(id.NativeID)
	if err != nil {
		return domain.Ack{}, domain.NewSendError(domain.ConversationNotFound, domain.PersonalChat, err)
	}

	mid, ts, err := a.client.SendText(ctx, jid, text)
	if err != nil {
		kind := domain.DeliveryFailed
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			kind = domain.SendUnauthenticated
		}
		return domain.Ack{}, domain.NewSendError(kind, domain.PersonalChat, err)
	}
	if ts.IsZero() {
		ts = a.now()
	}

	it := chat.Item{ID: mid, ThreadID: jid.String(), Text: &text, Timestamp: ts, FromMe: true}
	if _, err := a.cache.AddMessage(ctx, it); err != nil {
		a.logger.Warn("cache sent message failed", "err", err)
	}

	convID := domain.NewConversationID(domain.PersonalChat, jid.String())
	return domain.Ack{
		MessageID:      domain.MessageID{Platform: domain.PersonalChat, NativeID: mid},
		ConversationID: convID,
		Timestamp:      ts,
	}, nil
}

// Close stops pairing and disconnects.
func (a *Adapter) Close() error {
	a.cancel()
	a.client.Disconnect()
	return a.cache.Close()
}

func (a *Adapter) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		a.handleMessage(e)
	case *events.HistorySync:
		a.handleHistorySync(e)
	case *events.PairSuccess:
		a.logger.Info("device paired", "jid", e.ID.String())
	case *events.Connected:
		a.setConnected(true)
		own := a.client.OwnJID()
		a.publish(domain.Event{Kind: domain.EventSessionReady, Account: &domain.Account{ID: own.String(), Username: own.User}})
	case *events.LoggedOut:
		a.setConnected(false)
		a.publish(domain.Event{Kind: domain.EventSessionLost, Reason: fmt.Sprintf("logged out: %v", e.Reason)})
	case *events.StreamReplaced:
		a.setConnected(false)
		a.publish(domain.Event{Kind: domain.EventSessionLost, Reason: "session opened elsewhere"})
	}
}

func (a *Adapter) handleMessage(e *events.Message) {
	chatJID := e.Info.Chat.ToNonAD().String()
	sender := e.Info.PushName
	if sender == "" {
		sender = e.Info.Sender.User
	}

	it := chat.Item{
		ID:        e.Info.ID,
		ThreadID:  chatJID,
		Sender:    sender,
		Text:      messageText(e.Message),
		Timestamp: e.Info.Timestamp,
		FromMe:    e.Info.IsFromMe,
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = a.now()
	}

	ctx := context.Background()
	participant := ""
	if !e.Info.IsFromMe {
		participant = sender
	}
	if err := a.cache.UpsertChat(ctx, chatJID, "", participant); err != nil {
		a.logger.Warn("cache chat failed", "err", err)
	}
	added, err := a.cache.AddMessage(ctx, it)
	if err != nil {
		a.logger.Warn("cache message failed", "err", err)
	}
	if !added || e.Info.IsFromMe {
		return
	}

	msg := a.norm.Message(domain.PersonalChat, it)
	a.logger.Info("personalchat message received", "chat", chatJID, "text_len", len(msg.Text))
	a.publish(domain.Event{Kind: domain.EventMessageReceived, Message: &msg})
}

// handleHistorySync seeds the cache from the history the phone pushes after
// pairing. Nothing is broadcast.
func (a *Adapter) handleHistorySync(e *events.HistorySync) {
	ctx := context.Background()
	stored := 0
	for _, conv := range e.Data.GetConversations() {
		jid, err := ParseRecipient(conv.GetID())
		if err != nil {
			continue
		}
		chatJID := jid.ToNonAD().String()
		if err := a.cache.UpsertChat(ctx, chatJID, conv.GetName(), ""); err != nil {
			a.logger.Warn("cache chat failed", "err", err)
			continue
		}
		for _, hm := range conv.GetMessages() {
			info := hm.GetMessage()
			if info == nil || info.GetKey().GetID() == "" {
				continue
			}
			it := chat.Item{
				ID:        info.GetKey().GetID(),
				ThreadID:  chatJID,
				Sender:    info.GetPushName(),
				Text:      messageText(info.GetMessage()),
				Timestamp: time.Unix(int64(info.GetMessageTimestamp()), 0),
				FromMe:    info.GetKey().GetFromMe(),
			}
			if ok, err := a.cache.AddMessage(ctx, it); err == nil && ok {
				stored++
			}
		}
	}
	a.logger.Info("history sync imported", "messages", stored)
}

// messageText extracts the text body, or nil for media without a caption.
func messageText(m *waE2E.Message) *string {
	if m == nil {
		return nil
	}
	for _, s := range []string{
		m.GetConversation(),
		m.GetExtendedTextMessage().GetText(),
		m.GetImageMessage().GetCaption(),
		m.GetVideoMessage().GetCaption(),
	} {
		if s != "" {
			return &s
		}
	}
	return nil
}

func (a *Adapter) publish(e domain.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return
	}
	e.Platform = domain.PersonalChat
	e.Timestamp = a.now()
	sink.Publish(e)
}

func (a *Adapter) setPairing(v bool) {
	a.mu.Lock()
	a.pairing = v
	a.mu.Unlock()
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

var _ domain.Adapter = (*Adapter)(nil)
