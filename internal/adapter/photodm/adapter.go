// Package photodm connects the photo-sharing DM platform through its Graph
// messaging API: credential login with an access token, conversation and
// history reads, outbound sends, and inbound messages from a signed webhook.
package photodm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"unigate/internal/chat"
	"unigate/internal/domain"
)

const (
	DefaultAPIBase     = "https://graph.facebook.com/v21.0"
	DefaultWebhookPath = "/webhook/photodm"

	createdTimeLayout = "2006-01-02T15:04:05-0700"
	messageFields     = "id,from,message,created_time"
)

// Config configures the photo-DM adapter.
type Config struct {
	APIBase     string
	AppSecret   string
	VerifyToken string
	// RateLimitPerMinute bounds Graph calls; zero means 200.
	RateLimitPerMinute int
	Timeout            time.Duration
	MaxRetries         int
	RetryBase          time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
	Now                func() time.Time
}

// Adapter implements domain.Adapter for the photo-DM platform. The login
// password is the account's access token; the username, when given, must
// match the account the token belongs to.
type Adapter struct {
	client      *graphClient
	norm        *chat.Normalizer
	now         func() time.Time
	appSecret   string
	verifyToken string
	logger      *slog.Logger

	mu      sync.RWMutex
	account domain.Account
	sink    domain.EventSink
	// recipients maps conversation id to the other participant's id;
	// byUser is the reverse index used for webhook deliveries.
	recipients map[string]participant
	byUser     map[string]string
}

type participant struct {
	ID       string
	Username string
}

// New creates a photo-DM adapter.
func New(cfg Config) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("platform", domain.PhotoDM)

	limit := rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
	return &Adapter{
		client: &graphClient{
			base:       strings.TrimRight(cfg.APIBase, "/"),
			http:       cfg.HTTPClient,
			limiter:    rate.NewLimiter(limit, max(1, cfg.RateLimitPerMinute/10)),
			maxRetries: cfg.MaxRetries,
			retryBase:  cfg.RetryBase,
			logger:     logger,
		},
		norm:        chat.NewNormalizerWithClock(cfg.Now),
		now:         cfg.Now,
		appSecret:   cfg.AppSecret,
		verifyToken: cfg.VerifyToken,
		logger:      logger,
		recipients:  make(map[string]participant),
		byUser:      make(map[string]string),
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PhotoDM }
func (a *Adapter) AuthMode() domain.AuthMode { return domain.AuthCredentials }

func (a *Adapter) SubscribeEvents(sink domain.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// --- Graph payloads ---

type graphUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type graphMessage struct {
	ID          string    `json:"id"`
	From        graphUser `json:"from"`
	Message     string    `json:"message"`
	CreatedTime string    `json:"created_time"`
}

type graphConversation struct {
	ID           string `json:"id"`
	Participants struct {
		Data []graphUser `json:"data"`
	} `json:"participants"`
	Messages struct {
		Data []graphMessage `json:"data"`
	} `json:"messages"`
}

type conversationList struct {
	Data []graphConversation `json:"data"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Login validates the access token and, if given, the expected username.
func (a *Adapter) Login(ctx context.Context, creds domain.Credentials) (domain.Account, error) {
	if strings.TrimSpace(creds.Password) == "" {
		return domain.Account{}, domain.NewAuthError(domain.InvalidCredentials, domain.PhotoDM, errors.New("access token required"))
	}

	previous := a.client.accessToken()
	a.client.setToken(creds.Password)

	var me graphUser
	if err := a.client.get(ctx, "me", url.Values{"fields": {"id,username"}}, &me); err != nil {
		a.client.setToken(previous)
		if apiErr, ok := asAPIError(err); ok && (apiErr.tokenInvalid() || apiErr.Status == http.StatusBadRequest) {
			return domain.Account{}, domain.NewAuthError(domain.InvalidCredentials, domain.PhotoDM, err)
		}
		return domain.Account{}, domain.NewAuthError(domain.NetworkUnavailable, domain.PhotoDM, err)
	}
	if creds.Username != "" && !strings.EqualFold(creds.Username, me.Username) {
		a.client.setToken(previous)
		return domain.Account{}, domain.NewAuthError(domain.InvalidCredentials, domain.PhotoDM,
			fmt.Errorf("token belongs to %q, not %q", me.Username, creds.Username))
	}

	account := domain.Account{ID: me.ID, Username: me.Username}
	a.mu.Lock()
	a.account = account
	a.mu.Unlock()
	a.logger.Info("photodm account verified", "account", me.Username)
	return account, nil
}

// ListConversations lists DM threads with their latest message.
func (a *Adapter) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var list conversationList
	err := a.client.get(ctx, "me/conversations", url.Values{
		"platform": {"instagram"},
		"fields":   {"participants,messages.limit(1){" + messageFields + "}"},
	}, &list)
	if err != nil {
		return nil, a.platformError(err)
	}

	me := a.currentAccount()
	threads := make([]chat.Thread, 0, len(list.Data))
	for _, gc := range list.Data {
		threads = append(threads, a.thread(me, gc))
	}
	return a.norm.Conversations(domain.PhotoDM, threads), nil
}

// FetchHistory returns the messages of one conversation.
func (a *Adapter) FetchHistory(ctx context.Context, id domain.ConversationID) ([]domain.Message, error) {
	var gc graphConversation
	err := a.client.get(ctx, url.PathEscape(id.NativeID), url.Values{
		"fields": {"participants,messages{" + messageFields + "}"},
	}, &gc)
	if err != nil {
		return nil, a.platformError(err)
	}

	me := a.currentAccount()
	a.remember(me, gc)
	items := make([]chat.Item, 0, len(gc.Messages.Data))
	for _, m := range gc.Messages.Data {
		items = append(items, a.item(me, id.NativeID, m))
	}
	return a.norm.History(domain.PhotoDM, items), nil
}

// Send delivers text to the other participant of the conversation.
func (a *Adapter) Send(ctx context.Context, id domain.ConversationID, text string) (domain.Ack, error) {
	to, err := a.recipient(ctx, id.NativeID)
	if err != nil {
		return domain.Ack{}, err
	}

	var resp sendResponse
	err = a.client.post(ctx, "me/messages", map[string]any{
		"recipient": map[string]string{"id": to.ID},
		"message":   map[string]string{"text": text},
	}, &resp)
	if err != nil {
		return domain.Ack{}, a.sendError(err)
	}

	mid := resp.MessageID
	if mid == "" {
		mid = uuid.NewString()
	}
	return domain.Ack{
		MessageID:      domain.MessageID{Platform: domain.PhotoDM, NativeID: mid},
		ConversationID: id,
		Timestamp:      a.now(),
	}, nil
}

func (a *Adapter) recipient(ctx context.Context, convID string) (participant, error) {
	a.mu.RLock()
	p, ok := a.recipients[convID]
	a.mu.RUnlock()
	if ok {
		return p, nil
	}

	var gc graphConversation
	err := a.client.get(ctx, url.PathEscape(convID), url.Values{"fields": {"participants"}}, &gc)
	if err != nil {
		return participant{}, a.sendError(err)
	}
	a.remember(a.currentAccount(), gc)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.recipients[convID]; ok {
		return p, nil
	}
	return participant{}, domain.NewSendError(domain.ConversationNotFound, domain.PhotoDM,
		fmt.Errorf("conversation %s has no other participant", convID))
}

func (a *Adapter) thread(me domain.Account, gc graphConversation) chat.Thread {
	a.remember(me, gc)
	t := chat.Thread{ID: gc.ID}
	for _, u := range gc.Participants.Data {
		if u.ID == me.ID {
			continue
		}
		t.Participants = append(t.Participants, u.Username)
	}
	if len(gc.Messages.Data) > 0 {
		last := a.item(me, gc.ID, gc.Messages.Data[0])
		t.Last = &last
	}
	return t
}

// item maps a Graph message. A message is outbound when its sender is the
// logged-in account.
func (a *Adapter) item(me domain.Account, convID string, m graphMessage) chat.Item {
	it := chat.Item{
		ID:        m.ID,
		ThreadID:  convID,
		Sender:    m.From.Username,
		Timestamp: parseCreatedTime(m.CreatedTime),
		FromMe:    me.ID != "" && m.From.ID == me.ID,
	}
	if strings.TrimSpace(m.Message) != "" {
		text := m.Message
		it.Text = &text
	}
	return it
}

func (a *Adapter) remember(me domain.Account, gc graphConversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range gc.Participants.Data {
		if u.ID == "" || u.ID == me.ID {
			continue
		}
		a.recipients[gc.ID] = participant(u)
		a.byUser[u.ID] = gc.ID
		return
	}
}

func (a *Adapter) currentAccount() domain.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.account
}

// platformError translates a Graph failure. A rejected token also reports
// the session as lost.
func (a *Adapter) platformError(err error) error {
	apiErr, ok := asAPIError(err)
	switch {
	case !ok:
		return domain.NewPlatformError(domain.PlatformUnreachable, domain.PhotoDM, err)
	case apiErr.tokenInvalid():
		a.sessionLost(apiErr.Message)
		return domain.NewPlatformError(domain.PlatformUnauthenticated, domain.PhotoDM, err)
	case apiErr.rateLimited():
		return domain.NewPlatformError(domain.PlatformRateLimited, domain.PhotoDM, err)
	case apiErr.Status >= 500:
		return domain.NewPlatformError(domain.PlatformUnreachable, domain.PhotoDM, err)
	default:
		return domain.NewPlatformError(domain.PlatformUnknown, domain.PhotoDM, err)
	}
}

func (a *Adapter) sendError(err error) error {
	apiErr, ok := asAPIError(err)
	switch {
	case ok && apiErr.tokenInvalid():
		a.sessionLost(apiErr.Message)
		return domain.NewSendError(domain.SendUnauthenticated, domain.PhotoDM, err)
	case ok && apiErr.notFound():
		return domain.NewSendError(domain.ConversationNotFound, domain.PhotoDM, err)
	default:
		return domain.NewSendError(domain.DeliveryFailed, domain.PhotoDM, err)
	}
}

func (a *Adapter) sessionLost(reason string) {
	a.client.setToken("")
	a.publish(domain.Event{Kind: domain.EventSessionLost, Reason: reason})
}

func (a *Adapter) publish(e domain.Event) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	e.Platform = domain.PhotoDM
	e.Timestamp = a.now()
	sink.Publish(e)
}

func parseCreatedTime(s string) time.Time {
	if t, err := time.Parse(createdTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

var _ domain.Adapter = (*Adapter)(nil)
