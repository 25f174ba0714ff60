package personalchat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// QRItem is one step of the pairing flow.
type QRItem struct {
	// Event is "code" for a new token, "success" when paired, "timeout" when
	// the phone never scanned, or an error event.
	Event   string
	Code    string
	Timeout time.Duration
}

// Client is the part of the SDK the adapter drives. The whatsmeow
// implementation is returned by NewClient; tests supply a fake.
type Client interface {
	AddEventHandler(handler func(evt any))
	IsLoggedIn() bool
	OwnJID() types.JID
	QRChannel(ctx context.Context) (<-chan QRItem, error)
	Connect() error
	Disconnect()
	SendText(ctx context.Context, to types.JID, text string) (id string, ts time.Time, err error)
}

// sdkClient adapts *whatsmeow.Client to Client.
type sdkClient struct {
	wa *whatsmeow.Client
}

// NewClient opens the device store at dsn (in-memory when empty) and creates
// a whatsmeow client for its first device.
func NewClient(ctx context.Context, dsn string, logger *slog.Logger) (Client, error) {
	if dsn == "" {
		dsn = "file:unigate-device?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	}
	log := newLogBridge(logger, "whatsmeow")

	container, err := sqlstore.New(ctx, "sqlite", dsn, log.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &sdkClient{wa: whatsmeow.NewClient(device, log.Sub("client"))}, nil
}

func (c *sdkClient) AddEventHandler(handler func(evt any)) {
	c.wa.AddEventHandler(handler)
}

func (c *sdkClient) IsLoggedIn() bool { return c.wa.Store.ID != nil }

func (c *sdkClient) OwnJID() types.JID {
	if c.wa.Store.ID == nil {
		return types.EmptyJID
	}
	return c.wa.Store.ID.ToNonAD()
}

func (c *sdkClient) QRChannel(ctx context.Context) (<-chan QRItem, error) {
	ch, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan QRItem)
	go func() {
		defer close(out)
		for item := range ch {
			out <- QRItem{Event: item.Event, Code: item.Code, Timeout: item.Timeout}
		}
	}()
	return out, nil
}

func (c *sdkClient) Connect() error { return c.wa.Connect() }

func (c *sdkClient) Disconnect() { c.wa.Disconnect() }

func (c *sdkClient) SendText(ctx context.Context, to types.JID, text string) (string, time.Time, error) {
	resp, err := c.wa.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.ID, resp.Timestamp, nil
}

// logBridge routes whatsmeow's logger onto slog.
type logBridge struct {
	logger *slog.Logger
}

func newLogBridge(logger *slog.Logger, module string) waLog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &logBridge{logger: logger.With("module", module)}
}

func (l *logBridge) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l *logBridge) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l *logBridge) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l *logBridge) Debugf(msg string, args ...any) { l.logger.Debug(fmt.Sprintf(msg, args...)) }

func (l *logBridge) Sub(module string) waLog.Logger {
	return &logBridge{logger: l.logger.With("sub", module)}
}
