package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"unigate/internal/connection"
	"unigate/internal/domain"
	"unigate/internal/metrics"
	"unigate/internal/protocol"
)

const defaultLaneDepth = 32

// crossPlatformLane serves requests that are not addressed to one platform.
const crossPlatformLane = "*"

// Client serves the commands of one connection. Commands addressed to the
// same platform are answered in submission order; a stalled platform does not
// hold up requests for the other one.
type Client struct {
	g    *Gateway
	conn *connection.Connection
	ctx  context.Context

	mu     sync.Mutex
	lanes  map[string]chan protocol.Command
	closed bool
	wg     sync.WaitGroup
}

// Attach creates a Client for conn. Requests run under ctx, not under the
// connection's lifetime: a disconnect orphans results instead of cancelling.
func (g *Gateway) Attach(ctx context.Context, conn *connection.Connection) *Client {
	return &Client{
		g:     g,
		conn:  conn,
		ctx:   ctx,
		lanes: make(map[string]chan protocol.Command),
	}
}

// Submit queues cmd on its lane. A full lane answers with a busy error
// instead of blocking the reader. Returns false once the client is closed.
func (c *Client) Submit(cmd protocol.Command) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	key := laneKey(cmd)
	lane, ok := c.lanes[key]
	if !ok {
		lane = make(chan protocol.Command, c.g.depth)
		c.lanes[key] = lane
		c.wg.Add(1)
		go c.serve(lane)
	}
	select {
	case lane <- cmd:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	metrics.Request(protocol.CommandKind(cmd.Type), "busy").Inc()
	c.g.conns.Deliver(c.conn.ID, protocol.Event{
		Type:  protocol.EvtError,
		ID:    cmd.ID,
		Error: &protocol.Error{Code: protocol.CodeBusy, Message: fmt.Sprintf("too many pending %s requests", cmd.Type)},
	})
	return true
}

// Close stops accepting commands. Requests already running complete; their
// results are discarded once the connection is gone.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, lane := range c.lanes {
		close(lane)
	}
}

// Wait blocks until every lane has finished after Close.
func (c *Client) Wait() { c.wg.Wait() }

func (c *Client) serve(lane <-chan protocol.Command) {
	defer c.wg.Done()
	for cmd := range lane {
		select {
		case <-c.conn.Done():
			c.g.logger.Debug("skipping queued command for closed connection", "conn_id", c.conn.ID, "type", cmd.Type)
			continue
		default:
		}
		frame := c.g.Handle(c.ctx, c.conn.ID, cmd)
		c.g.conns.Deliver(c.conn.ID, frame)
	}
}

func laneKey(cmd protocol.Command) string {
	switch cmd.Type {
	case protocol.CmdLogin, protocol.CmdSend, protocol.CmdGetHistory:
		if p, err := domain.ParsePlatform(cmd.Platform); err == nil {
			return string(p)
		}
		if id, err := domain.ParseConversationID(cmd.ConversationID); err == nil {
			return string(id.Platform)
		}
	}
	return crossPlatformLane
}

// Handle executes one command for connection connID and returns the frame
// to send back to it.
func (g *Gateway) Handle(ctx context.Context, connID string, cmd protocol.Command) protocol.Event {
	frame := g.handle(ctx, connID, cmd)
	outcome := "ok"
	if frame.Error != nil {
		outcome = frame.Error.Code
	}
	metrics.Request(protocol.CommandKind(cmd.Type), outcome).Inc()
	return frame
}

func (g *Gateway) handle(ctx context.Context, connID string, cmd protocol.Command) protocol.Event {
	switch cmd.Type {
	case protocol.CmdLogin:
		p, err := domain.ParsePlatform(cmd.Platform)
		if err != nil {
			return invalid(cmd, err)
		}
		var creds domain.Credentials
		if cmd.Credentials != nil {
			creds = *cmd.Credentials
		}
		state, err := g.Login(ctx, p, creds)
		frame := protocol.Result(protocol.EvtLoginResult, cmd.ID, p, err)
		if err == nil {
			frame.State = &state
			frame.Account = state.Account
		}
		return frame

	case protocol.CmdSend:
		p, id, err := target(cmd)
		if err != nil {
			return protocol.Result(protocol.EvtSendResult, cmd.ID, p,
				domain.NewSendError(domain.ConversationNotFound, p, err))
		}
		ack, err := g.SendMessage(ctx, p, id, cmd.Text)
		frame := protocol.Result(protocol.EvtSendResult, cmd.ID, p, err)
		frame.ConversationID = id.String()
		if err == nil {
			frame.Ack = &ack
		}
		return frame

	case protocol.CmdGetHistory:
		p, id, err := target(cmd)
		if err != nil {
			return protocol.Result(protocol.EvtHistoryResult, cmd.ID, p,
				domain.NewPlatformError(domain.PlatformUnknown, p, err))
		}
		msgs, err := g.FetchHistory(ctx, p, id)
		frame := protocol.Result(protocol.EvtHistoryResult, cmd.ID, p, err)
		frame.ConversationID = id.String()
		frame.Messages = msgs
		return frame

	case protocol.CmdListConversations:
		merged := g.ListAllConversations(ctx)
		frame := protocol.Result(protocol.EvtConversationsResult, cmd.ID, "", nil)
		frame.Conversations = merged.Conversations
		frame.PlatformStatus = merged.PlatformStatus
		return frame

	case protocol.CmdSubscribe, protocol.CmdUnsubscribe:
		all, platforms, err := parsePlatforms(cmd.Platforms)
		if err != nil {
			return invalid(cmd, err)
		}
		subscribe := g.conns.Subscribe
		if cmd.Type == protocol.CmdUnsubscribe {
			subscribe = g.conns.Unsubscribe
		}
		subs, err := subscribe(connID, all, platforms...)
		if err != nil {
			return invalid(cmd, err)
		}
		frame := protocol.Result(protocol.EvtSubscriptions, cmd.ID, "", nil)
		frame.Platforms = subs
		return frame

	default:
		return invalid(cmd, fmt.Errorf("unknown command type %q", cmd.Type))
	}
}

// target resolves the platform and conversation a command addresses. The
// platform may be omitted when the conversation id is composite.
func target(cmd protocol.Command) (domain.Platform, domain.ConversationID, error) {
	var p domain.Platform
	if cmd.Platform != "" {
		parsed, err := domain.ParsePlatform(cmd.Platform)
		if err != nil {
			return "", domain.ConversationID{}, err
		}
		p = parsed
	} else {
		id, err := domain.ParseConversationID(cmd.ConversationID)
		if err != nil {
			return "", domain.ConversationID{}, err
		}
		p = id.Platform
	}
	id, err := domain.ResolveConversationID(p, cmd.ConversationID)
	return p, id, err
}

func parsePlatforms(names []string) (bool, []domain.Platform, error) {
	if len(names) == 0 {
		return true, nil, nil
	}
	var out []domain.Platform
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), protocol.AllPlatforms) {
			return true, nil, nil
		}
		p, err := domain.ParsePlatform(n)
		if err != nil {
			return false, nil, err
		}
		out = append(out, p)
	}
	return false, out, nil
}

func invalid(cmd protocol.Command, err error) protocol.Event {
	return protocol.Event{
		Type:  protocol.EvtError,
		ID:    cmd.ID,
		Error: &protocol.Error{Code: protocol.CodeInvalidRequest, Message: err.Error()},
	}
}
