package channel

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"unigate/internal/connection"
	"unigate/internal/gateway"
	"unigate/internal/protocol"
)

const writeWait = 10 * time.Second

// handleWebSocket upgrades the request and serves one client until either
// side closes. ?subscribe=photodm,personalchat (or "all") subscribes on
// connect.
func (s *Server) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !s.track(ws) {
		ws.Close()
		return
	}
	defer s.untrack(ws)

	conns := s.gw.Connections()
	conn := conns.Connect(r.RemoteAddr)
	client := s.gw.Attach(s.ctx, conn)

	if subs := r.URL.Query().Get("subscribe"); subs != "" {
		client.Submit(protocol.Command{Type: protocol.CmdSubscribe, Platforms: strings.Split(subs, ",")})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, conn)
	}()

	s.readLoop(ws, conn, client)

	client.Close()
	conns.Disconnect(conn.ID)
	<-writerDone
	ws.Close()
}

// readLoop decodes commands until the socket fails or closes.
func (s *Server) readLoop(ws *websocket.Conn, conn *connection.Connection, client *gateway.Client) {
	pongWait := 2 * s.ws.PingInterval()
	ws.SetReadLimit(s.ws.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "conn_id", conn.ID, "err", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			s.gw.Connections().Deliver(conn.ID, protocol.Event{
				Type:  protocol.EvtError,
				Error: &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "malformed command"},
			})
			continue
		}
		if !client.Submit(cmd) {
			return
		}
	}
}

// writeLoop is the only writer on ws. It drains the connection's frames and
// keeps the socket alive with pings.
func (s *Server) writeLoop(ws *websocket.Conn, conn *connection.Connection) {
	ticker := time.NewTicker(s.ws.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.Events():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame); err != nil {
				s.logger.Debug("websocket write failed", "conn_id", conn.ID, "err", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.Close()
				return
			}
		case <-conn.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// track registers ws for shutdown; false once the server is stopping.
func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sockets[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) closeSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.sockets {
		ws.Close()
	}
}
