package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loftboard/relay/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Maximum frame size allowed from peer.
)

// A session is one authenticated websocket connection and its half of the
// subscription state. The readPump goroutine owns all reads and the
// teardown sequence; the writePump goroutine owns all writes.
type session struct {
	id        string
	conn      *websocket.Conn
	principal models.Principal
	send      chan []byte
	gw        *Gateway
}

func (s *session) enqueue(frame models.ServerFrame) {
	message, err := json.Marshal(frame)
	if err != nil {
		s.gw.logger.Error("Failed to marshal server frame", "session", s.id, "error", err)
		return
	}
	select {
	case s.send <- message:
	default:
		s.gw.logger.Warn("Session send channel full, frame dropped", "session", s.id, "kind", frame.Kind)
	}
}

// readPump pumps frames from the websocket into the gateway. Subscription
// revocation runs here, before the connection is unregistered, so no
// dispatch can race a half-closed socket.
func (s *session) readPump() {
	defer func() {
		s.gw.subs.dropSession(s)
		s.gw.unregisterSession(s)
		s.conn.Close()
		s.gw.logger.Info(
			"WebSocket readPump finished, connection closed and unregistered",
			"remote_addr", s.conn.RemoteAddr(),
			"session", s.id,
		)
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.gw.logger.Error(
					"WebSocket read error",
					"remote_addr", s.conn.RemoteAddr(),
					"session", s.id,
					"error", err,
				)
			} else {
				s.gw.logger.Info(
					"WebSocket connection closed",
					"remote_addr", s.conn.RemoteAddr(),
					"session", s.id,
					"error", err,
				)
			}
			break
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.gw.logger.Warn("Unparseable client frame, ignoring", "session", s.id, "error", err)
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *session) handleFrame(frame models.ClientFrame) {
	ctx := s.gw.appCtx

	switch frame.Kind {
	case models.FrameSubscribe:
		if !s.gw.allow("subscribe", s) {
			return
		}
		scope := models.ScopeOf(frame.Topic, frame.InstanceID)
		if !scope.Valid() {
			s.gw.logger.Warn("Subscribe with invalid scope", "session", s.id, "topic", frame.Topic, "instance_id", frame.InstanceID)
			return
		}
		granted, _ := s.gw.subs.subscribe(ctx, s, scope)
		// The ack for a rejected pair looks exactly like the ack for a
		// pair that simply was not granted yet: granted=false, no reason.
		s.enqueue(models.ServerFrame{
			Kind:       models.FrameSubscribed,
			Topic:      scope.Topic,
			InstanceID: scope.InstanceID,
			Granted:    granted,
		})

	case models.FrameUnsubscribe:
		scope := models.ScopeOf(frame.Topic, frame.InstanceID)
		s.gw.subs.unsubscribe(s, scope)

	case models.FrameEvent:
		if frame.Envelope == nil {
			s.gw.logger.Warn("Event frame without envelope", "session", s.id)
			return
		}
		if !s.gw.allow("events", s) {
			return
		}
		cc := ConnContext{SessionID: s.id, Principal: s.principal}
		if err := s.gw.inbound.dispatch(ctx, cc, *frame.Envelope); err != nil {
			s.gw.logger.Warn("Inbound event dispatch failed",
				"session", s.id, "event", frame.Envelope.Name, "error", err)
		}

	default:
		s.gw.logger.Warn("Unknown client frame kind", "session", s.id, "kind", frame.Kind)
	}
}

// writePump pumps queued frames to the websocket. A goroutine running
// writePump is started for each session; it is the only writer on the
// connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.gw.logger.Info("WebSocket writePump finished", "remote_addr", s.conn.RemoteAddr(), "session", s.id)
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.gw.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "session", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.gw.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "session", s.id, "error", err)
				return
			}
		case <-s.gw.appCtx.Done():
			s.gw.logger.Info("Service context done, closing WebSocket connection from writePump", "remote_addr", s.conn.RemoteAddr())
			return
		}
	}
}
