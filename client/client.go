package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loftboard/relay/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second
)

// Keepalive pacing. Vars so tests can tighten them; pingInterval must
// stay below pongWait or a healthy connection times itself out.
var (
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
)

type Config struct {
	HostPort     string
	ClientDomain string // Preferred host for the connection URL when set
	Token        string
	SkipVerify   bool
	PlainText    bool // ws:// instead of wss:// - local development only
	Logger       *slog.Logger
}

type subscription struct {
	scope   models.Scope
	granted bool
}

// Client maintains one socket to a relay node. It survives disconnects:
// the read loop redials with doubling backoff and replays every
// subscription the caller has requested, so bindings stay live across
// node restarts without caller involvement.
type Client struct {
	logger *slog.Logger
	wsURL  url.URL
	header http.Header
	dialer websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]*subscription
	listeners     map[string][]*listener
	nextListener  int
	connected     bool

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

type listener struct {
	id int
	fn func(models.Envelope)
}

// Dial connects to the relay node and starts the background read loop.
// The returned client is usable immediately; subscriptions requested
// while disconnected are sent as soon as the socket comes up.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.HostPort == "" {
		return nil, fmt.Errorf("hostPort cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	clientLogger := cfg.Logger.WithGroup("relay_client")

	host, port, err := net.SplitHostPort(cfg.HostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hostPort '%s': %w", cfg.HostPort, err)
	}
	if cfg.ClientDomain != "" {
		host = cfg.ClientDomain
	}

	scheme := "wss"
	if cfg.PlainText {
		scheme = "ws"
	}
	wsURL := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   "/relay/v1/socket",
	}
	query := wsURL.Query()
	query.Set("token", cfg.Token)
	wsURL.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", cfg.Token)

	c := &Client{
		logger: clientLogger,
		wsURL:  wsURL,
		header: header,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
		subscriptions: make(map[string]*subscription),
		listeners:     make(map[string][]*listener),
		done:          make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, resp, err := c.dialer.DialContext(runCtx, wsURL.String(), header)
	if err != nil {
		cancel()
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket %s (status: %s): %w", wsURL.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	clientLogger.Info("Connected to relay node", "url", wsURL.Host)

	go c.run(runCtx)
	return c, nil
}

// Subscribe requests access to a scope. The request is remembered and
// replayed after every reconnect. Access is not immediate: the grant
// arrives asynchronously, observable via Granted.
func (c *Client) Subscribe(topic models.Topic, instanceID string) error {
	scope := models.ScopeOf(topic, instanceID)
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %s:%s", topic, instanceID)
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[scope.Key()]; !exists {
		c.subscriptions[scope.Key()] = &subscription{scope: scope}
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil // Sent on reconnect
	}
	return c.writeFrame(models.ClientFrame{
		Kind:       models.FrameSubscribe,
		Topic:      topic,
		InstanceID: instanceID,
	})
}

// Unsubscribe drops the scope locally and tells the node. The local
// grant is cleared immediately so callers never act on a stale grant.
func (c *Client) Unsubscribe(topic models.Topic, instanceID string) error {
	scope := models.ScopeOf(topic, instanceID)
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %s:%s", topic, instanceID)
	}

	c.mu.Lock()
	delete(c.subscriptions, scope.Key())
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeFrame(models.ClientFrame{
		Kind:       models.FrameUnsubscribe,
		Topic:      topic,
		InstanceID: instanceID,
	})
}

// Granted reports whether the node has acknowledged access to the scope.
func (c *Client) Granted(topic models.Topic, instanceID string) bool {
	scope := models.ScopeOf(topic, instanceID)
	if !scope.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[scope.Key()]
	return ok && sub.granted
}

// Send emits a named envelope to the node for business-level routing.
func (c *Client) Send(env models.Envelope) error {
	return c.writeFrame(models.ClientFrame{
		Kind:     models.FrameEvent,
		Envelope: &env,
	})
}

// Listen registers a callback for a named inbound event. The returned
// function removes the registration.
func (c *Client) Listen(eventName string, fn func(models.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListener++
	l := &listener{id: c.nextListener, fn: fn}
	c.listeners[eventName] = append(c.listeners[eventName], l)

	id := l.id
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := c.listeners[eventName][:0]
		for _, existing := range c.listeners[eventName] {
			if existing.id != id {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(c.listeners, eventName)
		} else {
			c.listeners[eventName] = kept
		}
	}
}

// Close tears the connection down and stops the read loop.
func (c *Client) Close() {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
}

func (c *Client) writeFrame(frame models.ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run owns the connection lifecycle: read until failure, then redial
// with doubling backoff and resubscribe everything.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	c.resubscribe()

	for {
		c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.connected = false
		for _, sub := range c.subscriptions {
			sub.granted = false // Grants do not survive a disconnect
		}
		c.mu.Unlock()

		delay := reconnectInitialDelay
		for {
			c.logger.Info("Reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			conn, _, err := c.dialer.DialContext(ctx, c.wsURL.String(), c.header)
			if err == nil {
				c.mu.Lock()
				c.conn = conn
				c.connected = true
				c.mu.Unlock()
				c.logger.Info("Reconnected to relay node", "url", c.wsURL.Host)
				c.resubscribe()
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Reconnect attempt failed", "error", err)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	scopes := make([]models.Scope, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		scopes = append(scopes, sub.scope)
	}
	c.mu.Unlock()

	for _, scope := range scopes {
		err := c.writeFrame(models.ClientFrame{
			Kind:       models.FrameSubscribe,
			Topic:      scope.Topic,
			InstanceID: scope.InstanceID,
		})
		if err != nil {
			c.logger.Warn("Failed to resubscribe", "scope", scope.Key(), "error", err)
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	// A half-open connection must not leave ReadMessage blocked forever:
	// the deadline only survives while pongs keep arriving, and a failed
	// ping write tears the connection down so the read unblocks.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("Error sending ping, closing connection", "error", err)
					conn.Close()
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Error("Error reading from socket", "error", err)
			} else {
				c.logger.Info("Socket closed", "error", err)
			}
			conn.Close()
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var frame models.ServerFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Error("Failed to unmarshal server frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame models.ServerFrame) {
	switch frame.Kind {
	case models.FrameSubscribed:
		scope := models.ScopeOf(frame.Topic, frame.InstanceID)
		c.mu.Lock()
		if sub, ok := c.subscriptions[scope.Key()]; ok {
			sub.granted = frame.Granted
		}
		c.mu.Unlock()
		c.logger.Debug("Subscription acknowledged", "scope", scope.Key(), "granted", frame.Granted)

	case models.FrameEvent:
		if frame.Envelope == nil {
			return
		}
		c.mu.Lock()
		targets := make([]*listener, len(c.listeners[frame.Envelope.Name]))
		copy(targets, c.listeners[frame.Envelope.Name])
		c.mu.Unlock()

		for _, l := range targets {
			l.fn(*frame.Envelope)
		}

	default:
		c.logger.Warn("Unknown frame kind from server", "kind", frame.Kind)
	}
}
