package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/loftboard/relay/authz"
	"github.com/loftboard/relay/config"
	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/transport"
)

// TokenResolver turns a presented access token into a principal. Backed
// by the state store in the daemon; swapped for a stub in tests.
type TokenResolver func(token string) (models.Principal, error)

/*
	Gateway is the socket-facing face of the sync core: it authenticates
	connections, runs the subscription manager against the authorization
	registry, routes inbound client events to business handlers, and fans
	transport-consumed events out to subscribed sockets.
*/
type Gateway struct {
	appCtx  context.Context
	cfg     *config.Cluster
	nodeCfg *config.Node
	logger  *slog.Logger

	tr      transport.Transport
	subs    *subscriptionManager
	inbound *inboundRouter
	resolve TokenResolver

	mux        *http.ServeMux
	wsUpgrader websocket.Upgrader
	httpServer *http.Server

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	rlConfigs    map[string]config.RateLimiterConfig

	sessionsLock   sync.Mutex
	activeSessions int32

	startedAt time.Time
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	clusterCfg *config.Cluster,
	nodeCfg *config.Node,
	tr transport.Transport,
	authzRegistry *authz.Registry,
	resolve TokenResolver,
) (*Gateway, error) {

	if resolve == nil {
		return nil, fmt.Errorf("gateway requires a token resolver")
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlConfigs := map[string]config.RateLimiterConfig{
		"subscribe": clusterCfg.RateLimiters.Subscribe,
		"events":    clusterCfg.RateLimiters.Events,
		"default":   clusterCfg.RateLimiters.Default,
	}
	rlLogger := logger.With("component", "rate-limiter")
	for category, rlConfig := range rlConfigs {
		if rlConfig.Limit <= 0 {
			continue
		}
		cache := ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
		rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	g := &Gateway{
		appCtx:       ctx,
		cfg:          clusterCfg,
		nodeCfg:      nodeCfg,
		logger:       logger.WithGroup("gateway"),
		tr:           tr,
		resolve:      resolve,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		rlConfigs:    rlConfigs,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  clusterCfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: clusterCfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}
	g.subs = newSubscriptionManager(g.logger, authzRegistry)
	g.inbound = newInboundRouter(g.logger)

	// Everything the fabric delivers on this node flows into local fan-out.
	tr.SetReceiver(func(_ context.Context, ev models.Event) {
		g.subs.dispatch(ev)
	})

	g.mux.HandleFunc("/relay/v1/socket", g.socketHandler)

	return g, nil
}

// RegisterInbound binds a client event name to a business handler.
// Duplicate registration is a startup error.
func (g *Gateway) RegisterInbound(eventName string, fn HandlerFunc) error {
	return g.inbound.register(eventName, fn)
}

// BindOutbound registers each outbound event name against the given
// emitter in the transport. Publishing a name that was never bound here
// fails loudly at publish time.
func (g *Gateway) BindOutbound(emit transport.EmitterFunc, eventNames ...string) error {
	for _, name := range eventNames {
		if err := g.tr.Register(name, emit); err != nil {
			return err
		}
	}
	return nil
}

// Publish addresses an envelope to a scope and hands it to the transport.
func (g *Gateway) Publish(ctx context.Context, scope models.Scope, env models.Envelope) error {
	ev := models.Event{
		EventID:  uuid.NewString(),
		Scope:    scope,
		Envelope: env,
		Emitter:  g.nodeCfg.HttpBinding,
	}
	return g.tr.Publish(ctx, ev)
}

// AddHandler mounts an extra HTTP handler (raft join, internal publish,
// token admin). Must happen before Serve.
func (g *Gateway) AddHandler(path string, handler http.Handler) error {
	if !g.startedAt.IsZero() {
		return fmt.Errorf("gateway already started, cannot add handler after startup")
	}
	g.mux.Handle(path, handler)
	return nil
}

func (g *Gateway) socketHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	principal, err := g.resolve(token)
	if err != nil {
		g.logger.Warn("Socket connection with invalid token", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	g.sessionsLock.Lock()
	if g.activeSessions >= int32(g.cfg.Sessions.MaxConnections) {
		g.sessionsLock.Unlock()
		g.logger.Warn("Max WebSocket connections reached, rejecting new connection",
			"current", g.activeSessions, "max", g.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	g.sessionsLock.Unlock() // Unlock before upgrading, lock again in registerSession

	conn, err := g.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	s := &session{
		id:        uuid.NewString(),
		conn:      conn,
		principal: principal,
		send:      make(chan []byte, g.cfg.Sessions.EventChannelSize),
		gw:        g,
	}

	if !g.registerSession(s) {
		conn.Close()
		return
	}
	g.logger.Info("WebSocket connection established",
		"remote_addr", conn.RemoteAddr().String(), "session", s.id, "user_id", principal.UserID)

	go s.writePump()
	go s.readPump()
}

func (g *Gateway) registerSession(s *session) bool {
	g.sessionsLock.Lock()
	defer g.sessionsLock.Unlock()

	if g.activeSessions >= int32(g.cfg.Sessions.MaxConnections) {
		g.logger.Error("Attempted to register session when max connections already met",
			"active", g.activeSessions, "max", g.cfg.Sessions.MaxConnections)
		return false
	}
	g.activeSessions++
	g.subs.register(s)
	return true
}

func (g *Gateway) unregisterSession(s *session) {
	g.sessionsLock.Lock()
	defer g.sessionsLock.Unlock()

	if g.activeSessions > 0 {
		g.activeSessions--
	} else {
		g.logger.Warn("Attempted to decrement active sessions below zero")
	}
	close(s.send)
}

// allow consults the per-principal limiter for the category.
func (g *Gateway) allow(category string, s *session) bool {
	limiterCache, ok := g.rateLimiters[category]
	if !ok {
		limiterCache, ok = g.rateLimiters["default"]
		if !ok {
			return true
		}
		category = "default"
	}

	rlConfig := g.rlConfigs[category]
	key := s.principal.TokenUUID
	item := limiterCache.Get(key)
	if item == nil {
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		item = limiterCache.Set(key, limiter, ttlcache.DefaultTTL)
	}
	if !item.Value().Allow() {
		g.logger.Warn("Rate limit exceeded", "category", category, "session", s.id, "user_id", s.principal.UserID)
		return false
	}
	return true
}

// Serve blocks until the listener fails or the context is cancelled.
func (g *Gateway) Serve() error {
	g.startedAt = time.Now()

	banner := color.New(color.FgHiCyan, color.Bold)
	banner.Printf("relay gateway listening on %s (transport: %s)\n", g.nodeCfg.HttpBinding, g.cfg.Transport)

	g.httpServer = &http.Server{
		Addr:    g.nodeCfg.HttpBinding,
		Handler: g.mux,
	}

	go func() {
		<-g.appCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("HTTP server shutdown error", "error", err)
		}
	}()

	var err error
	if g.cfg.TLS.Cert != "" && g.cfg.TLS.Key != "" {
		g.logger.Info("Serving with TLS", "binding", g.nodeCfg.HttpBinding)
		err = g.httpServer.ListenAndServeTLS(g.cfg.TLS.Cert, g.cfg.TLS.Key)
	} else {
		if g.cfg.ServerMustUseTLS {
			return fmt.Errorf("serverMustUseTLS is set but no TLS cert/key configured")
		}
		g.logger.Warn("Serving without TLS", "binding", g.nodeCfg.HttpBinding)
		err = g.httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) Stop() {
	for _, cache := range g.rateLimiters {
		cache.Stop()
	}
}
