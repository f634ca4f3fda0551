package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loftboard/relay/models"
)

var (
	ErrHandlerRegistered = errors.New("handler already registered for event name")
	ErrNoHandler         = errors.New("no handler registered for event name")
)

// ConnContext is what an inbound handler learns about the sender: the
// authenticated principal and the session the envelope arrived on.
type ConnContext struct {
	SessionID string
	Principal models.Principal
}

// HandlerFunc receives a client-sent envelope. Handlers are expected to
// perform a business mutation and then publish zero or more domain events
// through the transport. They must be safe under concurrent invocation
// and idempotent against duplicate delivery.
type HandlerFunc func(ctx context.Context, cc ConnContext, env models.Envelope) error

// inboundRouter maps client event names onto business handlers. All
// registration happens at startup; duplicates are configuration errors.
type inboundRouter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newInboundRouter(logger *slog.Logger) *inboundRouter {
	return &inboundRouter{
		logger:   logger.WithGroup("inbound"),
		handlers: make(map[string]HandlerFunc),
	}
}

func (r *inboundRouter) register(eventName string, fn HandlerFunc) error {
	if eventName == "" {
		return fmt.Errorf("event name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler for %q cannot be nil", eventName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventName]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, eventName)
	}
	r.handlers[eventName] = fn
	return nil
}

func (r *inboundRouter) dispatch(ctx context.Context, cc ConnContext, env models.Envelope) error {
	r.mu.RLock()
	fn, ok := r.handlers[env.Name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Name)
	}
	return fn(ctx, cc, env)
}
