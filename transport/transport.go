package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loftboard/relay/models"
)

var (
	ErrEmitterRegistered = errors.New("emitter already registered for event name")
	ErrNoEmitter         = errors.New("no emitter registered for event name")
	ErrReceiverMissing   = errors.New("transport receiver must be set before start")
)

// EmitterFunc performs the mechanics of delivering one named event: it hands
// the payload to the concrete fabric. The binding between an event name and
// its emitter is configuration, set up once at startup.
type EmitterFunc func(ctx context.Context, ev models.Event) error

// ReceiverFunc is invoked for every event the fabric delivers on this node.
// The subscription layer owns the fan-out from here to live connections.
type ReceiverFunc func(ctx context.Context, ev models.Event)

/*
	Transport moves published events into a broadcast fabric and back out to
	whichever node holds an interested connection. Two backends honor this
	contract: an in-process bus for single-node deployments and a raft
	replicated log for clusters. Both preserve ordering within a single
	(topic, instance) scope; neither guarantees ordering across scopes.

	Publish with an unregistered event name is a programming error and fails
	immediately. Start while already started is undefined - callers track
	lifecycle state themselves.
*/
type Transport interface {
	Register(eventName string, emit EmitterFunc) error
	Publish(ctx context.Context, ev models.Event) error
	SetReceiver(fn ReceiverFunc)
	Start(ctx context.Context) error
	Stop() error
}

// Registry is the name -> emitter table shared by both backends.
type Registry struct {
	mu       sync.RWMutex
	emitters map[string]EmitterFunc
}

func NewRegistry() *Registry {
	return &Registry{
		emitters: make(map[string]EmitterFunc),
	}
}

func (r *Registry) Register(eventName string, emit EmitterFunc) error {
	if eventName == "" {
		return fmt.Errorf("event name cannot be empty")
	}
	if emit == nil {
		return fmt.Errorf("emitter for %q cannot be nil", eventName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.emitters[eventName]; ok {
		return fmt.Errorf("%w: %s", ErrEmitterRegistered, eventName)
	}
	r.emitters[eventName] = emit
	return nil
}

func (r *Registry) Lookup(eventName string) (EmitterFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	emit, ok := r.emitters[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEmitter, eventName)
	}
	return emit, nil
}

// Reset drops every binding. Test helper.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitters = make(map[string]EmitterFunc)
}
