package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loftboard/relay/models"
	"github.com/loftboard/relay/transport"
)

/*
	Bus is the single-node delivery fabric: events are handed to the
	receiver synchronously, on the publisher's goroutine, under a per-scope
	lock. That gives total delivery order within one (topic, instance) for
	free, and exactly-once delivery - there is no log to replay.
*/
type Bus struct {
	logger   *slog.Logger
	registry *transport.Registry

	receiverMu sync.RWMutex
	receiver   transport.ReceiverFunc

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	started bool
}

var _ transport.Transport = &Bus{}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.WithGroup("memory_bus"),
		registry: transport.NewRegistry(),
		scopes:   make(map[string]*sync.Mutex),
	}
}

func (b *Bus) Register(eventName string, emit transport.EmitterFunc) error {
	return b.registry.Register(eventName, emit)
}

func (b *Bus) SetReceiver(fn transport.ReceiverFunc) {
	b.receiverMu.Lock()
	defer b.receiverMu.Unlock()
	b.receiver = fn
}

func (b *Bus) Start(ctx context.Context) error {
	b.receiverMu.RLock()
	defer b.receiverMu.RUnlock()
	if b.receiver == nil {
		return transport.ErrReceiverMissing
	}
	b.started = true
	b.logger.Info("In-memory bus started")
	return nil
}

func (b *Bus) Stop() error {
	b.started = false
	b.logger.Info("In-memory bus stopped")
	return nil
}

func (b *Bus) Publish(ctx context.Context, ev models.Event) error {
	emit, err := b.registry.Lookup(ev.Envelope.Name)
	if err != nil {
		return err
	}
	return emit(ctx, ev)
}

// Emit hands an event directly to the local receiver. It is the EmitterFunc
// most event names bind to on this backend.
func (b *Bus) Emit(ctx context.Context, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ev.Scope.Valid() {
		return fmt.Errorf("invalid scope %q for event %q", ev.Scope.Key(), ev.Envelope.Name)
	}

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	b.receiverMu.RLock()
	receiver := b.receiver
	b.receiverMu.RUnlock()
	if receiver == nil {
		return transport.ErrReceiverMissing
	}

	// Concurrent publishers to the same scope serialize here; publishers to
	// different scopes do not contend.
	lock := b.scopeLock(ev.Scope.Key())
	lock.Lock()
	defer lock.Unlock()

	receiver(ctx, ev)
	return nil
}

func (b *Bus) scopeLock(key string) *sync.Mutex {
	b.scopeMu.Lock()
	defer b.scopeMu.Unlock()
	lock, ok := b.scopes[key]
	if !ok {
		lock = &sync.Mutex{}
		b.scopes[key] = lock
	}
	return lock
}
