package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loftboard/relay/authz"
	"github.com/loftboard/relay/models"
)

// Subscription lifecycle per (connection, topic, instance).
type subState int

const (
	subRequested subState = iota
	subValidating
	subAuthorized
	subRejected
)

/*
	subscriptionManager tracks which live sessions hold which scopes. A
	subscribe request runs the scope's validator before the pair is
	admitted; a rejected pair is remembered so repeat attempts stay silent
	and cheap. Dropping a session is synchronous with socket teardown -
	once dropSession returns, no later dispatch can select that session.
*/
type subscriptionManager struct {
	logger *slog.Logger
	authz  *authz.Registry

	mu      sync.RWMutex
	byScope map[string]map[*session]struct{}
	states  map[*session]map[string]subState
	pending map[*session]map[string]chan struct{}
}

func newSubscriptionManager(logger *slog.Logger, authzRegistry *authz.Registry) *subscriptionManager {
	return &subscriptionManager{
		logger:  logger.WithGroup("subscriptions"),
		authz:   authzRegistry,
		byScope: make(map[string]map[*session]struct{}),
		states:  make(map[*session]map[string]subState),
		pending: make(map[*session]map[string]chan struct{}),
	}
}

func (m *subscriptionManager) register(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s] = make(map[string]subState)
}

// subscribe runs the full Requested -> Validating -> Authorized|Rejected
// transition. Re-subscribing an already-authorized pair is a no-op
// success. A subscribe arriving while the same pair is still validating
// waits for the in-flight decision and reports its outcome, so duplicate
// requests never ack a grant that the first request went on to win. The
// rejected outcome carries no error: the caller only learns the grant
// never arrived.
func (m *subscriptionManager) subscribe(ctx context.Context, s *session, scope models.Scope) (bool, error) {
	key := scope.Key()

	var done chan struct{}
	for {
		m.mu.Lock()
		states, ok := m.states[s]
		if !ok {
			// Session already torn down.
			m.mu.Unlock()
			return false, nil
		}
		switch states[key] {
		case subAuthorized:
			m.mu.Unlock()
			return true, nil
		case subValidating:
			wait := m.pending[s][key]
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			continue
		}
		states[key] = subValidating
		done = make(chan struct{})
		if m.pending[s] == nil {
			m.pending[s] = make(map[string]chan struct{})
		}
		m.pending[s][key] = done
		m.mu.Unlock()
		break
	}

	granted, err := m.authz.Authorize(ctx, s.principal, scope)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlePending(s, key, done)

	states, ok := m.states[s]
	if !ok {
		// Disconnected while validating; nothing to admit.
		return false, nil
	}

	if err != nil || !granted {
		states[key] = subRejected
		if err != nil {
			m.logger.Error("Validator error during subscribe", "scope", key, "session", s.id, "error", err)
		} else {
			m.logger.Debug("Subscription rejected", "scope", key, "session", s.id)
		}
		return false, err
	}

	states[key] = subAuthorized
	if _, ok := m.byScope[key]; !ok {
		m.byScope[key] = make(map[*session]struct{})
	}
	m.byScope[key][s] = struct{}{}
	m.logger.Debug("Subscription authorized", "scope", key, "session", s.id)
	return true, nil
}

func (m *subscriptionManager) unsubscribe(s *session, scope models.Scope) {
	key := scope.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if states, ok := m.states[s]; ok {
		delete(states, key)
	}
	if sessions, ok := m.byScope[key]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(m.byScope, key)
		}
	}
}

// settlePending closes the wait channel for a finished validation so
// duplicate subscribes re-check the settled state. Caller holds the
// lock. A channel already closed by dropSession is left alone.
func (m *subscriptionManager) settlePending(s *session, key string, done chan struct{}) {
	pend, ok := m.pending[s]
	if !ok {
		return
	}
	if ch, exists := pend[key]; exists && ch == done {
		close(ch)
		delete(pend, key)
		if len(pend) == 0 {
			delete(m.pending, s)
		}
	}
}

// dropSession revokes every subscription the session holds. Runs on the
// readPump goroutine before the socket is closed.
func (m *subscriptionManager) dropSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Wake anything still waiting on an in-flight validation; they
	// observe the missing session state and report no grant.
	for _, ch := range m.pending[s] {
		close(ch)
	}
	delete(m.pending, s)

	states, ok := m.states[s]
	if !ok {
		return
	}
	for key := range states {
		if sessions, ok := m.byScope[key]; ok {
			delete(sessions, s)
			if len(sessions) == 0 {
				delete(m.byScope, key)
			}
		}
	}
	delete(m.states, s)
	m.logger.Debug("Session subscriptions dropped", "session", s.id, "count", len(states))
}

// dispatch fans an event out to every authorized session on its scope.
func (m *subscriptionManager) dispatch(ev models.Event) {
	key := ev.Scope.Key()

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions, ok := m.byScope[key]
	if !ok || len(sessions) == 0 {
		m.logger.Debug("No subscribers for scope", "scope", key)
		return
	}

	frame := models.ServerFrame{
		Kind:       models.FrameEvent,
		Topic:      ev.Scope.Topic,
		InstanceID: ev.Scope.InstanceID,
		Envelope:   &ev.Envelope,
	}

	for s := range sessions {
		s.enqueue(frame)
	}
}

// subscriberCount is a test observation hook.
func (m *subscriptionManager) subscriberCount(scope models.Scope) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byScope[scope.Key()])
}
