package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/loftboard/relay/models"
)

var (
	ErrValidatorRegistered = errors.New("validator already registered for topic")
)

// ValidatorFunc decides whether a principal may subscribe to one instance
// of a topic. It may read durable storage (board membership and the like)
// but must not mutate anything - it only decides.
type ValidatorFunc func(ctx context.Context, p models.Principal, instanceID string) (bool, error)

/*
	Registry holds at most one validator per topic. Topics with no
	validator are open: globally visible topics and connection-scoped
	topics rely on this default. Decisions are cached briefly so a burst of
	subscribes from one client does not hammer the membership store; the
	TTL bounds how long a revoked membership keeps an existing grant warm.
*/
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	validators map[models.Topic]ValidatorFunc

	decisions *ttlcache.Cache[string, bool]
}

func NewRegistry(logger *slog.Logger, decisionTTL time.Duration) *Registry {
	decisions := ttlcache.New(
		ttlcache.WithTTL[string, bool](decisionTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](), // dont bump ttl on hit
	)
	go decisions.Start()

	return &Registry{
		logger:     logger.WithGroup("authz"),
		validators: make(map[models.Topic]ValidatorFunc),
		decisions:  decisions,
	}
}

func (r *Registry) RegisterValidator(topic models.Topic, fn ValidatorFunc) error {
	if fn == nil {
		return fmt.Errorf("validator for topic %q cannot be nil", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.validators[topic]; ok {
		return fmt.Errorf("%w: %s", ErrValidatorRegistered, topic)
	}
	r.validators[topic] = fn
	return nil
}

// Authorize runs the topic's validator for the given principal and scope.
// A missing validator authorizes unconditionally.
func (r *Registry) Authorize(ctx context.Context, p models.Principal, scope models.Scope) (bool, error) {
	r.mu.RLock()
	fn, ok := r.validators[scope.Topic]
	r.mu.RUnlock()

	if !ok {
		return true, nil
	}

	cacheKey := p.TokenUUID + "|" + scope.Key()
	if item := r.decisions.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	granted, err := fn(ctx, p, scope.InstanceID)
	if err != nil {
		r.logger.Error("Validator failed", "topic", scope.Topic, "instance_id", scope.InstanceID, "error", err)
		return false, err
	}

	r.decisions.Set(cacheKey, granted, ttlcache.DefaultTTL)
	r.logger.Debug("Authorization decided", "topic", scope.Topic, "instance_id", scope.InstanceID, "granted", granted)
	return granted, nil
}

// Reset drops all validators and cached decisions. Test helper.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = make(map[models.Topic]ValidatorFunc)
	r.decisions.DeleteAll()
}

func (r *Registry) Stop() {
	r.decisions.Stop()
}
