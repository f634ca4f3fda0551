package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

/*
	A normalized cache of server-derived objects, keyed by kind and id.
	Every payload that arrives over the socket or a REST response is
	hydrated into here, and reads resolve relations against the live
	contents, so every consumer observes the same object state.

	Relations are weak: a foreign field holds ids, never object
	references. Resolution happens at read time against whatever the
	store currently holds, which is what makes deletion cascade cleanly.
*/

// Kind declares one model type. Foreign maps a field name to the kind
// whose instances that field references (the field value is a list of
// ids). Decode turns a raw payload into an id plus a field map; when nil
// the payload is decoded as a JSON object with a string "id" field.
type Kind struct {
	Name    string
	Foreign map[string]string
	Decode  func(payload json.RawMessage) (id string, fields map[string]any, err error)
}

type Store struct {
	mu     sync.Mutex
	logger *slog.Logger

	kinds     map[string]Kind
	instances map[string]map[string]*Instance

	nextWatch     int
	fieldWatchers map[fieldKey]map[int]func(any)
	kindWatchers  map[string]map[int]func()
}

// New builds a store over the given kinds. Registering the same kind
// name twice is a construction error; there is no mutation of the kind
// set after this point.
func New(logger *slog.Logger, kinds ...Kind) (*Store, error) {
	s := &Store{
		logger:        logger.WithGroup("store"),
		kinds:         make(map[string]Kind),
		instances:     make(map[string]map[string]*Instance),
		fieldWatchers: make(map[fieldKey]map[int]func(any)),
		kindWatchers:  make(map[string]map[int]func()),
	}
	for _, k := range kinds {
		if k.Name == "" {
			return nil, fmt.Errorf("kind name cannot be empty")
		}
		if _, exists := s.kinds[k.Name]; exists {
			return nil, fmt.Errorf("kind '%s' already registered", k.Name)
		}
		s.kinds[k.Name] = k
		s.instances[k.Name] = make(map[string]*Instance)
	}
	return s, nil
}

// Reset drops every instance and watcher but keeps the kind registry.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.instances {
		s.instances[name] = make(map[string]*Instance)
	}
	s.fieldWatchers = make(map[fieldKey]map[int]func(any))
	s.kindWatchers = make(map[string]map[int]func())
}

// Get returns the live instance or nil.
func (s *Store) Get(kind, id string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[kind][id]
}

// All returns the instances of a kind that satisfy the predicate. A nil
// predicate matches everything.
func (s *Store) All(kind string, predicate func(*Instance) bool) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchLocked(kind, predicate)
}

func (s *Store) matchLocked(kind string, predicate func(*Instance) bool) []*Instance {
	var out []*Instance
	for _, inst := range s.instances[kind] {
		if predicate == nil || predicate(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// FromOne hydrates a single payload. An existing instance is merged
// field by field (last write wins); replace discards fields absent from
// the payload. Hydrating the same payload twice is a no-op the second
// time, watchers included.
func (s *Store) FromOne(kind string, payload json.RawMessage, replace bool) (*Instance, error) {
	k, ok := s.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind '%s'", kind)
	}

	id, fields, err := decodePayload(k, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	s.mu.Lock()
	inst, exists := s.instances[kind][id]
	if !exists {
		inst = &Instance{store: s, kind: k, id: id, fields: make(map[string]any)}
		s.instances[kind][id] = inst
	}
	changed := inst.applyLocked(fields, replace)
	notifyFields := s.collectFieldNotifies(kind, id, inst, changed)
	notifyKind := !exists || len(changed) > 0
	var kindNotifies []func()
	if notifyKind {
		kindNotifies = s.collectKindNotifies(kind)
	}
	s.mu.Unlock()

	runNotifies(notifyFields, kindNotifies)
	return inst, nil
}

// FromArray hydrates a batch. A payload that fails to decode is logged
// and skipped; the rest of the batch still lands.
func (s *Store) FromArray(kind string, payloads []json.RawMessage, replace bool) []*Instance {
	out := make([]*Instance, 0, len(payloads))
	for _, payload := range payloads {
		inst, err := s.FromOne(kind, payload, replace)
		if err != nil {
			s.logger.Warn("Skipping malformed payload in batch", "kind", kind, "error", err)
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Delete removes an instance and strips its id from every foreign field
// in the store that could reference it. Watchers on those foreign
// fields fire; nothing anywhere in the store keeps returning the
// removed id afterwards.
func (s *Store) Delete(kind, id string) {
	s.mu.Lock()
	inst, exists := s.instances[kind][id]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.instances[kind], id)
	fieldNotifies, kindNotifies := s.cascadeLocked(kind, map[string]struct{}{id: {}})
	kindNotifies = append(kindNotifies, s.collectKindNotifies(kind)...)
	s.mu.Unlock()

	inst.detach()
	runNotifies(fieldNotifies, kindNotifies)
}

// DeleteWhere removes every instance of the kind matching the predicate,
// with the same store-wide cascade as Delete.
func (s *Store) DeleteWhere(kind string, predicate func(*Instance) bool) int {
	s.mu.Lock()
	removed := make(map[string]struct{})
	var detached []*Instance
	for id, inst := range s.instances[kind] {
		if predicate(inst) {
			delete(s.instances[kind], id)
			removed[id] = struct{}{}
			detached = append(detached, inst)
		}
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return 0
	}
	fieldNotifies, kindNotifies := s.cascadeLocked(kind, removed)
	kindNotifies = append(kindNotifies, s.collectKindNotifies(kind)...)
	s.mu.Unlock()

	for _, inst := range detached {
		inst.detach()
	}
	runNotifies(fieldNotifies, kindNotifies)
	return len(removed)
}

// cascadeLocked strips the removed ids out of every foreign field that
// declares the deleted kind as its target. Returns the watcher
// callbacks to run after unlock.
func (s *Store) cascadeLocked(deletedKind string, removed map[string]struct{}) ([]func(), []func()) {
	var fieldNotifies []func()
	var kindNotifies []func()

	for kindName, k := range s.kinds {
		for fieldName, targetKind := range k.Foreign {
			if targetKind != deletedKind {
				continue
			}
			kindTouched := false
			for id, inst := range s.instances[kindName] {
				before := foreignIDs(inst.fields[fieldName])
				after := before[:0:0]
				for _, ref := range before {
					if _, gone := removed[ref]; !gone {
						after = append(after, ref)
					}
				}
				if len(after) == len(before) {
					continue
				}
				inst.fields[fieldName] = after
				kindTouched = true
				fieldNotifies = append(fieldNotifies,
					s.collectFieldNotifies(kindName, id, inst, []string{fieldName})...)
			}
			if kindTouched {
				kindNotifies = append(kindNotifies, s.collectKindNotifies(kindName)...)
			}
		}
	}
	return fieldNotifies, kindNotifies
}

func decodePayload(k Kind, payload json.RawMessage) (string, map[string]any, error) {
	if k.Decode != nil {
		return k.Decode(payload)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, err
	}
	id, ok := fields["id"].(string)
	if !ok || id == "" {
		return "", nil, fmt.Errorf("payload has no string 'id' field")
	}
	delete(fields, "id")
	return id, fields, nil
}

func runNotifies(groups ...[]func()) {
	for _, group := range groups {
		for _, fn := range group {
			fn()
		}
	}
}
