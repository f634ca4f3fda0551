package store

type fieldKey struct {
	kind  string
	id    string
	field string
}

// WatchField fires fn with the new value whenever the field actually
// changes. Returns the unsubscribe func; unsubscribing twice is safe.
func (s *Store) WatchField(kind, id, field string, fn func(value any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fieldKey{kind: kind, id: id, field: field}
	if s.fieldWatchers[key] == nil {
		s.fieldWatchers[key] = make(map[int]func(any))
	}
	s.nextWatch++
	watchID := s.nextWatch
	s.fieldWatchers[key][watchID] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fieldWatchers[key], watchID)
		if len(s.fieldWatchers[key]) == 0 {
			delete(s.fieldWatchers, key)
		}
	}
}

// WatchForeign fires fn with freshly resolved instances whenever the
// foreign field changes, including when a referenced instance is
// deleted out from under it. Resolution happens at fire time.
func (s *Store) WatchForeign(kind, id, field string, fn func(resolved []*Instance)) func() {
	return s.WatchField(kind, id, field, func(any) {
		inst := s.Get(kind, id)
		if inst == nil {
			fn(nil)
			return
		}
		fn(inst.Foreign(field))
	})
}

// WatchModels fires fn with the current matching set whenever any
// instance of the kind is created, updated, or removed. A nil predicate
// matches everything.
func (s *Store) WatchModels(kind string, predicate func(*Instance) bool, fn func(matching []*Instance)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kindWatchers[kind] == nil {
		s.kindWatchers[kind] = make(map[int]func())
	}
	s.nextWatch++
	watchID := s.nextWatch
	s.kindWatchers[kind][watchID] = func() {
		fn(s.All(kind, predicate))
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.kindWatchers[kind], watchID)
		if len(s.kindWatchers[kind]) == 0 {
			delete(s.kindWatchers, kind)
		}
	}
}

// collectFieldNotifies snapshots the callbacks to run for the changed
// fields. Caller holds the lock; the returned closures run after it is
// released so a watcher can safely read back into the store.
func (s *Store) collectFieldNotifies(kind, id string, inst *Instance, changed []string) []func() {
	var out []func()
	for _, field := range changed {
		watchers := s.fieldWatchers[fieldKey{kind: kind, id: id, field: field}]
		if len(watchers) == 0 {
			continue
		}
		value := inst.fields[field]
		for _, fn := range watchers {
			fn := fn
			out = append(out, func() { fn(value) })
		}
	}
	return out
}

func (s *Store) collectKindNotifies(kind string) []func() {
	watchers := s.kindWatchers[kind]
	out := make([]func(), 0, len(watchers))
	for _, fn := range watchers {
		out = append(out, fn)
	}
	return out
}
