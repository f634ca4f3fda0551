package store

import "reflect"

// Instance is one live model object. Its field map is owned by the
// store; all reads and writes go through the store's lock, and every
// write funnels through Update so watchers fire uniformly.
type Instance struct {
	store   *Store
	kind    Kind
	id      string
	fields  map[string]any
	deleted bool
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) KindName() string {
	return i.kind.Name
}

// Field returns the current value, or nil when unset.
func (i *Instance) Field(name string) any {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	return i.fields[name]
}

// StringField is Field with a type assertion; missing or non-string
// values come back empty.
func (i *Instance) StringField(name string) string {
	v, _ := i.Field(name).(string)
	return v
}

// NumberField returns a numeric field as float64 (the JSON decode
// type); zero when missing.
func (i *Instance) NumberField(name string) float64 {
	v, _ := i.Field(name).(float64)
	return v
}

// Update merges partial fields into the instance. Fields whose value is
// unchanged do not fire watchers, so replaying the same state is
// observationally a no-op. Updates on a deleted instance are dropped.
func (i *Instance) Update(partial map[string]any) {
	i.store.mu.Lock()
	if i.deleted {
		i.store.mu.Unlock()
		return
	}
	changed := i.applyLocked(partial, false)
	fieldNotifies := i.store.collectFieldNotifies(i.kind.Name, i.id, i, changed)
	var kindNotifies []func()
	if len(changed) > 0 {
		kindNotifies = i.store.collectKindNotifies(i.kind.Name)
	}
	i.store.mu.Unlock()

	runNotifies(fieldNotifies, kindNotifies)
}

// Foreign resolves a foreign field's ids to live instances, right now,
// against the store. Ids whose target no longer exists are silently
// absent from the result. The resolution is never cached.
func (i *Instance) Foreign(field string) []*Instance {
	targetKind, ok := i.kind.Foreign[field]
	if !ok {
		return nil
	}
	i.store.mu.Lock()
	defer i.store.mu.Unlock()

	ids := foreignIDs(i.fields[field])
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if target := i.store.instances[targetKind][id]; target != nil {
			out = append(out, target)
		}
	}
	return out
}

// applyLocked writes fields and reports which ones actually changed.
// Caller holds the store lock.
func (i *Instance) applyLocked(fields map[string]any, replace bool) []string {
	var changed []string

	if replace {
		for name := range i.fields {
			if _, kept := fields[name]; !kept {
				delete(i.fields, name)
				changed = append(changed, name)
			}
		}
	}
	for name, value := range fields {
		if _, isForeign := i.kind.Foreign[name]; isForeign {
			value = foreignIDs(value)
		}
		if reflect.DeepEqual(i.fields[name], value) {
			continue
		}
		i.fields[name] = value
		changed = append(changed, name)
	}
	return changed
}

func (i *Instance) detach() {
	i.store.mu.Lock()
	i.deleted = true
	i.store.mu.Unlock()
}

// foreignIDs normalizes a foreign field value to a string slice. JSON
// decoding yields []any; direct Update calls may pass []string.
func foreignIDs(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
