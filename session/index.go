package session

import "sync"

// GenericIndex is a multi-field secondary index mapping (field, value)
// pairs to sets of session ids. A reverse map per session id allows all
// entries for a session to be removed in one call. Writing a new value
// for a (session, field) pair replaces the previous one. Forward and
// reverse maps are updated atomically under a single writer lock; readers
// observe committed snapshots.
type GenericIndex struct {
	mu sync.RWMutex

	// field -> value -> set of session ids
	forward map[string]map[string]map[string]struct{}
	// session id -> recorded (field, value) pairs
	reverse map[string][]fieldValue
}

type fieldValue struct {
	field string
	value string
}

// NewGenericIndex creates an empty index.
func NewGenericIndex() *GenericIndex {
	return &GenericIndex{
		forward: make(map[string]map[string]map[string]struct{}),
		reverse: make(map[string][]fieldValue),
	}
}

// Add records (field, value) for sid, replacing any prior value of the
// same field.
func (g *GenericIndex) Add(sid, field, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hist := g.reverse[sid]
	for i := range hist {
		if hist[i].field != field {
			continue
		}
		if hist[i].value == value {
			return
		}
		g.dropLocked(sid, field, hist[i].value)
		hist[i].value = value
		g.insertLocked(sid, field, value)
		g.reverse[sid] = hist
		return
	}

	g.insertLocked(sid, field, value)
	g.reverse[sid] = append(hist, fieldValue{field: field, value: value})
}

// Remove deletes every index entry for sid.
func (g *GenericIndex) Remove(sid string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, fv := range g.reverse[sid] {
		g.dropLocked(sid, fv.field, fv.value)
	}
	delete(g.reverse, sid)
}

// Find returns the session ids indexed under (field, value). The result
// is a snapshot safe to retain.
func (g *GenericIndex) Find(field, value string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	values, ok := g.forward[field]
	if !ok {
		return nil
	}
	set, ok := values[value]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

func (g *GenericIndex) insertLocked(sid, field, value string) {
	values, ok := g.forward[field]
	if !ok {
		values = make(map[string]map[string]struct{})
		g.forward[field] = values
	}
	set, ok := values[value]
	if !ok {
		set = make(map[string]struct{})
		values[value] = set
	}
	set[sid] = struct{}{}
}

func (g *GenericIndex) dropLocked(sid, field, value string) {
	values, ok := g.forward[field]
	if !ok {
		return
	}
	set, ok := values[value]
	if !ok {
		return
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(values, value)
	}
	if len(values) == 0 {
		delete(g.forward, field)
	}
}
