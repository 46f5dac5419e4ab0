package mitmproxy

import "errors"

// Store errors.
var (
	// ErrUnknownFlow is returned by Update and Remove when the flow id is
	// not present in the store. The store is left untouched; the error is
	// never a silent corruption of store order.
	ErrUnknownFlow = errors.New("unknown flow id")

	// ErrDuplicateFlow is returned by Add when the flow id already exists.
	ErrDuplicateFlow = errors.New("duplicate flow id")
)

// FlowSink receives change notifications from a FlowStore or FlowView.
// Sinks are injected by composition; every store mutation produces exactly
// one call on each attached sink, in mutation order.
type FlowSink interface {
	OnAdd(f *Flow)
	OnUpdate(f *Flow)
	OnRemove(f *Flow)

	// OnReset signals a bulk replacement: discard any derived state and
	// rebuild from the source. No per-record diffs accompany it.
	OnReset()
}

// FlowStore is the canonical, insertion-ordered collection of flows, keyed
// by id for O(1) lookup.
//
// The store is not safe for concurrent use: it is owned and mutated
// exclusively by the master loop, which also serializes all reads on
// behalf of other goroutines. This single-owner discipline is what makes
// each mutation appear atomic to observers.
type FlowStore struct {
	flows []*Flow
	index map[string]*Flow
	sinks []FlowSink
}

// NewFlowStore creates an empty store with the given notification sinks.
func NewFlowStore(sinks ...FlowSink) *FlowStore {
	return &FlowStore{
		index: make(map[string]*Flow),
		sinks: sinks,
	}
}

// Attach adds a notification sink. Meant for wiring done immediately after
// construction, before the store receives traffic.
func (s *FlowStore) Attach(sink FlowSink) {
	s.sinks = append(s.sinks, sink)
}

// Add appends the flow at the end of the store.
func (s *FlowStore) Add(f *Flow) error {
	if _, ok := s.index[f.ID]; ok {
		return ErrDuplicateFlow
	}
	s.flows = append(s.flows, f)
	s.index[f.ID] = f
	for _, sink := range s.sinks {
		sink.OnAdd(f)
	}
	return nil
}

// Update replaces the stored flow with the same id in place; insertion
// order is unchanged.
func (s *FlowStore) Update(f *Flow) error {
	old, ok := s.index[f.ID]
	if !ok {
		return ErrUnknownFlow
	}
	if old != f {
		for i, existing := range s.flows {
			if existing.ID == f.ID {
				s.flows[i] = f
				break
			}
		}
		s.index[f.ID] = f
	}
	for _, sink := range s.sinks {
		sink.OnUpdate(f)
	}
	return nil
}

// Remove deletes the flow by id.
func (s *FlowStore) Remove(f *Flow) error {
	if _, ok := s.index[f.ID]; !ok {
		return ErrUnknownFlow
	}
	for i, existing := range s.flows {
		if existing.ID == f.ID {
			s.flows = append(s.flows[:i], s.flows[i+1:]...)
			break
		}
	}
	delete(s.index, f.ID)
	for _, sink := range s.sinks {
		sink.OnRemove(f)
	}
	return nil
}

// Recalculate atomically replaces the entire backing collection, keeping
// the order of the given slice. Sinks receive a single OnReset and no
// per-record diffs; observers must discard cached state and refetch.
func (s *FlowStore) Recalculate(flows []*Flow) {
	s.flows = append([]*Flow(nil), flows...)
	s.index = make(map[string]*Flow, len(flows))
	for _, f := range flows {
		s.index[f.ID] = f
	}
	for _, sink := range s.sinks {
		sink.OnReset()
	}
}

// Get returns the flow with the given id.
func (s *FlowStore) Get(id string) (*Flow, bool) {
	f, ok := s.index[id]
	return f, ok
}

// PositionOf returns the insertion-order position of the flow id, or -1.
func (s *FlowStore) PositionOf(id string) int {
	if _, ok := s.index[id]; !ok {
		return -1
	}
	for i, f := range s.flows {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// All returns the flows in insertion order. The returned slice is a copy;
// the flows themselves are shared.
func (s *FlowStore) All() []*Flow {
	return append([]*Flow(nil), s.flows...)
}

// Len returns the number of stored flows.
func (s *FlowStore) Len() int {
	return len(s.flows)
}
