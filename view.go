package mitmproxy

// FlowView is a filtered, ordered projection over a FlowStore. It is
// attached to the store as a sink and keeps its member set equal to the
// predicate-filtered subset of the store, in store order, at all times.
//
// Change notifications the view itself produces go to its downstream sink.
// An update that moves a flow across the predicate boundary is translated:
// joining the view is forwarded as an add, leaving it as a remove.
//
// Like the store, the view is owned by the master loop and is not safe for
// concurrent use.
type FlowView struct {
	store  *FlowStore
	pred   FlowPredicate
	flows  []*Flow
	member map[string]struct{}
	sink   FlowSink
}

// NewFlowView creates a view over the store with the given predicate and
// downstream sink, and attaches itself to the store. A nil predicate
// matches every flow. The view starts from the store's current contents
// without emitting notifications.
func NewFlowView(store *FlowStore, pred FlowPredicate, sink FlowSink) *FlowView {
	v := &FlowView{
		store: store,
		pred:  pred,
		sink:  sink,
	}
	v.recompute()
	store.Attach(v)
	return v
}

func (v *FlowView) matches(f *Flow) bool {
	return v.pred == nil || v.pred(f)
}

// recompute rebuilds membership from the store snapshot.
func (v *FlowView) recompute() {
	v.flows = v.flows[:0]
	v.member = make(map[string]struct{})
	for _, f := range v.store.All() {
		if v.matches(f) {
			v.flows = append(v.flows, f)
			v.member[f.ID] = struct{}{}
		}
	}
}

// insert places the flow into the view at the position matching store
// order. Adds land at the end (the store appends); updates that join the
// view mid-store need the scan.
func (v *FlowView) insert(f *Flow) {
	pos := v.store.PositionOf(f.ID)
	at := len(v.flows)
	for i, existing := range v.flows {
		if v.store.PositionOf(existing.ID) > pos {
			at = i
			break
		}
	}
	v.flows = append(v.flows, nil)
	copy(v.flows[at+1:], v.flows[at:])
	v.flows[at] = f
	v.member[f.ID] = struct{}{}
}

func (v *FlowView) delete(f *Flow) {
	for i, existing := range v.flows {
		if existing.ID == f.ID {
			v.flows = append(v.flows[:i], v.flows[i+1:]...)
			break
		}
	}
	delete(v.member, f.ID)
}

// OnAdd implements FlowSink.
func (v *FlowView) OnAdd(f *Flow) {
	if !v.matches(f) {
		return
	}
	v.insert(f)
	if v.sink != nil {
		v.sink.OnAdd(f)
	}
}

// OnUpdate implements FlowSink. The predicate is re-evaluated; a flow
// joining the view is forwarded as an add, one leaving it as a remove.
func (v *FlowView) OnUpdate(f *Flow) {
	_, wasIn := v.member[f.ID]
	nowIn := v.matches(f)

	switch {
	case !wasIn && nowIn:
		v.insert(f)
		if v.sink != nil {
			v.sink.OnAdd(f)
		}
	case wasIn && !nowIn:
		v.delete(f)
		if v.sink != nil {
			v.sink.OnRemove(f)
		}
	case wasIn && nowIn:
		// Membership unchanged but the stored pointer may have been
		// replaced; keep the view's slice pointing at the live flow.
		for i, existing := range v.flows {
			if existing.ID == f.ID {
				v.flows[i] = f
				break
			}
		}
		if v.sink != nil {
			v.sink.OnUpdate(f)
		}
	}
}

// OnRemove implements FlowSink.
func (v *FlowView) OnRemove(f *Flow) {
	if _, ok := v.member[f.ID]; !ok {
		return
	}
	v.delete(f)
	if v.sink != nil {
		v.sink.OnRemove(f)
	}
}

// OnReset implements FlowSink: membership is recomputed from scratch and
// exactly one reset is forwarded downstream.
func (v *FlowView) OnReset() {
	v.recompute()
	if v.sink != nil {
		v.sink.OnReset()
	}
}

// SetPredicate replaces the view predicate. This is equivalent to a bulk
// reset: membership is recomputed and one reset forwarded.
func (v *FlowView) SetPredicate(pred FlowPredicate) {
	v.pred = pred
	v.OnReset()
}

// Flows returns the view members in order. The slice is a copy.
func (v *FlowView) Flows() []*Flow {
	return append([]*Flow(nil), v.flows...)
}

// Len returns the number of flows in the view.
func (v *FlowView) Len() int {
	return len(v.flows)
}

// Contains reports whether the flow id is in the view.
func (v *FlowView) Contains(id string) bool {
	_, ok := v.member[id]
	return ok
}
