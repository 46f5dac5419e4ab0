package mitmproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrNotIntercepted is returned by Resume when the flow exists but is not
// currently held.
var ErrNotIntercepted = errors.New("flow is not intercepted")

// ErrMasterNotRunning is returned by actions and reads when the consumer
// loop is not active, before Run is called or after it has returned.
var ErrMasterNotRunning = errors.New("master loop not running")

// Master is the single consumer of the connection channel. It drains flow
// lifecycle events, applies interception policy, mutates the flow store
// (which drives the view and broadcast notifications), and resolves each
// submission to unblock its producer.
//
// All store, view and policy state is owned by the Run goroutine. External
// actions (resume, kill, clear, reads on behalf of the web API) are
// funneled onto that goroutine through an internal command queue, so no
// mutation ever races with event processing.
type Master struct {
	opts   *Options
	ch     *ConnectionChannel
	hub    *BroadcastHub
	store  *FlowStore
	view   *FlowView
	events *EventLog

	metrics *Metrics
	logger  *slog.Logger

	// interceptFilter is owned by the Run goroutine.
	interceptFilter *FlowFilter

	cmds    chan masterCmd
	closed  chan struct{}
	running atomic.Bool
}

type masterCmd struct {
	fn    func() error
	reply chan error
}

// NewMaster wires a master over the given options and hub. Flow mutations
// reach observers through the view: store -> view -> hub, so each mutation
// yields exactly one publish for flows matching the view filter.
func NewMaster(opts *Options, hub *BroadcastHub, logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Master{
		opts:   opts,
		ch:     NewConnectionChannel(0),
		hub:    hub,
		logger: logger,
		cmds:   make(chan masterCmd, 64),
		closed: make(chan struct{}),
	}
	m.store = NewFlowStore()
	m.view = NewFlowView(m.store, nil, FlowEvents(hub))
	m.events = NewEventLog(0, hub)

	// Seed policy from current option values, then track changes.
	m.applyInterceptExpr(opts.Intercept())
	m.applyViewFilterExpr(opts.ViewFilter())

	_ = opts.Subscribe(OptIntercept, func(value any) {
		expr, _ := value.(string)
		m.async(func() error {
			m.applyInterceptExpr(expr)
			return nil
		})
	})
	_ = opts.Subscribe(OptViewFilter, func(value any) {
		expr, _ := value.(string)
		m.async(func() error {
			m.applyViewFilterExpr(expr)
			return nil
		})
	})

	return m
}

// SetMetrics attaches a metrics collector to the master, its hub, and its
// event log. Call before Run.
func (m *Master) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
	m.hub.SetMetrics(metrics)
	m.events.SetMetrics(metrics)
}

// EventLog returns the master's diagnostic log.
func (m *Master) EventLog() *EventLog {
	return m.events
}

// Run executes the consumer loop until the context is cancelled. On exit
// the connection channel is torn down, which unblocks every still-pending
// producer with a kill verdict. Run must be called exactly once.
func (m *Master) Run(ctx context.Context) error {
	m.running.Store(true)
	m.events.Append("master loop started", LevelInfo)

	defer func() {
		m.running.Store(false)
		m.ch.Close()
		close(m.closed)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.cmds:
			err := cmd.fn()
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case sub := <-m.ch.Incoming():
			m.process(sub)
		}
	}
}

// Running reports whether the consumer loop is active.
func (m *Master) Running() bool {
	return m.running.Load()
}

// do runs fn on the consumer goroutine and waits for its result. Calling
// it without an active loop fails instead of parking the caller forever.
func (m *Master) do(fn func() error) error {
	if !m.running.Load() {
		return ErrMasterNotRunning
	}
	c := masterCmd{fn: fn, reply: make(chan error, 1)}
	select {
	case m.cmds <- c:
	case <-m.closed:
		return ErrChannelClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.closed:
		return ErrChannelClosed
	}
}

// async queues fn for the consumer goroutine without waiting.
func (m *Master) async(fn func() error) {
	select {
	case m.cmds <- masterCmd{fn: fn}:
	case <-m.closed:
	}
}

// ----------------------------------------------------------------------
// Producer-facing hooks
// ----------------------------------------------------------------------

// HandleRequest submits the request stage of a flow and blocks until the
// master releases it. Called by the proxy engine's connection worker.
func (m *Master) HandleRequest(f *Flow) (Verdict, error) {
	return m.ch.Submit(f, KindRequest)
}

// HandleResponse submits the response stage of a flow and blocks until the
// master releases it.
func (m *Master) HandleResponse(f *Flow) (Verdict, error) {
	return m.ch.Submit(f, KindResponse)
}

// HandleError reports a failed flow and blocks until the master records it.
func (m *Master) HandleError(f *Flow) (Verdict, error) {
	return m.ch.Submit(f, KindError)
}

// ----------------------------------------------------------------------
// Event processing
// ----------------------------------------------------------------------

func (m *Master) process(sub *Submission) {
	f := sub.Flow
	f.Kind = sub.Kind

	switch sub.Kind {
	case KindRequest:
		if m.opts.AntiCache() {
			stripCacheHeaders(f.Request)
		}
	case KindResponse:
		if m.opts.AntiComp() {
			if err := DecodeResponse(f.Response); err != nil {
				m.events.Append(fmt.Sprintf("cannot decode response body for flow %s: %v", f.ID, err), LevelWarn)
			}
		}
	}

	intercept := m.shouldIntercept(f)
	if intercept {
		f.Intercepted = true
		f.pending = sub
	}

	if _, ok := m.store.Get(f.ID); ok {
		if err := m.store.Update(f); err != nil {
			m.resolveAbort(sub, err)
			return
		}
	} else {
		if err := m.store.Add(f); err != nil {
			m.resolveAbort(sub, err)
			return
		}
	}

	if m.metrics != nil {
		m.metrics.RecordFlow(string(sub.Kind))
		m.metrics.SetStoreSize(m.store.Len())
	}

	if intercept {
		if m.metrics != nil {
			m.metrics.IncIntercepted()
		}
		m.events.Append(fmt.Sprintf("flow %s intercepted", f.ID), LevelInfo)
		m.logger.Debug("flow intercepted", "id", f.ID, "kind", string(f.Kind))
		return
	}

	m.resolve(sub, Verdict{Outcome: OutcomePass, Flow: f})
}

func (m *Master) shouldIntercept(f *Flow) bool {
	if f.pending != nil {
		return false
	}
	return m.interceptFilter != nil && m.opts.InterceptActive() && m.interceptFilter.Matches(f)
}

func (m *Master) resolve(sub *Submission, v Verdict) {
	sub.Resolve(v)
	if m.metrics != nil {
		m.metrics.RecordResolve(v.Outcome.String())
	}
}

// resolveAbort handles a submission the store rejected: the flow was
// removed (or duplicated) while the event was in flight. The producer is
// released with a kill so one malformed transaction cannot stall others.
func (m *Master) resolveAbort(sub *Submission, err error) {
	m.logger.Warn("rejected flow event", "id", sub.Flow.ID, "kind", string(sub.Kind), "error", err)
	sub.Flow.pending = nil
	sub.Flow.Intercepted = false
	m.resolve(sub, Verdict{Outcome: OutcomeKill, Flow: sub.Flow})
}

func (m *Master) applyInterceptExpr(expr string) {
	if expr == "" {
		m.interceptFilter = nil
		return
	}
	filter, err := ParseFilter(expr)
	if err != nil {
		m.events.Append(fmt.Sprintf("invalid intercept filter %q: %v", expr, err), LevelError)
		return
	}
	m.interceptFilter = filter
}

func (m *Master) applyViewFilterExpr(expr string) {
	if expr == "" {
		m.view.SetPredicate(nil)
		return
	}
	filter, err := ParseFilter(expr)
	if err != nil {
		m.events.Append(fmt.Sprintf("invalid view filter %q: %v", expr, err), LevelError)
		return
	}
	m.view.SetPredicate(filter.Predicate())
}

// ----------------------------------------------------------------------
// External actions (UI / API)
// ----------------------------------------------------------------------

// Resume releases an intercepted flow: its blocked producer receives a
// pass verdict with the current (possibly modified) flow state.
func (m *Master) Resume(id string) error {
	return m.do(func() error {
		f, ok := m.store.Get(id)
		if !ok {
			return ErrUnknownFlow
		}
		sub := f.pending
		if sub == nil {
			return ErrNotIntercepted
		}
		f.pending = nil
		f.Intercepted = false
		if err := m.store.Update(f); err != nil {
			return err
		}
		m.resolve(sub, Verdict{Outcome: OutcomePass, Flow: f})
		if m.metrics != nil {
			m.metrics.DecIntercepted()
		}
		m.events.Append(fmt.Sprintf("flow %s resumed", id), LevelInfo)
		return nil
	})
}

// Kill aborts a flow: a blocked producer (if any) receives a kill verdict
// and the record is removed from the store.
func (m *Master) Kill(id string) error {
	return m.removeFlow(id, "killed")
}

// RemoveFlow deletes a flow record. A flow still holding a blocked
// producer is resolved with a kill first; records are never deleted with
// an unresolved handle attached.
func (m *Master) RemoveFlow(id string) error {
	return m.removeFlow(id, "deleted")
}

func (m *Master) removeFlow(id, action string) error {
	return m.do(func() error {
		f, ok := m.store.Get(id)
		if !ok {
			return ErrUnknownFlow
		}
		m.abortPending(f)
		if err := m.store.Remove(f); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.SetStoreSize(m.store.Len())
		}
		m.events.Append(fmt.Sprintf("flow %s %s", id, action), LevelInfo)
		return nil
	})
}

// abortPending resolves a held producer with a kill verdict. Caller runs
// on the consumer goroutine.
func (m *Master) abortPending(f *Flow) {
	sub := f.pending
	if sub == nil {
		return
	}
	f.pending = nil
	f.Intercepted = false
	m.resolve(sub, Verdict{Outcome: OutcomeKill, Flow: f})
	if m.metrics != nil {
		m.metrics.DecIntercepted()
	}
}

// ClearFlows removes every flow. Held producers are aborted first, then
// the store is reset in one bulk operation (observers see a single reset).
func (m *Master) ClearFlows() error {
	return m.do(func() error {
		for _, f := range m.store.All() {
			m.abortPending(f)
		}
		m.store.Recalculate(nil)
		if m.metrics != nil {
			m.metrics.SetStoreSize(0)
		}
		m.events.Append("flow list cleared", LevelInfo)
		return nil
	})
}

// MarkFlow toggles the user mark on a flow.
func (m *Master) MarkFlow(id string, marked bool) error {
	return m.do(func() error {
		f, ok := m.store.Get(id)
		if !ok {
			return ErrUnknownFlow
		}
		f.Marked = marked
		return m.store.Update(f)
	})
}

// ----------------------------------------------------------------------
// Reads (serialized through the consumer goroutine)
// ----------------------------------------------------------------------

// ListFlows returns short projections of the flows in the current view.
func (m *Master) ListFlows() ([]FlowSummary, error) {
	var out []FlowSummary
	err := m.do(func() error {
		flows := m.view.Flows()
		out = make([]FlowSummary, 0, len(flows))
		for _, f := range flows {
			out = append(out, f.Summary())
		}
		return nil
	})
	return out, err
}

// GetFlow returns the full projection of one flow.
func (m *Master) GetFlow(id string) (FlowState, error) {
	var out FlowState
	err := m.do(func() error {
		f, ok := m.store.Get(id)
		if !ok {
			return ErrUnknownFlow
		}
		out = f.State()
		return nil
	})
	return out, err
}

// FlowCount returns the store and view sizes.
func (m *Master) FlowCount() (store, view int, err error) {
	err = m.do(func() error {
		store = m.store.Len()
		view = m.view.Len()
		return nil
	})
	return store, view, err
}

// MasterStats is a point-in-time snapshot of control-plane load.
type MasterStats struct {
	// Flows is the number of records in the store.
	Flows int `json:"flows"`

	// ViewFlows is the number of records matching the view filter.
	ViewFlows int `json:"view_flows"`

	// Intercepted is the number of flows currently held.
	Intercepted int `json:"intercepted"`

	// PendingProducers is the number of connection workers blocked in
	// Submit, held or still queued.
	PendingProducers int `json:"pending_producers"`
}

// Stats returns a snapshot of control-plane load, served on readiness
// probes.
func (m *Master) Stats() (MasterStats, error) {
	var out MasterStats
	err := m.do(func() error {
		out.Flows = m.store.Len()
		out.ViewFlows = m.view.Len()
		for _, f := range m.store.All() {
			if f.Intercepted {
				out.Intercepted++
			}
		}
		return nil
	})
	out.PendingProducers = m.ch.Pending()
	return out, err
}

// AddEvent appends a diagnostic log entry.
func (m *Master) AddEvent(message, level string) {
	m.events.Append(message, level)
}
