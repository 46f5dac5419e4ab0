package mitmproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Event is the wire shape pushed to observers.
type Event struct {
	Type string `json:"type"`
	Cmd  string `json:"cmd"`
	Data any    `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeFlows  = "flows"
	EventTypeEvents = "events"
)

// Event commands.
const (
	CmdAdd    = "add"
	CmdUpdate = "update"
	CmdRemove = "remove"
	CmdReset  = "reset"
)

// ErrObserverBusy is returned by an observer whose delivery buffer is full.
// The event is dropped for that observer; it must refetch a snapshot to
// resynchronize.
var ErrObserverBusy = errors.New("observer buffer full")

// Observer is a delivery target for broadcast events. Deliver must not
// block: a slow consumer should buffer internally and report failure
// rather than stall the publisher.
type Observer interface {
	Deliver(e Event) error
}

// BroadcastHub fans events out to all currently registered observers.
//
// There is no buffering or replay: an observer registered after an event
// was published never receives it and must fetch a full snapshot on
// registration. Delivery failures are isolated per observer: they are
// logged and counted, never raised to the publisher, and never prevent
// delivery to the remaining observers.
type BroadcastHub struct {
	mu        sync.RWMutex
	observers map[Observer]struct{}

	logger  *slog.Logger
	metrics *Metrics
}

// NewBroadcastHub creates a hub. A nil logger uses slog.Default.
func NewBroadcastHub(logger *slog.Logger) *BroadcastHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastHub{
		observers: make(map[Observer]struct{}),
		logger:    logger,
	}
}

// SetMetrics attaches a metrics collector for observer counts and drops.
func (h *BroadcastHub) SetMetrics(m *Metrics) {
	h.metrics = m
}

// Register adds an observer. Registering an observer that is already
// present is a no-op.
func (h *BroadcastHub) Register(o Observer) {
	h.mu.Lock()
	h.observers[o] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetObservers(n)
	}
}

// Deregister removes an observer. Removing an observer that was never
// registered is a no-op. Deregistration does not touch flow or log state.
func (h *BroadcastHub) Deregister(o Observer) {
	h.mu.Lock()
	delete(h.observers, o)
	n := len(h.observers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetObservers(n)
	}
}

// Count returns the number of registered observers.
func (h *BroadcastHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Publish delivers the event to every registered observer. A failing or
// panicking observer is logged and skipped; the rest still receive the
// event. Publish never returns an error to its caller.
func (h *BroadcastHub) Publish(e Event) {
	h.mu.RLock()
	targets := make([]Observer, 0, len(h.observers))
	for o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		if err := h.deliver(o, e); err != nil {
			h.logger.Warn("observer delivery failed",
				"type", e.Type, "cmd", e.Cmd, "error", err)
			if h.metrics != nil {
				h.metrics.RecordPublishDrop()
			}
		}
	}
}

// deliver isolates one observer: a panic inside Deliver is converted to an
// error so the publisher and the remaining observers are unaffected.
func (h *BroadcastHub) deliver(o Observer, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Deliver(e)
}

// ChannelObserver is an Observer that hands events to a consumer over a
// buffered channel. Deliver never blocks: when the buffer is full the
// event is dropped and ErrObserverBusy reported, leaving the consumer to
// resynchronize with a snapshot fetch.
type ChannelObserver struct {
	ch chan Event
}

// NewChannelObserver creates an observer with the given buffer size.
// A size of zero or less uses a default of 64.
func NewChannelObserver(size int) *ChannelObserver {
	if size <= 0 {
		size = 64
	}
	return &ChannelObserver{ch: make(chan Event, size)}
}

// Deliver implements Observer.
func (c *ChannelObserver) Deliver(e Event) error {
	select {
	case c.ch <- e:
		return nil
	default:
		return ErrObserverBusy
	}
}

// Events returns the channel the consumer reads from.
func (c *ChannelObserver) Events() <-chan Event {
	return c.ch
}

// hubFlowSink translates flow change notifications into broadcast events
// carrying short projections. Reset carries no payload.
type hubFlowSink struct {
	hub *BroadcastHub
}

// FlowEvents returns a FlowSink that publishes flow mutations to the hub
// in the observer wire shape. Wire it as the downstream sink of the view
// (or the store directly) so each mutation yields exactly one publish.
// That one-publish-per-mutation property holds for the unfiltered view
// only: when a filter is set, mutations of flows outside the view reach
// no observer at all.
func FlowEvents(hub *BroadcastHub) FlowSink {
	return hubFlowSink{hub: hub}
}

func (s hubFlowSink) OnAdd(f *Flow) {
	s.hub.Publish(Event{Type: EventTypeFlows, Cmd: CmdAdd, Data: f.Summary()})
}

func (s hubFlowSink) OnUpdate(f *Flow) {
	s.hub.Publish(Event{Type: EventTypeFlows, Cmd: CmdUpdate, Data: f.Summary()})
}

func (s hubFlowSink) OnRemove(f *Flow) {
	s.hub.Publish(Event{Type: EventTypeFlows, Cmd: CmdRemove, Data: f.Summary()})
}

func (s hubFlowSink) OnReset() {
	s.hub.Publish(Event{Type: EventTypeFlows, Cmd: CmdReset})
}
