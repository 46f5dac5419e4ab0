package mitmproxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrChannelClosed is returned by Submit when the channel has been torn
// down. The producer must treat its transaction as aborted and not retry.
var ErrChannelClosed = errors.New("connection channel closed")

// Outcome is the decision carried back to a blocked producer.
type Outcome int

// Submission outcomes.
const (
	// OutcomePass releases the transaction: the worker proceeds with the
	// (possibly modified) flow.
	OutcomePass Outcome = iota

	// OutcomeKill aborts the transaction: the worker must close the
	// connection and release its resources.
	OutcomeKill
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Verdict is the result of a resolved submission.
type Verdict struct {
	Outcome Outcome

	// Flow is the transaction state as decided by the consumer, possibly
	// modified during interception.
	Flow *Flow
}

// Submission is one pending flow lifecycle event: a producer is blocked
// inside Submit until Resolve is called for this exact submission.
//
// Resolve must be called exactly once. Never calling it is the deliberate
// mechanism by which a flow is held intercepted indefinitely; calling it
// twice is a programming error and panics.
type Submission struct {
	Flow *Flow
	Kind FlowKind

	reply    chan Verdict
	resolved atomic.Bool
}

// Resolve unblocks the producer that submitted this event, handing it the
// verdict. It panics if the submission was already resolved: a double
// resolve indicates a leaked or duplicated transaction.
func (s *Submission) Resolve(v Verdict) {
	if !s.resolved.CompareAndSwap(false, true) {
		panic("mitmproxy: submission resolved twice")
	}
	s.reply <- v
}

// Resolved reports whether Resolve has been called.
func (s *Submission) Resolved() bool {
	return s.resolved.Load()
}

// ConnectionChannel is the synchronization boundary between the many
// connection-handling producers and the single consuming master loop.
//
// Producers call Submit and block; the consumer receives submissions from
// Incoming (or Next) and unblocks each producer with Submission.Resolve.
// There is no global FIFO guarantee across producers, but one producer's
// sequential events for the same flow are delivered in submission order.
//
// Close tears the channel down: every producer still blocked, whether its
// event was drained or not, receives a kill verdict and ErrChannelClosed.
type ConnectionChannel struct {
	queue     chan *Submission
	done      chan struct{}
	closeOnce sync.Once
	pending   atomic.Int64
}

// NewConnectionChannel creates a channel with the given queue depth.
// A depth of zero or less uses a default of 64.
func NewConnectionChannel(depth int) *ConnectionChannel {
	if depth <= 0 {
		depth = 64
	}
	return &ConnectionChannel{
		queue: make(chan *Submission, depth),
		done:  make(chan struct{}),
	}
}

// Submit enqueues a lifecycle event for the flow and blocks the calling
// producer until the consumer resolves it. The suspension is unbounded by
// design: a flow may be held intercepted for as long as a human cares to
// look at it. The only other way out is channel teardown, which returns a
// kill verdict and ErrChannelClosed.
//
// A producer must not submit a second event for the same flow before the
// first is resolved.
func (c *ConnectionChannel) Submit(f *Flow, kind FlowKind) (Verdict, error) {
	s := &Submission{
		Flow:  f,
		Kind:  kind,
		reply: make(chan Verdict, 1),
	}

	c.pending.Add(1)
	defer c.pending.Add(-1)

	select {
	case <-c.done:
		return Verdict{Outcome: OutcomeKill, Flow: f}, ErrChannelClosed
	case c.queue <- s:
	}

	select {
	case <-c.done:
		return Verdict{Outcome: OutcomeKill, Flow: f}, ErrChannelClosed
	case v := <-s.reply:
		return v, nil
	}
}

// Incoming returns the stream of queued submissions for the consumer to
// drain. Only the single master loop may receive from it.
func (c *ConnectionChannel) Incoming() <-chan *Submission {
	return c.queue
}

// Next blocks until a submission is available, the context is cancelled,
// or the channel is closed.
func (c *ConnectionChannel) Next(ctx context.Context) (*Submission, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	case s := <-c.queue:
		return s, nil
	}
}

// Pending returns the number of producers currently blocked in Submit.
func (c *ConnectionChannel) Pending() int {
	return int(c.pending.Load())
}

// Close tears down the channel. All blocked producers unblock with a kill
// verdict and ErrChannelClosed. Close is idempotent.
func (c *ConnectionChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done returns a channel closed on teardown.
func (c *ConnectionChannel) Done() <-chan struct{} {
	return c.done
}
