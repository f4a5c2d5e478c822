package pipeline

import (
	"context"
	"sync"
)

// Run is the event stream of one pipeline run. Events are delivered in
// production order through Next until the stream closes or the run is
// cancelled. A Run is consumed by a single goroutine; Cancel may be called
// from any goroutine.
type Run struct {
	SessionID string

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	registry *confirmRegistry

	mu       sync.Mutex
	token    string // provisional confirmation parked by this run
	settled  bool   // token was activated or discarded
	stopHook func() bool

	finishOnce sync.Once
}

func newRun(parent context.Context, sessionID string, registry *confirmRegistry) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		SessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event),
		done:      make(chan struct{}),
		registry:  registry,
	}
	r.stopHook = context.AfterFunc(ctx, r.discardPending)
	return r
}

// Next returns the next event of the run. It returns false once the stream
// is exhausted or the run was cancelled; no event is returned after Cancel.
func (r *Run) Next() (Event, bool) {
	if r.ctx.Err() != nil {
		return Event{}, false
	}
	select {
	case ev, ok := <-r.events:
		if !ok {
			r.drained()
			return Event{}, false
		}
		if r.ctx.Err() != nil {
			return Event{}, false
		}
		return ev, true
	case <-r.ctx.Done():
		return Event{}, false
	}
}

// Cancel stops the run. Stage results that arrive afterwards are dropped and
// a confirmation requested by the run is discarded unless the stream was
// already drained.
func (r *Run) Cancel() {
	r.cancel()
	r.discardPending()
}

// Done is closed when the run's driver has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Context returns the run's context. It is cancelled by Cancel and when the
// parent context ends.
func (r *Run) Context() context.Context {
	return r.ctx
}

// emit hands an event to the consumer, giving up when the run is cancelled.
func (r *Run) emit(ev Event) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Run) setPending(token string) {
	r.mu.Lock()
	r.token = token
	r.settled = false
	r.mu.Unlock()
	if r.ctx.Err() != nil {
		r.discardPending()
	}
}

// drained activates the run's confirmation once the consumer has read every
// event without cancelling, then releases the run's context.
func (r *Run) drained() {
	r.mu.Lock()
	if r.token != "" && !r.settled && r.ctx.Err() == nil {
		r.registry.activate(r.SessionID, r.token)
		r.settled = true
	}
	r.mu.Unlock()
	r.stopHook()
	r.cancel()
}

func (r *Run) discardPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" || r.settled {
		return
	}
	r.registry.discard(r.SessionID, r.token)
	r.settled = true
}

// finish closes the stream once the driver is done with it.
func (r *Run) finish() {
	r.finishOnce.Do(func() {
		close(r.events)
		close(r.done)
	})
}
