package agent

import "sync"

// Emitter delivers a run's events to exactly one consumer in emission
// order. If the consumer goes away mid-run it calls Detach: later events
// are dropped (not buffered) and the producing loop never blocks on the
// gone client.
type Emitter struct {
	mu       sync.Mutex
	ch       chan Event
	detached bool
	closed   bool
}

func NewEmitter(buffer int) *Emitter {
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events is the single-consumer channel. It is closed by Close once the
// run has finished emitting.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit delivers one event. After Detach it is a no-op.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.detached || e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.ch <- ev
}

// Detach marks the consumer as gone. Events already in the channel are
// drained and discarded so a blocked Emit can finish.
func (e *Emitter) Detach() {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.detached = true
	e.mu.Unlock()

	go func() {
		for range e.ch {
		}
	}()
}

// Close ends the stream. Only the producing loop may call it, exactly
// once, after its final Emit.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
