package wire

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel capacity used when none is given. Large enough
// that producers rarely block; bounded so a stalled consumer applies
// back-pressure instead of growing memory without limit.
const DefaultBuffer = 256

// Wire is a multi-producer single-consumer FIFO event channel. Producers at
// any nesting depth share one Wire; a single consumer drains it. Closing is
// single-shot and owned by the top-level executor: writes after close are
// silently dropped so racy nested closures degrade gracefully, and every
// reader (including ones attached after close) observes termination.
type Wire struct {
	ch     chan Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// New creates a Wire with the given buffer capacity; buffer <= 0 selects
// DefaultBuffer.
func New(buffer int) *Wire {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Wire{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Write delivers an event, blocking when the buffer is full. Returns without
// delivering when the Wire is closed or the context is cancelled.
func (w *Wire) Write(ctx context.Context, ev Event) {
	if w.closed.Load() {
		return
	}
	select {
	case w.ch <- ev:
	case <-w.done:
	case <-ctx.Done():
	}
}

// TryWrite delivers an event without blocking. Reports whether the event was
// accepted; false means the buffer was full or the Wire is closed.
func (w *Wire) TryWrite(ev Event) bool {
	if w.closed.Load() {
		return false
	}
	select {
	case w.ch <- ev:
		return true
	default:
		return false
	}
}

// Close marks the Wire terminated. Events already buffered remain readable;
// subsequent writes are dropped. Safe to call multiple times and from any
// goroutine, but by protocol only the top-level executor closes, after the
// outermost terminal run event has been written.
func (w *Wire) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
}

// Closed reports whether Close has been called.
func (w *Wire) Closed() bool {
	return w.closed.Load()
}

// Read returns a channel of events that terminates (closes) once the Wire is
// closed and all buffered events have been drained. Each call returns an
// independent reader; after termination any additional reader also observes
// an immediately-terminated sequence.
func (w *Wire) Read(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-w.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-w.done:
				// Closed: drain what is buffered, then terminate.
				for {
					select {
					case ev := <-w.ch:
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
