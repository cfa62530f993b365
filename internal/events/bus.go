// Package events delivers lifecycle callbacks for one store instance.
// Each orchestrator owns its own Bus, so two daemons over different
// databases never cross-deliver events.
package events

import (
	"sync"

	"github.com/italolelis/transferd/internal/transfer"
)

// Listener receives lifecycle callbacks. Nil fields are skipped.
// Callbacks run synchronously on the emitting goroutine and must not
// block.
type Listener struct {
	OnAdded          func(t *transfer.Transfer)
	OnQueued         func(t *transfer.Transfer, retried bool)
	OnStarted        func(t *transfer.Transfer)
	OnProgress       func(t *transfer.Transfer, downloaded, total int64)
	OnPaused         func(t *transfer.Transfer)
	OnResumed        func(t *transfer.Transfer)
	OnCancelled      func(t *transfer.Transfer)
	OnCompleted      func(t *transfer.Transfer)
	OnError          func(t *transfer.Transfer, kind transfer.Error)
	OnRemoved        func(t *transfer.Transfer)
	OnDeleted        func(t *transfer.Transfer)
	OnWaitingNetwork func(t *transfer.Transfer)
}

// Bus fans events out to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	closed    bool
	nextID    int
	listeners map[int]Listener
}

func NewBus() *Bus {
	return &Bus{listeners: map[int]Listener{}}
}

// Subscribe registers a listener and returns a handle for Unsubscribe.
func (b *Bus) Subscribe(l Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return -1
	}

	b.nextID++
	b.listeners[b.nextID] = l

	return b.nextID
}

// Unsubscribe removes a listener by handle.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.listeners, id)
}

// Close drops all listeners. Later emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.listeners = map[int]Listener{}
}

func (b *Bus) each(fn func(l Listener)) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners {
		fn(l)
	}
}

func (b *Bus) EmitAdded(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnAdded != nil {
			l.OnAdded(t)
		}
	})
}

// EmitQueued carries a retried flag so callers can tell fresh enqueues
// from auto-retry requeues.
func (b *Bus) EmitQueued(t *transfer.Transfer, retried bool) {
	b.each(func(l Listener) {
		if l.OnQueued != nil {
			l.OnQueued(t, retried)
		}
	})
}

func (b *Bus) EmitStarted(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnStarted != nil {
			l.OnStarted(t)
		}
	})
}

func (b *Bus) EmitProgress(t *transfer.Transfer, downloaded, total int64) {
	b.each(func(l Listener) {
		if l.OnProgress != nil {
			l.OnProgress(t, downloaded, total)
		}
	})
}

func (b *Bus) EmitPaused(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnPaused != nil {
			l.OnPaused(t)
		}
	})
}

func (b *Bus) EmitResumed(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnResumed != nil {
			l.OnResumed(t)
		}
	})
}

func (b *Bus) EmitCancelled(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnCancelled != nil {
			l.OnCancelled(t)
		}
	})
}

func (b *Bus) EmitCompleted(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnCompleted != nil {
			l.OnCompleted(t)
		}
	})
}

func (b *Bus) EmitError(t *transfer.Transfer, kind transfer.Error) {
	b.each(func(l Listener) {
		if l.OnError != nil {
			l.OnError(t, kind)
		}
	})
}

func (b *Bus) EmitRemoved(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnRemoved != nil {
			l.OnRemoved(t)
		}
	})
}

func (b *Bus) EmitDeleted(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnDeleted != nil {
			l.OnDeleted(t)
		}
	})
}

func (b *Bus) EmitWaitingNetwork(t *transfer.Transfer) {
	b.each(func(l Listener) {
		if l.OnWaitingNetwork != nil {
			l.OnWaitingNetwork(t)
		}
	})
}
