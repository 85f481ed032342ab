package room

import (
	"sync"

	"inkwell/api/internal/identity"
)

// Subscriber is one connected collaborator.
//
// Send is never closed by the room; done signals shutdown instead so
// concurrent broadcasts stay safe.
type Subscriber struct {
	ID       string
	Identity identity.Identity
	Send     chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, who identity.Identity, queue int) *Subscriber {
	if queue <= 0 {
		queue = 64
	}
	return &Subscriber{
		ID:       id,
		Identity: who,
		Send:     make(chan Frame, queue),
		done:     make(chan struct{}),
	}
}

// Done is closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close is idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue never blocks. It reports false when the queue is full or the
// subscriber is gone.
func (s *Subscriber) enqueue(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Send <- f:
		return true
	default:
		return false
	}
}
