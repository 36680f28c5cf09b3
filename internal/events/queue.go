package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// queue is the bounded outbox shared by the transport observers. A full
// queue fails the send instead of blocking the broadcaster.
type queue struct {
	id    string
	runID string
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func newQueue(runID string, size int) *queue {
	if size <= 0 {
		size = 64
	}
	return &queue{
		id:    uuid.NewString(),
		runID: runID,
		out:   make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

func (q *queue) ID() string    { return q.id }
func (q *queue) RunID() string { return q.runID }

func (q *queue) Send(ctx context.Context, payload []byte) error {
	select {
	case <-q.done:
		return ErrObserverClosed
	default:
	}
	select {
	case q.out <- payload:
		return nil
	case <-q.done:
		return ErrObserverClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
}

// Done is closed once the observer is closed.
func (q *queue) Done() <-chan struct{} {
	return q.done
}
