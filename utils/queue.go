package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[netsync] feed/drain queue is closed")
var ErrOverflow = errors.New("[netsync] feed/drain queue is overflowed")

// Outbox is a byte-bounded FIFO of records. Any number of goroutines may
// Drain into it; Feed hands everything accumulated so far to a single
// writer, blocking until there is something to hand over.
type Outbox[T ~[][]byte] struct {
	lock    sync.Mutex
	data    T
	size    int
	maxSize int
	closed  bool
	signal  chan struct{}
}

func NewOutbox[T ~[][]byte](limit int) *Outbox[T] {
	return &Outbox[T]{
		maxSize: limit,
		signal:  make(chan struct{}, 1),
	}
}

func (q *Outbox[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.data = nil
		q.size = 0
		close(q.signal)
	}
	return nil
}

func (q *Outbox[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Drain appends recs as a whole or not at all.
func (q *Outbox[T]) Drain(ctx context.Context, recs T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	total := 0
	for _, rec := range recs {
		total += len(rec)
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.maxSize > 0 && q.size+total > q.maxSize {
		return ErrOverflow
	}
	q.data = append(q.data, recs...)
	q.size += total
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *Outbox[T]) take() (recs T, closed bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	recs, q.data, q.size = q.data, nil, 0
	return recs, q.closed
}

// Feed returns all pending records, waiting for the first one to arrive.
func (q *Outbox[T]) Feed(ctx context.Context) (T, error) {
	for {
		recs, closed := q.take()
		if len(recs) > 0 {
			return recs, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}
