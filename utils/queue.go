package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[mirror] feed/drain queue is closed")
var ErrOverflow = errors.New("[mirror] feed/drain queue is overflowed")

// FDQueue is a bounded FIFO of record batches connecting the core to
// the transport layer. Drain appends records, Feed blocks until at
// least one record is available, then returns everything buffered.
// A closed queue fails both ends immediately.
type FDQueue[T ~[][]byte] struct {
	limit int

	lock   sync.Mutex
	recs   T
	signal chan struct{}
	closed bool
}

func NewFDQueue[T ~[][]byte](limit int) *FDQueue[T] {
	return &FDQueue[T]{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	if !q.closed {
		q.closed = true
		q.recs = nil
		close(q.signal)
	}
	q.lock.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.recs)
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if len(recs) == 0 {
		return nil
	}
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return ErrClosed
	}
	if q.limit > 0 && len(q.recs)+len(recs) > q.limit {
		q.lock.Unlock()
		return ErrOverflow
	}
	q.recs = append(q.recs, recs...)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.lock.Unlock()
	return ctx.Err()
}

func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		if len(q.recs) > 0 {
			recs = q.recs
			q.recs = nil
			q.lock.Unlock()
			return recs, nil
		}
		q.lock.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-q.signal:
			if !ok {
				return nil, ErrClosed
			}
		}
	}
}
