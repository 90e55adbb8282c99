package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/tracerow/tracerow/internal/canon"
)

// ErrSourceNotSeekable is returned by sources that cannot reposition.
// Runs fed by such a source cannot be resumed from a checkpoint.
var ErrSourceNotSeekable = errors.New("source does not support seeking")

// SliceSource serves rows from an in-memory slice. Fully seekable, so
// it supports resume; used by the conformance harness and tests.
type SliceSource struct {
	rows []canon.Object
	pos  int64
}

// NewSliceSource creates a source over the given rows.
func NewSliceSource(rows []canon.Object) *SliceSource {
	return &SliceSource{rows: rows}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (canon.Object, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= int64(len(s.rows)) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

// Position implements Source.
func (s *SliceSource) Position() int64 { return s.pos }

// Seek implements Source.
func (s *SliceSource) Seek(pos int64) error {
	if pos < 0 || pos > int64(len(s.rows)) {
		return errors.New("seek position out of range")
	}
	s.pos = pos
	return nil
}

// QueueSource is an unbounded in-memory queue feeding a run from
// another goroutine. Next blocks until a row is pushed or the queue is
// closed. Not seekable: a queue has no durable history to rewind into,
// so queue-fed runs are not resumable.
type QueueSource struct {
	mu     sync.Mutex
	rows   []canon.Object
	pos    int64
	closed bool
	signal chan struct{}
}

// NewQueueSource creates an open, empty queue.
func NewQueueSource() *QueueSource {
	return &QueueSource{signal: make(chan struct{}, 1)}
}

// Push appends a row to the queue. Panics if the queue is closed;
// pushing after Close is a caller bug.
func (q *QueueSource) Push(row canon.Object) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("push on closed QueueSource")
	}
	q.rows = append(q.rows, row)
	q.mu.Unlock()
	q.wake()
}

// Close marks the end of input. Next drains remaining rows, then
// reports exhaustion.
func (q *QueueSource) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *QueueSource) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next implements Source. Blocks until a row is available, the queue is
// closed, or the context is cancelled.
func (q *QueueSource) Next(ctx context.Context) (canon.Object, bool, error) {
	for {
		q.mu.Lock()
		if q.pos < int64(len(q.rows)) {
			row := q.rows[q.pos]
			q.pos++
			q.mu.Unlock()
			return row, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-q.signal:
		}
	}
}

// Position implements Source.
func (q *QueueSource) Position() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pos
}

// Seek implements Source.
func (q *QueueSource) Seek(int64) error {
	return ErrSourceNotSeekable
}
