// Package dispatch implements the queue pair shared by the frame router and
// the worker pool: a bounded input queue with a completion count, and an
// unbounded output queue.
//
// Architecture:
//
//	Router ──TryEnqueue──▶ [input, capacity N] ──Dequeue──▶ Worker
//	Router ◀─TryDrainOne── [output, unbounded] ◀──Publish── Worker
//
// Every operation the router uses (TryEnqueue, IsInputFull, TryDrainOne,
// IsOutputEmpty) returns immediately. Only Dequeue and Join block, and both
// take a context.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrTooManyAcks is returned when Acknowledge is called without a matching Dequeue
var ErrTooManyAcks = errors.New("dispatch: acknowledge called more times than items were dequeued")

// Item is the tagged variant carried by the input queue: either a data
// value or a shutdown marker. The zero Item is an empty data item.
type Item[T any] struct {
	value    T
	shutdown bool
}

// Data wraps a regular work value
func Data[T any](v T) Item[T] {
	return Item[T]{value: v}
}

// Shutdown returns the marker that tells one consumer to exit
func Shutdown[T any]() Item[T] {
	return Item[T]{shutdown: true}
}

// IsShutdown reports whether the item is the shutdown marker
func (i Item[T]) IsShutdown() bool {
	return i.shutdown
}

// Value returns the wrapped value (zero for shutdown items)
func (i Item[T]) Value() T {
	return i.value
}

// Pair is the dispatch queue pair.
//
// Input side (bounded):
//   - capacity counts data items that are queued and not yet dequeued
//   - shutdown items bypass the capacity gate (EnqueueShutdown)
//   - outstanding counts every enqueued item (data and shutdown) until it is
//     acknowledged; Join waits for it to reach zero
//
// Output side (unbounded):
//   - Publish never blocks and never drops
//   - TryDrainOne pops in FIFO order
//
// Thread-safety: all methods are safe for concurrent use. The input and
// output sides have independent locks so a slow drain never delays a worker
// dequeue and vice versa.
type Pair[In, Out any] struct {
	capacity int

	// --- Input side ---

	inMu        sync.Mutex
	itemCond    *sync.Cond // signalled when an item is appended
	doneCond    *sync.Cond // broadcast when outstanding reaches zero
	input       []Item[In]
	queued      int // data items in input
	outstanding int // enqueued and not yet acknowledged
	inFlight    int // dequeued and not yet acknowledged

	// --- Output side ---

	outMu  sync.Mutex
	output []Out

	// --- Counters (read without locks by Stats) ---

	enqueued  uint64
	rejected  uint64
	published uint64
	drained   uint64
}

// New creates a queue pair whose input holds at most capacity data items
func New[In, Out any](capacity int) (*Pair[In, Out], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dispatch: capacity must be >= 1, got %d", capacity)
	}

	p := &Pair[In, Out]{
		capacity: capacity,
	}
	p.itemCond = sync.NewCond(&p.inMu)
	p.doneCond = sync.NewCond(&p.inMu)
	return p, nil
}

// Capacity returns the input capacity fixed at construction
func (p *Pair[In, Out]) Capacity() int {
	return p.capacity
}

// TryEnqueue appends v to the input queue if it has room.
//
// Returns false immediately when the queue holds Capacity() data items.
// Never blocks beyond the internal mutex.
func (p *Pair[In, Out]) TryEnqueue(v In) bool {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	if p.queued >= p.capacity {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}

	p.input = append(p.input, Data(v))
	p.queued++
	p.outstanding++
	atomic.AddUint64(&p.enqueued, 1)

	p.itemCond.Signal()
	return true
}

// EnqueueShutdown appends one shutdown marker, ignoring capacity.
//
// Markers count toward outstanding like any other item, so a consumer
// must Acknowledge them.
func (p *Pair[In, Out]) EnqueueShutdown() {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	p.input = append(p.input, Shutdown[In]())
	p.outstanding++

	p.itemCond.Signal()
}

// Dequeue removes the oldest input item, blocking until one is available.
//
// Returns ctx.Err() if ctx is done before an item arrives.
func (p *Pair[In, Out]) Dequeue(ctx context.Context) (Item[In], error) {
	stop := context.AfterFunc(ctx, func() {
		p.inMu.Lock()
		p.itemCond.Broadcast()
		p.inMu.Unlock()
	})
	defer stop()

	p.inMu.Lock()
	defer p.inMu.Unlock()

	for len(p.input) == 0 {
		if err := ctx.Err(); err != nil {
			return Item[In]{}, err
		}
		p.itemCond.Wait()
	}

	item := p.input[0]
	p.input[0] = Item[In]{} // release reference for GC
	p.input = p.input[1:]
	if !item.shutdown {
		p.queued--
	}
	p.inFlight++

	return item, nil
}

// Acknowledge marks one dequeued item as done.
func (p *Pair[In, Out]) Acknowledge() error {
	p.inMu.Lock()
	defer p.inMu.Unlock()

	if p.inFlight == 0 {
		return ErrTooManyAcks
	}
	p.inFlight--
	p.outstanding--

	if p.outstanding == 0 {
		p.doneCond.Broadcast()
	}
	return nil
}

// Join blocks until every enqueued item has been acknowledged.
//
// Returns ctx.Err() if ctx is done first. Not for the hot path.
func (p *Pair[In, Out]) Join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.inMu.Lock()
		p.doneCond.Broadcast()
		p.inMu.Unlock()
	})
	defer stop()

	p.inMu.Lock()
	defer p.inMu.Unlock()

	for p.outstanding > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.doneCond.Wait()
	}
	return nil
}

// Publish appends a result to the output queue. Never blocks, never drops.
func (p *Pair[In, Out]) Publish(v Out) {
	p.outMu.Lock()
	p.output = append(p.output, v)
	p.outMu.Unlock()

	atomic.AddUint64(&p.published, 1)
}

// TryDrainOne pops the oldest result. ok is false when the output is empty.
func (p *Pair[In, Out]) TryDrainOne() (v Out, ok bool) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	if len(p.output) == 0 {
		return v, false
	}

	v = p.output[0]
	var zero Out
	p.output[0] = zero
	p.output = p.output[1:]
	atomic.AddUint64(&p.drained, 1)

	return v, true
}

// IsInputFull reports whether TryEnqueue would currently reject
func (p *Pair[In, Out]) IsInputFull() bool {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	return p.queued >= p.capacity
}

// IsOutputEmpty reports whether TryDrainOne would currently return nothing
func (p *Pair[In, Out]) IsOutputEmpty() bool {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return len(p.output) == 0
}

// Stats contains a point-in-time view of the queue pair
type Stats struct {
	Capacity    int    `json:"capacity"`
	InputLen    int    `json:"input_len"`
	OutputLen   int    `json:"output_len"`
	Outstanding int    `json:"outstanding"`
	InFlight    int    `json:"in_flight"`
	Enqueued    uint64 `json:"enqueued"`
	Rejected    uint64 `json:"rejected"`
	Published   uint64 `json:"published"`
	Drained     uint64 `json:"drained"`
}

// Stats returns a snapshot. Input and output are read under separate locks,
// so the two halves may be a few microseconds apart.
func (p *Pair[In, Out]) Stats() Stats {
	p.inMu.Lock()
	s := Stats{
		Capacity:    p.capacity,
		InputLen:    len(p.input),
		Outstanding: p.outstanding,
		InFlight:    p.inFlight,
	}
	p.inMu.Unlock()

	p.outMu.Lock()
	s.OutputLen = len(p.output)
	p.outMu.Unlock()

	s.Enqueued = atomic.LoadUint64(&p.enqueued)
	s.Rejected = atomic.LoadUint64(&p.rejected)
	s.Published = atomic.LoadUint64(&p.published)
	s.Drained = atomic.LoadUint64(&p.drained)
	return s
}
