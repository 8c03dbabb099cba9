package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"camrelay/internal/metrics"
)

var (
	// ErrBusClosed is returned by Consume and Publish after Close.
	ErrBusClosed = errors.New("pipeline: frame bus closed")
	// ErrOutOfOrder is returned when a publisher goes backwards in sequence.
	ErrOutOfOrder = errors.New("pipeline: frame published out of order")
)

// DefaultBusCapacity is the number of frames a FrameBus buffers by default.
const DefaultBusCapacity = 1

// BusStats is a point-in-time copy of FrameBus counters.
type BusStats struct {
	Capacity   int
	Buffered   int
	Published  uint64
	Consumed   uint64
	Evicted    uint64 // oldest frame overwritten by Publish on a full arena
	Superseded uint64 // older buffered frames skipped because Consume takes the newest
}

// Dropped returns all frames that were published but never consumed.
func (s BusStats) Dropped() uint64 {
	return s.Evicted + s.Superseded
}

// FrameBus is a bounded single-writer, single-reader conduit between a camera
// reader and the inference loop. It is a fixed arena of capacity slots with a
// drop-oldest overwrite rule, so Publish never blocks and never allocates.
type FrameBus struct {
	mu      sync.Mutex
	slots   []Frame
	head    int // index of the oldest buffered frame
	count   int
	lastPub uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}

	published  atomic.Uint64
	consumed   atomic.Uint64
	evicted    atomic.Uint64
	superseded atomic.Uint64
}

// NewFrameBus creates a bus holding at most capacity frames. Non-positive
// capacities use DefaultBusCapacity.
func NewFrameBus(capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &FrameBus{
		slots:  make([]Frame, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish stores frame, evicting the oldest buffered frame if the arena is
// full. It never blocks.
func (b *FrameBus) Publish(frame Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if frame.Seq <= b.lastPub {
		last := b.lastPub
		b.mu.Unlock()
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, frame.Seq, last)
	}

	capacity := len(b.slots)
	if b.count == capacity {
		b.slots[b.head] = Frame{}
		b.head = (b.head + 1) % capacity
		b.count--
		b.evicted.Add(1)
		metrics.IncFramesDropped("evicted", 1)
	}
	b.slots[(b.head+b.count)%capacity] = frame
	b.count++
	b.lastPub = frame.Seq
	b.published.Add(1)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Consume blocks until a frame is available and returns the newest one.
// Older buffered frames are discarded so delivery order never goes backwards.
func (b *FrameBus) Consume(ctx context.Context) (Frame, error) {
	for {
		if frame, ok := b.take(); ok {
			return frame, nil
		}

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Frame{}, ErrBusClosed
		}

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// take returns the newest frame without blocking.
func (b *FrameBus) take() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return Frame{}, false
	}
	capacity := len(b.slots)
	newest := (b.head + b.count - 1) % capacity
	frame := b.slots[newest]

	if skipped := b.count - 1; skipped > 0 {
		b.superseded.Add(uint64(skipped))
		metrics.IncFramesDropped("superseded", skipped)
	}
	for i := range b.slots {
		b.slots[i] = Frame{}
	}
	b.head = 0
	b.count = 0
	b.consumed.Add(1)
	return frame, true
}

// Close wakes any waiting consumer and rejects further publishes. Buffered
// frames are released. Close is idempotent.
func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for i := range b.slots {
		b.slots[i] = Frame{}
	}
	b.count = 0
	close(b.done)
}

// Len returns the number of buffered frames.
func (b *FrameBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the arena size.
func (b *FrameBus) Capacity() int {
	return len(b.slots)
}

// Stats returns a copy of the bus counters.
func (b *FrameBus) Stats() BusStats {
	return BusStats{
		Capacity:   len(b.slots),
		Buffered:   b.Len(),
		Published:  b.published.Load(),
		Consumed:   b.consumed.Load(),
		Evicted:    b.evicted.Load(),
		Superseded: b.superseded.Load(),
	}
}
