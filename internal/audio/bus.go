package audio

import (
	"errors"
	"sync"
)

// DefaultQueueDepth holds 200 ms of audio at 20 ms per frame.
const DefaultQueueDepth = 10

var ErrBusClosed = errors.New("audio bus closed")

// Queue is a bounded FIFO of frames. Enqueue on a full queue drops the oldest
// frame and counts it; it never blocks the producer. Each frame is delivered
// to the consumer exactly once, in order.
type Queue struct {
	mu      sync.Mutex
	frames  []Frame
	depth   int
	notify  chan struct{}
	closed  bool
	dropped uint64
	lastSeq uint32
	haveSeq bool
	gaps    uint64
}

func NewQueue(depth int) *Queue {
	if depth < DefaultQueueDepth {
		depth = DefaultQueueDepth
	}
	return &Queue{
		depth:  depth,
		frames: make([]Frame, 0, depth),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a frame, dropping the oldest on overflow. Out-of-order or
// duplicate seq numbers are rejected so consumers can rely on monotone seq.
func (q *Queue) Push(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrBusClosed
	}
	if q.haveSeq && f.Seq <= q.lastSeq {
		return nil // stale frame, producer retransmit or reorder
	}
	if q.haveSeq && f.Seq != q.lastSeq+1 {
		q.gaps++
	}
	q.lastSeq = f.Seq
	q.haveSeq = true
	if len(q.frames) >= q.depth {
		q.frames = q.frames[1:]
		q.dropped++
		metricFramesDropped.Inc()
	}
	q.frames = append(q.frames, f)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest frame, or ok=false if empty.
func (q *Queue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Wait returns a channel that receives when a frame may be available. The
// channel is level-triggered with capacity 1; callers loop Pop until empty.
func (q *Queue) Wait() <-chan struct{} { return q.notify }

// Flush discards queued frames, keeping at most keep of the oldest. Used for
// barge-in where up to 40 ms already queued may still play out.
func (q *Queue) Flush(keep int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(q.frames) <= keep {
		return 0
	}
	n := len(q.frames) - keep
	q.frames = q.frames[:keep]
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped reports how many frames were evicted by backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Gaps reports how many seq discontinuities were observed on push.
func (q *Queue) Gaps() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gaps
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Bus is the per-session duplex frame path: caller audio in, assistant audio
// out. A bus is owned by exactly one call and never shared.
type Bus struct {
	Inbound  *Queue
	Outbound *Queue
}

func NewBus(depth int) *Bus {
	return &Bus{Inbound: NewQueue(depth), Outbound: NewQueue(depth)}
}

func (b *Bus) Close() {
	b.Inbound.Close()
	b.Outbound.Close()
}
