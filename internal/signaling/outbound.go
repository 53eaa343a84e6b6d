package signaling

import (
	"sync"
	"sync/atomic"
)

// outboundFrame is one queued frame. Frames replayed from an offline queue
// carry the owning username so they can be put back if never written.
type outboundFrame struct {
	data      []byte
	replayFor string
}

// outboundQueue is a frame-bounded FIFO feeding a connection's writer
// goroutine. Enqueue never blocks, so routing a frame to a slow reader cannot
// stall the sender's read loop.
//
// The bound applies to live frames only. Replayed frames were already
// accepted by the relay and are admitted regardless.
type outboundQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxFrames int
	frames    []outboundFrame
	live      int

	drops atomic.Uint64
}

func newOutboundQueue(maxFrames int) *outboundQueue {
	q := &outboundQueue{maxFrames: maxFrames}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *outboundQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return ErrConnClosed
	}
	if q.maxFrames > 0 && q.live >= q.maxFrames {
		q.drops.Add(1)
		return ErrOutboundFull
	}
	q.frames = append(q.frames, outboundFrame{data: frame})
	q.live++
	q.notEmpty.Signal()
	return nil
}

// EnqueueReplay queues a frame taken from username's offline queue. It only
// fails once the queue is closed.
func (q *outboundQueue) EnqueueReplay(username string, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrConnClosed
	}
	q.frames = append(q.frames, outboundFrame{data: frame, replayFor: username})
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a frame is available or the queue is closed and empty.
func (q *outboundQueue) Dequeue() (outboundFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return outboundFrame{}, false
	}
	frame := q.frames[0]
	q.frames[0] = outboundFrame{}
	q.frames = q.frames[1:]
	if frame.replayFor == "" {
		q.live--
	}
	return frame, true
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops accepting frames. Frames already queued are still handed out by
// Dequeue so the writer can flush them.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Discard drops everything still queued and returns the replayed frames among
// them, in queue order.
func (q *outboundQueue) Discard() []outboundFrame {
	q.mu.Lock()
	var unsent []outboundFrame
	for i, f := range q.frames {
		if f.replayFor != "" {
			unsent = append(unsent, f)
		}
		q.frames[i] = outboundFrame{}
	}
	q.frames = nil
	q.live = 0
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	return unsent
}
