// Package offline holds store-and-forward frames for registered users that are
// not connected.
//
// Queues live in memory only. They are unbounded unless MaxPerUser is set, in
// which case the oldest frame is dropped to make room.
package offline

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrUnknownRecipient = errors.New("offline: recipient never registered")

// Directory reports whether a username has ever joined.
type Directory interface {
	IsRegistered(username string) bool
}

type Queue struct {
	dir        Directory
	maxPerUser int

	mu     sync.Mutex
	queues map[string][][]byte

	drops atomic.Uint64
}

func New(dir Directory, maxPerUser int) *Queue {
	if maxPerUser < 0 {
		maxPerUser = 0
	}
	return &Queue{
		dir:        dir,
		maxPerUser: maxPerUser,
		queues:     make(map[string][][]byte),
	}
}

// Enqueue appends frame to the tail of username's queue. It returns the number
// of older frames dropped to honor MaxPerUser.
func (q *Queue) Enqueue(username string, frame []byte) (dropped int, err error) {
	if !q.dir.IsRegistered(username) {
		return 0, ErrUnknownRecipient
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pending := append(q.queues[username], frame)
	if q.maxPerUser > 0 && len(pending) > q.maxPerUser {
		dropped = len(pending) - q.maxPerUser
		for i := 0; i < dropped; i++ {
			pending[i] = nil
		}
		pending = append([][]byte(nil), pending[dropped:]...)
		q.drops.Add(uint64(dropped))
	}
	q.queues[username] = pending
	return dropped, nil
}

// Take removes and returns every queued frame for username in FIFO order.
func (q *Queue) Take(username string) [][]byte {
	q.mu.Lock()
	pending := q.queues[username]
	delete(q.queues, username)
	q.mu.Unlock()
	return pending
}

// DrainTo sends every queued frame for username through send, oldest first.
//
// If send fails, the failed frame and everything after it are put back at the
// head of the queue ahead of anything enqueued meanwhile.
func (q *Queue) DrainTo(username string, send func([]byte) error) (int, error) {
	pending := q.Take(username)
	for i, frame := range pending {
		if err := send(frame); err != nil {
			q.RequeueFront(username, pending[i:])
			return i, err
		}
	}
	return len(pending), nil
}

// RequeueFront puts frames back at the head of username's queue, ahead of
// anything enqueued since they were taken. MaxPerUser is not applied.
func (q *Queue) RequeueFront(username string, frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([][]byte, 0, len(frames)+len(q.queues[username]))
	merged = append(merged, frames...)
	merged = append(merged, q.queues[username]...)
	q.queues[username] = merged
}

// Clear discards username's queue.
func (q *Queue) Clear(username string) int {
	return len(q.Take(username))
}

func (q *Queue) Len(username string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[username])
}

// Pending returns the total number of queued frames.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, frames := range q.queues {
		n += len(frames)
	}
	return n
}

func (q *Queue) DropCount() uint64 {
	return q.drops.Load()
}
