package delivery

import (
	"sync"
	"time"
)

const DefaultTypingTimeout = 3 * time.Second

// Typing tracks which peers are currently typing. A start expires on its own
// after the timeout even if the matching stop never arrives.
type Typing struct {
	timeout  time.Duration
	onChange func(peer string, typing bool)

	mu     sync.Mutex
	gen    uint64
	active map[string]typingEntry
	closed bool
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// NewTyping returns a tracker that reports transitions through onChange,
// which runs without internal locks held and may be nil.
func NewTyping(timeout time.Duration, onChange func(peer string, typing bool)) *Typing {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{
		timeout:  timeout,
		onChange: onChange,
		active:   make(map[string]typingEntry),
	}
}

func (t *Typing) Observe(peer string, typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	prev, was := t.active[peer]
	if was {
		prev.timer.Stop()
		delete(t.active, peer)
	}
	if typing {
		t.gen++
		g := t.gen
		t.active[peer] = typingEntry{
			gen:   g,
			timer: time.AfterFunc(t.timeout, func() { t.expire(peer, g) }),
		}
	}
	t.mu.Unlock()

	if was != typing {
		t.changed(peer, typing)
	}
}

func (t *Typing) expire(peer string, g uint64) {
	t.mu.Lock()
	e, ok := t.active[peer]
	if !ok || e.gen != g || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.active, peer)
	t.mu.Unlock()
	t.changed(peer, false)
}

func (t *Typing) IsTyping(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[peer]
	return ok
}

// Close stops every pending expiry. Later observations are ignored.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for peer, e := range t.active {
		e.timer.Stop()
		delete(t.active, peer)
	}
}

func (t *Typing) changed(peer string, typing bool) {
	if t.onChange != nil {
		t.onChange(peer, typing)
	}
}
