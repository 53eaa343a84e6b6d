package metrics

import "sync"

// Relay events. Names are flat snake_case labels on a single counter.
const (
	ConnOpened           = "conn_opened"
	ConnClosed           = "conn_closed"
	ConnEvicted          = "conn_evicted"
	Joins                = "joins"
	Leaves               = "leaves"
	FramesIn             = "frames_in"
	FramesMalformed      = "frames_malformed"
	FramesUnknownType    = "frames_unknown_type"
	FramesAnonymous      = "frames_anonymous"
	FramesRelayed        = "frames_relayed"
	FramesDroppedOffline = "frames_dropped_offline"
	FramesQueued         = "frames_queued"
	FramesReplayed       = "frames_replayed"
	FramesRequeued       = "frames_requeued"
	QueueOverflowDrops   = "queue_overflow_drops"
	QueueUnknownDrops    = "queue_unknown_recipient_drops"
	PingsAnswered        = "pings_answered"
	BusyRejects          = "busy_rejects"
	PresenceBroadcasts   = "presence_broadcasts"
	OutboundOverflow     = "outbound_overflow"

	// Transport violations that close the connection.
	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "message_too_large"
	DropReasonBinaryFrame = "binary_frame"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	for k, v := range m.m {
		out[k] = v
	}
	m.mu.Unlock()
	return out
}
