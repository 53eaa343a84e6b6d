package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling WebSocket. The read loop runs on the HTTP handler
// goroutine; writes go through the outbound queue and a dedicated writer so
// other connections never block on this one.
type wsConn struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	metrics *metrics.Metrics

	idleTimeout  time.Duration
	pingInterval time.Duration

	out        *outboundQueue
	writeMu    sync.Mutex
	writerDone chan struct{}

	// onUnsent receives replayed frames that were never written, oldest first.
	onUnsent func(username string, frames [][]byte)

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, log *slog.Logger, m *metrics.Metrics, outboundFrames int, idle, ping time.Duration, onUnsent func(string, [][]byte)) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:           id,
		conn:         conn,
		log:          log.With("conn_id", id),
		metrics:      m,
		idleTimeout:  idle,
		pingInterval: ping,
		out:          newOutboundQueue(outboundFrames),
		writerDone:   make(chan struct{}),
		onUnsent:     onUnsent,
		done:         make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues a frame for delivery. It never blocks. A connection whose buffer
// overflows is treated as dead and closed.
func (c *wsConn) Send(frame []byte) error {
	err := c.out.Enqueue(frame)
	if errors.Is(err, ErrOutboundFull) {
		c.metrics.Inc(metrics.OutboundOverflow)
		c.log.Warn("outbound buffer full; closing connection")
		go c.abort(websocket.CloseTryAgainLater, "outbound buffer full")
	}
	return err
}

// sendReplay queues a frame taken from username's offline queue. Replayed
// frames are not subject to the outbound bound.
func (c *wsConn) sendReplay(username string, frame []byte) error {
	return c.out.EnqueueReplay(username, frame)
}

func (c *wsConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *wsConn) sendError(message string) {
	_ = c.sendJSON(protocol.Error{Type: protocol.TypeError, Message: message})
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) start() {
	go c.writeLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		frame, ok := c.out.Dequeue()
		if !ok {
			return
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, frame.data)
		c.writeMu.Unlock()
		if err != nil {
			unsent := c.out.Discard()
			if frame.replayFor != "" {
				unsent = append([]outboundFrame{frame}, unsent...)
			}
			c.returnUnsent(unsent)
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendReadDeadline() {
	if c.idleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// fail writes an error frame ahead of anything queued, then a close frame.
func (c *wsConn) fail(message string, closeCode int, closeReason string) {
	data, err := json.Marshal(protocol.Error{Type: protocol.TypeError, Message: message})
	if err == nil {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) abort(code int, reason string) {
	c.returnUnsent(c.out.Discard())
	c.closeWith(code, reason)
	_ = c.conn.Close()
}

// returnUnsent hands unwritten replay frames back per user. Runs are returned
// newest first so each one lands ahead of the runs that followed it.
func (c *wsConn) returnUnsent(frames []outboundFrame) {
	if c.onUnsent == nil || len(frames) == 0 {
		return
	}
	end := len(frames)
	for end > 0 {
		user := frames[end-1].replayFor
		start := end - 1
		for start > 0 && frames[start-1].replayFor == user {
			start--
		}
		batch := make([][]byte, 0, end-start)
		for _, f := range frames[start:end] {
			batch = append(batch, f.data)
		}
		c.onUnsent(user, batch)
		end = start
	}
}

// Close stops the connection after flushing what is already queued.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Close()
		select {
		case <-c.writerDone:
		case <-time.After(2 * wsWriteWait):
		}
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
