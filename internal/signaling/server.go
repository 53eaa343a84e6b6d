package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/offline"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Registry and Queue are created when nil.
	Registry *presence.Registry
	Queue    *offline.Queue

	// AllowedOrigins is matched against the Origin header of WebSocket
	// upgrades. Empty means same host only.
	AllowedOrigins []string

	MaxQueuedMessagesPerUser int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	OutboundBuffer                int

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	Now func() time.Time
}

// Server is the signaling relay.
//
// Endpoints:
//   - GET /ws : WebSocket carrying JSON signaling frames
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *presence.Registry
	queue    *offline.Queue

	allowedOrigins []string

	maxMessageBytes   int64
	maxMessagesPerSec int
	outboundBuffer    int
	idleTimeout       time.Duration
	pingInterval      time.Duration
	now               func() time.Time

	upgrader websocket.Upgrader

	// routeMu serializes routing decisions against joins so a user's queued
	// frames are handed to its new connection before any live frame.
	routeMu sync.Mutex
	calls   *callTable

	// presenceMu orders presence broadcasts so the last lists a connection
	// receives match the registry after the last change.
	presenceMu sync.Mutex

	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = presence.New()
	}
	q := cfg.Queue
	if q == nil {
		q = offline.New(reg, cfg.MaxQueuedMessagesPerUser)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		log:               log,
		metrics:           cfg.Metrics,
		registry:          reg,
		queue:             q,
		allowedOrigins:    cfg.AllowedOrigins,
		maxMessageBytes:   cfg.MaxSignalingMessageBytes,
		maxMessagesPerSec: cfg.MaxSignalingMessagesPerSecond,
		outboundBuffer:    cfg.OutboundBuffer,
		idleTimeout:       cfg.SignalingWSIdleTimeout,
		pingInterval:      cfg.SignalingWSPingInterval,
		now:               now,
		calls:             newCallTable(),
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if s.maxMessagesPerSec <= 0 {
		s.maxMessagesPerSec = config.DefaultMaxSignalingMessagesPerSecond
	}
	if s.outboundBuffer <= 0 {
		s.outboundBuffer = config.DefaultSignalingOutboundBuffer
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = config.DefaultSignalingWSPingInterval
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close sends a going-away close frame to every connection and stops
// accepting new ones.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range s.registry.Connections() {
		wc, ok := c.(*wsConn)
		if !ok {
			continue
		}
		wc.closeWith(websocket.CloseGoingAway, "server shutting down")
		wc.Close()
	}
	s.wg.Wait()
}

// Ready is a readiness check for the HTTP server.
func (s *Server) Ready() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	return nil
}

func (s *Server) ConnCount() int    { return s.registry.ConnCount() }
func (s *Server) OnlineCount() int  { return len(s.registry.Online()) }
func (s *Server) QueuedFrames() int { return s.queue.Pending() }

// ActiveCalls returns the number of calls the relay has seen answered and not
// yet ended.
func (s *Server) ActiveCalls() int {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	return s.calls.len()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	h := r.Header.Get("Origin")
	if h == "" {
		// Non-browser clients.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(h)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := newWSConn(conn, s.log, s.metrics, s.outboundBuffer, s.idleTimeout, s.pingInterval, s.requeueReplay)
	s.wg.Add(1)
	defer s.wg.Done()

	s.registry.Attach(c)
	s.metrics.Inc(metrics.ConnOpened)
	c.log.Debug("signaling connection opened", "remote_addr", r.RemoteAddr)

	c.start()
	s.readLoop(c)
}

func (s *Server) readLoop(c *wsConn) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(s.maxMessageBytes)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.maxMessagesPerSec), s.maxMessagesPerSec)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				s.metrics.Inc(metrics.DropReasonTooLarge)
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendReadDeadline()

		// Check the limit after reading so the close frame is not lost to a
		// reset caused by unread data.
		if !limiter.Allow() {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonBinaryFrame)
			c.fail("expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		s.metrics.Inc(metrics.FramesIn)
		s.dispatch(c, data)
	}
}

func (s *Server) disconnect(c *wsConn) {
	c.Close()

	s.routeMu.Lock()
	username, live := s.registry.Detach(c)
	if live {
		s.calls.end(username)
	}
	s.routeMu.Unlock()

	s.metrics.Inc(metrics.ConnClosed)
	if live {
		c.log.Info("user disconnected", "username", username)
	} else {
		c.log.Debug("signaling connection closed")
	}
	s.broadcastPresence()
}

// requeueReplay puts replayed frames that never reached the client back at the
// head of the user's offline queue.
func (s *Server) requeueReplay(username string, frames [][]byte) {
	s.queue.RequeueFront(username, frames)
	s.metrics.Add(metrics.FramesRequeued, uint64(len(frames)))
	s.log.Info("requeued undelivered replay frames", "username", username, "frames", len(frames))
}

// broadcastPresence sends the online list and the full registered list to
// every open connection. Connections that closed meanwhile are skipped.
func (s *Server) broadcastPresence() {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	online, err := json.Marshal(protocol.OnlineUsers{Type: protocol.TypeOnlineUsers, Users: s.registry.Online()})
	if err != nil {
		s.log.Error("encode onlineUsers", "err", err)
		return
	}
	all, err := json.Marshal(protocol.AllUsers{Type: protocol.TypeAllUsers, Users: s.registry.Snapshot()})
	if err != nil {
		s.log.Error("encode allUsers", "err", err)
		return
	}

	for _, c := range s.registry.Connections() {
		if wc, ok := c.(*wsConn); ok && wc.closed() {
			continue
		}
		if err := c.Send(online); err != nil {
			continue
		}
		_ = c.Send(all)
	}
	s.metrics.Inc(metrics.PresenceBroadcasts)
}
