// Package client keeps a signaling connection to the relay open for a single
// user: it joins on every open, sends heartbeats, reconnects with exponential
// backoff and dispatches inbound frames to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second

	writeWait = 5 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	// StateFailed is terminal: the reconnect ceiling was hit.
	StateFailed
	// StateClosed follows an intentional Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives inbound frames. Handlers run on the connection's read
// goroutine, one frame at a time.
type Handler func(protocol.Frame)

type Config struct {
	URL      string
	Username string
	Header   http.Header
	Dialer   *websocket.Dialer
	Logger   *slog.Logger

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration

	// OnStateChange is called after every transition, outside the manager's
	// lock.
	OnStateChange func(State)
	// OnConnectionLost is called once when the reconnect ceiling is hit.
	OnConnectionLost func(error)
}

type Manager struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType][]Handler

	mu       sync.Mutex
	state    State
	gen      uint64
	sess     *session
	retry    backoff.BackOff
	attempts int
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// session is one transport generation.
type session struct {
	gen     uint64
	ws      *websocket.Conn
	writeMu sync.Mutex
	pong    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) shutdown() {
	s.once.Do(func() { close(s.stop) })
}

func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      log.With("username", cfg.Username),
		dialer:   dialer,
		handlers: make(map[protocol.MessageType][]Handler),
		retry:    newRetryPolicy(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxAttempts),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// On registers a handler for frames of type t. Frames with no handler are
// dropped silently.
func (m *Manager) On(t protocol.MessageType, h Handler) {
	m.handlersMu.Lock()
	m.handlers[t] = append(m.handlers[t], h)
	m.handlersMu.Unlock()
}

func (m *Manager) Username() string { return m.cfg.Username }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects scheduled since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Done is closed once the manager reaches StateFailed or StateClosed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Start opens the first connection.
func (m *Manager) Start() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed, StateFailed:
		m.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateOpen:
		m.mu.Unlock()
		return nil
	}
	st := m.connectLocked()
	m.mu.Unlock()
	m.notify(st)
	return nil
}

func (m *Manager) connectLocked() State {
	m.gen++
	m.state = StateConnecting
	go m.dial(m.gen)
	return m.state
}

func (m *Manager) dial(gen uint64) {
	ws, _, err := m.dialer.DialContext(m.ctx, m.cfg.URL, m.cfg.Header)
	var s *session
	if err == nil {
		s = &session{
			gen:  gen,
			ws:   ws,
			pong: make(chan struct{}, 1),
			stop: make(chan struct{}),
		}
		// join goes out before anything Send can write.
		join, _ := json.Marshal(protocol.Join{Type: protocol.TypeJoin, Username: m.cfg.Username})
		if err = s.write(join); err != nil {
			_ = ws.Close()
			ws = nil
			err = fmt.Errorf("send join: %w", err)
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.state == StateClosed {
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("signaling dial failed", "url", m.cfg.URL, "err", err)
		st, lost := m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		m.notify(st)
		m.reportLost(lost)
		return
	}

	m.sess = s
	m.state = StateOpen
	m.attempts = 0
	m.retry.Reset()
	m.mu.Unlock()

	m.log.Info("signaling connected", "url", m.cfg.URL)
	m.notify(StateOpen)

	go m.heartbeat(s)
	m.readLoop(s)
}

func (m *Manager) readLoop(s *session) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			m.onTransportClosed(s, err)
			return
		}
		f, err := protocol.ParseFrame(data)
		if err != nil {
			m.log.Debug("ignoring unparseable frame", "err", err)
			continue
		}
		if f.Type == protocol.TypePong {
			select {
			case s.pong <- struct{}{}:
			default:
			}
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f protocol.Frame) {
	m.handlersMu.RLock()
	hs := m.handlers[f.Type]
	m.handlersMu.RUnlock()
	for _, h := range hs {
		h(f)
	}
}

// heartbeat pings every HeartbeatInterval and drops the transport if no pong
// arrives within PongTimeout.
func (m *Manager) heartbeat(s *session) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	ping, _ := json.Marshal(protocol.Ping{Type: protocol.TypePing})
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}

		select {
		case <-s.pong:
		default:
		}
		if err := s.write(ping); err != nil {
			_ = s.ws.Close()
			return
		}

		pongTimer := time.NewTimer(m.cfg.PongTimeout)
		select {
		case <-s.stop:
			pongTimer.Stop()
			return
		case <-s.pong:
			pongTimer.Stop()
		case <-pongTimer.C:
			m.log.Warn("no pong from relay; dropping connection", "timeout", m.cfg.PongTimeout)
			_ = s.ws.Close()
			return
		}
	}
}

func (m *Manager) onTransportClosed(s *session, err error) {
	s.shutdown()
	_ = s.ws.Close()

	m.mu.Lock()
	if s.gen != m.gen || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.log.Info("signaling connection lost", "err", err)
	st, lost := m.scheduleRetryLocked(s.gen)
	m.mu.Unlock()
	m.notify(st)
	m.reportLost(lost)
}

func (m *Manager) scheduleRetryLocked(gen uint64) (State, error) {
	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.state = StateFailed
		m.cancel()
		close(m.done)
		return m.state, ErrReconnectLimit
	}
	m.attempts++
	m.state = StateDisconnected
	m.log.Debug("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		st := m.connectLocked()
		m.mu.Unlock()
		m.notify(st)
	})
	return m.state, nil
}

func (m *Manager) notify(st State) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(st)
	}
}

func (m *Manager) reportLost(err error) {
	if err == nil {
		return
	}
	m.log.Error("signaling connection lost for good", "attempts", m.cfg.MaxAttempts)
	if m.cfg.OnConnectionLost != nil {
		m.cfg.OnConnectionLost(err)
	}
}

// Send encodes v as JSON and writes it on the current connection.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sess
	st := m.state
	m.mu.Unlock()
	if st == StateClosed || st == StateFailed {
		return ErrClosed
	}
	if s == nil {
		return ErrNotConnected
	}
	return s.write(data)
}

// Close logs out: it sends leave, closes the transport and cancels any
// pending reconnect. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateFailed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
	}
	s := m.sess
	m.sess = nil
	m.cancel()
	close(m.done)
	m.mu.Unlock()

	if s != nil {
		s.shutdown()
		leave, _ := json.Marshal(protocol.Leave{Type: protocol.TypeLeave})
		_ = s.write(leave)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	}
	m.notify(StateClosed)
	return nil
}
