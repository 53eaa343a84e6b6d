// Package agent binds a signaling connection to the call session, the
// delivery tracker and the typing indicator of one logged-in user.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/delivery"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// Conn is the signaling connection. *client.Manager implements it.
type Conn interface {
	On(t protocol.MessageType, h client.Handler)
	Send(v any) error
}

type Config struct {
	Conn    Conn
	Call    *call.Session
	Tracker *delivery.Tracker
	Typing  *delivery.Typing
	Logger  *slog.Logger

	// OnPresence runs after every presence broadcast.
	OnPresence func(Presence)
	// OnRelayError reports {type:"error"} frames from the relay.
	OnRelayError func(message string)
}

// Presence is the last roster received from the relay.
type Presence struct {
	Online []string
	All    []protocol.UserStatus
}

type Agent struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	presence Presence
	closed   bool
}

var callTypes = []protocol.MessageType{
	protocol.TypeOffer,
	protocol.TypeAnswer,
	protocol.TypeICE,
	protocol.TypeHangup,
	protocol.TypeReject,
	protocol.TypeVideoToggle,
}

var messagingTypes = []protocol.MessageType{
	protocol.TypeChat,
	protocol.TypeFileMessage,
	protocol.TypeMessageQueued,
	protocol.TypeDelivered,
	protocol.TypeRead,
	protocol.TypeDeleteMessage,
}

// New registers the agent's handlers on cfg.Conn. Components left nil are
// skipped, so a messaging-only client can omit Call.
func New(cfg Config) *Agent {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &Agent{cfg: cfg, log: log}

	if cfg.Call != nil {
		for _, t := range callTypes {
			cfg.Conn.On(t, a.handleCall)
		}
	}
	if cfg.Tracker != nil {
		for _, t := range messagingTypes {
			cfg.Conn.On(t, a.handleMessaging)
		}
	}
	if cfg.Typing != nil {
		cfg.Conn.On(protocol.TypeTyping, a.handleTyping)
	}
	cfg.Conn.On(protocol.TypeOnlineUsers, a.handleOnlineUsers)
	cfg.Conn.On(protocol.TypeAllUsers, a.handleAllUsers)
	cfg.Conn.On(protocol.TypeError, a.handleError)
	return a
}

func (a *Agent) Call() *call.Session        { return a.cfg.Call }
func (a *Agent) Tracker() *delivery.Tracker { return a.cfg.Tracker }

func (a *Agent) Presence() Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Presence{
		Online: append([]string(nil), a.presence.Online...),
		All:    append([]protocol.UserStatus(nil), a.presence.All...),
	}
}

func (a *Agent) IsOnline(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.presence.Online {
		if u == username {
			return true
		}
	}
	return false
}

func (a *Agent) handleCall(f protocol.Frame) {
	if a.isClosed() {
		return
	}
	if err := a.cfg.Call.HandleFrame(f); err != nil {
		a.log.Debug("call frame rejected", "type", f.Type, "err", err)
	}
}

func (a *Agent) handleMessaging(f protocol.Frame) {
	if a.isClosed() {
		return
	}
	if err := a.cfg.Tracker.HandleFrame(context.Background(), f); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, delivery.ErrUnknownMessage) {
			level = slog.LevelDebug
		}
		a.log.Log(context.Background(), level, "messaging frame failed", "type", f.Type, "err", err)
	}
}

func (a *Agent) handleTyping(f protocol.Frame) {
	var m protocol.Typing
	if err := f.Decode(&m); err != nil || m.From == "" {
		return
	}
	a.cfg.Typing.Observe(m.From, m.IsTyping)
}

func (a *Agent) handleOnlineUsers(f protocol.Frame) {
	var m protocol.OnlineUsers
	if err := f.Decode(&m); err != nil {
		a.log.Debug("bad onlineUsers frame", "err", err)
		return
	}
	online := append([]string(nil), m.Users...)
	sort.Strings(online)
	a.mu.Lock()
	a.presence.Online = online
	p := a.presence
	a.mu.Unlock()
	a.notifyPresence(p)
}

func (a *Agent) handleAllUsers(f protocol.Frame) {
	var m protocol.AllUsers
	if err := f.Decode(&m); err != nil {
		a.log.Debug("bad allUsers frame", "err", err)
		return
	}
	a.mu.Lock()
	a.presence.All = append([]protocol.UserStatus(nil), m.Users...)
	p := a.presence
	a.mu.Unlock()
	a.notifyPresence(p)
}

func (a *Agent) handleError(f protocol.Frame) {
	var m protocol.Error
	if err := f.Decode(&m); err != nil {
		return
	}
	a.log.Warn("relay error", "message", m.Message)
	if a.cfg.OnRelayError != nil {
		a.cfg.OnRelayError(m.Message)
	}
}

func (a *Agent) notifyPresence(p Presence) {
	if a.cfg.OnPresence != nil {
		a.cfg.OnPresence(p)
	}
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close hangs up any call and stops the typing timers. It does not close
// the signaling connection.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if a.cfg.Call != nil {
		_ = a.cfg.Call.Hangup()
	}
	if a.cfg.Typing != nil {
		a.cfg.Typing.Close()
	}
}
