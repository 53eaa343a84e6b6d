// Package call drives one device's side of a 1:1 audio/video call: the
// ringing, connecting and active states, trickle ICE with buffering of early
// remote candidates, busy rejection, mute/video toggles and mid-call video
// upgrades. Media and the peer connection are pluggable; pion.go and media.go
// provide the pion/webrtc implementations.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

const DefaultConnectTimeout = 30 * time.Second

type Config struct {
	Signaler Signaler
	NewPeer  PeerFactory
	Media    MediaSource
	Logger   *slog.Logger

	// ConnectTimeout bounds the connecting state. Zero means
	// DefaultConnectTimeout; negative disables the timer.
	ConnectTimeout time.Duration

	// OnEvent is called outside the session lock.
	OnEvent func(Event)
}

type Session struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	inFlight bool

	peer     string
	callType protocol.CallType
	pc       PeerConnection
	tracks   []Track

	pendingOffer  *protocol.SDP
	remoteICE     []protocol.Candidate
	remoteDescSet bool
	// acceptICE holds candidates handed to the peer connection while Accept
	// is still negotiating, so a failed answer can put them back.
	acceptICE []protocol.Candidate
	localICE  []protocol.Candidate
	signaled  bool
	upgrading bool

	muted       bool
	videoOff    bool
	remoteVideo bool

	connectTimer *time.Timer
}

func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, log: log}
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		State:              s.state,
		Peer:               s.peer,
		CallType:           s.callType,
		Muted:              s.muted,
		RemoteVideoEnabled: s.remoteVideo,
	}
	for _, t := range s.tracks {
		if t.Kind() == KindVideo && t.Enabled() {
			info.VideoEnabled = true
		}
	}
	return info
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start places a call to peer. Local media is acquired first; if that fails
// nothing is sent and the session stays idle.
func (s *Session) Start(ctx context.Context, peer string, callType protocol.CallType) error {
	if peer == "" {
		return ErrNoPeer
	}
	kinds, err := kindsFor(callType)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrInProgress
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.inFlight = true
	s.gen++
	g := s.gen
	s.peer = peer
	s.callType = callType
	s.mu.Unlock()

	tracks, err := s.cfg.Media.Acquire(ctx, kinds)
	if err != nil {
		s.endInFlight(g, true)
		return fmt.Errorf("acquire media: %w", err)
	}
	pc, err := s.newPeer(g)
	if err != nil {
		stopTracks(tracks)
		s.endInFlight(g, true)
		return fmt.Errorf("create peer connection: %w", err)
	}
	offer, err := negotiateOffer(pc, tracks)
	if err != nil {
		stopTracks(tracks)
		_ = pc.Close()
		s.endInFlight(g, true)
		return err
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		stopTracks(tracks)
		_ = pc.Close()
		return ErrCancelled
	}
	s.inFlight = false
	s.pc = pc
	s.tracks = tracks
	s.remoteVideo = callType == protocol.CallTypeVideo
	ev := s.setStateLocked(StateOutgoingRinging)
	s.mu.Unlock()
	s.emit(ev)

	if err := s.cfg.Signaler.Send(protocol.Offer{
		Type:     protocol.TypeOffer,
		To:       peer,
		Offer:    offer,
		CallType: callType,
	}); err != nil {
		err = fmt.Errorf("send offer: %w", err)
		s.fail(g, err, false)
		return err
	}
	s.markSignaled(g)
	s.log.Info("calling", "peer", peer, "call_type", callType)
	return nil
}

func negotiateOffer(pc PeerConnection, tracks []Track) (protocol.SDP, error) {
	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			return protocol.SDP{}, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func negotiateAnswer(pc PeerConnection) (protocol.SDP, error) {
	answer, err := pc.CreateAnswer()
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

// Accept answers the ringing call. On failure the call keeps ringing so the
// user can retry or decline.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrInProgress
	}
	if s.state != StateIncomingRinging || s.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNotRinging
	}
	s.inFlight = true
	g := s.gen
	peer := s.peer
	callType := s.callType
	offer := *s.pendingOffer
	s.mu.Unlock()

	kinds, err := kindsFor(callType)
	if err != nil {
		s.endInFlight(g, false)
		return err
	}
	tracks, err := s.cfg.Media.Acquire(ctx, kinds)
	if err != nil {
		s.endInFlight(g, false)
		return fmt.Errorf("acquire media: %w", err)
	}
	pc, err := s.newPeer(g)
	if err != nil {
		stopTracks(tracks)
		s.endInFlight(g, false)
		return fmt.Errorf("create peer connection: %w", err)
	}
	abort := func(err error) error {
		stopTracks(tracks)
		_ = pc.Close()
		s.endInFlight(g, false)
		return err
	}

	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			return abort(fmt.Errorf("add %s track: %w", t.Kind(), err))
		}
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return abort(fmt.Errorf("set remote description: %w", err))
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		stopTracks(tracks)
		_ = pc.Close()
		return ErrCancelled
	}
	buffered := s.remoteICE
	s.pc = pc
	s.applyBufferedLocked()
	s.mu.Unlock()

	answer, err := negotiateAnswer(pc)
	if err != nil {
		s.mu.Lock()
		if g == s.gen {
			s.pc = nil
			s.remoteDescSet = false
			restored := append(buffered, s.acceptICE...)
			s.remoteICE = append(restored, s.remoteICE...)
			s.acceptICE = nil
		}
		s.mu.Unlock()
		return abort(err)
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		stopTracks(tracks)
		_ = pc.Close()
		return ErrCancelled
	}
	s.inFlight = false
	s.tracks = tracks
	s.pendingOffer = nil
	s.acceptICE = nil
	ev := s.setStateLocked(StateConnecting)
	s.startConnectTimerLocked(g)
	s.mu.Unlock()
	s.emit(ev)

	if err := s.cfg.Signaler.Send(protocol.Answer{Type: protocol.TypeAnswer, To: peer, Answer: answer}); err != nil {
		err = fmt.Errorf("send answer: %w", err)
		s.fail(g, err, false)
		return err
	}
	s.markSignaled(g)
	s.log.Info("call accepted", "peer", peer, "call_type", callType)
	return nil
}

// applyBufferedLocked marks the remote description as set and applies every
// candidate that arrived before it, in arrival order.
func (s *Session) applyBufferedLocked() {
	s.remoteDescSet = true
	for _, c := range s.remoteICE {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Debug("add buffered ice candidate", "peer", s.peer, "err", err)
		}
	}
	s.remoteICE = nil
}

// Decline rejects the ringing call.
func (s *Session) Decline() error {
	s.mu.Lock()
	if s.state != StateIncomingRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrInProgress
	}
	peer := s.peer
	cleanup, ev := s.teardownLocked()
	s.mu.Unlock()
	cleanup()
	s.emit(ev)

	return s.cfg.Signaler.Send(protocol.Reject{Type: protocol.TypeReject, To: peer})
}

// Hangup ends the call locally at once. The peer is told with a hangup frame
// (or a reject while ringing) but no acknowledgment is awaited.
func (s *Session) Hangup() error {
	s.mu.Lock()
	if s.state == StateIdle {
		if s.inFlight {
			// Start has not sent anything yet; it will see the new
			// generation and clean up.
			s.gen++
			s.inFlight = false
			s.peer = ""
			s.callType = ""
		}
		s.mu.Unlock()
		return nil
	}
	peer := s.peer
	ringing := s.state == StateIncomingRinging
	cleanup, ev := s.teardownLocked()
	s.mu.Unlock()
	cleanup()
	s.emit(ev)

	var err error
	if ringing {
		err = s.cfg.Signaler.Send(protocol.Reject{Type: protocol.TypeReject, To: peer})
	} else {
		err = s.cfg.Signaler.Send(protocol.Hangup{Type: protocol.TypeHangup, To: peer})
	}
	if err != nil {
		s.log.Debug("send hangup", "peer", peer, "err", err)
	}
	return nil
}

// ToggleMute flips the local audio tracks. Muting is never signaled.
func (s *Session) ToggleMute() (muted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMediaLocked() {
		return false, ErrNoSession
	}
	s.muted = !s.muted
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			t.SetEnabled(!s.muted)
		}
	}
	return s.muted, nil
}

// ToggleVideo flips the local video track and tells the peer. Turning video
// on in an audio-only call acquires a camera track and renegotiates with an
// upgrade offer.
func (s *Session) ToggleVideo(ctx context.Context) (enabled bool, err error) {
	s.mu.Lock()
	if !s.hasMediaLocked() {
		s.mu.Unlock()
		return false, ErrNoSession
	}
	if s.inFlight {
		s.mu.Unlock()
		return false, ErrInProgress
	}
	peer := s.peer
	for _, t := range s.tracks {
		if t.Kind() != KindVideo {
			continue
		}
		s.videoOff = !s.videoOff
		t.SetEnabled(!s.videoOff)
		enabled = !s.videoOff
		s.mu.Unlock()
		return enabled, s.cfg.Signaler.Send(protocol.VideoToggle{Type: protocol.TypeVideoToggle, To: peer, Enabled: enabled})
	}
	if s.state != StateConnecting && s.state != StateActive {
		s.mu.Unlock()
		return false, ErrNoSession
	}
	s.inFlight = true
	g := s.gen
	pc := s.pc
	s.mu.Unlock()

	tracks, err := s.cfg.Media.Acquire(ctx, []MediaKind{KindVideo})
	if err != nil {
		s.endInFlight(g, false)
		return false, fmt.Errorf("acquire video: %w", err)
	}
	offer, err := negotiateOffer(pc, tracks)
	if err != nil {
		stopTracks(tracks)
		s.endInFlight(g, false)
		return false, err
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		stopTracks(tracks)
		return false, ErrCancelled
	}
	s.inFlight = false
	s.tracks = append(s.tracks, tracks...)
	s.callType = protocol.CallTypeVideo
	s.videoOff = false
	s.upgrading = true
	s.mu.Unlock()

	if err := s.cfg.Signaler.Send(protocol.Offer{
		Type:      protocol.TypeOffer,
		To:        peer,
		Offer:     offer,
		CallType:  protocol.CallTypeVideo,
		IsUpgrade: true,
	}); err != nil {
		return true, fmt.Errorf("send upgrade offer: %w", err)
	}
	return true, s.cfg.Signaler.Send(protocol.VideoToggle{Type: protocol.TypeVideoToggle, To: peer, Enabled: true})
}

func (s *Session) hasMediaLocked() bool {
	switch s.state {
	case StateOutgoingRinging, StateConnecting, StateActive:
		return true
	default:
		return false
	}
}

// HandleFrame applies an inbound call signaling frame. Frames for other
// features return ErrUnknownMessage.
func (s *Session) HandleFrame(f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeOffer:
		var m protocol.Offer
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleOffer(m)
	case protocol.TypeAnswer:
		var m protocol.Answer
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleAnswer(m)
	case protocol.TypeICE:
		var m protocol.ICE
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleICE(m)
	case protocol.TypeHangup:
		var m protocol.Hangup
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleHangup(m.From)
	case protocol.TypeReject:
		var m protocol.Reject
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleReject(m)
	case protocol.TypeVideoToggle:
		var m protocol.VideoToggle
		if err := f.Decode(&m); err != nil {
			return err
		}
		s.handleVideoToggle(m)
	default:
		return ErrUnknownMessage
	}
	return nil
}

func (s *Session) handleOffer(m protocol.Offer) {
	if m.From == "" {
		return
	}
	s.mu.Lock()
	if m.IsUpgrade && m.From == s.peer && !s.inFlight &&
		(s.state == StateConnecting || s.state == StateActive) {
		g := s.gen
		pc := s.pc
		s.mu.Unlock()
		s.renegotiate(g, pc, m)
		return
	}
	if s.state != StateIdle || s.inFlight {
		s.mu.Unlock()
		s.log.Info("rejecting call while busy", "from", m.From)
		if err := s.cfg.Signaler.Send(protocol.Reject{
			Type:   protocol.TypeReject,
			To:     m.From,
			Reason: protocol.ReasonBusy,
		}); err != nil {
			s.log.Debug("send busy reject", "to", m.From, "err", err)
		}
		s.emit(Event{Type: EventBusy, Peer: m.From, CallType: m.CallType})
		return
	}

	callType := m.CallType
	if callType == "" {
		callType = protocol.CallTypeAudio
	}
	offer := m.Offer
	s.gen++
	s.peer = m.From
	s.callType = callType
	s.pendingOffer = &offer
	s.remoteICE = nil
	s.remoteDescSet = false
	s.acceptICE = nil
	s.remoteVideo = callType == protocol.CallTypeVideo
	ev := s.setStateLocked(StateIncomingRinging)
	s.mu.Unlock()

	s.emit(ev, Event{Type: EventIncoming, State: StateIncomingRinging, Peer: m.From, CallType: callType})
}

func (s *Session) renegotiate(g uint64, pc PeerConnection, m protocol.Offer) {
	err := pc.SetRemoteDescription(m.Offer)
	var answer protocol.SDP
	if err == nil {
		answer, err = negotiateAnswer(pc)
	}
	if err != nil {
		s.log.Warn("renegotiation failed", "peer", m.From, "err", err)
		s.emit(Event{Type: EventFailed, Peer: m.From, Err: fmt.Errorf("renegotiate: %w", err)})
		return
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	if m.CallType == protocol.CallTypeVideo {
		s.callType = protocol.CallTypeVideo
	}
	s.mu.Unlock()

	if err := s.cfg.Signaler.Send(protocol.Answer{Type: protocol.TypeAnswer, To: m.From, Answer: answer}); err != nil {
		s.log.Debug("send renegotiation answer", "to", m.From, "err", err)
	}
}

func (s *Session) handleAnswer(m protocol.Answer) {
	s.mu.Lock()
	if m.From != s.peer || s.pc == nil {
		s.mu.Unlock()
		return
	}
	g := s.gen
	pc := s.pc
	switch {
	case s.state == StateOutgoingRinging:
	case s.upgrading && (s.state == StateConnecting || s.state == StateActive):
		s.upgrading = false
		s.mu.Unlock()
		if err := pc.SetRemoteDescription(m.Answer); err != nil {
			s.log.Warn("apply upgrade answer", "peer", m.From, "err", err)
			s.emit(Event{Type: EventFailed, Peer: m.From, Err: fmt.Errorf("apply answer: %w", err)})
		}
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(m.Answer); err != nil {
		s.fail(g, fmt.Errorf("apply answer: %w", err), true)
		return
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	s.applyBufferedLocked()
	ev := s.setStateLocked(StateConnecting)
	s.startConnectTimerLocked(g)
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Session) handleICE(m protocol.ICE) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || m.From != s.peer {
		return
	}
	if !s.remoteDescSet || s.pc == nil {
		s.remoteICE = append(s.remoteICE, m.ICE)
		return
	}
	if err := s.pc.AddICECandidate(m.ICE); err != nil {
		s.log.Debug("add ice candidate", "peer", m.From, "err", err)
	}
	if s.inFlight && s.state == StateIncomingRinging {
		s.acceptICE = append(s.acceptICE, m.ICE)
	}
}

func (s *Session) handleHangup(from string) {
	s.mu.Lock()
	if s.state == StateIdle || from != s.peer {
		s.mu.Unlock()
		return
	}
	cleanup, ev := s.teardownLocked()
	s.mu.Unlock()
	cleanup()
	s.emit(ev)
	s.log.Info("peer hung up", "peer", from)
}

func (s *Session) handleReject(m protocol.Reject) {
	s.mu.Lock()
	if m.From != s.peer || (s.state != StateOutgoingRinging && s.state != StateConnecting) {
		s.mu.Unlock()
		return
	}
	cleanup, ev := s.teardownLocked()
	s.mu.Unlock()
	cleanup()
	s.emit(ev, Event{Type: EventRejected, Peer: m.From, Reason: m.Reason})
	s.log.Info("call rejected", "peer", m.From, "reason", m.Reason)
}

func (s *Session) handleVideoToggle(m protocol.VideoToggle) {
	s.mu.Lock()
	if s.state == StateIdle || m.From != s.peer {
		s.mu.Unlock()
		return
	}
	s.remoteVideo = m.Enabled
	s.mu.Unlock()
	s.emit(Event{Type: EventRemoteVideo, Peer: m.From, Enabled: m.Enabled})
}

func (s *Session) newPeer(g uint64) (PeerConnection, error) {
	return s.cfg.NewPeer(PeerEvents{
		OnICECandidate:    func(c protocol.Candidate) { s.onLocalCandidate(g, c) },
		OnConnectionState: func(st webrtc.PeerConnectionState) { s.onConnectionState(g, st) },
		OnRemoteTrack:     func(kind MediaKind) { s.onRemoteTrack(g, kind) },
	})
}

// onLocalCandidate forwards a gathered candidate. Candidates found before our
// offer or answer went out are held so the peer never sees ice first.
func (s *Session) onLocalCandidate(g uint64, c protocol.Candidate) {
	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	if !s.signaled {
		s.localICE = append(s.localICE, c)
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()
	s.sendICE(peer, c)
}

func (s *Session) markSignaled(g uint64) {
	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	s.signaled = true
	held := s.localICE
	s.localICE = nil
	peer := s.peer
	s.mu.Unlock()
	for _, c := range held {
		s.sendICE(peer, c)
	}
}

func (s *Session) sendICE(peer string, c protocol.Candidate) {
	if err := s.cfg.Signaler.Send(protocol.ICE{Type: protocol.TypeICE, To: peer, ICE: c}); err != nil {
		s.log.Debug("send ice candidate", "peer", peer, "err", err)
	}
}

// onConnectionState moves connecting to active on the first connected report
// and tears down on failed or closed. Disconnected may recover and is
// ignored.
func (s *Session) onConnectionState(g uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		s.stopConnectTimerLocked()
		ev := s.setStateLocked(StateActive)
		s.mu.Unlock()
		s.emit(ev)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if s.state == StateIdle {
			s.mu.Unlock()
			return
		}
		peer := s.peer
		cleanup, ev := s.teardownLocked()
		s.mu.Unlock()
		cleanup()
		evs := []Event{ev}
		if st == webrtc.PeerConnectionStateFailed {
			evs = append(evs, Event{Type: EventFailed, Peer: peer, Err: ErrConnectionFailed})
		}
		s.emit(evs...)
	default:
		s.mu.Unlock()
		s.log.Debug("peer connection state", "state", st.String())
	}
}

func (s *Session) onRemoteTrack(g uint64, kind MediaKind) {
	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()
	s.emit(Event{Type: EventRemoteTrack, Peer: peer, Kind: kind})
}

func (s *Session) startConnectTimerLocked(g uint64) {
	s.stopConnectTimerLocked()
	if s.cfg.ConnectTimeout <= 0 {
		return
	}
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() { s.onConnectTimeout(g) })
}

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) onConnectTimeout(g uint64) {
	s.mu.Lock()
	if g != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(g, ErrConnectTimeout, true)
}

// fail tears the session down after a negotiation or connectivity error.
func (s *Session) fail(g uint64, err error, notifyPeer bool) {
	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	cleanup, ev := s.teardownLocked()
	s.mu.Unlock()
	cleanup()

	s.log.Warn("call failed", "peer", peer, "err", err)
	if notifyPeer && peer != "" {
		if sendErr := s.cfg.Signaler.Send(protocol.Hangup{Type: protocol.TypeHangup, To: peer}); sendErr != nil {
			s.log.Debug("send hangup", "peer", peer, "err", sendErr)
		}
	}
	s.emit(ev, Event{Type: EventFailed, Peer: peer, Err: err})
}

// endInFlight clears the in-flight flag after a failed step. With reset the
// session also forgets the peer chosen for an outgoing call.
func (s *Session) endInFlight(g uint64, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g != s.gen {
		return
	}
	s.inFlight = false
	if reset && s.state == StateIdle {
		s.peer = ""
		s.callType = ""
	}
}

// teardownLocked resets the session to idle. The returned cleanup releases
// media and the peer connection and must run without the lock held.
func (s *Session) teardownLocked() (func(), Event) {
	pc := s.pc
	tracks := s.tracks
	peer := s.peer
	callType := s.callType

	s.stopConnectTimerLocked()
	s.gen++
	s.state = StateIdle
	s.inFlight = false
	s.peer = ""
	s.callType = ""
	s.pc = nil
	s.tracks = nil
	s.pendingOffer = nil
	s.remoteICE = nil
	s.remoteDescSet = false
	s.acceptICE = nil
	s.localICE = nil
	s.signaled = false
	s.upgrading = false
	s.muted = false
	s.videoOff = false
	s.remoteVideo = false

	cleanup := func() {
		stopTracks(tracks)
		if pc != nil {
			_ = pc.Close()
		}
	}
	return cleanup, Event{Type: EventStateChanged, State: StateIdle, Peer: peer, CallType: callType}
}

func (s *Session) setStateLocked(st State) Event {
	s.state = st
	return Event{Type: EventStateChanged, State: st, Peer: s.peer, CallType: s.callType}
}

func (s *Session) emit(evs ...Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	for _, ev := range evs {
		s.cfg.OnEvent(ev)
	}
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
