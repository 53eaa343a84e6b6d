package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type fakeTrack struct {
	kind    MediaKind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() MediaKind { return t.kind }
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	entered  chan struct{}
	acquired []*fakeTrack
}

func (m *fakeMedia) Acquire(ctx context.Context, kinds []MediaKind) ([]Track, error) {
	m.mu.Lock()
	block, entered, err := m.block, m.entered, m.err
	m.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, 0, len(kinds))
	for _, k := range kinds {
		t := &fakeTrack{kind: k, enabled: true}
		m.acquired = append(m.acquired, t)
		out = append(out, t)
	}
	return out, nil
}

func (m *fakeMedia) tracks() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeTrack(nil), m.acquired...)
}

type fakePeer struct {
	ev PeerEvents

	mu         sync.Mutex
	tracks     []Track
	local      []protocol.SDP
	remote     []protocol.SDP
	candidates []string
	remoteErr  error
	closed     bool
	onAnswer   func() error
}

func (p *fakePeer) AddTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (protocol.SDP, error) {
	return protocol.SDP{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (protocol.SDP, error) {
	if p.onAnswer != nil {
		if err := p.onAnswer(); err != nil {
			return protocol.SDP{}, err
		}
	}
	return protocol.SDP{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d protocol.SDP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d protocol.SDP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c protocol.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) snapshot() (tracks int, remote int, candidates []string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks), len(p.remote), append([]string(nil), p.candidates...), p.closed
}

type recordingSignaler struct {
	mu     sync.Mutex
	msgs   []any
	onSend func(v any)
}

func (s *recordingSignaler) Send(v any) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, v)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(v)
	}
	return nil
}

func (s *recordingSignaler) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

type harness struct {
	t      *testing.T
	s      *Session
	sig    *recordingSignaler
	media  *fakeMedia
	events chan Event

	mu       sync.Mutex
	peers    []*fakePeer
	onAnswer func() error
}

func newHarness(t *testing.T, connectTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		sig:    &recordingSignaler{},
		media:  &fakeMedia{},
		events: make(chan Event, 64),
	}
	if connectTimeout == 0 {
		connectTimeout = -1
	}
	h.s = NewSession(Config{
		Signaler: h.sig,
		Media:    h.media,
		NewPeer: func(ev PeerEvents) (PeerConnection, error) {
			h.mu.Lock()
			p := &fakePeer{ev: ev, onAnswer: h.onAnswer}
			h.peers = append(h.peers, p)
			h.mu.Unlock()
			return p, nil
		},
		ConnectTimeout: connectTimeout,
		OnEvent:        func(ev Event) { h.events <- ev },
	})
	return h
}

func (h *harness) peer() *fakePeer {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) == 0 {
		h.t.Fatalf("no peer connection created")
	}
	return h.peers[len(h.peers)-1]
}

func (h *harness) deliver(v any) {
	h.t.Helper()
	f, err := protocol.Encode(v)
	if err != nil {
		h.t.Fatalf("Encode: %v", err)
	}
	if err := h.s.HandleFrame(f); err != nil {
		h.t.Fatalf("HandleFrame(%s): %v", f.Type, err)
	}
}

func (h *harness) waitEvent(typ EventType) Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for event %d", typ)
			return Event{}
		}
	}
}

func (h *harness) wantState(want State) {
	h.t.Helper()
	if got := h.s.State(); got != want {
		h.t.Fatalf("state=%s, want %s", got, want)
	}
}

func sentOfType[T any](msgs []any) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func incomingOffer(from string, ct protocol.CallType) protocol.Offer {
	return protocol.Offer{
		Type:     protocol.TypeOffer,
		From:     from,
		Offer:    protocol.SDP{Type: "offer", SDP: "v=0 remote"},
		CallType: ct,
	}
}

func remoteICE(from, cand string) protocol.ICE {
	return protocol.ICE{Type: protocol.TypeICE, From: from, ICE: protocol.Candidate{Candidate: cand}}
}

func TestStart_SendsOfferAndRings(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeVideo); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.wantState(StateOutgoingRinging)

	offers := sentOfType[protocol.Offer](h.sig.sent())
	if len(offers) != 1 || offers[0].To != "bob" || offers[0].CallType != protocol.CallTypeVideo || offers[0].IsUpgrade {
		t.Fatalf("offers=%+v", offers)
	}
	if n, _, _, _ := h.peer().snapshot(); n != 2 {
		t.Fatalf("tracks added=%d, want 2", n)
	}
	if err := h.s.Start(context.Background(), "carol", protocol.CallTypeAudio); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Start err=%v, want %v", err, ErrNotIdle)
	}
}

func TestStart_MediaFailureSendsNothing(t *testing.T) {
	h := newHarness(t, 0)
	h.media.err = errors.New("permission denied")

	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err == nil {
		t.Fatalf("Start succeeded without media")
	}
	h.wantState(StateIdle)
	if msgs := h.sig.sent(); len(msgs) != 0 {
		t.Fatalf("sent %+v after media failure", msgs)
	}

	h.media.mu.Lock()
	h.media.err = nil
	h.media.mu.Unlock()
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
}

func TestStart_RejectsUnknownCallType(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", "screen"); !errors.Is(err, ErrUnsupportedCallType) {
		t.Fatalf("err=%v, want %v", err, ErrUnsupportedCallType)
	}
}

func TestStart_ConcurrentStartAndCancel(t *testing.T) {
	h := newHarness(t, 0)
	h.media.block = make(chan struct{})
	h.media.entered = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Start(context.Background(), "bob", protocol.CallTypeAudio) }()
	<-h.media.entered

	h.media.mu.Lock()
	h.media.entered = nil
	h.media.mu.Unlock()
	if err := h.s.Start(context.Background(), "carol", protocol.CallTypeAudio); !errors.Is(err, ErrInProgress) {
		t.Fatalf("concurrent Start err=%v, want %v", err, ErrInProgress)
	}

	if err := h.s.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	close(h.media.block)

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("Start err=%v, want %v", err, ErrCancelled)
	}
	h.wantState(StateIdle)
	if msgs := h.sig.sent(); len(msgs) != 0 {
		t.Fatalf("cancelled Start sent %+v", msgs)
	}
	for _, tr := range h.media.tracks() {
		if !tr.isStopped() {
			t.Fatalf("%s track not stopped after cancel", tr.kind)
		}
	}
}

func TestAccept_AppliesBufferedCandidatesInOrder(t *testing.T) {
	h := newHarness(t, 0)
	h.deliver(incomingOffer("alice", protocol.CallTypeAudio))
	ev := h.waitEvent(EventIncoming)
	if ev.Peer != "alice" || ev.CallType != protocol.CallTypeAudio {
		t.Fatalf("incoming=%+v", ev)
	}
	h.wantState(StateIncomingRinging)

	h.deliver(remoteICE("alice", "c1"))
	h.deliver(remoteICE("alice", "c2"))
	h.deliver(remoteICE("mallory", "x"))

	if err := h.s.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	h.wantState(StateConnecting)
	h.deliver(remoteICE("alice", "c3"))

	_, remote, cands, _ := h.peer().snapshot()
	if remote != 1 {
		t.Fatalf("remote descriptions=%d, want 1", remote)
	}
	want := []string{"c1", "c2", "c3"}
	if len(cands) != len(want) {
		t.Fatalf("candidates=%v, want %v", cands, want)
	}
	for i := range want {
		if cands[i] != want[i] {
			t.Fatalf("candidates=%v, want %v", cands, want)
		}
	}

	answers := sentOfType[protocol.Answer](h.sig.sent())
	if len(answers) != 1 || answers[0].To != "alice" {
		t.Fatalf("answers=%+v", answers)
	}
}

func TestAccept_FailedAnswerKeepsCandidatesForRetry(t *testing.T) {
	h := newHarness(t, 0)
	h.deliver(incomingOffer("alice", protocol.CallTypeAudio))
	h.deliver(remoteICE("alice", "c1"))
	h.deliver(remoteICE("alice", "c2"))

	h.mu.Lock()
	h.onAnswer = func() error {
		// Arrives after the buffered candidates went to this peer connection.
		h.deliver(remoteICE("alice", "c3"))
		return errors.New("answer failed")
	}
	h.mu.Unlock()
	if err := h.s.Accept(context.Background()); err == nil {
		t.Fatalf("Accept succeeded with a failing answer")
	}
	h.wantState(StateIncomingRinging)
	first := h.peer()
	if _, _, cands, closed := first.snapshot(); !closed || len(cands) != 3 {
		t.Fatalf("first peer candidates=%v closed=%v, want 3 applied and closed", cands, closed)
	}
	h.deliver(remoteICE("alice", "c4"))

	h.mu.Lock()
	h.onAnswer = nil
	h.mu.Unlock()
	if err := h.s.Accept(context.Background()); err != nil {
		t.Fatalf("retry Accept: %v", err)
	}
	h.wantState(StateConnecting)
	second := h.peer()
	if second == first {
		t.Fatalf("retry reused the failed peer connection")
	}
	_, _, cands, _ := second.snapshot()
	want := []string{"c1", "c2", "c3", "c4"}
	if len(cands) != len(want) {
		t.Fatalf("candidates=%v, want %v", cands, want)
	}
	for i := range want {
		if cands[i] != want[i] {
			t.Fatalf("candidates=%v, want %v", cands, want)
		}
	}
}

func TestAccept_MediaFailureKeepsRinging(t *testing.T) {
	h := newHarness(t, 0)
	h.deliver(incomingOffer("alice", protocol.CallTypeVideo))
	h.media.err = errors.New("no camera")

	if err := h.s.Accept(context.Background()); err == nil {
		t.Fatalf("Accept succeeded without media")
	}
	h.wantState(StateIncomingRinging)
	if msgs := h.sig.sent(); len(msgs) != 0 {
		t.Fatalf("sent %+v", msgs)
	}

	h.media.mu.Lock()
	h.media.err = nil
	h.media.mu.Unlock()
	if err := h.s.Accept(context.Background()); err != nil {
		t.Fatalf("retry Accept: %v", err)
	}
	h.wantState(StateConnecting)
}

func TestOutgoing_CandidatesBufferedUntilAnswer(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(remoteICE("bob", "c1"))
	if _, _, cands, _ := h.peer().snapshot(); len(cands) != 0 {
		t.Fatalf("candidate applied before answer: %v", cands)
	}

	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0"}})
	h.wantState(StateConnecting)
	h.deliver(remoteICE("bob", "c2"))

	if _, _, cands, _ := h.peer().snapshot(); len(cands) != 2 || cands[0] != "c1" || cands[1] != "c2" {
		t.Fatalf("candidates=%v, want [c1 c2]", cands)
	}
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	h := newHarness(t, 0)
	h.sig.onSend = func(v any) {
		if _, ok := v.(protocol.Offer); ok {
			// Gathering raced ahead of signaling.
			h.peer().ev.OnICECandidate(protocol.Candidate{Candidate: "early"})
		}
	}
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.peer().ev.OnICECandidate(protocol.Candidate{Candidate: "late"})

	msgs := h.sig.sent()
	if len(msgs) != 3 {
		t.Fatalf("sent=%+v", msgs)
	}
	if _, ok := msgs[0].(protocol.Offer); !ok {
		t.Fatalf("first frame %T, want offer", msgs[0])
	}
	ice := sentOfType[protocol.ICE](msgs)
	if len(ice) != 2 || ice[0].ICE.Candidate != "early" || ice[1].ICE.Candidate != "late" || ice[0].To != "bob" {
		t.Fatalf("ice=%+v", ice)
	}
}

func TestBusyAutoReject(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(incomingOffer("carol", protocol.CallTypeVideo))

	ev := h.waitEvent(EventBusy)
	if ev.Peer != "carol" {
		t.Fatalf("busy event=%+v", ev)
	}
	rejects := sentOfType[protocol.Reject](h.sig.sent())
	if len(rejects) != 1 || rejects[0].To != "carol" || rejects[0].Reason != protocol.ReasonBusy {
		t.Fatalf("rejects=%+v", rejects)
	}
	h.wantState(StateOutgoingRinging)
	if info := h.s.Info(); info.Peer != "bob" {
		t.Fatalf("peer=%q, want bob", info.Peer)
	}
}

func TestHangupWhileRinging(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.s.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	h.wantState(StateIdle)

	hangups := sentOfType[protocol.Hangup](h.sig.sent())
	if len(hangups) != 1 || hangups[0].To != "bob" {
		t.Fatalf("hangups=%+v", hangups)
	}
	if _, _, _, closed := h.peer().snapshot(); !closed {
		t.Fatalf("peer connection not closed")
	}
	for _, tr := range h.media.tracks() {
		if !tr.isStopped() {
			t.Fatalf("track not stopped")
		}
	}

	// A late answer for the abandoned call is ignored.
	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0"}})
	h.wantState(StateIdle)
}

func TestHangupIncomingSendsReject(t *testing.T) {
	h := newHarness(t, 0)
	h.deliver(incomingOffer("alice", protocol.CallTypeAudio))
	if err := h.s.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	h.wantState(StateIdle)
	if rejects := sentOfType[protocol.Reject](h.sig.sent()); len(rejects) != 1 || rejects[0].To != "alice" {
		t.Fatalf("rejects=%+v", rejects)
	}
}

func TestDecline(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Decline(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("Decline while idle err=%v, want %v", err, ErrNotRinging)
	}
	h.deliver(incomingOffer("alice", protocol.CallTypeAudio))
	if err := h.s.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	h.wantState(StateIdle)
	rejects := sentOfType[protocol.Reject](h.sig.sent())
	if len(rejects) != 1 || rejects[0].To != "alice" || rejects[0].Reason != "" {
		t.Fatalf("rejects=%+v", rejects)
	}
	if err := h.s.Accept(context.Background()); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("Accept after decline err=%v, want %v", err, ErrNotRinging)
	}
}

func TestRemoteRejectEndsCall(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(protocol.Reject{Type: protocol.TypeReject, From: "bob", Reason: protocol.ReasonBusy})

	ev := h.waitEvent(EventRejected)
	if ev.Peer != "bob" || ev.Reason != protocol.ReasonBusy {
		t.Fatalf("rejected=%+v", ev)
	}
	h.wantState(StateIdle)
}

func TestRemoteHangupFromOtherUserIgnored(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(protocol.Hangup{Type: protocol.TypeHangup, From: "mallory"})
	h.wantState(StateOutgoingRinging)
	h.deliver(protocol.Hangup{Type: protocol.TypeHangup, From: "bob"})
	h.wantState(StateIdle)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0"}})
	h.wantState(StateConnecting)

	ev := h.waitEvent(EventFailed)
	if !errors.Is(ev.Err, ErrConnectTimeout) {
		t.Fatalf("failure=%v, want %v", ev.Err, ErrConnectTimeout)
	}
	h.wantState(StateIdle)
	if hangups := sentOfType[protocol.Hangup](h.sig.sent()); len(hangups) != 1 {
		t.Fatalf("hangups=%+v", hangups)
	}
}

func TestConnectionStateTransitions(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0"}})
	p := h.peer()

	p.ev.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.wantState(StateActive)

	// Past the connect timeout: the timer was stopped on connect.
	time.Sleep(100 * time.Millisecond)
	h.wantState(StateActive)

	p.ev.OnConnectionState(webrtc.PeerConnectionStateDisconnected)
	h.wantState(StateActive)

	p.ev.OnConnectionState(webrtc.PeerConnectionStateFailed)
	h.wantState(StateIdle)
	if ev := h.waitEvent(EventFailed); !errors.Is(ev.Err, ErrConnectionFailed) {
		t.Fatalf("failure=%v, want %v", ev.Err, ErrConnectionFailed)
	}

	// Reports from a torn-down peer connection are ignored.
	p.ev.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.wantState(StateIdle)
}

func TestBadAnswerFailsCall(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.peer()
	p.mu.Lock()
	p.remoteErr = errors.New("malformed sdp")
	p.mu.Unlock()

	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "junk"}})
	h.waitEvent(EventFailed)
	h.wantState(StateIdle)
	if hangups := sentOfType[protocol.Hangup](h.sig.sent()); len(hangups) != 1 || hangups[0].To != "bob" {
		t.Fatalf("hangups=%+v", hangups)
	}
}

func activeAudioCall(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, 0)
	if err := h.s.Start(context.Background(), "bob", protocol.CallTypeAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0"}})
	h.peer().ev.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.wantState(StateActive)
	return h
}

func TestToggleMuteIsLocalOnly(t *testing.T) {
	h := activeAudioCall(t)
	before := len(h.sig.sent())

	muted, err := h.s.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute=%v,%v, want true,nil", muted, err)
	}
	if h.media.tracks()[0].Enabled() {
		t.Fatalf("audio track still enabled")
	}
	if got := len(h.sig.sent()); got != before {
		t.Fatalf("mute sent %d frames", got-before)
	}
	if muted, _ = h.s.ToggleMute(); muted || !h.media.tracks()[0].Enabled() {
		t.Fatalf("unmute did not re-enable audio")
	}
}

func TestToggleVideoUpgradesAudioCall(t *testing.T) {
	h := activeAudioCall(t)

	enabled, err := h.s.ToggleVideo(context.Background())
	if err != nil || !enabled {
		t.Fatalf("ToggleVideo=%v,%v, want true,nil", enabled, err)
	}
	msgs := h.sig.sent()
	offers := sentOfType[protocol.Offer](msgs)
	if len(offers) != 2 || !offers[1].IsUpgrade || offers[1].CallType != protocol.CallTypeVideo {
		t.Fatalf("offers=%+v", offers)
	}
	toggles := sentOfType[protocol.VideoToggle](msgs)
	if len(toggles) != 1 || !toggles[0].Enabled {
		t.Fatalf("toggles=%+v", toggles)
	}
	if info := h.s.Info(); info.CallType != protocol.CallTypeVideo || !info.VideoEnabled {
		t.Fatalf("info=%+v", info)
	}

	h.deliver(protocol.Answer{Type: protocol.TypeAnswer, From: "bob", Answer: protocol.SDP{Type: "answer", SDP: "v=0 upgraded"}})
	if _, remote, _, _ := h.peer().snapshot(); remote != 2 {
		t.Fatalf("remote descriptions=%d, want 2", remote)
	}
	h.wantState(StateActive)

	if enabled, err = h.s.ToggleVideo(context.Background()); err != nil || enabled {
		t.Fatalf("second ToggleVideo=%v,%v, want false,nil", enabled, err)
	}
	if toggles = sentOfType[protocol.VideoToggle](h.sig.sent()); len(toggles) != 2 || toggles[1].Enabled {
		t.Fatalf("toggles=%+v", toggles)
	}
	if offers = sentOfType[protocol.Offer](h.sig.sent()); len(offers) != 2 {
		t.Fatalf("disabling video renegotiated")
	}
}

func TestUpgradeOfferFromPeerIsAnswered(t *testing.T) {
	h := activeAudioCall(t)
	up := incomingOffer("bob", protocol.CallTypeVideo)
	up.IsUpgrade = true
	h.deliver(up)

	if rejects := sentOfType[protocol.Reject](h.sig.sent()); len(rejects) != 0 {
		t.Fatalf("upgrade offer rejected: %+v", rejects)
	}
	if answers := sentOfType[protocol.Answer](h.sig.sent()); len(answers) != 1 || answers[0].To != "bob" {
		t.Fatalf("answers=%+v", answers)
	}
	h.wantState(StateActive)

	h.deliver(protocol.VideoToggle{Type: protocol.TypeVideoToggle, From: "bob", Enabled: true})
	if ev := h.waitEvent(EventRemoteVideo); !ev.Enabled {
		t.Fatalf("remote video event=%+v", ev)
	}
	if !h.s.Info().RemoteVideoEnabled {
		t.Fatalf("remote video not recorded")
	}
}

func TestHandleFrameUnknownType(t *testing.T) {
	h := newHarness(t, 0)
	f, err := protocol.Encode(protocol.Typing{Type: protocol.TypeTyping, From: "bob", IsTyping: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := h.s.HandleFrame(f); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err=%v, want %v", err, ErrUnknownMessage)
	}
}
