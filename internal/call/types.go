package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateOutgoingRinging
	StateIncomingRinging
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// kindsFor maps a call type to the local tracks it needs. Video calls carry
// audio too.
func kindsFor(t protocol.CallType) ([]MediaKind, error) {
	switch t {
	case protocol.CallTypeAudio:
		return []MediaKind{KindAudio}, nil
	case protocol.CallTypeVideo:
		return []MediaKind{KindAudio, KindVideo}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCallType, t)
	}
}

// Track is a local media track. Disabling a track keeps it negotiated but
// stops sending media.
type Track interface {
	Kind() MediaKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// MediaSource acquires local tracks, e.g. a microphone and camera.
type MediaSource interface {
	Acquire(ctx context.Context, kinds []MediaKind) ([]Track, error)
}

// Signaler delivers a message to the relay. *client.Manager implements it.
type Signaler interface {
	Send(v any) error
}

// PeerConnection is what the session needs from a WebRTC peer connection.
type PeerConnection interface {
	AddTrack(Track) error
	CreateOffer() (protocol.SDP, error)
	CreateAnswer() (protocol.SDP, error)
	SetLocalDescription(protocol.SDP) error
	SetRemoteDescription(protocol.SDP) error
	AddICECandidate(protocol.Candidate) error
	Close() error
}

// PeerEvents are the callbacks a PeerConnection reports through. They must
// not be invoked synchronously from inside PeerConnection methods.
type PeerEvents struct {
	OnICECandidate    func(protocol.Candidate)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnRemoteTrack     func(MediaKind)
}

type PeerFactory func(PeerEvents) (PeerConnection, error)

type EventType int

const (
	EventStateChanged EventType = iota
	// EventIncoming asks the user to accept or decline.
	EventIncoming
	// EventRejected means the callee declined or was busy.
	EventRejected
	// EventBusy means an offer was refused automatically.
	EventBusy
	// EventFailed reports a negotiation or connectivity failure.
	EventFailed
	EventRemoteVideo
	EventRemoteTrack
)

type Event struct {
	Type     EventType
	State    State
	Peer     string
	CallType protocol.CallType
	Reason   string
	Enabled  bool
	Kind     MediaKind
	Err      error
}

// Info is a snapshot of the session for display.
type Info struct {
	State              State
	Peer               string
	CallType           protocol.CallType
	Muted              bool
	VideoEnabled       bool
	RemoteVideoEnabled bool
}
