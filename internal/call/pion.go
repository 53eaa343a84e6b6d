package call

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type APIOption func(*apiOptions)

type apiOptions struct {
	net           *vnet.Net
	loggerFactory logging.LoggerFactory
}

// WithVirtualNet routes all ICE traffic through a pion virtual network.
func WithVirtualNet(n *vnet.Net) APIOption {
	return func(o *apiOptions) { o.net = n }
}

func WithLoggerFactory(f logging.LoggerFactory) APIOption {
	return func(o *apiOptions) { o.loggerFactory = f }
}

// NewAPI builds a pion API with the default audio/video codecs and
// interceptors (NACK, RTCP reports, TWCC) and the given network settings.
func NewAPI(pn config.PeerNetwork, opts ...APIOption) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, pn); err != nil {
		return nil, err
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if o.loggerFactory != nil {
		se.LoggerFactory = o.loggerFactory
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, pn config.PeerNetwork) error {
	if pn.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(pn.UDPPortRange.Min, pn.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(pn.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch pn.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", pn.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(pn.NAT1To1IPs, candidateType)
	}

	// There is no bind-address knob; restrict gathering with an IP filter.
	if pn.UDPListenIP != nil && !config.IsUnspecifiedIP(pn.UDPListenIP) {
		listenIP := pn.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if pn.ICEDisconnectedTimeout > 0 || pn.ICEFailedTimeout > 0 || pn.ICEKeepaliveInterval > 0 {
		disconnected := pn.ICEDisconnectedTimeout
		if disconnected <= 0 {
			disconnected = config.DefaultICEDisconnectedTimeout
		}
		failed := pn.ICEFailedTimeout
		if failed <= 0 {
			failed = config.DefaultICEFailedTimeout
		}
		keepalive := pn.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = config.DefaultICEKeepaliveInterval
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}
	return nil
}

// LocalTrack is implemented by tracks that can be sent over a pion peer
// connection.
type LocalTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// NewPeerFactory returns a PeerFactory backed by api.
func NewPeerFactory(api *webrtc.API, iceServers []webrtc.ICEServer) PeerFactory {
	return func(ev PeerEvents) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			// nil marks the end of gathering.
			if c == nil || ev.OnICECandidate == nil {
				return
			}
			ev.OnICECandidate(protocol.CandidateFromPion(c.ToJSON()))
		})
		pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			if ev.OnConnectionState != nil {
				ev.OnConnectionState(st)
			}
		})
		pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if ev.OnRemoteTrack != nil {
				ev.OnRemoteTrack(MediaKind(tr.Kind().String()))
			}
			drainRTP(tr)
		})
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t Track) error {
	lt, ok := t.(LocalTrack)
	if !ok {
		return fmt.Errorf("%s track %T cannot be sent over webrtc", t.Kind(), t)
	}
	sender, err := p.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return err
	}
	// RTCP must be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer() (protocol.SDP, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(desc), nil
}

func (p *pionPeer) CreateAnswer() (protocol.SDP, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, err
	}
	return protocol.SDPFromPion(desc), nil
}

func (p *pionPeer) SetLocalDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c protocol.Candidate) error {
	if strings.TrimSpace(c.Candidate) == "" {
		return nil
	}
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func drainRTP(tr *webrtc.TrackRemote) {
	for {
		if _, _, err := tr.ReadRTP(); err != nil {
			return
		}
	}
}
