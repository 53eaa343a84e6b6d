package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultWebRTCUDPListenIP = "0.0.0.0"

	DefaultICEDisconnectedTimeout = 5 * time.Second
	DefaultICEFailedTimeout       = 25 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// PeerNetwork holds the pion SettingEngine knobs used by the call client.
type PeerNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. Nil leaves port
	// selection to the OS.
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised instead of the local addresses when the
	// client sits behind a static NAT.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts ICE to one local interface. 0.0.0.0 means all.
	UDPListenIP net.IP

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// PeerNetworkFlags is the flag form of PeerNetwork.
type PeerNetworkFlags struct {
	UDPPortMin    uint
	UDPPortMax    uint
	NAT1To1IPs    string
	CandidateType string
	UDPListenIP   string
}

// PeerNetworkFlagsFromEnv seeds flag defaults from the process environment.
func PeerNetworkFlagsFromEnv(lookup func(string) (string, bool)) (PeerNetworkFlags, error) {
	f := PeerNetworkFlags{
		NAT1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		CandidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
		UDPListenIP:   envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
	}
	for _, p := range []struct {
		env string
		dst *uint
	}{
		{envVarWebRTCUDPPortMin, &f.UDPPortMin},
		{envVarWebRTCUDPPortMax, &f.UDPPortMax},
	} {
		raw, ok := lookup(p.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := parsePortString(raw)
		if err != nil {
			return PeerNetworkFlags{}, fmt.Errorf("invalid %s: %w", p.env, err)
		}
		*p.dst = uint(port)
	}
	return f, nil
}

func (f *PeerNetworkFlags) Register(fs *flag.FlagSet) {
	fs.UintVar(&f.UDPPortMin, "webrtc-udp-port-min", f.UDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.UDPPortMax, "webrtc-udp-port-max", f.UDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.NAT1To1IPs, "webrtc-nat-1to1-ips", f.NAT1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&f.CandidateType, "webrtc-nat-1to1-ip-candidate-type", f.CandidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&f.UDPListenIP, "webrtc-udp-listen-ip", f.UDPListenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
}

func (f PeerNetworkFlags) Parse() (PeerNetwork, error) {
	out := PeerNetwork{
		NAT1To1IPCandidateType: NAT1To1CandidateTypeHost,
		ICEDisconnectedTimeout: DefaultICEDisconnectedTimeout,
		ICEFailedTimeout:       DefaultICEFailedTimeout,
		ICEKeepaliveInterval:   DefaultICEKeepaliveInterval,
	}

	if (f.UDPPortMin == 0) != (f.UDPPortMax == 0) {
		return PeerNetwork{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if f.UDPPortMin != 0 {
		min, err := parsePortUint(f.UDPPortMin)
		if err != nil {
			return PeerNetwork{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(f.UDPPortMax)
		if err != nil {
			return PeerNetwork{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return PeerNetwork{}, fmt.Errorf("%s (%d) must be <= %s (%d)", envVarWebRTCUDPPortMin, min, envVarWebRTCUDPPortMax, max)
		}
		out.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	if strings.TrimSpace(f.NAT1To1IPs) != "" {
		ips, err := parseIPList(f.NAT1To1IPs)
		if err != nil {
			return PeerNetwork{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
		}
		out.NAT1To1IPs = ips
	}
	ct, err := parseCandidateType(f.CandidateType)
	if err != nil {
		return PeerNetwork{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}
	out.NAT1To1IPCandidateType = ct

	listen := strings.TrimSpace(f.UDPListenIP)
	if listen == "" {
		listen = DefaultWebRTCUDPListenIP
	}
	ip := net.ParseIP(listen)
	if ip == nil {
		return PeerNetwork{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, f.UDPListenIP)
	}
	out.UDPListenIP = ip

	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost), "":
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
