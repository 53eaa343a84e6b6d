package config

import (
	"errors"
	"flag"
	"net"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxQueuedMessagesPerUser != 0 {
		t.Fatalf("MaxQueuedMessagesPerUser=%d, want 0", cfg.MaxQueuedMessagesPerUser)
	}
	if cfg.SignalingOutboundBuffer != DefaultSignalingOutboundBuffer {
		t.Fatalf("SignalingOutboundBuffer=%d, want %d", cfg.SignalingOutboundBuffer, DefaultSignalingOutboundBuffer)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want empty", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel.String() != "INFO" {
		t.Fatalf("logLevel=%v, want INFO", cfg.LogLevel)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxQueuedMessagesPerUser: "10",
		envVarSignalingWSIdleTimeout:   "2m",
	}), []string{"--max-queued-messages-per-user", "3"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxQueuedMessagesPerUser != 3 {
		t.Fatalf("MaxQueuedMessagesPerUser=%d, want 3", cfg.MaxQueuedMessagesPerUser)
	}
	if cfg.SignalingWSIdleTimeout != 2*time.Minute {
		t.Fatalf("SignalingWSIdleTimeout=%v, want 2m", cfg.SignalingWSIdleTimeout)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestInvalidValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"mode":          {envVarMode: "staging"},
		"log level":     {envVarLogLevel: "loud"},
		"duration":      {envVarShutdownTimeout: "soon"},
		"int":           {envVarMaxSignalingMessagesPerSecond: "many"},
		"negative cap":  {envVarMaxQueuedMessagesPerUser: "-1"},
		"origin":        {envVarAllowedOrigins: "example.com"},
		"ice json":      {envICEServersJSON: "not json"},
		"turn no creds": {envTurnURLs: "turn:t.example.com"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := load(lookupMap(env), nil); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestHelpFlag(t *testing.T) {
	_, err := load(noEnv, []string{"-h"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err=%v, want flag.ErrHelp", err)
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins(" https://Example.com:443 , http://localhost:3000 ,*")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:3000", "*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("origins=%v, want %v", got, want)
	}
	if _, err := parseAllowedOrigins("https://example.com/path"); err == nil {
		t.Fatalf("expected error for origin with path")
	}
}

func TestPeerNetworkFlags(t *testing.T) {
	f, err := PeerNetworkFlagsFromEnv(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin:             "40000",
		envVarWebRTCUDPPortMax:             "40199",
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
		envVarWebRTCUDPListenIP:            "10.0.0.123",
	}))
	if err != nil {
		t.Fatalf("PeerNetworkFlagsFromEnv: %v", err)
	}
	pn, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pn.UDPPortRange == nil || pn.UDPPortRange.Min != 40000 || pn.UDPPortRange.Max != 40199 {
		t.Fatalf("UDPPortRange=%+v", pn.UDPPortRange)
	}
	if len(pn.NAT1To1IPs) != 2 {
		t.Fatalf("NAT1To1IPs=%v", pn.NAT1To1IPs)
	}
	if pn.NAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("candidate type=%q", pn.NAT1To1IPCandidateType)
	}
	if !pn.UDPListenIP.Equal(net.ParseIP("10.0.0.123")) {
		t.Fatalf("UDPListenIP=%v", pn.UDPListenIP)
	}
}

func TestPeerNetworkFlags_Defaults(t *testing.T) {
	f, err := PeerNetworkFlagsFromEnv(noEnv)
	if err != nil {
		t.Fatalf("PeerNetworkFlagsFromEnv: %v", err)
	}
	pn, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pn.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *pn.UDPPortRange)
	}
	if !IsUnspecifiedIP(pn.UDPListenIP) {
		t.Fatalf("UDPListenIP=%v, want unspecified", pn.UDPListenIP)
	}
	if pn.ICEFailedTimeout != DefaultICEFailedTimeout {
		t.Fatalf("ICEFailedTimeout=%v", pn.ICEFailedTimeout)
	}
}

func TestPeerNetworkFlags_Invalid(t *testing.T) {
	for name, f := range map[string]PeerNetworkFlags{
		"min only":       {UDPPortMin: 40000},
		"inverted range": {UDPPortMin: 40100, UDPPortMax: 40000},
		"bad ip":         {NAT1To1IPs: "nope"},
		"bad type":       {CandidateType: "relay"},
		"bad listen":     {UDPListenIP: "bad.ip"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := f.Parse(); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}
