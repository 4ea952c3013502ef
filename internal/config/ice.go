package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarStunURLs       = "HUDDLE_STUN_URLS"
	envVarTurnURLs       = "HUDDLE_TURN_URLS"
	envVarTurnUsername   = "HUDDLE_TURN_USERNAME"
	envVarTurnCredential = "HUDDLE_TURN_CREDENTIAL"

	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
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

// ICEConfig carries the WebRTC network settings applied to the pion
// SettingEngine and to every server-side PeerConnection.
type ICEConfig struct {
	Servers []webrtc.ICEServer

	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	UDPPortRange *UDPPortRange

	// NAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the server runs behind NAT. Values must be literal IPs (no hostnames).
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
}

type iceInputs struct {
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	udpPortMin uint
	udpPortMax uint

	nat1To1IPs           string
	nat1To1CandidateType string
}

func iceInputsFromEnv(lookup func(string) (string, bool)) (iceInputs, error) {
	in := iceInputs{
		stunURLs:             envOrDefault(lookup, envVarStunURLs, ""),
		turnURLs:             envOrDefault(lookup, envVarTurnURLs, ""),
		turnUsername:         envOrDefault(lookup, envVarTurnUsername, ""),
		turnCredential:       envOrDefault(lookup, envVarTurnCredential, ""),
		nat1To1IPs:           envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		nat1To1CandidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}

	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return iceInputs{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		in.udpPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return iceInputs{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		in.udpPortMax = uint(p)
	}

	return in, nil
}

func registerICEFlags(fs *flag.FlagSet, in *iceInputs) {
	fs.StringVar(&in.stunURLs, "stun-urls", in.stunURLs, "comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&in.turnURLs, "turn-urls", in.turnURLs, "comma-separated TURN URLs (env "+envVarTurnURLs+")")
	fs.StringVar(&in.turnUsername, "turn-username", in.turnUsername, "TURN username (env "+envVarTurnUsername+")")
	fs.StringVar(&in.turnCredential, "turn-credential", in.turnCredential, "TURN credential (env "+envVarTurnCredential+")")
	fs.UintVar(&in.udpPortMin, "webrtc-udp-port-min", in.udpPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&in.udpPortMax, "webrtc-udp-port-max", in.udpPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&in.nat1To1IPs, "webrtc-nat-1to1-ips", in.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&in.nat1To1CandidateType, "webrtc-nat-1to1-ip-candidate-type", in.nat1To1CandidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
}

func (in iceInputs) build() (ICEConfig, error) {
	var cfg ICEConfig

	for _, url := range splitCommaList(in.stunURLs) {
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if turn := splitCommaList(in.turnURLs); len(turn) > 0 {
		if strings.TrimSpace(in.turnUsername) == "" || strings.TrimSpace(in.turnCredential) == "" {
			return ICEConfig{}, fmt.Errorf("%s and %s must be set when %s is set", envVarTurnUsername, envVarTurnCredential, envVarTurnURLs)
		}
		cfg.Servers = append(cfg.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   in.turnUsername,
			Credential: in.turnCredential,
		})
	}

	if (in.udpPortMin == 0) != (in.udpPortMax == 0) {
		return ICEConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if in.udpPortMin != 0 {
		if in.udpPortMin > in.udpPortMax {
			return ICEConfig{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		cfg.UDPPortRange = &UDPPortRange{
			Min: uint16(in.udpPortMin),
			Max: uint16(in.udpPortMax),
		}
	}

	for _, ip := range splitCommaList(in.nat1To1IPs) {
		if net.ParseIP(ip) == nil {
			return ICEConfig{}, fmt.Errorf("invalid %s entry %q: must be a literal IP", envVarWebRTCNAT1To1IPs, ip)
		}
		cfg.NAT1To1IPs = append(cfg.NAT1To1IPs, ip)
	}

	switch NAT1To1IPCandidateType(strings.TrimSpace(in.nat1To1CandidateType)) {
	case NAT1To1CandidateTypeHost:
		cfg.NAT1To1IPCandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeSrflx:
		cfg.NAT1To1IPCandidateType = NAT1To1CandidateTypeSrflx
	default:
		return ICEConfig{}, fmt.Errorf("invalid %s %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, in.nat1To1CandidateType)
	}

	return cfg, nil
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be in 1..65535")
	}
	return uint16(n), nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
