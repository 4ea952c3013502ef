package webrtcpeer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/config"
)

// NewAPI constructs the server-side pion API with the configured network
// settings, the default codecs, and the default interceptors plus a periodic
// PLI interceptor so video publishers keep producing keyframes for late
// subscribers.
func NewAPI(cfg config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(),
	}
	if err := applyNetworkSettings(&se, cfg.ICE); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create interval PLI interceptor: %w", err)
	}
	ir.Add(pli)

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func applyNetworkSettings(se *webrtc.SettingEngine, ice config.ICEConfig) error {
	if ice.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(ice.UDPPortRange.Min, ice.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(ice.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch ice.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", ice.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(ice.NAT1To1IPs, candidateType)
	}

	return nil
}

// NewPeerConnection constructs a server-side PeerConnection using the shared
// API and the configured ICE servers.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}
