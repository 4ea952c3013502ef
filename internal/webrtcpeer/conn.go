package webrtcpeer

import (
	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/relay"
)

// Conn wraps *webrtc.PeerConnection, narrowing the track callback to the
// relay's source interface so the meeting layer never touches pion's receiver
// types directly.
type Conn struct {
	*webrtc.PeerConnection
}

func (c Conn) OnTrack(f func(relay.TrackSource)) {
	c.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

// NewConn constructs a server-side connection using the shared API and the
// configured ICE servers.
func NewConn(api *webrtc.API, iceServers []webrtc.ICEServer) (Conn, error) {
	pc, err := NewPeerConnection(api, iceServers)
	if err != nil {
		return Conn{}, err
	}
	return Conn{PeerConnection: pc}, nil
}
