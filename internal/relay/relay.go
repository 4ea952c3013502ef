// Package relay fans one participant's inbound media track out to many
// outbound track handles without transcoding.
//
// Each source track is drained by a single pump goroutine that forwards every
// RTP packet to all current subscriptions. Subscribers therefore join the live
// stream at its current position; there is no replay of earlier packets, and a
// slow subscriber never blocks the source or its siblings.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrSourceEnded is returned by Subscribe when the source track has stopped
// producing (or was never announced).
var ErrSourceEnded = errors.New("relay: source track ended")

// TrackSource is the inbound side of a relayed track. *webrtc.TrackRemote
// satisfies it; tests use in-memory fakes.
type TrackSource interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay owns all live source feeds.
type Relay struct {
	log *slog.Logger

	mu    sync.Mutex
	feeds map[TrackSource]*feed
}

func New(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:   log,
		feeds: make(map[TrackSource]*feed),
	}
}

// AddSource starts draining src immediately. Draining before any subscriber
// exists keeps the transport's receive path moving and means subscriptions
// always attach at the live position. onEnded runs once, after the source
// stops producing and the feed has been removed.
func (r *Relay) AddSource(src TrackSource, onEnded func()) {
	f := &feed{
		relay:   r,
		src:     src,
		onEnded: onEnded,
	}

	r.mu.Lock()
	if _, exists := r.feeds[src]; exists {
		r.mu.Unlock()
		return
	}
	r.feeds[src] = f
	r.mu.Unlock()

	go f.pump()
}

// Subscribe returns a fresh outbound track handle fed from src. Every call
// yields an independent handle; all handles stop producing when the source
// ends.
func (r *Relay) Subscribe(src TrackSource) (*webrtc.TrackLocalStaticRTP, error) {
	r.mu.Lock()
	f := r.feeds[src]
	r.mu.Unlock()
	if f == nil {
		return nil, ErrSourceEnded
	}
	return f.addOutput()
}

// NumSources reports the number of live feeds.
func (r *Relay) NumSources() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

func (r *Relay) dropSource(src TrackSource) {
	r.mu.Lock()
	delete(r.feeds, src)
	r.mu.Unlock()
}

type feed struct {
	relay   *Relay
	src     TrackSource
	onEnded func()

	mu      sync.Mutex
	outputs []*webrtc.TrackLocalStaticRTP
	ended   bool
	seq     int
}

func (f *feed) addOutput() (*webrtc.TrackLocalStaticRTP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return nil, ErrSourceEnded
	}

	f.seq++
	out, err := webrtc.NewTrackLocalStaticRTP(
		f.src.Codec().RTPCodecCapability,
		fmt.Sprintf("%s#%d", f.src.ID(), f.seq),
		f.src.StreamID(),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbound track: %w", err)
	}
	f.outputs = append(f.outputs, out)
	return out, nil
}

func (f *feed) pump() {
	for {
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			break
		}

		f.mu.Lock()
		outputs := f.outputs
		f.mu.Unlock()

		for _, out := range outputs {
			// WriteRTP on an unbound or detached handle is a no-op; per-output
			// write errors must not stall the remaining subscribers.
			_ = out.WriteRTP(pkt)
		}
	}

	f.mu.Lock()
	f.ended = true
	f.outputs = nil
	f.mu.Unlock()

	f.relay.dropSource(f.src)
	f.relay.log.Debug("relay feed ended", "track_id", f.src.ID(), "kind", f.src.Kind().String())

	if f.onEnded != nil {
		f.onEnded()
	}
}
