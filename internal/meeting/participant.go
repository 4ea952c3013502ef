package meeting

import (
	"sync"

	"github.com/openhuddle/huddle/internal/relay"
)

// Summary is the per-participant view broadcast to clients.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type subscriptionKey struct {
	sourceID string
	kind     string
}

// Participant holds one user's state: identity, the server-side peer
// connection, the inbound tracks currently received from it, and the relay
// subscriptions already attached to it (dedup across renegotiations).
type Participant struct {
	ID   string
	Name string

	mu            sync.Mutex
	conn          PeerConnection
	inboundTracks map[string]relay.TrackSource
	subscriptions map[subscriptionKey]struct{}
	closed        bool
}

func newParticipant(id, name string) *Participant {
	return &Participant{
		ID:            id,
		Name:          name,
		inboundTracks: make(map[string]relay.TrackSource),
		subscriptions: make(map[subscriptionKey]struct{}),
	}
}

// Connection returns the participant's peer connection, or nil before the
// first offer (and after Close).
func (p *Participant) Connection() PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Participant) setConnection(conn PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

// Tracks returns a snapshot of the inbound tracks keyed by media kind.
func (p *Participant) Tracks() map[string]relay.TrackSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]relay.TrackSource, len(p.inboundTracks))
	for kind, src := range p.inboundTracks {
		out[kind] = src
	}
	return out
}

// HasTracks reports whether any inbound media has arrived yet.
func (p *Participant) HasTracks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inboundTracks) > 0
}

func (p *Participant) addTrack(kind string, src relay.TrackSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboundTracks[kind] = src
}

// removeTrack clears the entry for kind only if it still refers to src. A
// renegotiated replacement track must not be dropped when the old one ends.
func (p *Participant) removeTrack(kind string, src relay.TrackSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inboundTracks[kind] == src {
		delete(p.inboundTracks, kind)
	}
}

func (p *Participant) hasSubscription(sourceID, kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subscriptions[subscriptionKey{sourceID, kind}]
	return ok
}

func (p *Participant) addSubscription(sourceID, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[subscriptionKey{sourceID, kind}] = struct{}{}
}

// Close releases the connection and clears all track state. Safe to call
// multiple times.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.inboundTracks = make(map[string]relay.TrackSource)
	p.subscriptions = make(map[subscriptionKey]struct{})
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
