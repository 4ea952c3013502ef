// Package meeting coordinates a single room: the participant registry, the
// per-participant peer connection lifecycle, relay subscriptions between
// participants, and the renegotiation protocol that keeps the relay topology
// consistent as people join and leave.
package meeting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/metrics"
	"github.com/openhuddle/huddle/internal/relay"
)

// PeerConnection is the slice of the WebRTC connection the meeting drives.
// webrtcpeer.Conn adapts *webrtc.PeerConnection to it; tests use fakes.
type PeerConnection interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	WriteRTCP([]rtcp.Packet) error
	OnTrack(func(relay.TrackSource))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEGatheringStateChange(func(webrtc.ICEGatheringState))
	ICEGatheringState() webrtc.ICEGatheringState
	Close() error
}

// Events receives meeting lifecycle notifications. The signaling layer
// implements it over the router; the indirection keeps this package free of a
// dependency on the wire protocol.
type Events interface {
	// RequestOffer asks the identified participant's client to initiate a
	// fresh offer, picking up newly available relay subscriptions.
	RequestOffer(participantID, reason string)

	// ParticipantLeft fires exactly once per actual removal.
	ParticipantLeft(participantID string)
}

// Config carries the meeting's timing knobs. Zero values fall back to the
// defaults below.
type Config struct {
	// TrackPollInterval and TrackPollAttempts bound the track-readiness poll
	// in NotifyTracksReady.
	TrackPollInterval time.Duration
	TrackPollAttempts int

	// NegotiationRetryDelay is the single bounded wait before a renegotiation
	// on an unstable connection is rejected.
	NegotiationRetryDelay time.Duration
}

const (
	defaultTrackPollInterval     = 500 * time.Millisecond
	defaultTrackPollAttempts     = 20
	defaultNegotiationRetryDelay = 150 * time.Millisecond

	// Answers are non-trickle: the local description is returned only after
	// ICE gathering finishes, bounded by this timeout.
	iceGatherTimeout = 5 * time.Second
)

// NewConnectionFunc creates a fresh server-side peer connection for a joining
// participant.
type NewConnectionFunc func() (PeerConnection, error)

// Meeting owns the participant registry for one room.
type Meeting struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	relay   *relay.Relay
	newConn NewConnectionFunc
	events  Events
	cfg     Config

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
}

func New(log *slog.Logger, m *metrics.Metrics, r *relay.Relay, newConn NewConnectionFunc, events Events, cfg Config) *Meeting {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TrackPollInterval <= 0 {
		cfg.TrackPollInterval = defaultTrackPollInterval
	}
	if cfg.TrackPollAttempts <= 0 {
		cfg.TrackPollAttempts = defaultTrackPollAttempts
	}
	if cfg.NegotiationRetryDelay <= 0 {
		cfg.NegotiationRetryDelay = defaultNegotiationRetryDelay
	}
	return &Meeting{
		log:          log,
		metrics:      m,
		relay:        r,
		newConn:      newConn,
		events:       events,
		cfg:          cfg,
		participants: make(map[string]*Participant),
	}
}

// AddParticipant registers a new participant under a fresh unique id.
func (m *Meeting) AddParticipant(name string) *Participant {
	m.mu.Lock()
	var id string
	for {
		id = uuid.NewString()[:8]
		if _, taken := m.participants[id]; !taken {
			break
		}
	}
	p := newParticipant(id, name)
	m.participants[id] = p
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.metrics.Inc(metrics.ParticipantJoined)
	m.log.Info("participant joined", "participant_id", id, "name", name)
	return p
}

// RemoveParticipant removes and closes the participant if present, reporting
// whether a removal actually happened. Removing an absent id is a no-op, and
// the ParticipantLeft event fires only on actual removal.
func (m *Meeting) RemoveParticipant(id string) bool {
	m.mu.Lock()
	p, ok := m.participants[id]
	if ok {
		delete(m.participants, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.Close()
	m.metrics.Inc(metrics.ParticipantLeft)
	m.log.Info("participant left", "participant_id", id)
	if m.events != nil {
		m.events.ParticipantLeft(id)
	}
	return true
}

// Participant looks up a participant by id.
func (m *Meeting) Participant(id string) (*Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	return p, ok
}

// OtherParticipants returns all participants except excludeID, in join order.
func (m *Meeting) OtherParticipants(excludeID string) []*Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Participant, 0, len(m.order))
	for _, id := range m.order {
		if id == excludeID {
			continue
		}
		out = append(out, m.participants[id])
	}
	return out
}

// Summaries returns the current participant list in join order.
func (m *Meeting) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, Summary{ID: id, Name: m.participants[id].Name})
	}
	return out
}

// Close removes every participant. Used during process shutdown.
func (m *Meeting) Close() {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	for _, id := range ids {
		m.RemoveParticipant(id)
	}
}

// HandleOffer runs one offer/answer exchange for p. The first offer creates
// the connection and registers its event handlers; later offers renegotiate
// on the existing connection. Relay subscriptions to every other participant's
// current tracks are attached (deduplicated) before the answer is generated.
func (m *Meeting) HandleOffer(p *Participant, offerSDP string) (string, error) {
	conn := p.Connection()
	if conn == nil {
		var err error
		conn, err = m.newConn()
		if err != nil {
			return "", fmt.Errorf("create peer connection: %w", err)
		}
		m.registerHandlers(p, conn)
		p.setConnection(conn)
	} else if conn.SignalingState() != webrtc.SignalingStateStable {
		// One bounded retry; concurrent glare usually settles within it.
		time.Sleep(m.cfg.NegotiationRetryDelay)
		if conn.SignalingState() != webrtc.SignalingStateStable {
			m.metrics.Inc(metrics.NegotiationConflict)
			return "", ErrNegotiationConflict
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := conn.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("apply remote offer: %w", err)
	}

	m.subscribeToOthers(p, conn)

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer: %w", err)
	}
	m.waitForICEGathering(p, conn)

	m.metrics.Inc(metrics.OfferHandled)
	if local := conn.LocalDescription(); local != nil {
		return local.SDP, nil
	}
	return answer.SDP, nil
}

func (m *Meeting) registerHandlers(p *Participant, conn PeerConnection) {
	conn.OnTrack(func(src relay.TrackSource) {
		m.trackArrived(p, src)
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if state == webrtc.PeerConnectionStateFailed {
				m.metrics.Inc(metrics.TransportFailure)
			}
			if m.RemoveParticipant(p.ID) {
				m.log.Info("participant removed on connection state",
					"participant_id", p.ID, "state", state.String())
			}
		case webrtc.PeerConnectionStateDisconnected:
			// May recover; removal here would drop participants on a blip.
			m.log.Warn("participant transport disconnected", "participant_id", p.ID)
		}
	})
}

func (m *Meeting) trackArrived(p *Participant, src relay.TrackSource) {
	kind := src.Kind().String()
	p.addTrack(kind, src)
	m.relay.AddSource(src, func() {
		p.removeTrack(kind, src)
	})
	m.log.Info("inbound track",
		"participant_id", p.ID, "kind", kind, "track_id", src.ID())
}

// subscribeToOthers attaches a relay subscription on conn for every other
// participant's current tracks that p is not yet receiving. Failures skip the
// one subscription and continue with the rest.
func (m *Meeting) subscribeToOthers(p *Participant, conn PeerConnection) {
	for _, other := range m.OtherParticipants(p.ID) {
		for kind, src := range other.Tracks() {
			if p.hasSubscription(other.ID, kind) {
				continue
			}
			out, err := m.relay.Subscribe(src)
			if err != nil {
				m.metrics.Inc(metrics.RelaySubscriptionErr)
				m.log.Warn("relay subscription failed",
					"participant_id", p.ID, "source_id", other.ID, "kind", kind, "err", err)
				continue
			}
			sender, err := conn.AddTrack(out)
			if err != nil {
				m.metrics.Inc(metrics.RelaySubscriptionErr)
				m.log.Warn("attach relay track failed",
					"participant_id", p.ID, "source_id", other.ID, "kind", kind, "err", err)
				continue
			}
			p.addSubscription(other.ID, kind)
			m.metrics.Inc(metrics.RelaySubscription)
			if sender != nil {
				go m.forwardRTCP(other, src, sender)
			}
		}
	}
}

// forwardRTCP drains the subscriber-side RTCP stream and relays picture loss
// indications to the source connection so the publisher regenerates a
// keyframe for the new viewer.
func (m *Meeting) forwardRTCP(source *Participant, src relay.TrackSource, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); !ok {
				continue
			}
			conn := source.Connection()
			if conn == nil {
				continue
			}
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(src.SSRC())}
			if err := conn.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				m.log.Debug("forward PLI failed", "source_id", source.ID, "err", err)
			}
		}
	}
}

// NotifyTracksReady waits for p's inbound media to arrive, then asks every
// other connected participant's client to re-offer so it picks up the new
// tracks. Best effort: if no track arrives within the bounded poll window it
// logs a timeout and returns without error.
func (m *Meeting) NotifyTracksReady(p *Participant) {
	for attempt := 0; attempt < m.cfg.TrackPollAttempts; attempt++ {
		if _, still := m.Participant(p.ID); !still {
			return
		}
		if p.HasTracks() {
			reason := fmt.Sprintf("new tracks from participant %s", p.ID)
			for _, other := range m.OtherParticipants(p.ID) {
				if other.Connection() == nil {
					continue
				}
				if m.events != nil {
					m.events.RequestOffer(other.ID, reason)
				}
			}
			return
		}
		time.Sleep(m.cfg.TrackPollInterval)
	}

	m.metrics.Inc(metrics.TrackReadyTimeout)
	m.log.Warn("track readiness poll timed out", "participant_id", p.ID)
}

func (m *Meeting) waitForICEGathering(p *Participant, conn PeerConnection) {
	done := make(chan struct{})
	var once sync.Once
	conn.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			once.Do(func() { close(done) })
		}
	})
	if conn.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return
	}
	select {
	case <-done:
	case <-time.After(iceGatherTimeout):
		m.log.Warn("ICE gathering incomplete, answering with partial candidates",
			"participant_id", p.ID)
	}
}
