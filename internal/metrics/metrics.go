package metrics

import "sync"

// Event names incremented by the meeting and signaling layers.
const (
	ParticipantJoined    = "participant_joined"
	ParticipantLeft      = "participant_left"
	OfferHandled         = "offer_handled"
	NegotiationConflict  = "negotiation_conflict"
	RelaySubscription    = "relay_subscription"
	RelaySubscriptionErr = "relay_subscription_error"
	MalformedMessage     = "malformed_message"
	StaleCandidate       = "stale_candidate"
	TrackReadyTimeout    = "track_ready_timeout"
	TransportFailure     = "transport_failure"
	RateLimited          = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type keeps the meeting logic testable while still exposing counters
// via the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
