package meeting

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/metrics"
	"github.com/openhuddle/huddle/internal/relay"
)

type fakeConn struct {
	mu          sync.Mutex
	signaling   webrtc.SignalingState
	remoteCalls int
	local       *webrtc.SessionDescription
	added       []webrtc.TrackLocal
	onTrack     func(relay.TrackSource)
	onState     func(webrtc.PeerConnectionState)
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{signaling: webrtc.SignalingStateStable}
}

func (c *fakeConn) SetRemoteDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteCalls++
	return nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nanswer"}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &d
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) setSignalingState(s webrtc.SignalingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signaling = s
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, t)
	return nil, nil
}

func (c *fakeConn) addedTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

func (c *fakeConn) WriteRTCP([]rtcp.Packet) error { return nil }

func (c *fakeConn) OnTrack(f func(relay.TrackSource)) { c.onTrack = f }

func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { c.onState = f }

func (c *fakeConn) OnICEGatheringStateChange(func(webrtc.ICEGatheringState)) {}

func (c *fakeConn) ICEGatheringState() webrtc.ICEGatheringState {
	return webrtc.ICEGatheringStateComplete
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeSource struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
}

func newFakeSource(id string, kind webrtc.RTPCodecType) *fakeSource {
	return &fakeSource{id: id, kind: kind, packets: make(chan *rtp.Packet)}
}

func (f *fakeSource) ID() string                { return f.id }
func (f *fakeSource) StreamID() string          { return "stream-" + f.id }
func (f *fakeSource) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeSource) SSRC() webrtc.SSRC         { return 42 }

func (f *fakeSource) Codec() webrtc.RTPCodecParameters {
	mime := webrtc.MimeTypeVP8
	if f.kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
	}
}

func (f *fakeSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type fakeEvents struct {
	mu            sync.Mutex
	offerRequests []string
	left          []string
}

func (e *fakeEvents) RequestOffer(id, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerRequests = append(e.offerRequests, id)
}

func (e *fakeEvents) ParticipantLeft(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left = append(e.left, id)
}

func (e *fakeEvents) leftCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.left)
}

func (e *fakeEvents) offerRequestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.offerRequests)
}

type testRig struct {
	meeting *Meeting
	events  *fakeEvents

	mu    sync.Mutex
	conns []*fakeConn
}

func newTestRig(cfg Config) *testRig {
	rig := &testRig{events: &fakeEvents{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	newConn := func() (PeerConnection, error) {
		c := newFakeConn()
		rig.mu.Lock()
		rig.conns = append(rig.conns, c)
		rig.mu.Unlock()
		return c, nil
	}
	rig.meeting = New(log, metrics.New(), relay.New(log), newConn, rig.events, cfg)
	return rig
}

func (r *testRig) lastConn() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func fastConfig() Config {
	return Config{
		TrackPollInterval:     time.Millisecond,
		TrackPollAttempts:     3,
		NegotiationRetryDelay: time.Millisecond,
	}
}

func TestAddParticipant_UniqueIDs(t *testing.T) {
	rig := newTestRig(fastConfig())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := rig.meeting.AddParticipant("x")
		if seen[p.ID] {
			t.Fatalf("duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestRemoveParticipant_Idempotent(t *testing.T) {
	rig := newTestRig(fastConfig())
	p := rig.meeting.AddParticipant("Alice")

	if !rig.meeting.RemoveParticipant(p.ID) {
		t.Fatal("first remove reported no removal")
	}
	if rig.meeting.RemoveParticipant(p.ID) {
		t.Fatal("second remove reported a removal")
	}
	if got := rig.events.leftCount(); got != 1 {
		t.Fatalf("ParticipantLeft fired %d times, want 1", got)
	}
}

func TestHandleOffer_InitialOfferCreatesConnection(t *testing.T) {
	rig := newTestRig(fastConfig())
	p := rig.meeting.AddParticipant("Alice")

	answer, err := rig.meeting.HandleOffer(p, "v=0\r\noffer")
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer != "v=0\r\nanswer" {
		t.Errorf("answer = %q", answer)
	}
	if p.Connection() == nil {
		t.Fatal("connection not attached")
	}
	conn := rig.lastConn()
	if conn.onTrack == nil || conn.onState == nil {
		t.Fatal("event handlers not registered at connection creation")
	}

	// A second offer renegotiates on the same connection.
	if _, err := rig.meeting.HandleOffer(p, "v=0\r\noffer2"); err != nil {
		t.Fatalf("renegotiation: %v", err)
	}
	rig.mu.Lock()
	created := len(rig.conns)
	rig.mu.Unlock()
	if created != 1 {
		t.Fatalf("created %d connections, want 1", created)
	}
}

func TestHandleOffer_SubscriptionsDedupedAcrossRenegotiations(t *testing.T) {
	rig := newTestRig(fastConfig())
	alice := rig.meeting.AddParticipant("Alice")
	bob := rig.meeting.AddParticipant("Bob")

	if _, err := rig.meeting.HandleOffer(bob, "v=0\r\noffer"); err != nil {
		t.Fatalf("bob offer: %v", err)
	}
	bobConn := rig.lastConn()

	src := newFakeSource("bob-video", webrtc.RTPCodecTypeVideo)
	defer close(src.packets)
	bobConn.onTrack(src)
	if !bob.HasTracks() {
		t.Fatal("track not recorded")
	}

	if _, err := rig.meeting.HandleOffer(alice, "v=0\r\noffer"); err != nil {
		t.Fatalf("alice offer: %v", err)
	}
	aliceConn := rig.lastConn()
	if got := aliceConn.addedTracks(); got != 1 {
		t.Fatalf("alice received %d relay tracks, want 1", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := rig.meeting.HandleOffer(alice, "v=0\r\noffer"); err != nil {
			t.Fatalf("renegotiation %d: %v", i, err)
		}
	}
	if got := aliceConn.addedTracks(); got != 1 {
		t.Fatalf("alice has %d relay tracks after renegotiations, want 1", got)
	}

	// Bob must not have been subscribed to anything; Alice publishes nothing.
	if got := bobConn.addedTracks(); got != 0 {
		t.Fatalf("bob received %d relay tracks, want 0", got)
	}
}

func TestHandleOffer_ConflictAfterRetry(t *testing.T) {
	rig := newTestRig(fastConfig())
	p := rig.meeting.AddParticipant("Alice")
	if _, err := rig.meeting.HandleOffer(p, "v=0\r\noffer"); err != nil {
		t.Fatalf("initial offer: %v", err)
	}
	conn := rig.lastConn()

	conn.setSignalingState(webrtc.SignalingStateHaveLocalOffer)
	_, err := rig.meeting.HandleOffer(p, "v=0\r\noffer2")
	if !errors.Is(err, ErrNegotiationConflict) {
		t.Fatalf("err = %v, want ErrNegotiationConflict", err)
	}

	conn.mu.Lock()
	remoteCalls := conn.remoteCalls
	conn.mu.Unlock()
	if remoteCalls != 1 {
		t.Fatalf("remote description applied %d times, want 1 (connection untouched)", remoteCalls)
	}
	if _, still := rig.meeting.Participant(p.ID); !still {
		t.Fatal("participant removed on negotiation conflict")
	}
}

func TestConnectionFailed_RemovesParticipantOnce(t *testing.T) {
	rig := newTestRig(fastConfig())
	p := rig.meeting.AddParticipant("Alice")
	if _, err := rig.meeting.HandleOffer(p, "v=0\r\noffer"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	conn := rig.lastConn()

	conn.onState(webrtc.PeerConnectionStateFailed)
	conn.onState(webrtc.PeerConnectionStateFailed)

	if _, still := rig.meeting.Participant(p.ID); still {
		t.Fatal("participant not removed on failed state")
	}
	if got := rig.events.leftCount(); got != 1 {
		t.Fatalf("ParticipantLeft fired %d times, want 1", got)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("connection not closed on removal")
	}
}

func TestConnectionDisconnected_KeepsParticipant(t *testing.T) {
	rig := newTestRig(fastConfig())
	p := rig.meeting.AddParticipant("Alice")
	if _, err := rig.meeting.HandleOffer(p, "v=0\r\noffer"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	rig.lastConn().onState(webrtc.PeerConnectionStateDisconnected)

	if _, still := rig.meeting.Participant(p.ID); !still {
		t.Fatal("participant removed on transient disconnect")
	}
	if got := rig.events.leftCount(); got != 0 {
		t.Fatalf("ParticipantLeft fired %d times, want 0", got)
	}
}

func TestNotifyTracksReady_RequestsOffersFromConnectedOthers(t *testing.T) {
	rig := newTestRig(fastConfig())
	alice := rig.meeting.AddParticipant("Alice")
	bob := rig.meeting.AddParticipant("Bob")
	carol := rig.meeting.AddParticipant("Carol") // never offers, no connection

	if _, err := rig.meeting.HandleOffer(alice, "v=0\r\noffer"); err != nil {
		t.Fatalf("alice offer: %v", err)
	}
	aliceConn := rig.lastConn()
	if _, err := rig.meeting.HandleOffer(bob, "v=0\r\noffer"); err != nil {
		t.Fatalf("bob offer: %v", err)
	}

	src := newFakeSource("alice-audio", webrtc.RTPCodecTypeAudio)
	defer close(src.packets)
	aliceConn.onTrack(src)

	rig.meeting.NotifyTracksReady(alice)

	rig.events.mu.Lock()
	requests := append([]string(nil), rig.events.offerRequests...)
	rig.events.mu.Unlock()
	if len(requests) != 1 || requests[0] != bob.ID {
		t.Fatalf("offer requests = %v, want exactly [%s]", requests, bob.ID)
	}
	_ = carol
}

func TestNotifyTracksReady_TimeoutIsQuiet(t *testing.T) {
	rig := newTestRig(fastConfig())
	alice := rig.meeting.AddParticipant("Alice")
	rig.meeting.AddParticipant("Bob")

	rig.meeting.NotifyTracksReady(alice)

	if got := rig.events.offerRequestCount(); got != 0 {
		t.Fatalf("offer requests after timeout = %d, want 0", got)
	}
	if _, still := rig.meeting.Participant(alice.ID); !still {
		t.Fatal("participant removed by readiness timeout")
	}
}
