package signaling

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/meeting"
	"github.com/openhuddle/huddle/internal/metrics"
)

// MessageChannel is a bidirectional signaling channel for one connection.
// Receive returns the next raw inbound message; any error terminates the
// message loop.
type MessageChannel interface {
	Channel
	Receive() ([]byte, error)
}

// ConnectionHandler runs the per-connection message loop: parse, dispatch
// into the meeting, push results back through the router. One handler
// instance serves all connections; Run is invoked once per connection.
type ConnectionHandler struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	meeting *meeting.Meeting
	router  *Router
}

func NewConnectionHandler(log *slog.Logger, m *metrics.Metrics, mtg *meeting.Meeting, router *Router) *ConnectionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionHandler{
		log:     log,
		metrics: m,
		meeting: mtg,
		router:  router,
	}
}

// Run processes messages until the channel errors or the client leaves.
// Teardown (unregister, remove from the meeting, participant_left broadcast
// via the meeting's event sink) runs exactly once on every exit path.
func (h *ConnectionHandler) Run(ch MessageChannel) {
	var p *meeting.Participant
	defer func() {
		if p == nil {
			return
		}
		h.router.Unregister(p.ID)
		h.meeting.RemoveParticipant(p.ID)
	}()

	for {
		data, err := ch.Receive()
		if err != nil {
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			h.metrics.Inc(metrics.MalformedMessage)
			h.log.Warn("malformed signaling message", "err", err)
			continue
		}

		if p == nil && msg.Type != messageTypeJoin {
			h.log.Warn("signaling message before join", "msg_type", msg.Type)
			continue
		}

		switch msg.Type {
		case messageTypeJoin:
			if p != nil {
				h.log.Warn("duplicate join", "participant_id", p.ID)
				continue
			}
			p = h.handleJoin(ch, msg.Name)

		case messageTypeOffer:
			h.handleOffer(ch, p, msg.SDP)

		case messageTypeAnswer:
			h.handleAnswer(p, msg.SDP)

		case messageTypeICECandidate:
			h.handleCandidate(p, *msg.Candidate)

		case messageTypeAttentionFocus:
			h.router.SendTo(msg.TargetID, newAttentionFocusMessage(p.ID, p.Name, *msg.Active))

		case messageTypeLeave:
			h.log.Info("participant leaving", "participant_id", p.ID)
			return
		}
	}
}

func (h *ConnectionHandler) handleJoin(ch MessageChannel, name string) *meeting.Participant {
	p := h.meeting.AddParticipant(name)
	h.router.Register(p.ID, ch)

	var others []meeting.Summary
	for _, s := range h.meeting.Summaries() {
		if s.ID != p.ID {
			others = append(others, s)
		}
	}
	if err := ch.Send(newJoinedMessage(p.ID, others)); err != nil {
		h.log.Warn("send joined failed", "participant_id", p.ID, "err", err)
	}

	h.router.Broadcast(newParticipantJoinedMessage(meeting.Summary{ID: p.ID, Name: p.Name}), p.ID)
	return p
}

func (h *ConnectionHandler) handleOffer(ch MessageChannel, p *meeting.Participant, offerSDP string) {
	initial := p.Connection() == nil

	answer, err := h.meeting.HandleOffer(p, offerSDP)
	if err != nil {
		if errors.Is(err, meeting.ErrNegotiationConflict) {
			h.log.Warn("negotiation conflict", "participant_id", p.ID)
			if sendErr := ch.Send(newErrorMessage(errorCodeNegotiationConflict, "signaling state not stable, please re-offer")); sendErr != nil {
				h.log.Debug("send error message failed", "participant_id", p.ID, "err", sendErr)
			}
			return
		}
		h.log.Error("offer handling failed", "participant_id", p.ID, "err", err)
		if sendErr := ch.Send(newErrorMessage(errorCodeNegotiationFailed, "failed to process offer")); sendErr != nil {
			h.log.Debug("send error message failed", "participant_id", p.ID, "err", sendErr)
		}
		return
	}

	if err := ch.Send(newAnswerMessage(answer)); err != nil {
		h.log.Warn("send answer failed", "participant_id", p.ID, "err", err)
		return
	}

	if initial {
		go h.meeting.NotifyTracksReady(p)
	}
}

func (h *ConnectionHandler) handleAnswer(p *meeting.Participant, sdp string) {
	conn := p.Connection()
	if conn == nil {
		h.log.Warn("answer without connection", "participant_id", p.ID)
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := conn.SetRemoteDescription(desc); err != nil {
		h.log.Warn("apply remote answer failed", "participant_id", p.ID, "err", err)
	}
}

// handleCandidate applies a trickled ICE candidate. Candidates routinely
// arrive after teardown or before the connection exists; both are logged and
// discarded, never surfaced to the client.
func (h *ConnectionHandler) handleCandidate(p *meeting.Participant, c candidate) {
	conn := p.Connection()
	if conn == nil {
		h.metrics.Inc(metrics.StaleCandidate)
		h.log.Debug("ICE candidate without connection", "participant_id", p.ID)
		return
	}
	if err := conn.AddICECandidate(c.ToPion()); err != nil {
		h.metrics.Inc(metrics.StaleCandidate)
		h.log.Debug("apply ICE candidate failed", "participant_id", p.ID, "err", err)
	}
}
