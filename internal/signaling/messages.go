package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/meeting"
)

type messageType string

const (
	// Client to server.
	messageTypeJoin         messageType = "join"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice_candidate"
	messageTypeLeave        messageType = "leave"

	// Both directions.
	messageTypeAttentionFocus messageType = "attention_focus"

	// Server to client.
	messageTypeJoined            messageType = "joined"
	messageTypeParticipantJoined messageType = "participant_joined"
	messageTypeRequestOffer      messageType = "request_offer"
	messageTypeParticipantLeft   messageType = "participant_left"
	messageTypeError             messageType = "error"
)

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type clientMessage struct {
	Type messageType `json:"type"`

	Name string `json:"name,omitempty"` // join

	SDP string `json:"sdp,omitempty"` // offer, answer

	Candidate *candidate `json:"candidate,omitempty"` // ice_candidate

	TargetID string `json:"targetId,omitempty"` // attention_focus
	Active   *bool  `json:"active,omitempty"`   // attention_focus
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.Name == "" {
			return fmt.Errorf("join message missing name")
		}
		if m.SDP != "" || m.Candidate != nil || m.TargetID != "" || m.Active != nil {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeOffer:
		if m.SDP == "" {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.Name != "" || m.Candidate != nil || m.TargetID != "" || m.Active != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case messageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.Name != "" || m.Candidate != nil || m.TargetID != "" || m.Active != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case messageTypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice_candidate message missing candidate")
		}
		if m.Name != "" || m.SDP != "" || m.TargetID != "" || m.Active != nil {
			return fmt.Errorf("ice_candidate message has unexpected fields")
		}
	case messageTypeAttentionFocus:
		if m.TargetID == "" {
			return fmt.Errorf("attention_focus message missing targetId")
		}
		if m.Active == nil {
			return fmt.Errorf("attention_focus message missing active")
		}
		if m.Name != "" || m.SDP != "" || m.Candidate != nil {
			return fmt.Errorf("attention_focus message has unexpected fields")
		}
	case messageTypeLeave:
		if m.Name != "" || m.SDP != "" || m.Candidate != nil || m.TargetID != "" || m.Active != nil {
			return fmt.Errorf("leave message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

type joinedMessage struct {
	Type          messageType       `json:"type"`
	ParticipantID string            `json:"participantId"`
	Participants  []meeting.Summary `json:"participants"`
}

func newJoinedMessage(participantID string, participants []meeting.Summary) joinedMessage {
	if participants == nil {
		participants = []meeting.Summary{}
	}
	return joinedMessage{
		Type:          messageTypeJoined,
		ParticipantID: participantID,
		Participants:  participants,
	}
}

type participantJoinedMessage struct {
	Type        messageType     `json:"type"`
	Participant meeting.Summary `json:"participant"`
}

func newParticipantJoinedMessage(s meeting.Summary) participantJoinedMessage {
	return participantJoinedMessage{Type: messageTypeParticipantJoined, Participant: s}
}

type answerMessage struct {
	Type messageType `json:"type"`
	SDP  string      `json:"sdp"`
}

func newAnswerMessage(sdp string) answerMessage {
	return answerMessage{Type: messageTypeAnswer, SDP: sdp}
}

type requestOfferMessage struct {
	Type   messageType `json:"type"`
	Reason string      `json:"reason"`
}

func newRequestOfferMessage(reason string) requestOfferMessage {
	return requestOfferMessage{Type: messageTypeRequestOffer, Reason: reason}
}

type attentionFocusMessage struct {
	Type     messageType `json:"type"`
	FromID   string      `json:"fromId"`
	FromName string      `json:"fromName"`
	Active   bool        `json:"active"`
}

func newAttentionFocusMessage(fromID, fromName string, active bool) attentionFocusMessage {
	return attentionFocusMessage{
		Type:     messageTypeAttentionFocus,
		FromID:   fromID,
		FromName: fromName,
		Active:   active,
	}
}

type participantLeftMessage struct {
	Type          messageType `json:"type"`
	ParticipantID string      `json:"participantId"`
}

func newParticipantLeftMessage(participantID string) participantLeftMessage {
	return participantLeftMessage{Type: messageTypeParticipantLeft, ParticipantID: participantID}
}

type errorMessage struct {
	Type    messageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

const (
	errorCodeNegotiationConflict = "negotiation_conflict"
	errorCodeNegotiationFailed   = "negotiation_failed"
)

func newErrorMessage(code, message string) errorMessage {
	return errorMessage{Type: messageTypeError, Code: code, Message: message}
}
