package signaling

import (
	"log/slog"
	"sync"

	"github.com/openhuddle/huddle/internal/meeting"
)

// Channel is a participant's outbound signaling channel. Send must be safe
// for concurrent use.
type Channel interface {
	Send(v any) error
}

// Router maps participant ids to their signaling channels and provides
// unicast and broadcast delivery. Absent or failing channels are skipped
// silently; signaling delivery is best effort.
type Router struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]Channel
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		channels: make(map[string]Channel),
	}
}

func (r *Router) Register(participantID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[participantID] = ch
}

func (r *Router) Unregister(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, participantID)
}

// SendTo delivers msg to one participant. A missing channel is a no-op.
func (r *Router) SendTo(participantID string, msg any) {
	r.mu.Lock()
	ch := r.channels[participantID]
	r.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(msg); err != nil {
		r.log.Debug("signaling send failed", "participant_id", participantID, "err", err)
	}
}

// Broadcast delivers msg to every registered channel except excludeID. The
// channel snapshot is taken under the lock; sends happen outside it so a slow
// client cannot stall registration.
func (r *Router) Broadcast(msg any, excludeID string) {
	r.mu.Lock()
	targets := make(map[string]Channel, len(r.channels))
	for id, ch := range r.channels {
		if id == excludeID {
			continue
		}
		targets[id] = ch
	}
	r.mu.Unlock()

	for id, ch := range targets {
		if err := ch.Send(msg); err != nil {
			r.log.Debug("signaling broadcast send failed", "participant_id", id, "err", err)
		}
	}
}

// MeetingEvents adapts the router into the meeting's event sink: offer
// requests are unicast, departures are broadcast to everyone else.
func MeetingEvents(r *Router) meeting.Events {
	return routerEvents{router: r}
}

type routerEvents struct {
	router *Router
}

func (e routerEvents) RequestOffer(participantID, reason string) {
	e.router.SendTo(participantID, newRequestOfferMessage(reason))
}

func (e routerEvents) ParticipantLeft(participantID string) {
	e.router.Broadcast(newParticipantLeftMessage(participantID), participantID)
}
