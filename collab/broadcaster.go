package collab

import (
	"github.com/sarini12/collab-docs/session"
	"github.com/sirupsen/logrus"
)

// Broadcaster fans events out to the members of a document room.
type Broadcaster struct {
	registry  *session.Registry
	transport Transport
}

func NewBroadcaster(registry *session.Registry, transport Transport) *Broadcaster {
	return &Broadcaster{registry: registry, transport: transport}
}

// Send delivers event to every member of key except exclude, in registry
// order. A failed delivery is logged and skipped. Send returns the number
// of sessions reached.
func (b *Broadcaster) Send(key, exclude, event string, payload any) int {
	delivered := 0
	for _, sessionID := range b.registry.MembersExcluding(key, exclude) {
		if err := b.transport.Deliver(sessionID, event, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"document_key": key,
				"session_id":   sessionID,
				"event":        event,
			}).WithError(err).Warn("Failed to deliver event")
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers event to a single session.
func (b *Broadcaster) SendTo(sessionID, event string, payload any) error {
	return b.transport.Deliver(sessionID, event, payload)
}
