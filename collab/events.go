package collab

import (
	"context"

	"github.com/sarini12/collab-docs/eventlog"
)

// Realtime event names.
const (
	EventJoin  = "doc:join"
	EventLoad  = "doc:load"
	EventPatch = "doc:patch"
	EventError = "doc:error"
	EventLeave = "doc:leave"
)

// Messages sent with EventError. They never carry internals.
const (
	msgInvalidKey = "Invalid document key"
	msgLoadFailed = "Failed to load document"
	msgPatchFail  = "Patch failed"
)

type LoadPayload struct {
	Content string `json:"content"`
}

// PatchPayload is a patch submission from a client (Key set) or a relay to
// peers (Key empty).
type PatchPayload struct {
	Key     string `json:"key,omitempty"`
	Patches string `json:"patches"`
}

// Transport delivers one event to one connected session.
type Transport interface {
	Deliver(sessionID, event string, payload any) error
}

// EventSink receives accepted patches. Implementations must not block.
type EventSink interface {
	Enqueue(ctx context.Context, evt eventlog.PatchEvent) error
}
