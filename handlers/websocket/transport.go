package websocket

import (
	"fmt"
	"sync"
)

// emitter is the part of a socket the server writes to.
type emitter interface {
	Emit(event string, args ...any) error
}

// SocketTransport delivers coordinator events to connected sockets by id.
type SocketTransport struct {
	mu      sync.RWMutex
	sockets map[string]emitter
}

func NewSocketTransport() *SocketTransport {
	return &SocketTransport{sockets: make(map[string]emitter)}
}

func (t *SocketTransport) add(id string, socket emitter) {
	t.mu.Lock()
	t.sockets[id] = socket
	t.mu.Unlock()
}

func (t *SocketTransport) remove(id string) {
	t.mu.Lock()
	delete(t.sockets, id)
	t.mu.Unlock()
}

// Deliver implements collab.Transport.
func (t *SocketTransport) Deliver(sessionID, event string, payload any) error {
	t.mu.RLock()
	socket, ok := t.sockets[sessionID]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	return socket.Emit(event, payload)
}

// Connected returns the number of sockets currently registered.
func (t *SocketTransport) Connected() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sockets)
}
