package server

import (
	"context"

	"github.com/teranos/cadence/pulse/observer"
)

// Observe forwards an execution event to every feed client. Error text and
// payloads are redacted first.
func (s *Server) Observe(_ context.Context, ev observer.Event) {
	if ev.Error != "" {
		ev.Error = observer.Redact(ev.Error)
	}
	if len(ev.Payload) > 0 {
		ev.Payload = observer.RedactJSON(ev.Payload)
	}
	s.broadcastMessage(ev)
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (queue not full).
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.enqueue(msg) {
			sent++
			continue
		}
		s.broadcastDrops.Add(1)
	}
	return sent
}
