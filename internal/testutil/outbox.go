// Package testutil holds fakes shared by package tests.
//
// [Outbox] stands in for the connection registry: it records every event
// addressed to a participant and can simulate offline participants.
package testutil

import (
	"sync"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/protocol"
)

type Outbox struct {
	mu      sync.Mutex
	events  map[string][]protocol.Event
	offline map[string]bool
}

func NewOutbox() *Outbox {
	return &Outbox{events: make(map[string][]protocol.Event), offline: make(map[string]bool)}
}

// Offline makes subsequent sends to id fail with a TransportError.
func (o *Outbox) Offline(id string) {
	o.mu.Lock()
	o.offline[id] = true
	o.mu.Unlock()
}

func (o *Outbox) Send(participantID string, ev protocol.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offline[participantID] {
		return &models.TransportError{ParticipantID: participantID}
	}
	o.events[participantID] = append(o.events[participantID], ev)
	return nil
}

// Events returns the events delivered to id, optionally filtered by type.
func (o *Outbox) Events(id string, types ...string) []protocol.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []protocol.Event
	for _, ev := range o.events[id] {
		if len(types) == 0 {
			out = append(out, ev)
			continue
		}
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func (o *Outbox) Count(id, typ string) int { return len(o.Events(id, typ)) }

func (o *Outbox) Reset() {
	o.mu.Lock()
	o.events = make(map[string][]protocol.Event)
	o.mu.Unlock()
}
