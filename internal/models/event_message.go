package models

import "time"

// EventMessage is the envelope carried by queues.
type EventMessage struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload"`
	Created time.Time `json:"created"`
}

// NewEventMessage copies payload so later changes by the caller do not leak into a
// message that may already be queued.
func NewEventMessage(id, typ string, payload []byte) *EventMessage {
	var p []byte
	if payload != nil {
		p = make([]byte, len(payload))
		copy(p, payload)
	}
	return &EventMessage{
		ID:      id,
		Type:    typ,
		Payload: p,
		Created: time.Now(),
	}
}
