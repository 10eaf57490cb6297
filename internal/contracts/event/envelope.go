package event

import "time"

// EnvelopeVersion is the only envelope layout this service reads or writes.
const EnvelopeVersion = 1

// DomainEventEnvelope wraps every message on the domain exchange.
// message_id may be absent on messages from older producers.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// Wrap builds an envelope produced by this service.
func Wrap[T any](traceID, messageID string, at time.Time, payload T) DomainEventEnvelope[T] {
	return DomainEventEnvelope[T]{
		Version:    EnvelopeVersion,
		Producer:   Producer,
		TraceID:    traceID,
		MessageID:  messageID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}
