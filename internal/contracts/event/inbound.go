package event

import "time"

// EventPublishedPayload is the body of event.published and event.updated.
// Unknown producer fields are ignored.
type EventPublishedPayload struct {
	EventID   string     `json:"event_id"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	PriveEnabled            bool     `json:"prive_enabled,omitempty"`
	PriveMaxSeats           *int     `json:"prive_max_seats,omitempty"`
	PriveMinPrice           *float64 `json:"prive_min_price,omitempty"`
	MaxGuestsPerReservation *int     `json:"max_guests_per_reservation,omitempty"`
}

type EventUpdatedPayload = EventPublishedPayload

// EventCanceledPayload is the body of event.canceled. Older producers send
// the id as "id".
type EventCanceledPayload struct {
	EventID string `json:"event_id,omitempty"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
