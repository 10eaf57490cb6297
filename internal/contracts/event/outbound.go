package event

import (
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
)

const Producer = "reservation-service"

// Routing keys published through the outbox.
const (
	RKReservationCreated   = "reservation.created"
	RKReservationCanceled  = "reservation.canceled"
	RKJoinRequestSubmitted = "join_request.submitted"
	RKJoinRequestApproved  = "join_request.approved"
	RKJoinRequestRejected  = "join_request.rejected"
)

type ReservationPayload struct {
	ReservationID  string    `json:"reservation_id"`
	EventID        string    `json:"event_id"`
	OwnerID        string    `json:"owner_id"`
	Type           string    `json:"type"`
	PartyMemberIDs []string  `json:"party_member_ids"`
	IsOpenTable    bool      `json:"is_open_table"`
	AvailableSpots *int      `json:"available_spots,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type JoinRequestPayload struct {
	JoinRequestID  string    `json:"join_request_id"`
	ReservationID  string    `json:"reservation_id"`
	RequesterID    string    `json:"requester_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	AvailableSpots *int      `json:"available_spots,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func ReservationEvent(r *domain.Reservation, reason string, at time.Time) ReservationPayload {
	p := ReservationPayload{
		ReservationID:  r.ID.String(),
		EventID:        r.EventID.String(),
		OwnerID:        r.OwnerID.String(),
		Type:           string(r.Type),
		PartyMemberIDs: make([]string, 0, len(r.PartyMemberIDs)),
		IsOpenTable:    r.IsOpenTable,
		Reason:         reason,
		OccurredAt:     at.UTC(),
	}
	for _, id := range r.PartyMemberIDs {
		p.PartyMemberIDs = append(p.PartyMemberIDs, id.String())
	}
	if r.OpenTable != nil {
		spots := r.OpenTable.AvailableSpots
		p.AvailableSpots = &spots
	}
	return p
}

// JoinRequestEvent builds the payload for a request transition. spots is the
// listing's remaining seat count after the transition, when known.
func JoinRequestEvent(req *domain.JoinRequest, spots *int, at time.Time) JoinRequestPayload {
	p := JoinRequestPayload{
		JoinRequestID:  req.ID.String(),
		ReservationID:  req.ListingID.String(),
		RequesterID:    req.RequesterID.String(),
		Status:         string(req.Status),
		AvailableSpots: spots,
		OccurredAt:     at.UTC(),
	}
	if req.Reason != nil {
		p.Reason = *req.Reason
	}
	if req.RespondedBy != nil {
		p.ActorID = req.RespondedBy.String()
	}
	return p
}
