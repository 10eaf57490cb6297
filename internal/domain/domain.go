package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type ReservationType string

const (
	TypePista ReservationType = "pista"
	TypePrive ReservationType = "prive"
)

func (t ReservationType) Valid() bool {
	return t == TypePista || t == TypePrive
}

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationCanceled ReservationStatus = "canceled"
)

type JoinRequestStatus string

const (
	RequestPending  JoinRequestStatus = "pending"
	RequestApproved JoinRequestStatus = "approved"
	RequestRejected JoinRequestStatus = "rejected"
)

func (s JoinRequestStatus) Valid() bool {
	return s == RequestPending || s == RequestApproved || s == RequestRejected
}

// Rejection reasons recorded on join requests leaving pending without approval.
const (
	ReasonOwnerRejected       = "owner_rejected"
	ReasonSeatsExhausted      = "seats_exhausted"
	ReasonScheduleConflict    = "schedule_conflict"
	ReasonWithdrawn           = "withdrawn"
	ReasonReservationCanceled = "reservation_canceled"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type EventStatus string

const (
	EventPublished EventStatus = "published"
	EventCanceled  EventStatus = "canceled"
)

// Event is the read-only projection of the catalog this service needs.
type Event struct {
	ID        uuid.UUID
	StartTime time.Time
	EndTime   *time.Time
	Status    EventStatus

	PriveEnabled            bool
	PriveMaxSeats           int
	PriveMinPrice           *float64
	MaxGuestsPerReservation int

	UpdatedAt time.Time
}

type UserProfile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

type Reservation struct {
	ID             uuid.UUID         `json:"id"`
	EventID        uuid.UUID         `json:"event_id"`
	OwnerID        uuid.UUID         `json:"owner_id"`
	Type           ReservationType   `json:"type"`
	PartyMemberIDs []uuid.UUID       `json:"party_member_ids"`
	Total          int               `json:"total"`
	WantsGroupChat bool              `json:"wants_group_chat"`
	IsOpenTable    bool              `json:"is_open_table"`
	OpenTable      *OpenTableListing `json:"open_table,omitempty"`
	Status         ReservationStatus `json:"status"`

	// MaxPartySize is the type max resolved from the catalog at creation.
	MaxPartySize int `json:"max_party_size"`

	// Schedule window of the event, used for overlap detection.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
}

// PartySize is the current party size. Total mirrors it for readers and is
// refreshed by Clone.
func (r *Reservation) PartySize() int { return len(r.PartyMemberIDs) }

func (r *Reservation) HasMember(userID uuid.UUID) bool {
	for _, id := range r.PartyMemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of a store.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.PartyMemberIDs = append([]uuid.UUID(nil), r.PartyMemberIDs...)
	c.Total = len(c.PartyMemberIDs)
	if r.OpenTable != nil {
		ot := *r.OpenTable
		c.OpenTable = &ot
	}
	return &c
}

// OpenTableListing shares its id with the owning reservation.
type OpenTableListing struct {
	ReservationID  uuid.UUID    `json:"reservation_id"`
	EventID        uuid.UUID    `json:"event_id"`
	OwnerID        uuid.UUID    `json:"owner_id"`
	Description    string       `json:"description,omitempty"`
	MinBudget      *float64     `json:"min_budget,omitempty"`
	InitialSpots   int          `json:"initial_spots"`
	AvailableSpots int          `json:"available_spots"`
	TotalMembers   int          `json:"total_members"`
	Listed         bool         `json:"listed"`
	CreatedAt      time.Time    `json:"created_at"`
	Owner          *UserProfile `json:"owner,omitempty"`
}

type JoinRequest struct {
	ID          uuid.UUID         `json:"id"`
	ListingID   uuid.UUID         `json:"listing_id"`
	RequesterID uuid.UUID         `json:"requester_id"`
	Message     string            `json:"message,omitempty"`
	Status      JoinRequestStatus `json:"status"`
	Reason      *string           `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	RespondedAt *time.Time        `json:"responded_at,omitempty"`
	RespondedBy *uuid.UUID        `json:"responded_by,omitempty"`
}

// SeatClaim asks ConsumeSeat to attach MemberID to a reservation's party.
// When JoinRequestID is set, the request transitions to approved in the same
// transaction.
type SeatClaim struct {
	ReservationID uuid.UUID
	MemberID      uuid.UUID
	JoinRequestID *uuid.UUID
	ActorID       uuid.UUID
}

// CancelResult describes the side effects of canceling a reservation.
type CancelResult struct {
	Reservation     *Reservation
	AutoRejected    []JoinRequest
	AlreadyCanceled bool
}

type KeysetCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// ReservationRepository is the single writer of reservation and listing
// capacity state. Implementations must run every mutating method as one
// transaction with per-reservation mutual exclusion.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, traceID, idempotencyKey string, res *Reservation) (*Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListReservationsForUser(ctx context.Context, userID uuid.UUID, limit int, cursor *KeysetCursor) ([]Reservation, *KeysetCursor, error)

	// ConsumeSeat is the only operation that decrements available_spots.
	ConsumeSeat(ctx context.Context, traceID string, claim SeatClaim) (*Reservation, *JoinRequest, error)

	CancelReservation(ctx context.Context, traceID string, reservationID, actorID uuid.UUID, reason string) (*CancelResult, error)
	CancelEventReservations(ctx context.Context, traceID string, eventID uuid.UUID, reason string) ([]CancelResult, error)

	ListOpenTables(ctx context.Context, eventID uuid.UUID) ([]OpenTableListing, error)
	GetListing(ctx context.Context, reservationID uuid.UUID) (*OpenTableListing, error)
}

type JoinRequestRepository interface {
	CreateJoinRequest(ctx context.Context, traceID, idempotencyKey string, req *JoinRequest) (*JoinRequest, error)
	GetJoinRequest(ctx context.Context, id uuid.UUID) (*JoinRequest, error)
	// ResolveJoinRequest moves a pending request to rejected. It fails with
	// ErrInvalidState when the request is no longer pending.
	ResolveJoinRequest(ctx context.Context, traceID string, id, actorID uuid.UUID, reason string) (*JoinRequest, error)
	ListJoinRequests(ctx context.Context, reservationID uuid.UUID, status *JoinRequestStatus, limit int, cursor *KeysetCursor) ([]JoinRequest, *KeysetCursor, error)
	ListJoinRequestsByRequester(ctx context.Context, requesterID uuid.UUID, status *JoinRequestStatus, limit int, cursor *KeysetCursor) ([]JoinRequest, *KeysetCursor, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	ReservationRepository
	JoinRequestRepository
}

type EventCatalog interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (*Event, error)
}

// EventSnapshotWriter is fed by the catalog consumer.
type EventSnapshotWriter interface {
	UpsertEvent(ctx context.Context, ev *Event) error
	// MarkEventCanceled closes the event for new reservations. Unknown events
	// are a no-op.
	MarkEventCanceled(ctx context.Context, eventID uuid.UUID, at time.Time) error
}

type UserDirectory interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error)
}

type NotificationType string

const (
	NotifyReservationCreated  NotificationType = "reservation.created"
	NotifyReservationCanceled NotificationType = "reservation.canceled"
	NotifyJoinRequested       NotificationType = "join_request.submitted"
	NotifyJoinApproved        NotificationType = "join_request.approved"
	NotifyJoinRejected        NotificationType = "join_request.rejected"
)

type Notification struct {
	Type          NotificationType `json:"type"`
	RecipientID   uuid.UUID        `json:"recipient_id"`
	EventID       uuid.UUID        `json:"event_id"`
	ReservationID uuid.UUID        `json:"reservation_id"`
	JoinRequestID *uuid.UUID       `json:"join_request_id,omitempty"`
	ActorID       *uuid.UUID       `json:"actor_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// NotificationSink delivers notifications best-effort.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

type CacheRepository interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (*Event, error)
	SetEvent(ctx context.Context, ev *Event, ttl time.Duration) error
	DelEvent(ctx context.Context, eventID uuid.UUID) error

	GetProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error)
	SetProfile(ctx context.Context, p *UserProfile, ttl time.Duration) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

// ErrCacheMiss is returned by CacheRepository lookups that find nothing.
var ErrCacheMiss = errors.New("cache miss")

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
