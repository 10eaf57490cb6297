package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/capacity"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	"github.com/google/uuid"
)

const (
	maxDescriptionLen = 500

	cancelReasonOwner = "owner_canceled"
	cancelReasonEvent = "event_canceled"
)

type CreateReservationCmd struct {
	EventID        uuid.UUID
	OwnerID        uuid.UUID
	GuestIDs       []uuid.UUID
	Type           domain.ReservationType
	WantsGroupChat bool
	IsOpenTable    bool
	Description    *string
	MinBudget      *float64
	AvailableSpots *int
	IdempotencyKey string
}

// ReservationManager owns reservation lifecycle, party capacity and the
// schedule rules. It is the only path that consumes open-table seats.
type ReservationManager struct {
	d    Deps
	opts Options
}

func NewReservationManager(d Deps, opts Options) *ReservationManager {
	return &ReservationManager{d: d.withDefaults(), opts: opts.withDefaults()}
}

func (m *ReservationManager) Create(ctx context.Context, cmd CreateReservationCmd) (*domain.Reservation, error) {
	members, err := validateCreate(&cmd)
	if err != nil {
		return nil, err
	}

	ev, err := m.event(ctx, cmd.EventID)
	if err != nil {
		return nil, err
	}
	win := capacity.WindowFor(ev.StartTime, ev.EndTime, m.opts.EventDefaultDuration)
	if ev.Status == domain.EventCanceled || win.Over(m.d.Clock.Now()) {
		return nil, domain.ErrEventClosed
	}
	if cmd.Type == domain.TypePrive && !ev.PriveEnabled {
		return nil, domain.ErrPriveDisabled
	}

	partyMax := domain.PartyMax(ev, cmd.Type, m.opts.DefaultMaxGuests)
	if err := capacity.Check(0, partyMax, len(members)); err != nil {
		return nil, err
	}

	res := &domain.Reservation{
		ID:             uuid.New(),
		EventID:        cmd.EventID,
		OwnerID:        cmd.OwnerID,
		Type:           cmd.Type,
		PartyMemberIDs: members,
		WantsGroupChat: cmd.WantsGroupChat,
		IsOpenTable:    cmd.IsOpenTable,
		MaxPartySize:   partyMax,
		WindowStart:    win.Start,
		WindowEnd:      win.End,
	}

	if cmd.IsOpenTable {
		spots := *cmd.AvailableSpots
		if err := capacity.Check(len(members), partyMax, spots); err != nil {
			return nil, domain.WithMeta(domain.ErrCapacityExceeded,
				"available spots exceed remaining capacity",
				map[string]string{"remaining": strconv.Itoa(capacity.Remaining(len(members), partyMax))})
		}
		budget, ok := domain.EffectiveMinBudget(ev, cmd.MinBudget)
		if !ok {
			return nil, domain.WithMeta(domain.ErrInsufficientBudget, "", map[string]string{
				"prive_min_price": strconv.FormatFloat(*ev.PriveMinPrice, 'f', -1, 64),
			})
		}
		ot := &domain.OpenTableListing{InitialSpots: spots, MinBudget: budget}
		if cmd.Description != nil {
			ot.Description = strings.TrimSpace(*cmd.Description)
		}
		res.OpenTable = ot
	}

	created, err := withRetry(ctx, m.opts.Retry, func(ctx context.Context) (*domain.Reservation, error) {
		return m.d.Store.CreateReservation(ctx, traceID(ctx), writeKey(cmd.IdempotencyKey, res.ID), res)
	})
	if err != nil {
		return nil, err
	}
	if created.ID != res.ID {
		// idempotent replay; side effects already happened
		return created, nil
	}

	metrics.RecordReservationCreated(string(created.Type))
	m.d.Audit.ReservationCreated(ctx, created, cmd.IdempotencyKey)

	now := m.d.Clock.Now()
	notes := make([]domain.Notification, 0, len(created.PartyMemberIDs))
	for _, member := range created.PartyMemberIDs {
		actor := created.OwnerID
		notes = append(notes, domain.Notification{
			Type:          domain.NotifyReservationCreated,
			RecipientID:   member,
			EventID:       created.EventID,
			ReservationID: created.ID,
			ActorID:       &actor,
			OccurredAt:    now,
		})
	}
	m.d.Notifier.Send(ctx, notes...)

	return created, nil
}

// validateCreate checks the command shape and returns the party, owner first.
func validateCreate(cmd *CreateReservationCmd) ([]uuid.UUID, error) {
	if cmd.EventID == uuid.Nil {
		return nil, domain.Validation("event_id is required", map[string]string{"field": "event_id"})
	}
	if cmd.OwnerID == uuid.Nil {
		return nil, domain.Validation("owner_id is required", map[string]string{"field": "owner_id"})
	}
	if !cmd.Type.Valid() {
		return nil, domain.Validation("type must be pista or prive", map[string]string{"field": "type"})
	}

	hasOpenFields := cmd.Description != nil || cmd.MinBudget != nil || cmd.AvailableSpots != nil
	if cmd.Type == domain.TypePista && (cmd.IsOpenTable || hasOpenFields) {
		return nil, domain.Validation("open table fields are only allowed on prive reservations", map[string]string{"field": "is_open_table"})
	}
	if !cmd.IsOpenTable && hasOpenFields {
		return nil, domain.Validation("open table fields require is_open_table", map[string]string{"field": "is_open_table"})
	}
	if cmd.IsOpenTable {
		if cmd.AvailableSpots == nil || *cmd.AvailableSpots < 1 {
			return nil, domain.Validation("available_spots must be at least 1", map[string]string{"field": "available_spots"})
		}
		if cmd.MinBudget != nil && *cmd.MinBudget < 0 {
			return nil, domain.Validation("min_budget must not be negative", map[string]string{"field": "min_budget"})
		}
		if cmd.Description != nil && len(*cmd.Description) > maxDescriptionLen {
			return nil, domain.Validation("description is too long", map[string]string{"field": "description"})
		}
	}

	members := []uuid.UUID{cmd.OwnerID}
	seen := map[uuid.UUID]struct{}{cmd.OwnerID: {}}
	for _, g := range cmd.GuestIDs {
		if g == uuid.Nil {
			return nil, domain.Validation("guest ids must be valid uuids", map[string]string{"field": "guest_ids"})
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		members = append(members, g)
	}
	return members, nil
}

func (m *ReservationManager) event(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	return withRetry(ctx, m.opts.Retry, func(ctx context.Context) (*domain.Event, error) {
		return m.d.Catalog.GetEvent(ctx, eventID)
	})
}

// ConsumeSeat attaches claim.MemberID to the party and decrements the
// listing's available spots. When the claim carries a join request, the
// request is approved in the same transaction.
func (m *ReservationManager) ConsumeSeat(ctx context.Context, claim domain.SeatClaim) (*domain.Reservation, *domain.JoinRequest, error) {
	type seat struct {
		res *domain.Reservation
		req *domain.JoinRequest
	}
	out, err := withRetry(ctx, m.opts.Retry, func(ctx context.Context) (seat, error) {
		res, req, err := m.d.Store.ConsumeSeat(ctx, traceID(ctx), claim)
		return seat{res: res, req: req}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return out.res, out.req, nil
}

// Get returns the reservation when the caller is part of its party.
func (m *ReservationManager) Get(ctx context.Context, reservationID, callerID uuid.UUID) (*domain.Reservation, error) {
	res, err := m.get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !res.HasMember(callerID) {
		return nil, domain.ErrForbidden
	}
	return res, nil
}

func (m *ReservationManager) get(ctx context.Context, reservationID uuid.UUID) (*domain.Reservation, error) {
	return withRetry(ctx, m.opts.Retry, func(ctx context.Context) (*domain.Reservation, error) {
		return m.d.Store.GetReservation(ctx, reservationID)
	})
}

func (m *ReservationManager) ListMine(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.Reservation, *domain.KeysetCursor, error) {
	type page struct {
		items []domain.Reservation
		next  *domain.KeysetCursor
	}
	p, err := withRetry(ctx, m.opts.Retry, func(ctx context.Context) (page, error) {
		items, next, err := m.d.Store.ListReservationsForUser(ctx, userID, limit, cursor)
		return page{items: items, next: next}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return p.items, p.next, nil
}

// Cancel cancels the caller's own reservation. Canceling twice is a no-op.
func (m *ReservationManager) Cancel(ctx context.Context, reservationID, actorID uuid.UUID) (*domain.Reservation, error) {
	out, err := withRetry(ctx, m.opts.Retry, func(ctx context.Context) (*domain.CancelResult, error) {
		return m.d.Store.CancelReservation(ctx, traceID(ctx), reservationID, actorID, cancelReasonOwner)
	})
	if err != nil {
		return nil, err
	}
	if !out.AlreadyCanceled {
		metrics.RecordReservationCanceled("owner")
		m.d.Audit.ReservationCanceled(ctx, reservationID, &actorID, cancelReasonOwner, len(out.AutoRejected))
		m.announce(ctx, *out, &actorID, cancelReasonOwner)
	}
	return out.Reservation, nil
}

// CancelEventReservations cancels every active reservation of a canceled event.
func (m *ReservationManager) CancelEventReservations(ctx context.Context, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = cancelReasonEvent
	}
	results, err := withRetry(ctx, m.opts.Retry, func(ctx context.Context) ([]domain.CancelResult, error) {
		return m.d.Store.CancelEventReservations(ctx, traceID(ctx), eventID, reason)
	})
	if err != nil {
		return nil, err
	}
	m.AnnounceCancellations(ctx, results, reason)
	return results, nil
}

// AnnounceCancellations records and notifies cancellations that were applied
// elsewhere, e.g. inside the catalog consumer's transaction.
func (m *ReservationManager) AnnounceCancellations(ctx context.Context, results []domain.CancelResult, reason string) {
	for _, r := range results {
		if r.AlreadyCanceled || r.Reservation == nil {
			continue
		}
		metrics.RecordReservationCanceled("event")
		m.d.Audit.ReservationCanceled(ctx, r.Reservation.ID, nil, reason, len(r.AutoRejected))
		m.announce(ctx, r, nil, reason)
	}
}

func (m *ReservationManager) announce(ctx context.Context, r domain.CancelResult, actorID *uuid.UUID, reason string) {
	res := r.Reservation
	now := m.d.Clock.Now()

	var notes []domain.Notification
	for _, member := range res.PartyMemberIDs {
		if actorID != nil && member == *actorID {
			continue
		}
		notes = append(notes, domain.Notification{
			Type:          domain.NotifyReservationCanceled,
			RecipientID:   member,
			EventID:       res.EventID,
			ReservationID: res.ID,
			ActorID:       actorID,
			Reason:        reason,
			OccurredAt:    now,
		})
	}
	for i := range r.AutoRejected {
		req := r.AutoRejected[i]
		metrics.RecordJoinDecision(string(domain.RequestRejected), domain.ReasonReservationCanceled)
		notes = append(notes, domain.Notification{
			Type:          domain.NotifyJoinRejected,
			RecipientID:   req.RequesterID,
			EventID:       res.EventID,
			ReservationID: res.ID,
			JoinRequestID: &req.ID,
			ActorID:       actorID,
			Reason:        domain.ReasonReservationCanceled,
			OccurredAt:    now,
		})
	}
	m.d.Notifier.Send(ctx, notes...)
}
