package service

import (
	"context"
	"errors"
	"strings"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/capacity"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	"github.com/google/uuid"
)

const maxMessageLen = 500

// JoinRequestWorkflow runs the pending -> {approved, rejected} state machine.
// Capacity only changes through ReservationManager.ConsumeSeat.
type JoinRequestWorkflow struct {
	d            Deps
	opts         Options
	reservations *ReservationManager
}

func NewJoinRequestWorkflow(d Deps, opts Options, reservations *ReservationManager) *JoinRequestWorkflow {
	return &JoinRequestWorkflow{d: d.withDefaults(), opts: opts.withDefaults(), reservations: reservations}
}

func (w *JoinRequestWorkflow) Submit(ctx context.Context, listingID, requesterID uuid.UUID, message, idempotencyKey string) (*domain.JoinRequest, error) {
	message = strings.TrimSpace(message)
	if len(message) > maxMessageLen {
		return nil, domain.Validation("message is too long", map[string]string{"field": "message"})
	}

	res, err := w.reservations.get(ctx, listingID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	if !res.IsOpenTable || res.OpenTable == nil {
		return nil, domain.ErrListingNotFound
	}
	if res.HasMember(requesterID) {
		return nil, domain.ErrSelfJoinNotAllowed
	}
	if res.Status != domain.ReservationActive || !res.OpenTable.Listed || res.OpenTable.AvailableSpots <= 0 {
		return nil, domain.ErrListingFull
	}
	if (capacity.Window{Start: res.WindowStart, End: res.WindowEnd}).Over(w.d.Clock.Now()) {
		return nil, domain.ErrEventClosed
	}

	req := &domain.JoinRequest{
		ID:          uuid.New(),
		ListingID:   listingID,
		RequesterID: requesterID,
		Message:     message,
	}
	created, err := withRetry(ctx, w.opts.Retry, func(ctx context.Context) (*domain.JoinRequest, error) {
		return w.d.Store.CreateJoinRequest(ctx, traceID(ctx), writeKey(idempotencyKey, req.ID), req)
	})
	if err != nil {
		return nil, err
	}
	if created.ID != req.ID {
		return created, nil
	}

	metrics.RecordJoinRequestSubmitted()
	w.d.Audit.JoinRequestSubmitted(ctx, created, idempotencyKey)
	w.d.Notifier.Send(ctx, domain.Notification{
		Type:          domain.NotifyJoinRequested,
		RecipientID:   res.OwnerID,
		EventID:       res.EventID,
		ReservationID: res.ID,
		JoinRequestID: &created.ID,
		ActorID:       &requesterID,
		OccurredAt:    created.CreatedAt,
	})
	return created, nil
}

// Respond applies the owner's decision. An approval that loses a race for the
// last seat, or collides with the requester's schedule, is recorded as an
// automatic rejection and returned without error.
func (w *JoinRequestWorkflow) Respond(ctx context.Context, requestID, responderID uuid.UUID, decision domain.Decision) (*domain.JoinRequest, error) {
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, domain.Validation("decision must be approve or reject", map[string]string{"field": "decision"})
	}

	req, err := w.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	res, err := w.reservations.get(ctx, req.ListingID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if res.OwnerID != responderID {
		return nil, domain.ErrForbidden
	}
	if req.Status != domain.RequestPending {
		return nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
	}

	var resolved *domain.JoinRequest
	if decision == domain.DecisionReject {
		resolved, err = w.resolve(ctx, requestID, responderID, domain.ReasonOwnerRejected)
		if err != nil {
			return nil, err
		}
	} else {
		_, approved, err := w.reservations.ConsumeSeat(ctx, domain.SeatClaim{
			ReservationID: res.ID,
			MemberID:      req.RequesterID,
			JoinRequestID: &req.ID,
			ActorID:       responderID,
		})
		switch domain.KindOf(err) {
		case "":
			if err != nil {
				return nil, err
			}
			resolved = approved
		case domain.KindNoSeatsAvailable:
			resolved, err = w.resolve(ctx, requestID, responderID, domain.ReasonSeatsExhausted)
		case domain.KindDuplicateReservation, domain.KindOverlappingReservation:
			resolved, err = w.resolve(ctx, requestID, responderID, domain.ReasonScheduleConflict)
		case domain.KindInvalidState:
			resolved, err = w.settled(ctx, requestID, responderID, domain.RequestApproved, "", err)
		default:
			return nil, err
		}
		if err != nil {
			return nil, err
		}
	}

	reason := ""
	typ := domain.NotifyJoinApproved
	if resolved.Reason != nil {
		reason = *resolved.Reason
		typ = domain.NotifyJoinRejected
	}
	metrics.RecordJoinDecision(string(resolved.Status), reason)
	w.d.Audit.JoinRequestResolved(ctx, resolved, responderID)
	w.d.Notifier.Send(ctx, domain.Notification{
		Type:          typ,
		RecipientID:   resolved.RequesterID,
		EventID:       res.EventID,
		ReservationID: res.ID,
		JoinRequestID: &resolved.ID,
		ActorID:       &responderID,
		Reason:        reason,
		OccurredAt:    w.d.Clock.Now(),
	})
	return resolved, nil
}

// Withdraw lets the requester retract a pending request.
func (w *JoinRequestWorkflow) Withdraw(ctx context.Context, requestID, requesterID uuid.UUID) (*domain.JoinRequest, error) {
	req, err := w.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		return nil, domain.ErrForbidden
	}
	if req.Status != domain.RequestPending {
		return nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
	}

	resolved, err := w.resolve(ctx, requestID, requesterID, domain.ReasonWithdrawn)
	if err != nil {
		return nil, err
	}
	metrics.RecordJoinDecision(string(resolved.Status), domain.ReasonWithdrawn)
	w.d.Audit.JoinRequestResolved(ctx, resolved, requesterID)
	return resolved, nil
}

// ListForReservation lists a table's requests, oldest first. Owner only.
func (w *JoinRequestWorkflow) ListForReservation(ctx context.Context, reservationID, callerID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	res, err := w.reservations.get(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	if res.OwnerID != callerID {
		return nil, nil, domain.ErrForbidden
	}
	return w.list(ctx, func(ctx context.Context) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
		return w.d.Store.ListJoinRequests(ctx, reservationID, status, limit, cursor)
	})
}

func (w *JoinRequestWorkflow) ListMine(ctx context.Context, requesterID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	return w.list(ctx, func(ctx context.Context) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
		return w.d.Store.ListJoinRequestsByRequester(ctx, requesterID, status, limit, cursor)
	})
}

func (w *JoinRequestWorkflow) list(ctx context.Context, fn func(context.Context) ([]domain.JoinRequest, *domain.KeysetCursor, error)) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	type page struct {
		items []domain.JoinRequest
		next  *domain.KeysetCursor
	}
	p, err := withRetry(ctx, w.opts.Retry, func(ctx context.Context) (page, error) {
		items, next, err := fn(ctx)
		return page{items: items, next: next}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return p.items, p.next, nil
}

func (w *JoinRequestWorkflow) getRequest(ctx context.Context, id uuid.UUID) (*domain.JoinRequest, error) {
	return withRetry(ctx, w.opts.Retry, func(ctx context.Context) (*domain.JoinRequest, error) {
		return w.d.Store.GetJoinRequest(ctx, id)
	})
}

func (w *JoinRequestWorkflow) resolve(ctx context.Context, id, actorID uuid.UUID, reason string) (*domain.JoinRequest, error) {
	resolved, err := withRetry(ctx, w.opts.Retry, func(ctx context.Context) (*domain.JoinRequest, error) {
		return w.d.Store.ResolveJoinRequest(ctx, traceID(ctx), id, actorID, reason)
	})
	if domain.KindOf(err) == domain.KindInvalidState {
		return w.settled(ctx, id, actorID, domain.RequestRejected, reason, err)
	}
	return resolved, err
}

// settled handles an invalid_state answer to a retried write. When the
// stored request already carries this actor's outcome, an earlier attempt
// committed before its reply was lost, and that outcome is returned as the
// result. Otherwise stateErr is returned unchanged.
func (w *JoinRequestWorkflow) settled(ctx context.Context, id, actorID uuid.UUID, status domain.JoinRequestStatus, reason string, stateErr error) (*domain.JoinRequest, error) {
	cur, err := w.getRequest(ctx, id)
	if err != nil {
		return nil, stateErr
	}
	if cur.Status != status || cur.RespondedBy == nil || *cur.RespondedBy != actorID {
		return nil, stateErr
	}
	if reason != "" && (cur.Reason == nil || *cur.Reason != reason) {
		return nil, stateErr
	}
	ctxLog(ctx).Info().Str("join_request_id", id.String()).Msg("earlier attempt already committed")
	return cur, nil
}
