package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

func (r *Repository) CreateJoinRequest(ctx context.Context, traceID, idempotencyKey string, req *domain.JoinRequest) (*domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 0) Idempotency check
	prevID, replay, err := claimIdempotencyKey(ctx, tx, idempotencyKey, req.RequesterID, actionSubmitJoinRequest, req.ListingID, req.ID)
	if err != nil {
		return nil, err
	}
	if replay {
		prev, err := loadJoinRequest(ctx, tx, prevID, false)
		if err != nil {
			return nil, err
		}
		return prev, tx.Commit(ctx)
	}

	// 1) Lock the reservation so the listing cannot change under us
	res, err := loadReservation(ctx, tx, req.ListingID, true)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	ot := res.OpenTable
	if ot == nil {
		return nil, domain.ErrListingNotFound
	}
	if res.OwnerID == req.RequesterID || res.HasMember(req.RequesterID) {
		return nil, domain.ErrSelfJoinNotAllowed
	}
	if res.Status != domain.ReservationActive || !ot.Listed || ot.AvailableSpots <= 0 {
		return nil, domain.ErrListingFull
	}

	var open bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM join_requests
			WHERE reservation_id = $1 AND requester_id = $2 AND status <> 'rejected'
		)
	`, req.ListingID, req.RequesterID).Scan(&open); err != nil {
		return nil, err
	}
	if open {
		return nil, domain.ErrDuplicateRequest
	}

	// 2) Insert
	stored := *req
	stored.Status = domain.RequestPending
	stored.Reason = nil
	stored.RespondedAt = nil
	stored.RespondedBy = nil
	err = tx.QueryRow(ctx, `
		INSERT INTO join_requests (id, reservation_id, requester_id, message, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
		RETURNING created_at
	`, stored.ID, stored.ListingID, stored.RequesterID, stored.Message).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, mapConstraintErr(err)
	}

	// 3) Outbox (join_request.submitted)
	if err := insertOutbox(ctx, tx, traceID, event.RKJoinRequestSubmitted, event.JoinRequestEvent(&stored, nil, stored.CreatedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapConstraintErr(err)
	}
	return &stored, nil
}

func (r *Repository) ResolveJoinRequest(ctx context.Context, traceID string, id, actorID uuid.UUID, reason string) (*domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req, err := loadJoinRequest(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestPending {
		return nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
	}

	err = tx.QueryRow(ctx, `
		UPDATE join_requests
		SET status = 'rejected', reason = $2, responded_at = NOW(), responded_by = $3
		WHERE id = $1
		RETURNING responded_at
	`, id, reason, actorID).Scan(&req.RespondedAt)
	if err != nil {
		return nil, err
	}
	why := reason
	actor := actorID
	req.Status = domain.RequestRejected
	req.Reason = &why
	req.RespondedBy = &actor

	if err := insertOutbox(ctx, tx, traceID, event.RKJoinRequestRejected, event.JoinRequestEvent(req, nil, *req.RespondedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}
