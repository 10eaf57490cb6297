package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/capacity"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	actionCreateReservation = "reservation.create"
	actionSubmitJoinRequest = "join_request.submit"
)

type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ domain.Store               = (*Repository)(nil)
	_ domain.EventCatalog        = (*Repository)(nil)
	_ domain.EventSnapshotWriter = (*Repository)(nil)
)

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// -------------------------
// Deadlock policy:
// Always lock in this order:
//   1) reservations row (FOR UPDATE); several rows only in id order
//   2) join_requests row (FOR UPDATE)
//   3) per-user advisory locks, in ascending user id order
// CreateReservation has no reservation row yet and only takes step 3.
// The per-user locks serialize schedule checks across reservations.
// -------------------------

func (r *Repository) CreateReservation(ctx context.Context, traceID, idempotencyKey string, res *domain.Reservation) (*domain.Reservation, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 0) Idempotency check
	prevID, replay, err := claimIdempotencyKey(ctx, tx, idempotencyKey, res.OwnerID, actionCreateReservation, res.EventID, res.ID)
	if err != nil {
		return nil, err
	}
	if replay {
		prev, err := loadReservation(ctx, tx, prevID, false)
		if err != nil {
			return nil, err
		}
		return prev, tx.Commit(ctx)
	}

	if err := capacity.Check(0, res.MaxPartySize, len(res.PartyMemberIDs)); err != nil {
		return nil, err
	}

	// 1) Serialize schedule checks for every member
	if err := lockUsers(ctx, tx, res.PartyMemberIDs...); err != nil {
		return nil, err
	}
	for _, member := range res.PartyMemberIDs {
		if err := checkSchedule(ctx, tx, member, res.EventID, res.WindowStart, res.WindowEnd); err != nil {
			return nil, err
		}
	}

	// 2) Reservation row
	stored := res.Clone()
	stored.Status = domain.ReservationActive
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations (
			id, event_id, owner_id, type, wants_group_chat, is_open_table,
			status, max_party_size, window_start, window_end, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`, stored.ID, stored.EventID, stored.OwnerID, string(stored.Type), stored.WantsGroupChat, stored.IsOpenTable,
		stored.MaxPartySize, stored.WindowStart, stored.WindowEnd,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// 3) Party members
	for i, member := range stored.PartyMemberIDs {
		if err := insertMember(ctx, tx, stored, member, i); err != nil {
			return nil, err
		}
	}

	// 4) Listing
	if ot := stored.OpenTable; ot != nil {
		ot.ReservationID = stored.ID
		ot.EventID = stored.EventID
		ot.OwnerID = stored.OwnerID
		ot.AvailableSpots = ot.InitialSpots
		ot.TotalMembers = stored.PartySize()
		ot.Listed = ot.InitialSpots > 0
		ot.CreatedAt = stored.CreatedAt
		_, err = tx.Exec(ctx, `
			INSERT INTO open_table_listings (
				reservation_id, event_id, owner_id, description, min_budget,
				initial_spots, available_spots, listed, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $8)
		`, stored.ID, stored.EventID, stored.OwnerID, ot.Description, ot.MinBudget, ot.InitialSpots, ot.Listed, ot.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	// 5) Outbox (reservation.created)
	if err := insertOutbox(ctx, tx, traceID, event.RKReservationCreated, event.ReservationEvent(stored, "", stored.CreatedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapConstraintErr(err)
	}
	return stored, nil
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return loadReservation(ctx, r.pool, id, false)
}

// ConsumeSeat is the only path that decrements open_table_listings.available_spots.
func (r *Repository) ConsumeSeat(ctx context.Context, traceID string, claim domain.SeatClaim) (*domain.Reservation, *domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1) Reservation row lock is the per-listing mutex
	res, err := loadReservation(ctx, tx, claim.ReservationID, true)
	if err != nil {
		return nil, nil, err
	}
	if res.Status != domain.ReservationActive {
		return nil, nil, domain.WithMeta(domain.ErrInvalidState, "reservation is canceled", nil)
	}

	// 2) Join request row
	var req *domain.JoinRequest
	if claim.JoinRequestID != nil {
		req, err = loadJoinRequest(ctx, tx, *claim.JoinRequestID, true)
		if err != nil {
			return nil, nil, err
		}
		if req.ListingID != res.ID || req.RequesterID != claim.MemberID {
			return nil, nil, domain.WithMeta(domain.ErrInvalidState, "join request does not match seat claim", nil)
		}
		if req.Status != domain.RequestPending {
			return nil, nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
		}
	}

	ot := res.OpenTable
	if ot == nil || ot.AvailableSpots <= 0 || capacity.Check(res.PartySize(), res.MaxPartySize, 1) != nil {
		return nil, nil, domain.ErrNoSeatsAvailable
	}
	if res.HasMember(claim.MemberID) {
		return nil, nil, domain.ErrDuplicateReservation
	}

	// 3) Member schedule
	if err := lockUsers(ctx, tx, claim.MemberID); err != nil {
		return nil, nil, err
	}
	if err := checkSchedule(ctx, tx, claim.MemberID, res.EventID, res.WindowStart, res.WindowEnd); err != nil {
		return nil, nil, err
	}

	// 4) Seat accounting, guarded so a stale read can never oversell
	err = tx.QueryRow(ctx, `
		UPDATE open_table_listings
		SET available_spots = available_spots - 1,
		    listed = (available_spots - 1) > 0,
		    updated_at = NOW()
		WHERE reservation_id = $1 AND available_spots > 0
		RETURNING available_spots, listed
	`, res.ID).Scan(&ot.AvailableSpots, &ot.Listed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrNoSeatsAvailable
	}
	if err != nil {
		return nil, nil, err
	}

	if err := insertMember(ctx, tx, res, claim.MemberID, res.PartySize()); err != nil {
		return nil, nil, err
	}
	res.PartyMemberIDs = append(res.PartyMemberIDs, claim.MemberID)
	res.Total = res.PartySize()
	ot.TotalMembers = res.Total

	if err := tx.QueryRow(ctx, `
		UPDATE reservations SET updated_at = NOW() WHERE id = $1 RETURNING updated_at
	`, res.ID).Scan(&res.UpdatedAt); err != nil {
		return nil, nil, err
	}

	// 5) Request transition + outbox
	if req != nil {
		actor := claim.ActorID
		err = tx.QueryRow(ctx, `
			UPDATE join_requests
			SET status = 'approved', reason = NULL, responded_at = NOW(), responded_by = $2
			WHERE id = $1
			RETURNING responded_at
		`, req.ID, actor).Scan(&req.RespondedAt)
		if err != nil {
			return nil, nil, err
		}
		req.Status = domain.RequestApproved
		req.Reason = nil
		req.RespondedBy = &actor

		spots := ot.AvailableSpots
		if err := insertOutbox(ctx, tx, traceID, event.RKJoinRequestApproved, event.JoinRequestEvent(req, &spots, *req.RespondedAt)); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, mapConstraintErr(err)
	}
	return res, req, nil
}

func (r *Repository) CancelReservation(ctx context.Context, traceID string, reservationID, actorID uuid.UUID, reason string) (*domain.CancelResult, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := loadReservation(ctx, tx, reservationID, true)
	if err != nil {
		return nil, err
	}
	if res.OwnerID != actorID {
		return nil, domain.ErrForbidden
	}

	out, err := cancelTx(ctx, tx, traceID, res, &actorID, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelEventReservations cancels every active reservation of an event in one
// transaction.
func (r *Repository) CancelEventReservations(ctx context.Context, traceID string, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := r.CancelEventReservationsTx(ctx, tx, traceID, eventID, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelEventReservationsTx is called from the consumer inside ProcessOnce(...).
// IMPORTANT: do not call ProcessOnce here; caller already did it.
func (r *Repository) CancelEventReservationsTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	traceID = strings.TrimSpace(traceID)

	rows, err := tx.Query(ctx, `
		SELECT id
		FROM reservations
		WHERE event_id = $1 AND status = 'active'
		ORDER BY id ASC
		FOR UPDATE
	`, eventID)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.CancelResult, 0, len(ids))
	for _, id := range ids {
		res, err := loadReservation(ctx, tx, id, false)
		if err != nil {
			return nil, err
		}
		cr, err := cancelTx(ctx, tx, traceID, res, nil, reason)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, nil
}

// cancelTx expects res to be locked by the caller.
func cancelTx(ctx context.Context, tx pgx.Tx, traceID string, res *domain.Reservation, actorID *uuid.UUID, reason string) (*domain.CancelResult, error) {
	if res.Status == domain.ReservationCanceled {
		return &domain.CancelResult{Reservation: res, AlreadyCanceled: true}, nil
	}

	var canceledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = 'canceled',
		    canceled_at = NOW(),
		    cancel_reason = NULLIF($2, ''),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING canceled_at
	`, res.ID, reason).Scan(&canceledAt)
	if err != nil {
		return nil, err
	}
	res.Status = domain.ReservationCanceled
	res.CanceledAt = &canceledAt
	res.UpdatedAt = canceledAt
	if reason != "" {
		rs := reason
		res.CancelReason = &rs
	}

	// Members stop counting toward schedule checks.
	if _, err := tx.Exec(ctx, `UPDATE reservation_members SET active = FALSE WHERE reservation_id = $1`, res.ID); err != nil {
		return nil, err
	}
	if res.OpenTable != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE open_table_listings SET listed = FALSE, updated_at = NOW() WHERE reservation_id = $1
		`, res.ID); err != nil {
			return nil, err
		}
		res.OpenTable.Listed = false
	}

	rows, err := tx.Query(ctx, `
		UPDATE join_requests
		SET status = 'rejected', reason = $2, responded_at = NOW(), responded_by = $3
		WHERE reservation_id = $1 AND status = 'pending'
		RETURNING `+joinRequestColumns,
		res.ID, domain.ReasonReservationCanceled, actorID)
	if err != nil {
		return nil, err
	}
	rejected, err := scanJoinRequests(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(rejected, func(i, j int) bool {
		return keysetLess(rejected[i].CreatedAt, rejected[i].ID, rejected[j].CreatedAt, rejected[j].ID)
	})

	for i := range rejected {
		if err := insertOutbox(ctx, tx, traceID, event.RKJoinRequestRejected, event.JoinRequestEvent(&rejected[i], nil, canceledAt)); err != nil {
			return nil, err
		}
	}
	if err := insertOutbox(ctx, tx, traceID, event.RKReservationCanceled, event.ReservationEvent(res, reason, canceledAt)); err != nil {
		return nil, err
	}

	return &domain.CancelResult{Reservation: res, AutoRejected: rejected}, nil
}

// -------------------------
// helpers
// -------------------------

// claimIdempotencyKey records key for (userID, action, targetID). On a replay
// it returns the resource id stored with the first request.
func claimIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, userID uuid.UUID, action string, targetID, resourceID uuid.UUID) (uuid.UUID, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.Nil, false, nil
	}

	var insertedKey string
	err := tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, user_id, action, target_id, resource_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, userID, action, targetID, resourceID).Scan(&insertedKey)
	if err == nil {
		return uuid.Nil, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}

	// Key exists. Verify payload.
	var existUser, existTarget, existResource uuid.UUID
	var existAction string
	err = tx.QueryRow(ctx, `
		SELECT user_id, action, target_id, resource_id FROM idempotency_keys WHERE key = $1
	`, key).Scan(&existUser, &existAction, &existTarget, &existResource)
	if err != nil {
		return uuid.Nil, false, err
	}
	if existUser != userID || existAction != action || existTarget != targetID {
		return uuid.Nil, false, domain.ErrIdempotencyKeyMismatch
	}
	return existResource, true, nil
}

// lockUsers takes transaction-scoped advisory locks for each user in a stable
// order.
func lockUsers(ctx context.Context, tx pgx.Tx, users ...uuid.UUID) error {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.String())
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
			return err
		}
	}
	return nil
}

// checkSchedule enforces one active reservation per (user, event) and no
// overlapping windows across events. Duplicate wins over overlap.
func checkSchedule(ctx context.Context, q querier, userID, eventID uuid.UUID, start, end time.Time) error {
	var duplicate, overlap bool
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(bool_or(event_id = $2), FALSE),
			COALESCE(bool_or(event_id <> $2 AND window_start < $4 AND $3 < window_end), FALSE)
		FROM reservation_members
		WHERE user_id = $1 AND active
	`, userID, eventID, start, end).Scan(&duplicate, &overlap)
	if err != nil {
		return err
	}
	meta := map[string]string{"user_id": userID.String()}
	if duplicate {
		return domain.WithMeta(domain.ErrDuplicateReservation, "", meta)
	}
	if overlap {
		return domain.WithMeta(domain.ErrOverlappingReservation, "", meta)
	}
	return nil
}

func insertMember(ctx context.Context, tx pgx.Tx, res *domain.Reservation, userID uuid.UUID, position int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_members (reservation_id, user_id, position, event_id, window_start, window_end, active, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW())
	`, res.ID, userID, position, res.EventID, res.WindowStart, res.WindowEnd)
	return mapConstraintErr(err)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, traceID, routingKey string, payload any) error {
	messageID := uuid.New()
	body, err := json.Marshal(event.Wrap(traceID, messageID.String(), time.Now(), payload))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, NOW(), 'pending')
	`, messageID, traceID, routingKey, body)
	return err
}

// mapConstraintErr turns unique violations that back business rules into
// domain errors. Anything else passes through.
func mapConstraintErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "uq_reservation_members_user_event", "reservation_members_pkey":
		return domain.ErrDuplicateReservation
	case "uq_join_requests_open":
		return domain.ErrDuplicateRequest
	default:
		return err
	}
}

// keysetLess orders by (created_at, id) the way postgres compares row tuples.
func keysetLess(at time.Time, a uuid.UUID, bt time.Time, b uuid.UUID) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return strings.Compare(string(a[:]), string(b[:])) < 0
}
