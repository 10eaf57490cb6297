package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	reservationColumns = `id, event_id, owner_id, type, wants_group_chat, is_open_table, status,
		max_party_size, window_start, window_end, created_at, updated_at, canceled_at, cancel_reason`

	joinRequestColumns = `id, reservation_id, requester_id, message, status, reason,
		created_at, responded_at, responded_by`

	listingSelect = `
		SELECT l.reservation_id, l.event_id, l.owner_id, l.description, l.min_budget::float8,
		       l.initial_spots, l.available_spots, l.listed, l.created_at,
		       (SELECT count(*) FROM reservation_members m WHERE m.reservation_id = l.reservation_id)
		FROM open_table_listings l`
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// loadReservation reads a reservation with its party and listing. forUpdate
// locks the reservation row until the caller's transaction ends.
func loadReservation(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.Reservation, error) {
	sql := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	res, err := scanReservation(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := hydrate(ctx, q, res); err != nil {
		return nil, err
	}
	return res, nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	var typ, status string
	if err := row.Scan(
		&res.ID, &res.EventID, &res.OwnerID, &typ, &res.WantsGroupChat, &res.IsOpenTable, &status,
		&res.MaxPartySize, &res.WindowStart, &res.WindowEnd, &res.CreatedAt, &res.UpdatedAt,
		&res.CanceledAt, &res.CancelReason,
	); err != nil {
		return nil, err
	}
	res.Type = domain.ReservationType(typ)
	res.Status = domain.ReservationStatus(status)
	return &res, nil
}

// hydrate attaches the party (ordered by join position) and the listing.
func hydrate(ctx context.Context, q querier, res *domain.Reservation) error {
	rows, err := q.Query(ctx, `
		SELECT user_id FROM reservation_members WHERE reservation_id = $1 ORDER BY position ASC
	`, res.ID)
	if err != nil {
		return err
	}
	res.PartyMemberIDs = res.PartyMemberIDs[:0]
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		res.PartyMemberIDs = append(res.PartyMemberIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	res.Total = len(res.PartyMemberIDs)

	if !res.IsOpenTable {
		return nil
	}
	ot, err := scanListing(q.QueryRow(ctx, listingSelect+` WHERE l.reservation_id = $1`, res.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	res.OpenTable = ot
	return nil
}

func scanListing(row pgx.Row) (*domain.OpenTableListing, error) {
	var ot domain.OpenTableListing
	if err := row.Scan(
		&ot.ReservationID, &ot.EventID, &ot.OwnerID, &ot.Description, &ot.MinBudget,
		&ot.InitialSpots, &ot.AvailableSpots, &ot.Listed, &ot.CreatedAt, &ot.TotalMembers,
	); err != nil {
		return nil, err
	}
	return &ot, nil
}

func loadJoinRequest(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.JoinRequest, error) {
	sql := `SELECT ` + joinRequestColumns + ` FROM join_requests WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	req, err := scanJoinRequest(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRequestNotFound
	}
	return req, err
}

func scanJoinRequest(row pgx.Row) (*domain.JoinRequest, error) {
	var req domain.JoinRequest
	var status string
	if err := row.Scan(
		&req.ID, &req.ListingID, &req.RequesterID, &req.Message, &status, &req.Reason,
		&req.CreatedAt, &req.RespondedAt, &req.RespondedBy,
	); err != nil {
		return nil, err
	}
	req.Status = domain.JoinRequestStatus(status)
	return &req, nil
}

// scanJoinRequests drains and closes rows.
func scanJoinRequests(rows pgx.Rows) ([]domain.JoinRequest, error) {
	defer rows.Close()
	var out []domain.JoinRequest
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// /me/reservations : ORDER BY created_at DESC, id DESC
// cursor means "start after this item" in DESC order -> WHERE (created_at, id) < (cursor.created_at, cursor.id)
func (r *Repository) ListReservationsForUser(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.Reservation, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{userID}
	where := "WHERE EXISTS (SELECT 1 FROM reservation_members m WHERE m.reservation_id = r.id AND m.user_id = $1)"
	argN := 2

	if cursor != nil {
		where += fmt.Sprintf(" AND (r.created_at, r.id) < ($%d, $%d)", argN, argN+1)
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM reservations r
		%s
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT %d
	`, reservationColumns, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		out = append(out, *res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}

	for i := range out {
		if err := hydrate(ctx, r.pool, &out[i]); err != nil {
			return nil, nil, err
		}
	}
	return out, next, nil
}

// open tables: listed with free spots on an active reservation, ORDER BY created_at ASC, id ASC
func (r *Repository) ListOpenTables(ctx context.Context, eventID uuid.UUID) ([]domain.OpenTableListing, error) {
	rows, err := r.pool.Query(ctx, listingSelect+`
		JOIN reservations r ON r.id = l.reservation_id
		WHERE l.event_id = $1
		  AND l.listed
		  AND l.available_spots > 0
		  AND r.status = 'active'
		ORDER BY l.created_at ASC, l.reservation_id ASC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OpenTableListing
	for rows.Next() {
		ot, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ot)
	}
	return out, rows.Err()
}

func (r *Repository) GetListing(ctx context.Context, reservationID uuid.UUID) (*domain.OpenTableListing, error) {
	ot, err := scanListing(r.pool.QueryRow(ctx, listingSelect+` WHERE l.reservation_id = $1`, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	return ot, err
}

func (r *Repository) GetJoinRequest(ctx context.Context, id uuid.UUID) (*domain.JoinRequest, error) {
	return loadJoinRequest(ctx, r.pool, id, false)
}

// join requests of a listing: ORDER BY created_at ASC, id ASC
func (r *Repository) ListJoinRequests(ctx context.Context, reservationID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	return r.listJoinRequestsASC(ctx, "reservation_id", reservationID, status, limit, cursor)
}

// a requester's own join requests: ORDER BY created_at ASC, id ASC
func (r *Repository) ListJoinRequestsByRequester(ctx context.Context, requesterID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	return r.listJoinRequestsASC(ctx, "requester_id", requesterID, status, limit, cursor)
}

// column is one of the fixed identifiers above, never user input.
func (r *Repository) listJoinRequestsASC(ctx context.Context, column string, id uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{id}
	where := fmt.Sprintf("WHERE %s = $1", column)
	argN := 2

	if status != nil {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(*status))
		argN++
	}

	// ASC cursor: WHERE (created_at, id) > (cursor.created_at, cursor.id)
	if cursor != nil {
		where += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", argN, argN+1)
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM join_requests
		%s
		ORDER BY created_at ASC, id ASC
		LIMIT %d
	`, joinRequestColumns, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	out, err := scanJoinRequests(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}
