package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetEvent reads the local catalog projection.
func (r *Repository) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	var ev domain.Event
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, status, start_time, end_time,
		       prive_enabled, prive_max_seats, prive_min_price::float8, max_guests_per_reservation,
		       updated_at
		FROM event_snapshots
		WHERE event_id = $1
	`, eventID).Scan(
		&ev.ID, &status, &ev.StartTime, &ev.EndTime,
		&ev.PriveEnabled, &ev.PriveMaxSeats, &ev.PriveMinPrice, &ev.MaxGuestsPerReservation,
		&ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}
	ev.Status = domain.EventStatus(status)
	return &ev, nil
}

func (r *Repository) UpsertEvent(ctx context.Context, ev *domain.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.UpsertEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertEventTx is used by the RabbitMQ snapshot consumer when it wants atomic tx with ProcessOnce.
// Snapshots older than the stored one are ignored.
func (r *Repository) UpsertEventTx(ctx context.Context, tx pgx.Tx, ev *domain.Event) error {
	status := ev.Status
	if status == "" {
		status = domain.EventPublished
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO event_snapshots (
			event_id, status, start_time, end_time,
			prive_enabled, prive_max_seats, prive_min_price, max_guests_per_reservation, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO UPDATE
		SET status = EXCLUDED.status,
		    start_time = EXCLUDED.start_time,
		    end_time = EXCLUDED.end_time,
		    prive_enabled = EXCLUDED.prive_enabled,
		    prive_max_seats = EXCLUDED.prive_max_seats,
		    prive_min_price = EXCLUDED.prive_min_price,
		    max_guests_per_reservation = EXCLUDED.max_guests_per_reservation,
		    updated_at = EXCLUDED.updated_at
		WHERE event_snapshots.updated_at <= EXCLUDED.updated_at
	`, ev.ID, string(status), ev.StartTime, ev.EndTime,
		ev.PriveEnabled, ev.PriveMaxSeats, ev.PriveMinPrice, ev.MaxGuestsPerReservation, ev.UpdatedAt)
	return err
}

func (r *Repository) MarkEventCanceled(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.MarkEventCanceledTx(ctx, tx, eventID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkEventCanceledTx is the variant used inside ProcessOnce.
func (r *Repository) MarkEventCanceledTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE event_snapshots
		SET status = 'canceled',
		    updated_at = GREATEST(updated_at, $2)
		WHERE event_id = $1
	`, eventID, at)
	return err
}
