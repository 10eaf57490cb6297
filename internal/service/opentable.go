package service

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

// OpenTableRegistry is the read side of open-table listings.
type OpenTableRegistry struct {
	d    Deps
	opts Options
}

func NewOpenTableRegistry(d Deps, opts Options) *OpenTableRegistry {
	return &OpenTableRegistry{d: d.withDefaults(), opts: opts.withDefaults()}
}

// ListOpenTables returns listed tables with free seats, oldest first.
func (r *OpenTableRegistry) ListOpenTables(ctx context.Context, eventID uuid.UUID) ([]domain.OpenTableListing, error) {
	if _, err := withRetry(ctx, r.opts.Retry, func(ctx context.Context) (*domain.Event, error) {
		return r.d.Catalog.GetEvent(ctx, eventID)
	}); err != nil {
		return nil, err
	}

	listings, err := withRetry(ctx, r.opts.Retry, func(ctx context.Context) ([]domain.OpenTableListing, error) {
		return r.d.Store.ListOpenTables(ctx, eventID)
	})
	if err != nil {
		return nil, err
	}

	profiles := make(map[uuid.UUID]*domain.UserProfile)
	for i := range listings {
		owner := listings[i].OwnerID
		p, ok := profiles[owner]
		if !ok {
			p = r.profile(ctx, owner)
			profiles[owner] = p
		}
		listings[i].Owner = p
	}
	return listings, nil
}

func (r *OpenTableRegistry) GetListing(ctx context.Context, reservationID uuid.UUID) (*domain.OpenTableListing, error) {
	l, err := withRetry(ctx, r.opts.Retry, func(ctx context.Context) (*domain.OpenTableListing, error) {
		return r.d.Store.GetListing(ctx, reservationID)
	})
	if err != nil {
		return nil, err
	}
	l.Owner = r.profile(ctx, l.OwnerID)
	return l, nil
}

// profile degrades to an id-only profile when the directory is unavailable.
func (r *OpenTableRegistry) profile(ctx context.Context, userID uuid.UUID) *domain.UserProfile {
	if r.d.Users == nil {
		return &domain.UserProfile{ID: userID}
	}
	p, err := r.d.Users.GetProfile(ctx, userID)
	if err != nil || p == nil {
		ctxLog(ctx).Warn().Err(err).Str("user_id", userID.String()).Msg("profile lookup failed; using id only")
		return &domain.UserProfile{ID: userID}
	}
	return p
}
