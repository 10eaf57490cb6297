package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/google/uuid"
)

// CachedCatalog is a read-through cache in front of the event snapshot store.
// Cache failures fall back to the store; writes are invalidated by the
// catalog consumer.
type CachedCatalog struct {
	next  domain.EventCatalog
	cache domain.CacheRepository
	ttl   time.Duration
}

func NewCachedCatalog(next domain.EventCatalog, cache domain.CacheRepository, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{next: next, cache: cache, ttl: ttl}
}

func (c *CachedCatalog) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	ev, err := c.cache.GetEvent(ctx, eventID)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		logger.WithCtx(ctx).Warn().Err(err).Str("event_id", eventID.String()).Msg("event cache read failed")
	}

	ev, err = c.next.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetEvent(ctx, ev, c.ttl); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("event_id", eventID.String()).Msg("event cache write failed")
	}
	return ev, nil
}
