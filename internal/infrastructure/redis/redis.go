package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix   = "resv:event:"
	profileKeyPrefix = "resv:profile:"
	rateKeyPrefix    = "ratelimit:"
)

type Cache struct {
	Client *redis.Client
}

var _ domain.CacheRepository = (*Cache)(nil)

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

// cachedEvent is the JSON shape stored for an event snapshot.
type cachedEvent struct {
	ID                      uuid.UUID  `json:"id"`
	StartTime               time.Time  `json:"start_time"`
	EndTime                 *time.Time `json:"end_time,omitempty"`
	Status                  string     `json:"status"`
	PriveEnabled            bool       `json:"prive_enabled"`
	PriveMaxSeats           int        `json:"prive_max_seats"`
	PriveMinPrice           *float64   `json:"prive_min_price,omitempty"`
	MaxGuestsPerReservation int        `json:"max_guests_per_reservation"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (c *Cache) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	raw, err := c.Client.Get(ctx, eventKeyPrefix+eventID.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}
	var ce cachedEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		// corrupt entry: treat as miss, the caller repopulates it
		_ = c.Client.Del(ctx, eventKeyPrefix+eventID.String()).Err()
		return nil, domain.ErrCacheMiss
	}
	return &domain.Event{
		ID:                      ce.ID,
		StartTime:               ce.StartTime,
		EndTime:                 ce.EndTime,
		Status:                  domain.EventStatus(ce.Status),
		PriveEnabled:            ce.PriveEnabled,
		PriveMaxSeats:           ce.PriveMaxSeats,
		PriveMinPrice:           ce.PriveMinPrice,
		MaxGuestsPerReservation: ce.MaxGuestsPerReservation,
		UpdatedAt:               ce.UpdatedAt,
	}, nil
}

func (c *Cache) SetEvent(ctx context.Context, ev *domain.Event, ttl time.Duration) error {
	if ev == nil {
		return nil
	}
	b, err := json.Marshal(cachedEvent{
		ID:                      ev.ID,
		StartTime:               ev.StartTime,
		EndTime:                 ev.EndTime,
		Status:                  string(ev.Status),
		PriveEnabled:            ev.PriveEnabled,
		PriveMaxSeats:           ev.PriveMaxSeats,
		PriveMinPrice:           ev.PriveMinPrice,
		MaxGuestsPerReservation: ev.MaxGuestsPerReservation,
		UpdatedAt:               ev.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, eventKeyPrefix+ev.ID.String(), b, ttl).Err()
}

func (c *Cache) DelEvent(ctx context.Context, eventID uuid.UUID) error {
	return c.Client.Del(ctx, eventKeyPrefix+eventID.String()).Err()
}

func (c *Cache) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	raw, err := c.Client.Get(ctx, profileKeyPrefix+userID.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}
	var p domain.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		_ = c.Client.Del(ctx, profileKeyPrefix+userID.String()).Err()
		return nil, domain.ErrCacheMiss
	}
	return &p, nil
}

func (c *Cache) SetProfile(ctx context.Context, p *domain.UserProfile, ttl time.Duration) error {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, profileKeyPrefix+p.ID.String(), b, ttl).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := rateKeyPrefix + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
