package memory

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

// Catalog is an in-process EventCatalog fed through UpsertEvent.
type Catalog struct {
	mu     sync.RWMutex
	events map[uuid.UUID]domain.Event
}

var (
	_ domain.EventCatalog        = (*Catalog)(nil)
	_ domain.EventSnapshotWriter = (*Catalog)(nil)
)

func NewCatalog(events ...domain.Event) *Catalog {
	c := &Catalog{events: make(map[uuid.UUID]domain.Event, len(events))}
	for _, ev := range events {
		c.events[ev.ID] = ev
	}
	return c
}

func (c *Catalog) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ev, ok := c.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return &ev, nil
}

// UpsertEvent ignores snapshots older than the stored one.
func (c *Catalog) UpsertEvent(ctx context.Context, ev *domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.events[ev.ID]; ok && ev.UpdatedAt.Before(prev.UpdatedAt) {
		return nil
	}
	c.events[ev.ID] = *ev
	return nil
}

func (c *Catalog) MarkEventCanceled(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.events[eventID]
	if !ok {
		return nil
	}
	ev.Status = domain.EventCanceled
	if at.After(ev.UpdatedAt) {
		ev.UpdatedAt = at
	}
	c.events[eventID] = ev
	return nil
}

// StaticDirectory answers id-only profiles, optionally seeded with names.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]domain.UserProfile
}

var _ domain.UserDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory(profiles ...domain.UserProfile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[uuid.UUID]domain.UserProfile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *StaticDirectory) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if p, ok := d.profiles[userID]; ok {
		return &p, nil
	}
	return &domain.UserProfile{ID: userID}, nil
}
