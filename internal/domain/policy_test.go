package domain_test

import (
	"errors"
	"testing"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func f64(v float64) *float64 { return &v }

func TestPartyMax(t *testing.T) {
	tests := []struct {
		name     string
		ev       *domain.Event
		typ      domain.ReservationType
		expected int
	}{
		{"Pista uses catalog max", &domain.Event{MaxGuestsPerReservation: 8}, domain.TypePista, 8},
		{"Pista falls back to default", &domain.Event{}, domain.TypePista, 10},
		{"Prive enabled", &domain.Event{PriveEnabled: true, PriveMaxSeats: 6}, domain.TypePrive, 6},
		{"Prive disabled", &domain.Event{PriveEnabled: false, PriveMaxSeats: 6}, domain.TypePrive, 0},
		{"Unknown type", &domain.Event{MaxGuestsPerReservation: 8}, domain.ReservationType("vip"), 0},
		{"Nil event", nil, domain.TypePista, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.PartyMax(tt.ev, tt.typ, 10)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEffectiveMinBudget(t *testing.T) {
	t.Run("no event floor keeps provided", func(t *testing.T) {
		got, ok := domain.EffectiveMinBudget(&domain.Event{}, f64(50))
		assert.True(t, ok)
		assert.Equal(t, 50.0, *got)
	})

	t.Run("omitted budget takes floor", func(t *testing.T) {
		got, ok := domain.EffectiveMinBudget(&domain.Event{PriveMinPrice: f64(300)}, nil)
		assert.True(t, ok)
		assert.Equal(t, 300.0, *got)
	})

	t.Run("budget below floor", func(t *testing.T) {
		_, ok := domain.EffectiveMinBudget(&domain.Event{PriveMinPrice: f64(300)}, f64(299.99))
		assert.False(t, ok)
	})

	t.Run("budget at floor", func(t *testing.T) {
		got, ok := domain.EffectiveMinBudget(&domain.Event{PriveMinPrice: f64(300)}, f64(300))
		assert.True(t, ok)
		assert.Equal(t, 300.0, *got)
	})
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := domain.WithMeta(domain.ErrCapacityExceeded, "party of 7 exceeds 6", map[string]string{"max": "6"})
	wrapped := errors.Join(errors.New("ctx"), err)

	assert.ErrorIs(t, wrapped, domain.ErrCapacityExceeded)
	assert.NotErrorIs(t, wrapped, domain.ErrListingFull)
	assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(wrapped))
	assert.True(t, domain.IsBusiness(err))
	assert.False(t, domain.IsBusiness(domain.Unavailable(errors.New("db down"))))
	assert.False(t, domain.IsBusiness(errors.New("plain")))
}

func TestReservationClone_RefreshesTotal(t *testing.T) {
	r := &domain.Reservation{PartyMemberIDs: []uuid.UUID{uuid.New()}, OpenTable: &domain.OpenTableListing{AvailableSpots: 2}}
	r.PartyMemberIDs = append(r.PartyMemberIDs, uuid.New())

	c := r.Clone()
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, c.PartySize(), c.Total)

	c.PartyMemberIDs[0] = uuid.New()
	c.OpenTable.AvailableSpots = 0
	assert.NotEqual(t, c.PartyMemberIDs[0], r.PartyMemberIDs[0])
	assert.Equal(t, 2, r.OpenTable.AvailableSpots)
}
