//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOpenTables_OrderAndFilter(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	eventID := uuid.New()

	a := priveTable(eventID, uuid.New(), night, 6, 2)
	b := priveTable(eventID, uuid.New(), night, 6, 0) // nothing to offer, never listed
	c := priveTable(eventID, uuid.New(), night, 6, 4)
	for _, r := range []*domain.Reservation{a, b, c} {
		_, err := repo.CreateReservation(ctx, "t", "", r)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, err := repo.CreateReservation(ctx, "t", "", priveTable(uuid.New(), uuid.New(), night, 6, 2))
	require.NoError(t, err)

	_, err = repo.CancelReservation(ctx, "t", c.ID, c.OwnerID, "owner_canceled")
	require.NoError(t, err)

	listings, err := repo.ListOpenTables(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, a.ID, listings[0].ReservationID)
	assert.Equal(t, 2, listings[0].AvailableSpots)
	assert.Equal(t, 1, listings[0].TotalMembers)

	_, err = repo.GetListing(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestListJoinRequests_KeysetPagination(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	owner := uuid.New()
	res := priveTable(uuid.New(), owner, night, 10, 5)
	_, err := repo.CreateReservation(ctx, "t", "", res)
	require.NoError(t, err)

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		req, err := repo.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: uuid.New()})
		require.NoError(t, err)
		want = append(want, req.ID)
		time.Sleep(2 * time.Millisecond)
	}

	var (
		got []uuid.UUID
		cur *domain.KeysetCursor
	)
	for page := 0; page < 10; page++ {
		items, next, err := repo.ListJoinRequests(ctx, res.ID, nil, 2, cur)
		require.NoError(t, err)
		for _, it := range items {
			got = append(got, it.ID)
		}
		if next == nil {
			break
		}
		cur = next
	}
	assert.Equal(t, want, got)

	pending := domain.RequestPending
	items, next, err := repo.ListJoinRequests(ctx, res.ID, &pending, 100, nil)
	require.NoError(t, err)
	assert.Len(t, items, 5)
	assert.Nil(t, next)
}

func TestListReservationsForUser_NewestFirst(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	user := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		r, err := repo.CreateReservation(ctx, "t", "", pista(uuid.New(), user, night.Add(time.Duration(i)*24*time.Hour)))
		require.NoError(t, err)
		ids = append(ids, r.ID)
		time.Sleep(5 * time.Millisecond)
	}

	page1, next, err := repo.ListReservationsForUser(ctx, user, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, next)
	assert.Equal(t, ids[2], page1[0].ID)
	assert.Equal(t, ids[1], page1[1].ID)
	assert.Equal(t, []uuid.UUID{user}, page1[0].PartyMemberIDs)

	page2, next, err := repo.ListReservationsForUser(ctx, user, 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Nil(t, next)
	assert.Equal(t, ids[0], page2[0].ID)
}
