package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances one second per call so created_at ordering is stable.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStore() *memory.Store {
	return memory.NewStore(&stepClock{now: time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)})
}

var night = time.Date(2026, 11, 7, 22, 0, 0, 0, time.UTC)

func priveTable(eventID, owner uuid.UUID, guests []uuid.UUID, max, spots int, start time.Time) *domain.Reservation {
	members := append([]uuid.UUID{owner}, guests...)
	r := &domain.Reservation{
		ID:             uuid.New(),
		EventID:        eventID,
		OwnerID:        owner,
		Type:           domain.TypePrive,
		PartyMemberIDs: members,
		MaxPartySize:   max,
		WindowStart:    start,
		WindowEnd:      start.Add(4 * time.Hour),
	}
	if spots > 0 {
		r.IsOpenTable = true
		r.OpenTable = &domain.OpenTableListing{InitialSpots: spots}
	}
	return r
}

func pista(eventID, owner uuid.UUID, start time.Time) *domain.Reservation {
	return &domain.Reservation{
		ID:             uuid.New(),
		EventID:        eventID,
		OwnerID:        owner,
		Type:           domain.TypePista,
		PartyMemberIDs: []uuid.UUID{owner},
		MaxPartySize:   10,
		WindowStart:    start,
		WindowEnd:      start.Add(4 * time.Hour),
	}
}

func submit(t *testing.T, s *memory.Store, listing, requester uuid.UUID) *domain.JoinRequest {
	t.Helper()
	req, err := s.CreateJoinRequest(context.Background(), "t", "", &domain.JoinRequest{
		ID: uuid.New(), ListingID: listing, RequesterID: requester,
	})
	require.NoError(t, err)
	return req
}

func TestCreateReservation_OpenTableListing(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev, owner := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t1", "", priveTable(ev, owner, []uuid.UUID{uuid.New(), uuid.New()}, 6, 3, night))
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationActive, res.Status)
	require.NotNil(t, res.OpenTable)
	assert.Equal(t, res.ID, res.OpenTable.ReservationID)
	assert.Equal(t, 3, res.OpenTable.AvailableSpots)
	assert.Equal(t, 3, res.OpenTable.TotalMembers)
	assert.True(t, res.OpenTable.Listed)

	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, event.RKReservationCreated, out[0].RoutingKey)
}

func TestCreateReservation_DuplicateAndOverlap(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev1, ev2, ev3 := uuid.New(), uuid.New(), uuid.New()
	user, friend := uuid.New(), uuid.New()

	_, err := s.CreateReservation(ctx, "t", "", priveTable(ev1, user, []uuid.UUID{friend}, 6, 0, night))
	require.NoError(t, err)

	t.Run("friend cannot book the same event", func(t *testing.T) {
		_, err := s.CreateReservation(ctx, "t", "", pista(ev1, friend, night))
		assert.ErrorIs(t, err, domain.ErrDuplicateReservation)
	})

	t.Run("overlapping event is rejected", func(t *testing.T) {
		_, err := s.CreateReservation(ctx, "t", "", pista(ev2, user, night.Add(2*time.Hour)))
		assert.ErrorIs(t, err, domain.ErrOverlappingReservation)
	})

	t.Run("back to back event is fine", func(t *testing.T) {
		_, err := s.CreateReservation(ctx, "t", "", pista(ev3, user, night.Add(4*time.Hour)))
		assert.NoError(t, err)
	})
}

func TestCreateReservation_CanceledDoesNotBlock(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev, user := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", pista(ev, user, night))
	require.NoError(t, err)
	_, err = s.CancelReservation(ctx, "t", res.ID, user, "owner_canceled")
	require.NoError(t, err)

	_, err = s.CreateReservation(ctx, "t", "", pista(ev, user, night))
	assert.NoError(t, err)
}

func TestCreateReservation_Idempotency(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev, user := uuid.New(), uuid.New()

	first, err := s.CreateReservation(ctx, "t", "key-1", pista(ev, user, night))
	require.NoError(t, err)

	again, err := s.CreateReservation(ctx, "t", "key-1", pista(ev, user, night))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = s.CreateReservation(ctx, "t", "key-1", pista(ev, uuid.New(), night))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)
}

func TestConsumeSeat_ConservationAndDelist(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev, owner := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(ev, owner, []uuid.UUID{uuid.New(), uuid.New()}, 6, 3, night))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req := submit(t, s, res.ID, uuid.New())
		updated, approved, err := s.ConsumeSeat(ctx, "t", domain.SeatClaim{
			ReservationID: res.ID, MemberID: req.RequesterID, JoinRequestID: &req.ID, ActorID: owner,
		})
		require.NoError(t, err)
		require.NotNil(t, approved)
		assert.Equal(t, domain.RequestApproved, approved.Status)

		approvedCount := i + 1
		assert.Equal(t, 3, updated.OpenTable.AvailableSpots+approvedCount)
		assert.LessOrEqual(t, updated.PartySize(), updated.MaxPartySize)
	}

	listing, err := s.GetListing(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, listing.AvailableSpots)
	assert.False(t, listing.Listed)
	assert.Equal(t, 6, listing.TotalMembers)

	open, err := s.ListOpenTables(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, _, err = s.ConsumeSeat(ctx, "t", domain.SeatClaim{ReservationID: res.ID, MemberID: uuid.New(), ActorID: owner})
	assert.ErrorIs(t, err, domain.ErrNoSeatsAvailable)
}

func TestConsumeSeat_ConcurrentLastSeat(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev, owner := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(ev, owner, nil, 6, 1, night))
	require.NoError(t, err)

	const n = 8
	reqs := make([]*domain.JoinRequest, n)
	for i := range reqs {
		reqs[i] = submit(t, s, res.ID, uuid.New())
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.ConsumeSeat(ctx, "t", domain.SeatClaim{
				ReservationID: res.ID, MemberID: reqs[i].RequesterID, JoinRequestID: &reqs[i].ID, ActorID: owner,
			})
		}(i)
	}
	wg.Wait()

	ok, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrNoSeatsAvailable):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, exhausted)

	final, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.PartySize())
	assert.Equal(t, 0, final.OpenTable.AvailableSpots)
}

func TestConsumeSeat_ResolvedRequestIsInvalidState(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner := uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, nil, 6, 2, night))
	require.NoError(t, err)
	req := submit(t, s, res.ID, uuid.New())

	_, err = s.ResolveJoinRequest(ctx, "t", req.ID, req.RequesterID, domain.ReasonWithdrawn)
	require.NoError(t, err)

	_, _, err = s.ConsumeSeat(ctx, "t", domain.SeatClaim{
		ReservationID: res.ID, MemberID: req.RequesterID, JoinRequestID: &req.ID, ActorID: owner,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	listing, err := s.GetListing(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, listing.AvailableSpots)
}

func TestConsumeSeat_RequesterScheduleConflict(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner, requester := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, nil, 6, 2, night))
	require.NoError(t, err)
	req := submit(t, s, res.ID, requester)

	// requester books an overlapping night elsewhere before the owner approves
	_, err = s.CreateReservation(ctx, "t", "", pista(uuid.New(), requester, night.Add(time.Hour)))
	require.NoError(t, err)

	_, _, err = s.ConsumeSeat(ctx, "t", domain.SeatClaim{
		ReservationID: res.ID, MemberID: requester, JoinRequestID: &req.ID, ActorID: owner,
	})
	assert.ErrorIs(t, err, domain.ErrOverlappingReservation)
}

func TestCreateJoinRequest_Rules(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner, guest, stranger := uuid.New(), uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, []uuid.UUID{guest}, 6, 2, night))
	require.NoError(t, err)

	_, err = s.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: uuid.New(), RequesterID: stranger})
	assert.ErrorIs(t, err, domain.ErrListingNotFound)

	_, err = s.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: owner})
	assert.ErrorIs(t, err, domain.ErrSelfJoinNotAllowed)

	_, err = s.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: guest})
	assert.ErrorIs(t, err, domain.ErrSelfJoinNotAllowed)

	first := submit(t, s, res.ID, stranger)
	_, err = s.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: stranger})
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// rejection frees the slot for a new request with a new id
	_, err = s.ResolveJoinRequest(ctx, "t", first.ID, owner, domain.ReasonOwnerRejected)
	require.NoError(t, err)
	second := submit(t, s, res.ID, stranger)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domain.RequestPending, second.Status)

	old, err := s.GetJoinRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, old.Status)
}

func TestCreateJoinRequest_Idempotency(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner, stranger := uuid.New(), uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, nil, 6, 2, night))
	require.NoError(t, err)

	first, err := s.CreateJoinRequest(ctx, "t", "k", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: stranger})
	require.NoError(t, err)
	again, err := s.CreateJoinRequest(ctx, "t", "k", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: stranger})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// same key used for a different action
	_, err = s.CreateReservation(ctx, "t", "k", pista(uuid.New(), stranger, night.Add(48*time.Hour)))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)
}

func TestCancelReservation_AutoRejectsPending(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner := uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, nil, 6, 3, night))
	require.NoError(t, err)
	a := submit(t, s, res.ID, uuid.New())
	b := submit(t, s, res.ID, uuid.New())

	_, err = s.CancelReservation(ctx, "t", res.ID, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	out, err := s.CancelReservation(ctx, "t", res.ID, owner, "owner_canceled")
	require.NoError(t, err)
	assert.False(t, out.AlreadyCanceled)
	assert.Equal(t, domain.ReservationCanceled, out.Reservation.Status)
	assert.False(t, out.Reservation.OpenTable.Listed)
	require.Len(t, out.AutoRejected, 2)
	assert.Equal(t, a.ID, out.AutoRejected[0].ID)
	assert.Equal(t, b.ID, out.AutoRejected[1].ID)
	assert.Equal(t, domain.ReasonReservationCanceled, *out.AutoRejected[0].Reason)

	again, err := s.CancelReservation(ctx, "t", res.ID, owner, "owner_canceled")
	require.NoError(t, err)
	assert.True(t, again.AlreadyCanceled)
	assert.Empty(t, again.AutoRejected)

	_, err = s.CreateJoinRequest(ctx, "t", "", &domain.JoinRequest{ID: uuid.New(), ListingID: res.ID, RequesterID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrListingFull)
}

func TestCancelEventReservations(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev := uuid.New()

	_, err := s.CreateReservation(ctx, "t", "", pista(ev, uuid.New(), night))
	require.NoError(t, err)
	_, err = s.CreateReservation(ctx, "t", "", priveTable(ev, uuid.New(), nil, 6, 2, night))
	require.NoError(t, err)
	other, err := s.CreateReservation(ctx, "t", "", pista(uuid.New(), uuid.New(), night))
	require.NoError(t, err)

	results, err := s.CancelEventReservations(ctx, "t", ev, "event_canceled")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	kept, err := s.GetReservation(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, kept.Status)
}

func TestListOpenTables_OrderAndFilter(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	ev := uuid.New()

	first, err := s.CreateReservation(ctx, "t", "", priveTable(ev, uuid.New(), nil, 6, 2, night))
	require.NoError(t, err)
	_, err = s.CreateReservation(ctx, "t", "", priveTable(ev, uuid.New(), nil, 6, 0, night)) // closed table
	require.NoError(t, err)
	second, err := s.CreateReservation(ctx, "t", "", priveTable(ev, uuid.New(), nil, 6, 5, night))
	require.NoError(t, err)
	_, err = s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), uuid.New(), nil, 6, 5, night))
	require.NoError(t, err)

	open, err := s.ListOpenTables(ctx, ev)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ReservationID)
	assert.Equal(t, second.ID, open[1].ReservationID)
}

func TestListJoinRequests_KeysetPagination(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	owner := uuid.New()

	res, err := s.CreateReservation(ctx, "t", "", priveTable(uuid.New(), owner, nil, 10, 9, night))
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, s, res.ID, uuid.New()).ID)
	}

	page1, next, err := s.ListJoinRequests(ctx, res.ID, nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, next)
	assert.Equal(t, ids[0], page1[0].ID)

	page2, next, err := s.ListJoinRequests(ctx, res.ID, nil, 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)

	page3, next, err := s.ListJoinRequests(ctx, res.ID, nil, 2, next)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Nil(t, next)

	rejected := domain.RequestRejected
	none, _, err := s.ListJoinRequests(ctx, res.ID, &rejected, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListReservationsForUser_NewestFirst(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	user := uuid.New()

	a, err := s.CreateReservation(ctx, "t", "", pista(uuid.New(), user, night))
	require.NoError(t, err)
	b, err := s.CreateReservation(ctx, "t", "", pista(uuid.New(), user, night.Add(24*time.Hour)))
	require.NoError(t, err)

	page, next, err := s.ListReservationsForUser(ctx, user, 1, nil)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)
	require.NotNil(t, next)

	page, next, err = s.ListReservationsForUser(ctx, user, 1, next)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a.ID, page[0].ID)
	assert.Nil(t, next)
}
