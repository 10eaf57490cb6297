// Package memory is a process-local Store used for local runs and tests.
// One store-wide mutex serializes every mutation, which gives the same
// guarantees the postgres repository gets from row and advisory locks.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/capacity"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

const (
	actionCreateReservation = "reservation.create"
	actionSubmitJoinRequest = "join_request.submit"
)

type idemEntry struct {
	userID     uuid.UUID
	action     string
	targetID   uuid.UUID
	resourceID uuid.UUID
}

// OutboxRecord is a domain event the store would hand to the outbox worker.
type OutboxRecord struct {
	TraceID    string
	RoutingKey string
	Payload    any
}

type Store struct {
	mu    sync.Mutex
	clock domain.Clock

	reservations map[uuid.UUID]*domain.Reservation
	requests     map[uuid.UUID]*domain.JoinRequest
	idem         map[string]idemEntry
	outbox       []OutboxRecord
}

var _ domain.Store = (*Store)(nil)

func NewStore(clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{
		clock:        clock,
		reservations: make(map[uuid.UUID]*domain.Reservation),
		requests:     make(map[uuid.UUID]*domain.JoinRequest),
		idem:         make(map[string]idemEntry),
	}
}

// Outbox returns a copy of the recorded domain events.
func (s *Store) Outbox() []OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxRecord(nil), s.outbox...)
}

func (s *Store) emit(traceID, rk string, payload any) {
	s.outbox = append(s.outbox, OutboxRecord{TraceID: traceID, RoutingKey: rk, Payload: payload})
}

// claimKey returns (existing resource id, true) on a matching replay.
func (s *Store) claimKey(key string, entry idemEntry) (uuid.UUID, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.Nil, false, nil
	}
	prev, ok := s.idem[key]
	if !ok {
		return uuid.Nil, false, nil
	}
	if prev.userID != entry.userID || prev.action != entry.action || prev.targetID != entry.targetID {
		return uuid.Nil, false, domain.ErrIdempotencyKeyMismatch
	}
	return prev.resourceID, true, nil
}

func (s *Store) rememberKey(key string, entry idemEntry) {
	if key = strings.TrimSpace(key); key != "" {
		s.idem[key] = entry
	}
}

// -------------------------
// Reservations
// -------------------------

func (s *Store) CreateReservation(ctx context.Context, traceID, idempotencyKey string, res *domain.Reservation) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := idemEntry{userID: res.OwnerID, action: actionCreateReservation, targetID: res.EventID, resourceID: res.ID}
	if prevID, replay, err := s.claimKey(idempotencyKey, entry); err != nil {
		return nil, err
	} else if replay {
		if prev, ok := s.reservations[prevID]; ok {
			return prev.Clone(), nil
		}
	}

	if err := capacity.Check(0, res.MaxPartySize, len(res.PartyMemberIDs)); err != nil {
		return nil, err
	}
	win := capacity.Window{Start: res.WindowStart, End: res.WindowEnd}
	for _, member := range res.PartyMemberIDs {
		if err := s.checkSchedule(member, res.EventID, win); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	stored := res.Clone()
	stored.Status = domain.ReservationActive
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.OpenTable != nil {
		ot := stored.OpenTable
		ot.ReservationID = stored.ID
		ot.EventID = stored.EventID
		ot.OwnerID = stored.OwnerID
		ot.AvailableSpots = ot.InitialSpots
		ot.TotalMembers = stored.PartySize()
		ot.Listed = ot.InitialSpots > 0
		ot.CreatedAt = now
	}
	s.reservations[stored.ID] = stored
	s.rememberKey(idempotencyKey, entry)
	s.emit(traceID, event.RKReservationCreated, event.ReservationEvent(stored, "", now))

	return stored.Clone(), nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return r.Clone(), nil
}

// ListReservationsForUser: newest first, cursor means "start after this item".
func (s *Store) ListReservationsForUser(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.Reservation, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Reservation
	for _, r := range s.reservations {
		if r.HasMember(userID) {
			all = append(all, *r.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return keysetLess(all[j].CreatedAt, all[j].ID, all[i].CreatedAt, all[i].ID)
	})

	var out []domain.Reservation
	for _, r := range all {
		if cursor != nil && !keysetLess(r.CreatedAt, r.ID, cursor.CreatedAt, cursor.ID) {
			continue
		}
		out = append(out, r)
		if len(out) > limit {
			break
		}
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

func (s *Store) ConsumeSeat(ctx context.Context, traceID string, claim domain.SeatClaim) (*domain.Reservation, *domain.JoinRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[claim.ReservationID]
	if !ok {
		return nil, nil, domain.ErrReservationNotFound
	}
	if r.Status != domain.ReservationActive {
		return nil, nil, domain.WithMeta(domain.ErrInvalidState, "reservation is canceled", nil)
	}

	var req *domain.JoinRequest
	if claim.JoinRequestID != nil {
		req, ok = s.requests[*claim.JoinRequestID]
		if !ok {
			return nil, nil, domain.ErrRequestNotFound
		}
		if req.ListingID != r.ID || req.RequesterID != claim.MemberID {
			return nil, nil, domain.WithMeta(domain.ErrInvalidState, "join request does not match seat claim", nil)
		}
		if req.Status != domain.RequestPending {
			return nil, nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
		}
	}

	ot := r.OpenTable
	if ot == nil || ot.AvailableSpots <= 0 || capacity.Check(r.PartySize(), r.MaxPartySize, 1) != nil {
		return nil, nil, domain.ErrNoSeatsAvailable
	}
	if r.HasMember(claim.MemberID) {
		return nil, nil, domain.ErrDuplicateReservation
	}
	win := capacity.Window{Start: r.WindowStart, End: r.WindowEnd}
	if err := s.checkSchedule(claim.MemberID, r.EventID, win); err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	r.PartyMemberIDs = append(r.PartyMemberIDs, claim.MemberID)
	r.UpdatedAt = now
	ot.AvailableSpots--
	ot.TotalMembers = r.PartySize()
	if ot.AvailableSpots == 0 {
		ot.Listed = false
	}

	var approved *domain.JoinRequest
	if req != nil {
		actor := claim.ActorID
		req.Status = domain.RequestApproved
		req.RespondedAt = &now
		req.RespondedBy = &actor
		spots := ot.AvailableSpots
		s.emit(traceID, event.RKJoinRequestApproved, event.JoinRequestEvent(req, &spots, now))
		c := *req
		approved = &c
	}

	return r.Clone(), approved, nil
}

func (s *Store) CancelReservation(ctx context.Context, traceID string, reservationID, actorID uuid.UUID, reason string) (*domain.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	if r.OwnerID != actorID {
		return nil, domain.ErrForbidden
	}
	res := s.cancelLocked(traceID, r, &actorID, reason)
	return &res, nil
}

func (s *Store) CancelEventReservations(ctx context.Context, traceID string, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, r := range s.reservations {
		if r.EventID == eventID && r.Status == domain.ReservationActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	out := make([]domain.CancelResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cancelLocked(traceID, s.reservations[id], nil, reason))
	}
	return out, nil
}

func (s *Store) cancelLocked(traceID string, r *domain.Reservation, actorID *uuid.UUID, reason string) domain.CancelResult {
	if r.Status == domain.ReservationCanceled {
		return domain.CancelResult{Reservation: r.Clone(), AlreadyCanceled: true}
	}

	now := s.clock.Now()
	r.Status = domain.ReservationCanceled
	r.CanceledAt = &now
	r.UpdatedAt = now
	if reason != "" {
		rs := reason
		r.CancelReason = &rs
	}
	if r.OpenTable != nil {
		r.OpenTable.Listed = false
	}

	var rejected []domain.JoinRequest
	for _, req := range s.requests {
		if req.ListingID != r.ID || req.Status != domain.RequestPending {
			continue
		}
		why := domain.ReasonReservationCanceled
		req.Status = domain.RequestRejected
		req.Reason = &why
		req.RespondedAt = &now
		req.RespondedBy = actorID
		s.emit(traceID, event.RKJoinRequestRejected, event.JoinRequestEvent(req, nil, now))
		rejected = append(rejected, *req)
	}
	sortRequestsASC(rejected)

	s.emit(traceID, event.RKReservationCanceled, event.ReservationEvent(r, reason, now))
	return domain.CancelResult{Reservation: r.Clone(), AutoRejected: rejected}
}

// checkSchedule enforces one active reservation per (user, event) and no
// overlapping windows across events.
func (s *Store) checkSchedule(userID, eventID uuid.UUID, win capacity.Window) error {
	overlap := false
	for _, r := range s.reservations {
		if r.Status != domain.ReservationActive || !r.HasMember(userID) {
			continue
		}
		if r.EventID == eventID {
			return domain.WithMeta(domain.ErrDuplicateReservation, "", map[string]string{"user_id": userID.String()})
		}
		if capacity.Overlaps(win, capacity.Window{Start: r.WindowStart, End: r.WindowEnd}) {
			overlap = true
		}
	}
	if overlap {
		return domain.WithMeta(domain.ErrOverlappingReservation, "", map[string]string{"user_id": userID.String()})
	}
	return nil
}

// -------------------------
// Open tables
// -------------------------

func (s *Store) ListOpenTables(ctx context.Context, eventID uuid.UUID) ([]domain.OpenTableListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OpenTableListing
	for _, r := range s.reservations {
		ot := r.OpenTable
		if r.EventID != eventID || r.Status != domain.ReservationActive || ot == nil {
			continue
		}
		if !ot.Listed || ot.AvailableSpots <= 0 {
			continue
		}
		out = append(out, *ot)
	}
	sort.Slice(out, func(i, j int) bool {
		return keysetLess(out[i].CreatedAt, out[i].ReservationID, out[j].CreatedAt, out[j].ReservationID)
	})
	return out, nil
}

func (s *Store) GetListing(ctx context.Context, reservationID uuid.UUID) (*domain.OpenTableListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok || r.OpenTable == nil {
		return nil, domain.ErrListingNotFound
	}
	ot := *r.OpenTable
	return &ot, nil
}

// -------------------------
// Join requests
// -------------------------

func (s *Store) CreateJoinRequest(ctx context.Context, traceID, idempotencyKey string, req *domain.JoinRequest) (*domain.JoinRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := idemEntry{userID: req.RequesterID, action: actionSubmitJoinRequest, targetID: req.ListingID, resourceID: req.ID}
	if prevID, replay, err := s.claimKey(idempotencyKey, entry); err != nil {
		return nil, err
	} else if replay {
		if prev, ok := s.requests[prevID]; ok {
			c := *prev
			return &c, nil
		}
	}

	r, ok := s.reservations[req.ListingID]
	if !ok || r.OpenTable == nil {
		return nil, domain.ErrListingNotFound
	}
	if r.OwnerID == req.RequesterID || r.HasMember(req.RequesterID) {
		return nil, domain.ErrSelfJoinNotAllowed
	}
	if r.Status != domain.ReservationActive || !r.OpenTable.Listed || r.OpenTable.AvailableSpots <= 0 {
		return nil, domain.ErrListingFull
	}
	for _, existing := range s.requests {
		if existing.ListingID == req.ListingID && existing.RequesterID == req.RequesterID && existing.Status != domain.RequestRejected {
			return nil, domain.ErrDuplicateRequest
		}
	}

	now := s.clock.Now()
	stored := *req
	stored.Status = domain.RequestPending
	stored.Reason = nil
	stored.CreatedAt = now
	stored.RespondedAt = nil
	stored.RespondedBy = nil
	s.requests[stored.ID] = &stored
	s.rememberKey(idempotencyKey, entry)
	s.emit(traceID, event.RKJoinRequestSubmitted, event.JoinRequestEvent(&stored, nil, now))

	out := stored
	return &out, nil
}

func (s *Store) GetJoinRequest(ctx context.Context, id uuid.UUID) (*domain.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	c := *req
	return &c, nil
}

func (s *Store) ResolveJoinRequest(ctx context.Context, traceID string, id, actorID uuid.UUID, reason string) (*domain.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	if req.Status != domain.RequestPending {
		return nil, domain.WithMeta(domain.ErrInvalidState, "join request is "+string(req.Status), nil)
	}

	now := s.clock.Now()
	why := reason
	actor := actorID
	req.Status = domain.RequestRejected
	req.Reason = &why
	req.RespondedAt = &now
	req.RespondedBy = &actor
	s.emit(traceID, event.RKJoinRequestRejected, event.JoinRequestEvent(req, nil, now))

	c := *req
	return &c, nil
}

func (s *Store) ListJoinRequests(ctx context.Context, reservationID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	return s.listRequests(func(req *domain.JoinRequest) bool {
		return req.ListingID == reservationID
	}, status, limit, cursor)
}

func (s *Store) ListJoinRequestsByRequester(ctx context.Context, requesterID uuid.UUID, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	return s.listRequests(func(req *domain.JoinRequest) bool {
		return req.RequesterID == requesterID
	}, status, limit, cursor)
}

// listRequests: ORDER BY created_at ASC, id ASC; cursor means "start after this item".
func (s *Store) listRequests(match func(*domain.JoinRequest) bool, status *domain.JoinRequestStatus, limit int, cursor *domain.KeysetCursor) ([]domain.JoinRequest, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.JoinRequest
	for _, req := range s.requests {
		if !match(req) || (status != nil && req.Status != *status) {
			continue
		}
		if cursor != nil && !keysetLess(cursor.CreatedAt, cursor.ID, req.CreatedAt, req.ID) {
			continue
		}
		all = append(all, *req)
	}
	sortRequestsASC(all)

	var next *domain.KeysetCursor
	if len(all) > limit {
		last := all[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		all = all[:limit]
	}
	return all, next, nil
}

func sortRequestsASC(reqs []domain.JoinRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return keysetLess(reqs[i].CreatedAt, reqs[i].ID, reqs[j].CreatedAt, reqs[j].ID)
	})
}

// keysetLess orders by (created_at, id) the way postgres compares row tuples.
func keysetLess(at time.Time, a uuid.UUID, bt time.Time, b uuid.UUID) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return bytes.Compare(a[:], b[:]) < 0
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
