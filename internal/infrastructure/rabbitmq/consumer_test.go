package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/memory"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// txRepoMock stands in for the postgres repository.
type txRepoMock struct {
	mock.Mock
}

func (m *txRepoMock) UpsertEvent(ctx context.Context, ev *domain.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *txRepoMock) MarkEventCanceled(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	return m.Called(ctx, eventID, at).Error(0)
}

func (m *txRepoMock) ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error) {
	args := m.Called(ctx, messageID, handlerName)
	if args.Bool(0) {
		if err := fn(nil); err != nil {
			return false, err
		}
	}
	return args.Bool(0), args.Error(1)
}

func (m *txRepoMock) UpsertEventTx(ctx context.Context, tx pgx.Tx, ev *domain.Event) error {
	return m.Called(ctx, tx, ev).Error(0)
}

func (m *txRepoMock) MarkEventCanceledTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, at time.Time) error {
	return m.Called(ctx, tx, eventID, at).Error(0)
}

func (m *txRepoMock) CancelEventReservationsTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	args := m.Called(ctx, tx, traceID, eventID, reason)
	res, _ := args.Get(0).([]domain.CancelResult)
	return res, args.Error(1)
}

type cacheMock struct {
	mock.Mock
}

func (m *cacheMock) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	return nil, domain.ErrCacheMiss
}
func (m *cacheMock) SetEvent(ctx context.Context, ev *domain.Event, ttl time.Duration) error {
	return nil
}
func (m *cacheMock) DelEvent(ctx context.Context, eventID uuid.UUID) error {
	return m.Called(ctx, eventID).Error(0)
}
func (m *cacheMock) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	return nil, domain.ErrCacheMiss
}
func (m *cacheMock) SetProfile(ctx context.Context, p *domain.UserProfile, ttl time.Duration) error {
	return nil
}
func (m *cacheMock) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

type recordingCancels struct {
	canceled  []uuid.UUID
	announced []domain.CancelResult
	reason    string
	traceID   string
}

func (r *recordingCancels) CancelEventReservations(ctx context.Context, eventID uuid.UUID, reason string) ([]domain.CancelResult, error) {
	r.canceled = append(r.canceled, eventID)
	r.reason = reason
	r.traceID = appCtx.GetRequestID(ctx)
	return nil, nil
}

func (r *recordingCancels) AnnounceCancellations(ctx context.Context, results []domain.CancelResult, reason string) {
	r.announced = append(r.announced, results...)
	r.reason = reason
	r.traceID = appCtx.GetRequestID(ctx)
}

func envelope(t *testing.T, messageID, traceID string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(event.DomainEventEnvelope[any]{
		Version:    1,
		Producer:   "event-service",
		TraceID:    traceID,
		MessageID:  messageID,
		OccurredAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Payload:    payload,
	})
	require.NoError(t, err)
	return b
}

func intPtr(v int) *int { return &v }

func TestDecodeChange(t *testing.T) {
	eid := uuid.New()
	start := time.Date(2026, 11, 14, 23, 0, 0, 0, time.UTC)
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	t.Run("published carries prive settings", func(t *testing.T) {
		price := 250.0
		raw, _ := json.Marshal(event.EventPublishedPayload{
			EventID: eid.String(), StartTime: &start, PriveEnabled: true,
			PriveMaxSeats: intPtr(8), PriveMinPrice: &price, MaxGuestsPerReservation: intPtr(6),
		})
		ch, err := decodeChange(rkEventPublished, raw, at)
		require.NoError(t, err)
		require.NotNil(t, ch.Event)
		assert.Equal(t, eid, ch.Event.ID)
		assert.Equal(t, domain.EventPublished, ch.Event.Status)
		assert.Equal(t, 8, ch.Event.PriveMaxSeats)
		assert.Equal(t, 6, ch.Event.MaxGuestsPerReservation)
		assert.Equal(t, 250.0, *ch.Event.PriveMinPrice)
		assert.Nil(t, ch.Event.EndTime)
		assert.Equal(t, at, ch.Event.UpdatedAt)
	})

	t.Run("updated with canceled status", func(t *testing.T) {
		raw, _ := json.Marshal(event.EventPublishedPayload{EventID: eid.String(), StartTime: &start, Status: "canceled"})
		ch, err := decodeChange(rkEventUpdated, raw, at)
		require.NoError(t, err)
		assert.Equal(t, domain.EventCanceled, ch.Event.Status)
	})

	t.Run("missing start time", func(t *testing.T) {
		raw, _ := json.Marshal(event.EventPublishedPayload{EventID: eid.String()})
		_, err := decodeChange(rkEventPublished, raw, at)
		assert.Error(t, err)
	})

	t.Run("invalid event id", func(t *testing.T) {
		raw, _ := json.Marshal(event.EventPublishedPayload{EventID: "not-a-uuid", StartTime: &start})
		_, err := decodeChange(rkEventPublished, raw, at)
		assert.Error(t, err)
	})

	t.Run("canceled defaults reason", func(t *testing.T) {
		raw, _ := json.Marshal(event.EventCanceledPayload{EventID: eid.String()})
		ch, err := decodeChange(rkEventCanceled, raw, at)
		require.NoError(t, err)
		assert.Equal(t, defaultCancelReason, ch.Reason)
		assert.Equal(t, eid, ch.EventID)
	})

	t.Run("canceled legacy id field", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]any{"id": eid.String(), "reason": "rain"})
		ch, err := decodeChange(rkEventCanceled, raw, at)
		require.NoError(t, err)
		assert.Equal(t, eid, ch.EventID)
		assert.Equal(t, "rain", ch.Reason)
	})

	t.Run("unknown routing key", func(t *testing.T) {
		_, err := decodeChange("event.archived", []byte(`{}`), at)
		assert.ErrorIs(t, err, errUnknownRoutingKey)
	})
}

func TestMessageID_Precedence(t *testing.T) {
	assert.Equal(t, "env-id", messageID(" env-id ", "amqp-id", "rk", nil))
	assert.Equal(t, "amqp-id", messageID("", "amqp-id", "rk", nil))

	h1 := messageID("", "", "event.canceled", []byte(`{"a":1}`))
	h2 := messageID("", "", "event.canceled", []byte(`{"a":1}`))
	h3 := messageID("", "", "event.updated", []byte(`{"a":1}`))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Contains(t, h1, "hash:")
}

func TestHandleDelivery_CanceledRunsInsideFenceThenAnnounces(t *testing.T) {
	repo := new(txRepoMock)
	cache := new(cacheMock)
	cancels := &recordingCancels{}
	c := NewConsumer("", "city.events", repo, cancels, cache)

	eid := uuid.New()
	results := []domain.CancelResult{{Reservation: &domain.Reservation{ID: uuid.New(), EventID: eid}}}

	repo.On("ProcessOnce", mock.Anything, "msg-1", handlerName).Return(true, nil).Once()
	repo.On("MarkEventCanceledTx", mock.Anything, mock.Anything, eid, mock.Anything).Return(nil).Once()
	repo.On("CancelEventReservationsTx", mock.Anything, mock.Anything, "trace-1", eid, "venue closed").Return(results, nil).Once()
	cache.On("DelEvent", mock.Anything, eid).Return(nil).Once()

	body := envelope(t, "msg-1", "trace-1", event.EventCanceledPayload{EventID: eid.String(), Reason: "venue closed"})
	require.NoError(t, c.handleDelivery(context.Background(), rkEventCanceled, "", body))

	repo.AssertExpectations(t)
	cache.AssertExpectations(t)
	assert.Equal(t, results, cancels.announced)
	assert.Equal(t, "venue closed", cancels.reason)
	assert.Equal(t, "trace-1", cancels.traceID)
	assert.Empty(t, cancels.canceled, "strong path must not cancel outside the fence")
}

func TestHandleDelivery_DuplicateIsIgnored(t *testing.T) {
	repo := new(txRepoMock)
	cache := new(cacheMock)
	cancels := &recordingCancels{}
	c := NewConsumer("", "city.events", repo, cancels, cache)

	repo.On("ProcessOnce", mock.Anything, "msg-dup", handlerName).Return(false, nil).Once()

	body := envelope(t, "msg-dup", "trace", event.EventCanceledPayload{EventID: uuid.NewString()})
	require.NoError(t, c.handleDelivery(context.Background(), rkEventCanceled, "", body))

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "CancelEventReservationsTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	cache.AssertNotCalled(t, "DelEvent", mock.Anything, mock.Anything)
	assert.Empty(t, cancels.announced)
}

func TestHandleDelivery_TransientFailureRequeues(t *testing.T) {
	repo := new(txRepoMock)
	c := NewConsumer("", "city.events", repo, &recordingCancels{}, nil)

	start := time.Now().Add(48 * time.Hour)
	repo.On("ProcessOnce", mock.Anything, "msg-err", handlerName).Return(true, nil).Once()
	repo.On("UpsertEventTx", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("conn reset")).Once()

	body := envelope(t, "msg-err", "trace", event.EventPublishedPayload{EventID: uuid.NewString(), StartTime: &start})
	err := c.handleDelivery(context.Background(), rkEventPublished, "", body)
	assert.Error(t, err)
	repo.AssertExpectations(t)
}

func TestHandleDelivery_PoisonMessagesAreDropped(t *testing.T) {
	repo := new(txRepoMock)
	c := NewConsumer("", "city.events", repo, &recordingCancels{}, nil)
	ctx := context.Background()

	assert.NoError(t, c.handleDelivery(ctx, rkEventPublished, "", []byte(`{not json`)))

	v2, _ := json.Marshal(map[string]any{"version": 2, "payload": map[string]any{}})
	assert.NoError(t, c.handleDelivery(ctx, rkEventPublished, "", v2))

	missingStart := envelope(t, "m", "t", event.EventPublishedPayload{EventID: uuid.NewString()})
	assert.NoError(t, c.handleDelivery(ctx, rkEventPublished, "", missingStart))

	repo.AssertNotCalled(t, "ProcessOnce", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDelivery_FallbackWithoutFence(t *testing.T) {
	catalog := memory.NewCatalog()
	cancels := &recordingCancels{}
	c := NewConsumer("", "city.events", catalog, cancels, nil)
	ctx := context.Background()

	eid := uuid.New()
	start := time.Date(2026, 11, 14, 23, 0, 0, 0, time.UTC)
	published := envelope(t, "m1", "trace-pub", event.EventPublishedPayload{
		EventID: eid.String(), StartTime: &start, PriveEnabled: true, PriveMaxSeats: intPtr(6),
	})
	require.NoError(t, c.handleDelivery(ctx, rkEventPublished, "", published))

	ev, err := catalog.GetEvent(ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPublished, ev.Status)
	assert.Equal(t, 6, ev.PriveMaxSeats)

	canceled := envelope(t, "m2", "trace-cancel", event.EventCanceledPayload{EventID: eid.String()})
	require.NoError(t, c.handleDelivery(ctx, rkEventCanceled, "", canceled))

	ev, err = catalog.GetEvent(ctx, eid)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCanceled, ev.Status)
	assert.Equal(t, []uuid.UUID{eid}, cancels.canceled)
	assert.Equal(t, defaultCancelReason, cancels.reason)
	assert.Equal(t, "trace-cancel", cancels.traceID)
}
