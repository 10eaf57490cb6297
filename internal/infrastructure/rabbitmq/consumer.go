package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	rkEventPublished = "event.published"
	rkEventUpdated   = "event.updated"
	rkEventCanceled  = "event.canceled"

	snapshotQueue = "reservation-service.event-snapshots"
	handlerName   = "event_snapshots"

	defaultCancelReason = "event_canceled"
)

var errUnknownRoutingKey = errors.New("unknown routing key")

// EventCancellations is the part of the reservation manager driven by
// event.canceled messages.
type EventCancellations interface {
	CancelEventReservations(ctx context.Context, eventID uuid.UUID, reason string) ([]domain.CancelResult, error)
	AnnounceCancellations(ctx context.Context, results []domain.CancelResult, reason string)
}

// txCatalog lets the dedupe fence and every side effect share one DB tx.
type txCatalog interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	UpsertEventTx(ctx context.Context, tx pgx.Tx, ev *domain.Event) error
	MarkEventCanceledTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, at time.Time) error
	CancelEventReservationsTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID, reason string) ([]domain.CancelResult, error)
}

type Consumer struct {
	rabbitURL string
	exchange  string
	snapshots domain.EventSnapshotWriter
	cancels   EventCancellations
	cache     domain.CacheRepository
}

// NewConsumer builds the catalog snapshot consumer. cache is optional and only
// used to evict stale event entries.
func NewConsumer(rabbitURL, exchange string, snapshots domain.EventSnapshotWriter, cancels EventCancellations, cache domain.CacheRepository) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		snapshots: snapshots,
		cancels:   cancels,
		cache:     cache,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return err
	}

	q, err := ch.QueueDeclare(
		snapshotQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		closeAll()
		return err
	}

	for _, rk := range []string{rkEventPublished, rkEventUpdated, rkEventCanceled} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			closeAll()
			return err
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		closeAll()
		return err
	}

	deliveries, err := ch.Consume(q.Name, event.Producer, false, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}

	go func() {
		defer closeAll()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("delivery channel closed")
					return
				}

				if err := c.handleDelivery(ctx, d.RoutingKey, d.MessageId, d.Body); err != nil {
					metrics.RecordCatalogMessage(d.RoutingKey, "requeued")
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

// catalogChange is a decoded catalog message.
type catalogChange struct {
	RoutingKey string
	EventID    uuid.UUID
	Event      *domain.Event // published / updated only
	Reason     string        // canceled only
	At         time.Time
}

// handleDelivery returns an error only for transient failures; poison
// messages are logged and dropped.
func (c *Consumer) handleDelivery(ctx context.Context, routingKey, amqpMessageID string, body []byte) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", routingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		metrics.RecordCatalogMessage(routingKey, "dropped")
		return nil // poison => drop
	}

	if env.Version != event.EnvelopeVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		metrics.RecordCatalogMessage(routingKey, "dropped")
		return nil
	}

	msgID := messageID(env.MessageID, amqpMessageID, routingKey, body)
	traceID := strings.TrimSpace(env.TraceID)
	if traceID == "" {
		traceID = msgID
	}
	ctx = appCtx.WithRequestID(ctx, traceID)

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()

	change, err := decodeChange(routingKey, env.Payload, env.OccurredAt)
	if err != nil {
		log.Warn().Err(err).Msg("unusable catalog message; dropping")
		metrics.RecordCatalogMessage(routingKey, "dropped")
		return nil
	}

	// Strong path: atomic "dedupe fence + side effects" in the SAME DB tx
	if r, ok := c.snapshots.(txCatalog); ok {
		var results []domain.CancelResult
		processed, err := r.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
			var err error
			results, err = applyChangeTx(ctx, r, tx, traceID, change)
			return err
		})
		if err != nil {
			log.Error().Err(err).Msg("processing failed (requeue)")
			return err
		}
		if !processed {
			log.Info().Msg("duplicate delivery ignored")
			metrics.RecordCatalogMessage(routingKey, "duplicate")
			return nil
		}
		if len(results) > 0 && c.cancels != nil {
			c.cancels.AnnounceCancellations(ctx, results, change.Reason)
		}
		c.evict(ctx, change.EventID, log)
		log.Info().Int("canceled_reservations", len(results)).Msg("catalog change applied")
		metrics.RecordCatalogMessage(routingKey, "applied")
		return nil
	}

	// Compatibility path: no dedupe fence. Upserts are timestamp-guarded and
	// event cancellation only touches active reservations, so a redelivery is harmless.
	if err := c.applyChange(ctx, change); err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	c.evict(ctx, change.EventID, log)
	metrics.RecordCatalogMessage(routingKey, "applied")
	return nil
}

// messageID prefers envelope.message_id, then the AMQP MessageId, else a body hash.
func messageID(envelopeID, amqpID, routingKey string, body []byte) string {
	if id := strings.TrimSpace(envelopeID); id != "" {
		return id
	}
	if id := strings.TrimSpace(amqpID); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
	return "hash:" + hex.EncodeToString(h[:])
}

func decodeChange(routingKey string, raw json.RawMessage, occurredAt time.Time) (*catalogChange, error) {
	at := occurredAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch routingKey {
	case rkEventPublished, rkEventUpdated:
		var p event.EventPublishedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		eid, err := uuid.Parse(strings.TrimSpace(p.EventID))
		if err != nil {
			return nil, errors.New("invalid event_id")
		}
		if p.StartTime == nil || p.StartTime.IsZero() {
			return nil, errors.New("missing start_time")
		}

		ev := &domain.Event{
			ID:           eid,
			StartTime:    p.StartTime.UTC(),
			Status:       domain.EventPublished,
			PriveEnabled: p.PriveEnabled,
			UpdatedAt:    at,
		}
		if strings.EqualFold(strings.TrimSpace(p.Status), string(domain.EventCanceled)) {
			ev.Status = domain.EventCanceled
		}
		if p.EndTime != nil {
			end := p.EndTime.UTC()
			ev.EndTime = &end
		}
		if p.PriveMaxSeats != nil {
			ev.PriveMaxSeats = *p.PriveMaxSeats
		}
		if p.PriveMinPrice != nil {
			v := *p.PriveMinPrice
			ev.PriveMinPrice = &v
		}
		if p.MaxGuestsPerReservation != nil {
			ev.MaxGuestsPerReservation = *p.MaxGuestsPerReservation
		}
		return &catalogChange{RoutingKey: routingKey, EventID: eid, Event: ev, At: at}, nil

	case rkEventCanceled:
		var p event.EventCanceledPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}

		// tolerate legacy field
		eidStr := strings.TrimSpace(p.EventID)
		if eidStr == "" {
			eidStr = strings.TrimSpace(p.ID)
		}
		eid, err := uuid.Parse(eidStr)
		if err != nil {
			return nil, errors.New("invalid event_id")
		}

		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			reason = defaultCancelReason
		}
		return &catalogChange{RoutingKey: routingKey, EventID: eid, Reason: reason, At: at}, nil

	default:
		return nil, errUnknownRoutingKey
	}
}

// applyChangeTx runs inside ProcessOnce. Announcements happen after commit.
func applyChangeTx(ctx context.Context, r txCatalog, tx pgx.Tx, traceID string, ch *catalogChange) ([]domain.CancelResult, error) {
	if ch.RoutingKey != rkEventCanceled {
		return nil, r.UpsertEventTx(ctx, tx, ch.Event)
	}
	if err := r.MarkEventCanceledTx(ctx, tx, ch.EventID, ch.At); err != nil {
		return nil, err
	}
	return r.CancelEventReservationsTx(ctx, tx, traceID, ch.EventID, ch.Reason)
}

func (c *Consumer) applyChange(ctx context.Context, ch *catalogChange) error {
	if ch.RoutingKey != rkEventCanceled {
		return c.snapshots.UpsertEvent(ctx, ch.Event)
	}
	if err := c.snapshots.MarkEventCanceled(ctx, ch.EventID, ch.At); err != nil {
		return err
	}
	if c.cancels == nil {
		return nil
	}
	_, err := c.cancels.CancelEventReservations(ctx, ch.EventID, ch.Reason)
	return err
}

func (c *Consumer) evict(ctx context.Context, eventID uuid.UUID, log zerolog.Logger) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DelEvent(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("event cache eviction failed")
	}
}
