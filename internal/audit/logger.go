// Package audit writes one structured line per business state change.
package audit

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Bool("audit", true).Logger()}
}

// entry stamps the action and, when the context has one, the trace id.
func entry(ctx context.Context, ev *zerolog.Event, action string) *zerolog.Event {
	ev = ev.Str("action", action)
	if tid := appCtx.GetRequestID(ctx); tid != "" {
		ev = ev.Str("trace_id", tid)
	}
	return ev
}

func (l *Logger) ReservationCreated(ctx context.Context, r *domain.Reservation, idempotencyKey string) {
	ev := entry(ctx, l.log.Info(), "reservation_created").
		Stringer("reservation_id", r.ID).
		Stringer("event_id", r.EventID).
		Stringer("owner_id", r.OwnerID).
		Str("type", string(r.Type)).
		Int("party_size", r.PartySize())
	if r.OpenTable != nil {
		ev = ev.Bool("open_table", true).Int("available_spots", r.OpenTable.AvailableSpots)
	}
	if idempotencyKey != "" {
		ev = ev.Str("idempotency_key", idempotencyKey)
	}
	ev.Msg("reservation created")
}

// ReservationCanceled records a cancellation. actorID is nil when the
// cancellation came from the event catalog.
func (l *Logger) ReservationCanceled(ctx context.Context, reservationID uuid.UUID, actorID *uuid.UUID, reason string, autoRejected int) {
	ev := entry(ctx, l.log.Info(), "reservation_canceled").
		Stringer("reservation_id", reservationID).
		Str("reason", reason).
		Int("auto_rejected", autoRejected)
	if actorID != nil {
		ev = ev.Stringer("actor_user_id", *actorID)
	}
	ev.Msg("reservation canceled")
}

func (l *Logger) JoinRequestSubmitted(ctx context.Context, req *domain.JoinRequest, idempotencyKey string) {
	ev := entry(ctx, l.log.Info(), "join_request_submitted").
		Stringer("join_request_id", req.ID).
		Stringer("reservation_id", req.ListingID).
		Stringer("requester_id", req.RequesterID)
	if idempotencyKey != "" {
		ev = ev.Str("idempotency_key", idempotencyKey)
	}
	ev.Msg("join request submitted")
}

// JoinRequestResolved records a request leaving pending, by decision or
// withdrawal.
func (l *Logger) JoinRequestResolved(ctx context.Context, req *domain.JoinRequest, actorID uuid.UUID) {
	ev := entry(ctx, l.log.Info(), "join_request_resolved").
		Stringer("join_request_id", req.ID).
		Stringer("reservation_id", req.ListingID).
		Stringer("requester_id", req.RequesterID).
		Stringer("actor_user_id", actorID).
		Str("status", string(req.Status))
	if req.Reason != nil {
		ev = ev.Str("reason", *req.Reason)
	}
	ev.Msg("join request resolved")
}

func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	entry(ctx, l.log.Debug(), "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("outbox message relayed")
}

// OutboxMessageDead records a message that exhausted its relay attempts and
// needs manual replay.
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, attempts int) {
	entry(ctx, l.log.Error(), "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("attempts", attempts).
		Msg("outbox message dead")
}
