package service

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
)

// Notifier delivers best-effort notifications off the request path. Each
// delivery gets its own timeout and survives cancellation of the caller.
type Notifier struct {
	sink    domain.NotificationSink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(sink domain.NotificationSink, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{sink: sink, timeout: timeout}
}

func (n *Notifier) Send(ctx context.Context, notes ...domain.Notification) {
	if n == nil || n.sink == nil || len(notes) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, note := range notes {
			cctx, cancel := context.WithTimeout(base, n.timeout)
			err := n.sink.Notify(cctx, note)
			cancel()
			if err != nil {
				metrics.RecordNotificationFailed(string(note.Type))
				logger.WithCtx(base).Warn().Err(err).
					Str("type", string(note.Type)).
					Str("recipient_id", note.RecipientID.String()).
					Msg("notification failed")
			}
		}
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// LogSink writes notifications to the structured log. Used when no broker is
// configured.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, n domain.Notification) error {
	ev := logger.WithCtx(ctx).Info().
		Str("type", string(n.Type)).
		Str("recipient_id", n.RecipientID.String()).
		Str("event_id", n.EventID.String()).
		Str("reservation_id", n.ReservationID.String())
	if n.JoinRequestID != nil {
		ev = ev.Str("join_request_id", n.JoinRequestID.String())
	}
	if n.Reason != "" {
		ev = ev.Str("reason", n.Reason)
	}
	ev.Msg("notification")
	return nil
}
