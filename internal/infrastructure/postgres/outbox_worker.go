package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12
	outboxPollEvery   = 500 * time.Millisecond
	outboxLease       = 15 * time.Second
	confirmWait       = 600 * time.Millisecond

	retryFloor = 5 * time.Second
	retryCeil  = 30 * time.Minute

	redialMin = time.Second
	redialMax = 30 * time.Second
)

var (
	errConfirmTimeout   = errors.New("publish confirm timed out")
	errBrokerConnClosed = errors.New("broker connection closed")
)

type outboxMessage struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
	OccurredAt time.Time
}

// relayChannel hands one outbox message to the broker and reports whether
// the broker accepted it.
type relayChannel interface {
	Relay(ctx context.Context, m outboxMessage) error
}

// retryDelay doubles from retryFloor per attempt up to retryCeil, with
// +/-10% jitter.
func retryDelay(attempt int) time.Duration {
	d := retryFloor
	for i := 1; i < attempt && d < retryCeil; i++ {
		d *= 2
	}
	d = min(d, retryCeil)
	return d + time.Duration(rand.Int63n(int64(d/5))) - d/10
}

// StartOutboxWorker relays pending outbox rows to exchange with publisher
// confirms until ctx is canceled. A lost broker connection is redialed with
// backoff.
func (r *Repository) StartOutboxWorker(ctx context.Context, rabbitURL, exchange string, auditLog *audit.Logger) {
	if auditLog == nil {
		auditLog = audit.New(zerolog.Nop())
	}
	log := logger.Logger.With().Str("component", "outbox_worker").Logger()

	go func() {
		wait := redialMin
		for {
			connected, err := r.relaySession(ctx, rabbitURL, exchange, auditLog, log)
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}
			if connected {
				wait = redialMin
			}
			log.Warn().Err(err).Dur("redial_in", wait).Msg("outbox broker session ended")

			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, redialMax)
		}
	}()
}

// relaySession runs one broker connection until it drops or ctx ends.
// connected reports whether the session got far enough to relay.
func (r *Repository) relaySession(ctx context.Context, rabbitURL, exchange string, auditLog *audit.Logger, log zerolog.Logger) (connected bool, err error) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	relay, err := openConfirmedChannel(conn, exchange)
	if err != nil {
		return false, err
	}
	defer relay.ch.Close()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := relay.ch.NotifyClose(make(chan *amqp.Error, 1))

	log.Info().Str("exchange", exchange).Msg("relaying outbox")

	ticker := time.NewTicker(outboxPollEvery)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case e := <-connClosed:
			return true, closeReason(e)
		case e := <-chClosed:
			return true, closeReason(e)
		case <-ticker.C:
			if err := r.relayBatch(ctx, relay, auditLog); err != nil {
				// same error at most every 10s
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox batch failed")
					lastErr, lastAt = err.Error(), time.Now()
				}
				continue
			}
			lastErr = ""
		}
	}
}

func closeReason(e *amqp.Error) error {
	if e == nil {
		return errBrokerConnClosed
	}
	return e
}

// claimOutboxBatch leases due rows by pushing next_retry_at past the lease,
// so the network publish runs outside any transaction and a crashed worker's
// rows become due again.
func (r *Repository) claimOutboxBatch(ctx context.Context) ([]outboxMessage, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox
			WHERE status = 'pending'
			  AND next_retry_at <= NOW()
			ORDER BY next_retry_at, occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET next_retry_at = NOW() + make_interval(secs => $2)
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.message_id, o.trace_id, o.routing_key, o.payload, o.attempt, o.occurred_at
	`, outboxBatchSize, outboxLease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []outboxMessage
	for rows.Next() {
		var m outboxMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt, &m.OccurredAt); err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(batch, func(a, b outboxMessage) int { return a.OccurredAt.Compare(b.OccurredAt) })
	return batch, nil
}

func (r *Repository) relayBatch(ctx context.Context, relay relayChannel, auditLog *audit.Logger) error {
	batch, err := r.claimOutboxBatch(ctx)
	if err != nil {
		return err
	}

	for _, m := range batch {
		if err := relay.Relay(ctx, m); err != nil {
			r.scheduleRetry(ctx, auditLog, m, err.Error())
			continue
		}
		if _, err := r.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1`, m.ID); err != nil {
			// The lease expires and the row is relayed again; consumers dedupe on message_id.
			logger.WithCtx(ctx).Warn().Err(err).Str("outbox_id", m.ID.String()).Msg("mark sent failed")
			continue
		}
		metrics.RecordOutboxPublish("sent")
		auditLog.OutboxMessageSent(ctx, m.MessageID.String(), m.RoutingKey)
	}
	return nil
}

func (r *Repository) scheduleRetry(ctx context.Context, auditLog *audit.Logger, m outboxMessage, reason string) {
	attempt := m.Attempt + 1

	if attempt >= outboxMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead', attempt = $2, last_error = $3
			WHERE id = $1
		`, m.ID, attempt, reason)
		metrics.RecordOutboxPublish("dead")
		auditLog.OutboxMessageDead(ctx, m.MessageID.String(), m.RoutingKey, attempt)
		return
	}

	delay := retryDelay(attempt)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    next_retry_at = NOW() + make_interval(secs => $3),
		    last_error = $4
		WHERE id = $1
	`, m.ID, attempt, delay.Seconds(), reason)
	metrics.RecordOutboxPublish("retry")

	logger.Logger.Warn().
		Str("component", "outbox_worker").
		Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Str("error", reason).
		Msg("outbox relay failed; retry scheduled")
}

// confirmedChannel publishes mandatory messages on a channel in confirm mode.
type confirmedChannel struct {
	ch       *amqp.Channel
	exchange string
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

func openConfirmedChannel(conn *amqp.Connection, exchange string) (*confirmedChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &confirmedChannel{
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 100)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 100)),
	}, nil
}

func (c *confirmedChannel) Relay(ctx context.Context, m outboxMessage) error {
	discardPending(c.confirms, c.returns)

	err := c.ch.PublishWithContext(ctx, c.exchange, m.RoutingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID.String(),
		CorrelationId: m.TraceID,
		AppId:         event.Producer,
		Body:          m.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return waitForVerdict(c.confirms, c.returns, confirmWait)
}

// discardPending drops confirmations left behind by timed-out publishes.
func discardPending(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	for {
		select {
		case <-confirms:
		case <-returns:
		default:
			return
		}
	}
}

// waitForVerdict waits for the confirm of one mandatory publish. An
// unroutable message is Returned before its Confirm, and the Return wins.
func waitForVerdict(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return, wait time.Duration) error {
	timeout := time.NewTimer(wait)
	defer timeout.Stop()

	var unroutable error
	for {
		select {
		case ret := <-returns:
			unroutable = fmt.Errorf("NO_ROUTE: code=%d text=%s exchange=%s rk=%s",
				ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
		case c := <-confirms:
			switch {
			case unroutable != nil:
				return unroutable
			case !c.Ack:
				return fmt.Errorf("NACK: delivery_tag=%d", c.DeliveryTag)
			default:
				return nil
			}
		case <-timeout.C:
			if unroutable != nil {
				return unroutable
			}
			return errConfirmTimeout
		}
	}
}
