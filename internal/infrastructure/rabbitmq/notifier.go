package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const notifyRoutingPrefix = "notify."

var errNotifierClosed = errors.New("notification publisher closed")

// amqpPublisher is the subset of *amqp.Channel used for notifications.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// NotificationPublisher is a domain.NotificationSink that publishes each
// notification as notify.<type> on the domain exchange. Delivery is
// best-effort: no confirms, no outbox.
type NotificationPublisher struct {
	exchange string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     amqpPublisher
	closed bool
}

var _ domain.NotificationSink = (*NotificationPublisher)(nil)

func NewNotificationPublisher(rabbitURL, exchange string) (*NotificationPublisher, error) {
	conn, err := amqp.Dial(strings.TrimSpace(rabbitURL))
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &NotificationPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (p *NotificationPublisher) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(event.Wrap(appCtx.GetRequestID(ctx), uuid.NewString(), n.OccurredAt, n))
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errNotifierClosed
	}

	return p.ch.PublishWithContext(ctx, p.exchange, notifyRoutingPrefix+string(n.Type), false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		CorrelationId: appCtx.GetRequestID(ctx),
		AppId:         event.Producer,
	})
}

func (p *NotificationPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if c, ok := p.ch.(*amqp.Channel); ok {
		_ = c.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
