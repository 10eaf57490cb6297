package service

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/capacity"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the collaborators shared by the reservation components.
type Deps struct {
	Store    domain.Store
	Catalog  domain.EventCatalog
	Users    domain.UserDirectory
	Notifier *Notifier
	Audit    *audit.Logger
	Clock    domain.Clock
}

type Options struct {
	DefaultMaxGuests     int
	EventDefaultDuration time.Duration
	Retry                RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxGuests < 1 {
		o.DefaultMaxGuests = 10
	}
	if o.EventDefaultDuration <= 0 {
		o.EventDefaultDuration = capacity.DefaultEventDuration
	}
	return o
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if d.Audit == nil {
		d.Audit = audit.New(zerolog.Nop())
	}
	return d
}

func traceID(ctx context.Context) string {
	return appCtx.GetRequestID(ctx)
}

func ctxLog(ctx context.Context) *zerolog.Logger {
	return logger.WithCtx(ctx)
}

// writeKey fences a create against its own retries. Without a caller key the
// new resource id serves as one, so a retry after a commit whose reply was
// lost replays the stored row instead of inserting again.
func writeKey(key string, id uuid.UUID) string {
	if key != "" {
		return key
	}
	return "attempt:" + id.String()
}
