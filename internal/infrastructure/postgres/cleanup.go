package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
)

const (
	cleanupEvery = time.Hour

	// Broker redeliveries older than this are not expected anymore.
	processedMessagesRetention = 7 * 24 * time.Hour
	sentOutboxRetention        = 3 * 24 * time.Hour
)

// StartCleanup periodically deletes expired idempotency keys, old dedupe
// markers and published outbox rows so these tables stay bounded.
func (r *Repository) StartCleanup(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "db_cleanup").Logger()
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		// Run once immediately on startup
		r.cleanup(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanup(ctx)
			}
		}
	}()
}

func (r *Repository) cleanup(ctx context.Context) {
	log := logger.Logger.With().Str("component", "db_cleanup").Logger()

	jobs := []struct {
		table string
		sql   string
		args  []any
	}{
		{"idempotency_keys", `DELETE FROM idempotency_keys WHERE expires_at < NOW()`, nil},
		{"processed_messages", `DELETE FROM processed_messages WHERE processed_at < $1`, []any{time.Now().Add(-processedMessagesRetention)}},
		{"outbox", `DELETE FROM outbox WHERE status = 'sent' AND occurred_at < $1`, []any{time.Now().Add(-sentOutboxRetention)}},
	}

	for _, j := range jobs {
		tag, err := r.pool.Exec(ctx, j.sql, j.args...)
		if err != nil {
			log.Warn().Err(err).Str("table", j.table).Msg("cleanup failed")
			continue
		}
		if n := tag.RowsAffected(); n > 0 {
			log.Info().Str("table", j.table).Int64("deleted", n).Msg("rows cleaned up")
		}
	}
}
