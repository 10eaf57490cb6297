package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// errAlreadyProcessed aborts the fence transaction on a redelivery.
var errAlreadyProcessed = errors.New("message already processed")

// ProcessOnce runs fn in one transaction together with a
// (message_id, handler_name) marker insert. A redelivered message skips fn
// and reports processed=false. When fn fails nothing is committed, so the
// broker may redeliver. An empty messageID cannot be fenced; fn still runs.
func (r *Repository) ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)
	if handlerName == "" {
		handlerName = "unknown"
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if messageID != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO processed_messages (message_id, handler_name)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, messageID, handlerName)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errAlreadyProcessed
			}
		}
		return fn(tx)
	})
	switch {
	case errors.Is(err, errAlreadyProcessed):
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}
