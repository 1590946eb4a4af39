package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"

	maxOutboxErrorLen = 2000
)

// enqueueEventTx writes a relay event into event_outbox inside the caller's transaction,
// so the event is published if and only if the state change commits.
func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO event_outbox (exchange, routing_key, payload) VALUES (@exchange, @routing_key, @payload::jsonb)`,
		pgx.NamedArgs{
			"exchange":    strings.TrimSpace(exchange),
			"routing_key": strings.TrimSpace(routingKey),
			"payload":     string(body),
		})
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages moves up to limit due rows to processing and returns them oldest
// first. Rows left in processing for staleAfterSeconds by a crashed dispatcher are
// claimed again. Concurrent dispatchers never see the same row.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		UPDATE event_outbox
		SET status = @processing,
			processing_started_at = NOW(),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM event_outbox
			WHERE (status = @pending AND next_attempt_at <= NOW())
			   OR (status = @processing AND processing_started_at < NOW() - make_interval(secs => @stale))
			ORDER BY id
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, exchange, routing_key, payload::text, attempts
	`, pgx.NamedArgs{
		"pending":    outboxPending,
		"processing": outboxProcessing,
		"stale":      float64(staleAfterSeconds),
		"limit":      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}

	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var (
			m    OutboxMessage
			body string
		)
		err := row.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &body, &m.Attempts)
		m.Payload = []byte(body)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the subquery order.
	slices.SortFunc(claimed, func(a, b OutboxMessage) int { return cmp.Compare(a.ID, b.ID) })
	return claimed, nil
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.settleOutbox(ctx, id, `
		UPDATE event_outbox
		SET status = @status, published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = @id
	`, pgx.NamedArgs{"status": outboxPublished, "id": id})
}

// MarkOutboxFailed puts the row back in pending with a delay and keeps the last error.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > maxOutboxErrorLen {
		reason = reason[:maxOutboxErrorLen]
	}
	return r.settleOutbox(ctx, id, `
		UPDATE event_outbox
		SET status = @status,
			next_attempt_at = NOW() + make_interval(secs => @delay),
			processing_started_at = NULL,
			last_error = @reason
		WHERE id = @id
	`, pgx.NamedArgs{"status": outboxPending, "delay": float64(retryAfterSeconds), "reason": reason, "id": id})
}

func (r *PostgresRepository) settleOutbox(ctx context.Context, id int64, query string, args pgx.NamedArgs) error {
	tag, err := r.db.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to update outbox row %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox row %d not found", id)
	}
	return nil
}
