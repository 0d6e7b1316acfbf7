package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const outboxColumns = `id, event_type, payload_json, dedupe_key, status, attempt_count, next_attempt_at,
	lease_owner, lease_expires_at, last_error, processed_at, created_at, updated_at`

// EnqueueOutboxEvent stores one signal. A non-empty dedupe key is enqueued at
// most once.
func (s *Store) EnqueueOutboxEvent(ctx context.Context, event storage.OutboxEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return enqueueOutboxEvent(ctx, s.pool, event)
}

// GetOutboxEvent returns one outbox event by ID.
func (s *Store) GetOutboxEvent(ctx context.Context, id string) (storage.OutboxEvent, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OutboxEvent{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.OutboxEvent{}, fmt.Errorf("event id is required")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM auth_signal_outbox WHERE id = $1`, id)
	event, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.OutboxEvent{}, storage.ErrNotFound
		}
		return storage.OutboxEvent{}, fmt.Errorf("get outbox event: %w", err)
	}
	return event, nil
}

// LeaseOutboxEvents leases due events for one consumer in a single statement.
// SKIP LOCKED lets concurrent relays on other nodes lease disjoint batches.
func (s *Store) LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.OutboxEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := storage.ValidateLease(consumer, limit, leaseTTL); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	rows, err := s.pool.Query(ctx, `
WITH due AS (
	SELECT id
	FROM auth_signal_outbox
	WHERE (status = $1 AND next_attempt_at <= $3)
	   OR (status = $2 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $3)
	ORDER BY next_attempt_at ASC, created_at ASC, id ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
UPDATE auth_signal_outbox AS o
SET status = $2, lease_owner = $5, lease_expires_at = $6, updated_at = $3
FROM due
WHERE o.id = due.id
RETURNING `+prefixColumns("o.", outboxColumns),
		storage.OutboxStatusPending,
		storage.OutboxStatusLeased,
		now,
		limit,
		strings.TrimSpace(consumer),
		now.Add(leaseTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("lease outbox events: %w", err)
	}
	defer rows.Close()

	leased := make([]storage.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased outbox event: %w", err)
		}
		leased = append(leased, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased outbox events: %w", err)
	}
	return leased, nil
}

// MarkOutboxSucceeded completes one leased event.
func (s *Store) MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error {
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	return s.ack(ctx, "succeeded", id, consumer, `
UPDATE auth_signal_outbox
SET status = $4, lease_owner = '', lease_expires_at = NULL, last_error = '', processed_at = $5, updated_at = $5
WHERE id = $1 AND status = $2 AND lease_owner = $3
`, storage.OutboxStatusSucceeded, processedAt.UTC())
}

// MarkOutboxRetry returns one leased event to pending at nextAttemptAt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error {
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	return s.ack(ctx, "retry", id, consumer, `
UPDATE auth_signal_outbox
SET status = $4, attempt_count = attempt_count + 1, next_attempt_at = $5, lease_owner = '',
	lease_expires_at = NULL, last_error = $6, processed_at = NULL, updated_at = $7
WHERE id = $1 AND status = $2 AND lease_owner = $3
`, storage.OutboxStatusPending, nextAttemptAt.UTC(), strings.TrimSpace(lastError), time.Now().UTC())
}

// MarkOutboxDead parks one leased event after its final failure.
func (s *Store) MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error {
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	return s.ack(ctx, "dead", id, consumer, `
UPDATE auth_signal_outbox
SET status = $4, attempt_count = attempt_count + 1, lease_owner = '', lease_expires_at = NULL,
	last_error = $5, processed_at = $6, updated_at = $6
WHERE id = $1 AND status = $2 AND lease_owner = $3
`, storage.OutboxStatusDead, strings.TrimSpace(lastError), processedAt.UTC())
}

// ack runs an acknowledgement whose first three parameters are id, the
// leased status and the consumer.
func (s *Store) ack(ctx context.Context, label, id, consumer, query string, args ...any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := storage.ValidateAck(id, consumer); err != nil {
		return err
	}
	params := append([]any{strings.TrimSpace(id), storage.OutboxStatusLeased, strings.TrimSpace(consumer)}, args...)
	tag, err := s.pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("mark outbox %s: %w", label, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func enqueueOutboxEvent(ctx context.Context, q querier, event storage.OutboxEvent) error {
	normalized, err := storage.NormalizeOutboxEvent(event, time.Now())
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
INSERT INTO auth_signal_outbox (`+outboxColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (dedupe_key) WHERE dedupe_key <> '' DO NOTHING
`,
		normalized.ID,
		normalized.EventType,
		normalized.PayloadJSON,
		normalized.DedupeKey,
		normalized.Status,
		normalized.AttemptCount,
		normalized.NextAttemptAt.UTC(),
		normalized.LeaseOwner,
		normalized.LeaseExpiresAt,
		normalized.LastError,
		normalized.ProcessedAt,
		normalized.CreatedAt.UTC(),
		normalized.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

func scanOutboxEvent(row pgx.Row) (storage.OutboxEvent, error) {
	var (
		event   storage.OutboxEvent
		payload []byte
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&payload,
		&event.DedupeKey,
		&event.Status,
		&event.AttemptCount,
		&event.NextAttemptAt,
		&event.LeaseOwner,
		&event.LeaseExpiresAt,
		&event.LastError,
		&event.ProcessedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return storage.OutboxEvent{}, err
	}
	event.PayloadJSON = string(payload)
	event.NextAttemptAt = event.NextAttemptAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return event, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
