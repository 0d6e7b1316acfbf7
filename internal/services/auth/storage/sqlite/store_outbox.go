package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const outboxColumns = `
	id,
	event_type,
	payload_json,
	dedupe_key,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at`

// dueCondition matches pending events that are due and leases that expired.
const dueCondition = `(
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)`

// EnqueueOutboxEvent stores one signal. A non-empty dedupe key is enqueued at
// most once.
func (s *Store) EnqueueOutboxEvent(ctx context.Context, event storage.OutboxEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return enqueueOutboxEvent(ctx, s.sqlDB, event)
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

	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+outboxColumns+` FROM auth_signal_outbox WHERE id = ?`, id)
	event, err := scanOutboxEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OutboxEvent{}, storage.ErrNotFound
		}
		return storage.OutboxEvent{}, fmt.Errorf("get outbox event: %w", err)
	}
	return event, nil
}

// LeaseOutboxEvents leases due events for one consumer. Expired leases of
// other consumers are taken over.
func (s *Store) LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.OutboxEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := storage.ValidateLease(consumer, limit, leaseTTL); err != nil {
		return nil, err
	}
	consumer = strings.TrimSpace(consumer)
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	nowMillis := toMillis(now)
	leaseExpiresAt := toMillis(now.Add(leaseTTL))

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM auth_signal_outbox
WHERE `+dueCondition+`
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
		storage.OutboxStatusPending, nowMillis,
		storage.OutboxStatusLeased, nowMillis,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidates := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}

	leased := make([]storage.OutboxEvent, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE auth_signal_outbox
SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
WHERE id = ? AND `+dueCondition,
			storage.OutboxStatusLeased, consumer, leaseExpiresAt, nowMillis,
			id,
			storage.OutboxStatusPending, nowMillis,
			storage.OutboxStatusLeased, nowMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("lease outbox event %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, err)
		}
		if affected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, `SELECT`+outboxColumns+` FROM auth_signal_outbox WHERE id = ?`, id)
		event, err := scanOutboxEvent(row.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan leased outbox event %s: %w", id, err)
		}
		leased = append(leased, event)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkOutboxSucceeded completes one leased event.
func (s *Store) MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error {
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	processedAt = processedAt.UTC()
	return s.ack(ctx, "succeeded", id, consumer, `
UPDATE auth_signal_outbox
SET status = ?, lease_owner = '', lease_expires_at = NULL, last_error = '', processed_at = ?, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?
`,
		storage.OutboxStatusSucceeded, toMillis(processedAt), toMillis(processedAt),
	)
}

// MarkOutboxRetry returns one leased event to pending at nextAttemptAt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error {
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	return s.ack(ctx, "retry", id, consumer, `
UPDATE auth_signal_outbox
SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = ?, lease_owner = '', lease_expires_at = NULL, last_error = ?, processed_at = NULL, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?
`,
		storage.OutboxStatusPending, toMillis(nextAttemptAt), strings.TrimSpace(lastError), toMillis(time.Now()),
	)
}

// MarkOutboxDead parks one leased event after its final failure.
func (s *Store) MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error {
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	processedAt = processedAt.UTC()
	return s.ack(ctx, "dead", id, consumer, `
UPDATE auth_signal_outbox
SET status = ?, attempt_count = attempt_count + 1, lease_owner = '', lease_expires_at = NULL, last_error = ?, processed_at = ?, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?
`,
		storage.OutboxStatusDead, strings.TrimSpace(lastError), toMillis(processedAt), toMillis(processedAt),
	)
}

// ack runs an acknowledgement update whose trailing parameters are id, the
// leased status and the consumer.
func (s *Store) ack(ctx context.Context, label, id, consumer, query string, args ...any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := storage.ValidateAck(id, consumer); err != nil {
		return err
	}
	args = append(args, strings.TrimSpace(id), storage.OutboxStatusLeased, strings.TrimSpace(consumer))
	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark outbox %s: %w", label, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox %s rows affected: %w", label, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func enqueueOutboxEvent(ctx context.Context, target execContexter, event storage.OutboxEvent) error {
	normalized, err := storage.NormalizeOutboxEvent(event, time.Now())
	if err != nil {
		return err
	}
	_, err = target.ExecContext(ctx, `
INSERT INTO auth_signal_outbox (`+outboxColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) WHERE dedupe_key <> '' DO NOTHING
`,
		normalized.ID,
		normalized.EventType,
		normalized.PayloadJSON,
		normalized.DedupeKey,
		normalized.Status,
		normalized.AttemptCount,
		toMillis(normalized.NextAttemptAt),
		normalized.LeaseOwner,
		nullMillis(normalized.LeaseExpiresAt),
		normalized.LastError,
		nullMillis(normalized.ProcessedAt),
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

func scanOutboxEvent(scan func(dest ...any) error) (storage.OutboxEvent, error) {
	var (
		event          storage.OutboxEvent
		nextAttemptAt  int64
		createdAt      int64
		updatedAt      int64
		leaseExpiresAt sql.NullInt64
		processedAt    sql.NullInt64
	)
	if err := scan(
		&event.ID,
		&event.EventType,
		&event.PayloadJSON,
		&event.DedupeKey,
		&event.Status,
		&event.AttemptCount,
		&nextAttemptAt,
		&event.LeaseOwner,
		&leaseExpiresAt,
		&event.LastError,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.OutboxEvent{}, err
	}
	event.NextAttemptAt = fromMillis(nextAttemptAt)
	event.CreatedAt = fromMillis(createdAt)
	event.UpdatedAt = fromMillis(updatedAt)
	event.LeaseExpiresAt = optionalMillis(leaseExpiresAt)
	event.ProcessedAt = optionalMillis(processedAt)
	return event, nil
}
