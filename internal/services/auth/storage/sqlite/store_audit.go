package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

// RecordEvent appends an audit row and optionally enqueues a signal in the
// same transaction.
func (s *Store) RecordEvent(ctx context.Context, event storage.AuditEvent, signal *storage.OutboxEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.insertAuditEvent(ctx, tx, event); err != nil {
		return err
	}
	if signal != nil {
		if err := enqueueOutboxEvent(ctx, tx, *signal); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// ListEvents returns audit events newest first.
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.AuditEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if subject := strings.TrimSpace(filter.Subject); subject != "" {
		where = append(where, "subject = ?")
		args = append(args, subject)
	}
	if clientID := strings.TrimSpace(filter.ClientID); clientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, clientID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, kind, scope, actor, subject, client_id, family_id, detail, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var (
			event     storage.AuditEvent
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &kind, &event.Scope, &event.Actor, &event.Subject, &event.ClientID, &event.FamilyID, &event.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Kind = storage.AuditKind(kind)
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func (s *Store) insertAuditEvent(ctx context.Context, target execContexter, event storage.AuditEvent) error {
	if strings.TrimSpace(string(event.Kind)) == "" {
		return fmt.Errorf("audit event kind is required")
	}
	if event.ID == 0 {
		event.ID = s.seq.Next()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := target.ExecContext(ctx, `
INSERT INTO audit_events (id, kind, scope, actor, subject, client_id, family_id, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		event.ID,
		string(event.Kind),
		event.Scope,
		event.Actor,
		event.Subject,
		event.ClientID,
		event.FamilyID,
		event.Detail,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
