// Package postgres provides the Postgres-backed relational store of the token
// engine. It serves the same contracts as storage/sqlite and is meant for
// deployments where several engine nodes share one audit database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	"github.com/sgrastar/authrim-sub003/internal/platform/storage/sqlmigrate"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage/postgres/migrations"
)

// Store implements the relational contracts over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	seq  *id.Sequence
}

// Option customizes Open.
type Option func(*Store)

// WithSequence sets the id sequence for audit rows.
func WithSequence(seq *id.Sequence) Option {
	return func(s *Store) {
		if seq != nil {
			s.seq = seq
		}
	}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to url, verifies the connection and applies migrations.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	migrateErr := sqlmigrate.Apply(ctx, sqlDB, sqlmigrate.Postgres, migrations.FS, "")
	_ = sqlDB.Close()
	if migrateErr != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", migrateErr)
	}

	store := &Store{pool: pool, seq: id.DefaultSequence()}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// InsertShardConfig appends one generation with its audit event.
func (s *Store) InsertShardConfig(ctx context.Context, record storage.ShardConfigRecord, event storage.AuditEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := storage.ValidateShardConfigRecord(record); err != nil {
		return err
	}
	payload, err := json.Marshal(record.Config)
	if err != nil {
		return fmt.Errorf("marshal shard config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin shard config transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
INSERT INTO shard_configs (scope, generation, shard_count, config_json, actor, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scope, generation) DO NOTHING
`,
		record.Scope,
		int64(record.Generation),
		int32(record.ShardCount),
		string(payload),
		record.Actor,
		record.Notes,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert shard config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	if err := s.insertAuditEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit shard config: %w", err)
	}
	return nil
}

const shardConfigSelect = `SELECT scope, generation, shard_count, config_json, actor, notes, created_at FROM shard_configs`

// LatestShardConfig returns the highest generation of scope.
func (s *Store) LatestShardConfig(ctx context.Context, scope string) (storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ShardConfigRecord{}, err
	}
	row := s.pool.QueryRow(ctx, shardConfigSelect+` WHERE scope = $1 ORDER BY generation DESC LIMIT 1`, strings.TrimSpace(scope))
	return scanShardConfig(row)
}

// ShardConfigAt returns the record written for one generation of scope.
func (s *Store) ShardConfigAt(ctx context.Context, scope string, generation uint64) (storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ShardConfigRecord{}, err
	}
	row := s.pool.QueryRow(ctx, shardConfigSelect+` WHERE scope = $1 AND generation = $2`, strings.TrimSpace(scope), int64(generation))
	return scanShardConfig(row)
}

// ListShardConfigChanges lists the newest generations of scope first.
func (s *Store) ListShardConfigChanges(ctx context.Context, scope string, limit int) ([]storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, shardConfigSelect+` WHERE scope = $1 ORDER BY generation DESC LIMIT $2`, strings.TrimSpace(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list shard configs: %w", err)
	}
	defer rows.Close()

	var records []storage.ShardConfigRecord
	for rows.Next() {
		record, err := scanShardConfig(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shard configs: %w", err)
	}
	return records, nil
}

func scanShardConfig(row pgx.Row) (storage.ShardConfigRecord, error) {
	var (
		record     storage.ShardConfigRecord
		generation int64
		shardCount int32
		payload    []byte
	)
	if err := row.Scan(&record.Scope, &generation, &shardCount, &payload, &record.Actor, &record.Notes, &record.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ShardConfigRecord{}, storage.ErrNotFound
		}
		return storage.ShardConfigRecord{}, fmt.Errorf("scan shard config: %w", err)
	}
	if err := json.Unmarshal(payload, &record.Config); err != nil {
		return storage.ShardConfigRecord{}, fmt.Errorf("unmarshal shard config %s/%d: %w", record.Scope, generation, err)
	}
	record.Generation = uint64(generation)
	record.ShardCount = uint32(shardCount)
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

// RecordEvent appends an audit row and optionally enqueues a signal in the
// same transaction.
func (s *Store) RecordEvent(ctx context.Context, event storage.AuditEvent, signal *storage.OutboxEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := s.insertAuditEvent(ctx, tx, event); err != nil {
		return err
	}
	if signal != nil {
		if err := enqueueOutboxEvent(ctx, tx, *signal); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// ListEvents returns audit events newest first.
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.AuditEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var query strings.Builder
	query.WriteString(`SELECT id, kind, scope, actor, subject, client_id, family_id, detail, created_at FROM audit_events WHERE 1=1`)
	args := []any{}
	addFilter := func(column string, value any) {
		args = append(args, value)
		fmt.Fprintf(&query, " AND %s = $%d", column, len(args))
	}
	if filter.Kind != "" {
		addFilter("kind", string(filter.Kind))
	}
	if subject := strings.TrimSpace(filter.Subject); subject != "" {
		addFilter("subject", subject)
	}
	if clientID := strings.TrimSpace(filter.ClientID); clientID != "" {
		addFilter("client_id", clientID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&query, " ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var (
			event storage.AuditEvent
			kind  string
		)
		if err := rows.Scan(&event.ID, &kind, &event.Scope, &event.Actor, &event.Subject, &event.ClientID, &event.FamilyID, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Kind = storage.AuditKind(kind)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func (s *Store) insertAuditEvent(ctx context.Context, q querier, event storage.AuditEvent) error {
	if strings.TrimSpace(string(event.Kind)) == "" {
		return fmt.Errorf("audit event kind is required")
	}
	if event.ID == 0 {
		event.ID = s.seq.Next()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := q.Exec(ctx, `
INSERT INTO audit_events (id, kind, scope, actor, subject, client_id, family_id, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`,
		event.ID,
		string(event.Kind),
		event.Scope,
		event.Actor,
		event.Subject,
		event.ClientID,
		event.FamilyID,
		event.Detail,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

var _ storage.RelationalStore = (*Store)(nil)
