package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const shardConfigColumns = `scope, generation, shard_count, config_json, actor, notes, created_at`

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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin shard config transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
INSERT INTO shard_configs (`+shardConfigColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (scope, generation) DO NOTHING
`,
		record.Scope,
		int64(record.Generation),
		int64(record.ShardCount),
		string(payload),
		record.Actor,
		record.Notes,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert shard config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert shard config rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrConflict
	}

	if err := s.insertAuditEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit shard config: %w", err)
	}
	return nil
}

// LatestShardConfig returns the highest generation of scope.
func (s *Store) LatestShardConfig(ctx context.Context, scope string) (storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ShardConfigRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+shardConfigColumns+`
FROM shard_configs
WHERE scope = ?
ORDER BY generation DESC
LIMIT 1
`, strings.TrimSpace(scope))
	return scanShardConfigRow(row.Scan)
}

// ShardConfigAt returns the record written for one generation of scope.
func (s *Store) ShardConfigAt(ctx context.Context, scope string, generation uint64) (storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ShardConfigRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+shardConfigColumns+`
FROM shard_configs
WHERE scope = ? AND generation = ?
`, strings.TrimSpace(scope), int64(generation))
	return scanShardConfigRow(row.Scan)
}

// ListShardConfigChanges lists the newest generations of scope first.
func (s *Store) ListShardConfigChanges(ctx context.Context, scope string, limit int) ([]storage.ShardConfigRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+shardConfigColumns+`
FROM shard_configs
WHERE scope = ?
ORDER BY generation DESC
LIMIT ?
`, strings.TrimSpace(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list shard configs: %w", err)
	}
	defer rows.Close()

	var records []storage.ShardConfigRecord
	for rows.Next() {
		record, err := scanShardConfigRow(rows.Scan)
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

func scanShardConfigRow(scan func(dest ...any) error) (storage.ShardConfigRecord, error) {
	var (
		record     storage.ShardConfigRecord
		generation int64
		shardCount int64
		payload    string
		createdAt  int64
	)
	if err := scan(&record.Scope, &generation, &shardCount, &payload, &record.Actor, &record.Notes, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ShardConfigRecord{}, storage.ErrNotFound
		}
		return storage.ShardConfigRecord{}, fmt.Errorf("scan shard config: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &record.Config); err != nil {
		return storage.ShardConfigRecord{}, fmt.Errorf("unmarshal shard config %s/%d: %w", record.Scope, generation, err)
	}
	record.Generation = uint64(generation)
	record.ShardCount = uint32(shardCount)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
