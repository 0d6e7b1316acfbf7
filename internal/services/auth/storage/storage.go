package storage

import (
	"context"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a concurrent writer already stored the same key.
var ErrConflict = errors.New(errors.CodeConflict, "record already exists")

// AuthCode is a one-time authorization code held by its partition.
type AuthCode struct {
	Code                string
	Generation          uint64
	ShardIndex          uint32
	ClientID            string
	RedirectURI         string
	Subject             string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
	ConsumedAt          time.Time
}

// RotationEntry is one step of a family's rotation trail.
type RotationEntry struct {
	Version   uint64
	JTI       string
	RotatedAt time.Time
}

// TokenFamily is the rotating refresh token lineage of one (subject, client).
type TokenFamily struct {
	ID            string
	Subject       string
	ClientID      string
	Generation    uint64
	ShardIndex    uint32
	Version       uint64
	CurrentJTI    string
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	Rotations     []RotationEntry
}

// RefreshTokenRecord indexes one issued refresh token by jti.
type RefreshTokenRecord struct {
	JTI       string
	FamilyID  string
	FamilyKey string
	Version   uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PartitionTx reads and writes records of a single partition inside one
// atomic transaction. Getters return ErrNotFound for missing records.
type PartitionTx interface {
	GetAuthCode(code string) (AuthCode, error)
	PutAuthCode(code AuthCode) error
	DeleteAuthCode(code string) error

	GetFamily(familyKey string) (TokenFamily, error)
	PutFamily(familyKey string, family TokenFamily) error
	DeleteFamily(familyKey string) error

	GetRefreshToken(jti string) (RefreshTokenRecord, error)
	PutRefreshToken(record RefreshTokenRecord) error
	DeleteRefreshToken(jti string) error
}

// PartitionStore persists partition state. Update commits fn's writes
// atomically or not at all.
type PartitionStore interface {
	Update(ctx context.Context, partition string, fn func(PartitionTx) error) error
	View(ctx context.Context, partition string, fn func(PartitionTx) error) error
	Partitions(ctx context.Context, prefix string) ([]string, error)
	DeleteExpired(ctx context.Context, partition string, now time.Time) (int, error)
}

// ShardConfigRecord is one persisted generation of a scope's configuration.
type ShardConfigRecord struct {
	Scope      string
	Generation uint64
	ShardCount uint32
	Config     generation.ShardConfig
	Actor      string
	Notes      string
	CreatedAt  time.Time
}

// ShardConfigStore is the source of truth for shard configuration.
type ShardConfigStore interface {
	// InsertShardConfig appends a generation and its audit event in one
	// transaction. A second insert of the same (scope, generation) returns
	// ErrConflict.
	InsertShardConfig(ctx context.Context, record ShardConfigRecord, event AuditEvent) error
	LatestShardConfig(ctx context.Context, scope string) (ShardConfigRecord, error)
	ShardConfigAt(ctx context.Context, scope string, generation uint64) (ShardConfigRecord, error)
	ListShardConfigChanges(ctx context.Context, scope string, limit int) ([]ShardConfigRecord, error)
}

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditShardConfigChanged AuditKind = "shard_config_changed"
	AuditTheftDetected      AuditKind = "theft_detected"
	AuditFamilyRevoked      AuditKind = "family_revoked"
	AuditFamilySuperseded   AuditKind = "family_superseded"
)

// AuditEvent is an append-only audit row.
type AuditEvent struct {
	ID        int64
	Kind      AuditKind
	Scope     string
	Actor     string
	Subject   string
	ClientID  string
	FamilyID  string
	Detail    string
	CreatedAt time.Time
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind     AuditKind
	Subject  string
	ClientID string
	Limit    int
}

// AuditStore records audit events.
type AuditStore interface {
	// RecordEvent appends event and, when signal is non-nil, enqueues it in
	// the same transaction.
	RecordEvent(ctx context.Context, event AuditEvent, signal *OutboxEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]AuditEvent, error)
}

const (
	// OutboxStatusPending means the event is ready or waiting for retry.
	OutboxStatusPending = "pending"
	// OutboxStatusLeased means one relay currently owns the event.
	OutboxStatusLeased = "leased"
	// OutboxStatusSucceeded means the event was published.
	OutboxStatusSucceeded = "succeeded"
	// OutboxStatusDead means retries were exhausted.
	OutboxStatusDead = "dead"
)

// OutboxEvent is a side-effect signal waiting to be published.
type OutboxEvent struct {
	ID             string
	EventType      string
	PayloadJSON    string
	DedupeKey      string
	Status         string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxStore leases and acknowledges outbox events. Acks only apply to
// events currently leased by the same consumer; otherwise ErrNotFound.
type OutboxStore interface {
	EnqueueOutboxEvent(ctx context.Context, event OutboxEvent) error
	GetOutboxEvent(ctx context.Context, id string) (OutboxEvent, error)
	LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEvent, error)
	MarkOutboxSucceeded(ctx context.Context, id string, consumer string, processedAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, consumer string, nextAttemptAt time.Time, lastError string) error
	MarkOutboxDead(ctx context.Context, id string, consumer string, lastError string, processedAt time.Time) error
}

// RelationalStore bundles the relational contracts one backend serves.
type RelationalStore interface {
	ShardConfigStore
	AuditStore
	OutboxStore
	Close() error
}
