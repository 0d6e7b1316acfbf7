package storage

import (
	"testing"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
)

func TestNormalizeOutboxEventDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event, err := NormalizeOutboxEvent(OutboxEvent{ID: " evt-1 ", EventType: "auth.refresh_family_revoked"}, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.ID != "evt-1" || event.PayloadJSON != "{}" || event.Status != OutboxStatusPending {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.CreatedAt.Equal(now) || !event.NextAttemptAt.Equal(now) || !event.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %+v", event)
	}
}

func TestNormalizeOutboxEventRejectsMissingFields(t *testing.T) {
	if _, err := NormalizeOutboxEvent(OutboxEvent{EventType: "x"}, time.Now()); err == nil {
		t.Fatal("expected missing id error")
	}
	if _, err := NormalizeOutboxEvent(OutboxEvent{ID: "x"}, time.Now()); err == nil {
		t.Fatal("expected missing type error")
	}
	if _, err := NormalizeOutboxEvent(OutboxEvent{ID: "x", EventType: "y", AttemptCount: -1}, time.Now()); err == nil {
		t.Fatal("expected negative attempts error")
	}
}

func TestValidateShardConfigRecord(t *testing.T) {
	cfg := generation.Initial(generation.ScopeRefresh, 8, "seed", time.Now())
	record := ShardConfigRecord{Scope: cfg.Scope, Generation: 0, ShardCount: 8, Config: cfg}
	if err := ValidateShardConfigRecord(record); err != nil {
		t.Fatalf("validate: %v", err)
	}
	record.Generation = 1
	if err := ValidateShardConfigRecord(record); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestValidateLeaseAndAck(t *testing.T) {
	if err := ValidateLease("", 1, time.Second); err == nil {
		t.Fatal("expected consumer error")
	}
	if err := ValidateLease("w", 0, time.Second); err == nil {
		t.Fatal("expected limit error")
	}
	if err := ValidateLease("w", 1, 0); err == nil {
		t.Fatal("expected ttl error")
	}
	if err := ValidateAck("id", " "); err == nil {
		t.Fatal("expected consumer error")
	}
}
