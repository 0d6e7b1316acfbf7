package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

var outboxEpoch = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

func enqueueSignal(t *testing.T, store *Store, id, family string, due time.Time) {
	t.Helper()
	err := store.EnqueueOutboxEvent(context.Background(), storage.OutboxEvent{
		ID:            id,
		EventType:     "auth.refresh_family_revoked",
		PayloadJSON:   `{"family_id":"` + family + `"}`,
		DedupeKey:     "refresh_family_revoked:" + family,
		NextAttemptAt: due,
		CreatedAt:     outboxEpoch,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func leaseIDs(t *testing.T, store *Store, consumer string, limit int, now time.Time, ttl time.Duration) []string {
	t.Helper()
	leased, err := store.LeaseOutboxEvents(context.Background(), consumer, limit, now, ttl)
	if err != nil {
		t.Fatalf("lease as %s: %v", consumer, err)
	}
	ids := make([]string, 0, len(leased))
	for _, event := range leased {
		if event.Status != storage.OutboxStatusLeased || event.LeaseOwner != consumer || event.LeaseExpiresAt == nil {
			t.Fatalf("leased event not owned by %s: %+v", consumer, event)
		}
		ids = append(ids, event.ID)
	}
	return ids
}

func TestOutboxAckRequiresLeaseOwner(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	enqueueSignal(t, store, "sig-1", "fam-a", outboxEpoch)

	if ids := leaseIDs(t, store, "relay-a", 5, outboxEpoch, time.Minute); len(ids) != 1 {
		t.Fatalf("leased %v, want one event", ids)
	}
	if err := store.MarkOutboxSucceeded(ctx, "sig-1", "relay-b", outboxEpoch); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign ack = %v, want ErrNotFound", err)
	}
	if err := store.MarkOutboxSucceeded(ctx, "sig-1", "relay-a", outboxEpoch.Add(time.Second)); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, err := store.GetOutboxEvent(ctx, "sig-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.OutboxStatusSucceeded || got.AttemptCount != 0 {
		t.Fatalf("acked event = %+v", got)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil || got.ProcessedAt == nil {
		t.Fatalf("acked event kept lease state: %+v", got)
	}
	if err := store.MarkOutboxSucceeded(ctx, "sig-1", "relay-a", outboxEpoch); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second ack = %v, want ErrNotFound", err)
	}
}

func TestOutboxLeaseHonorsDueTimeAndLimit(t *testing.T) {
	store := openTempStore(t)
	enqueueSignal(t, store, "sig-late", "fam-c", outboxEpoch.Add(time.Hour))
	enqueueSignal(t, store, "sig-2", "fam-b", outboxEpoch.Add(2*time.Second))
	enqueueSignal(t, store, "sig-1", "fam-a", outboxEpoch.Add(time.Second))

	ids := leaseIDs(t, store, "relay-a", 1, outboxEpoch.Add(time.Minute), time.Minute)
	if len(ids) != 1 || ids[0] != "sig-1" {
		t.Fatalf("first batch = %v, want [sig-1]", ids)
	}
	ids = leaseIDs(t, store, "relay-a", 10, outboxEpoch.Add(time.Minute), time.Minute)
	if len(ids) != 1 || ids[0] != "sig-2" {
		t.Fatalf("second batch = %v, want [sig-2]", ids)
	}
}

func TestOutboxExpiredLeaseIsTakenOver(t *testing.T) {
	store := openTempStore(t)
	enqueueSignal(t, store, "sig-1", "fam-a", outboxEpoch)

	leaseIDs(t, store, "relay-a", 1, outboxEpoch, 10*time.Minute)
	if ids := leaseIDs(t, store, "relay-b", 1, outboxEpoch.Add(9*time.Minute), 10*time.Minute); len(ids) != 0 {
		t.Fatalf("live lease stolen: %v", ids)
	}
	if ids := leaseIDs(t, store, "relay-b", 1, outboxEpoch.Add(11*time.Minute), 10*time.Minute); len(ids) != 1 {
		t.Fatalf("expired lease not reclaimed: %v", ids)
	}
	err := store.MarkOutboxSucceeded(context.Background(), "sig-1", "relay-a", outboxEpoch.Add(12*time.Minute))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale owner ack = %v, want ErrNotFound", err)
	}
}

func TestOutboxRetryThenDeadCountsAttempts(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	enqueueSignal(t, store, "sig-1", "fam-a", outboxEpoch)

	leaseIDs(t, store, "relay-a", 1, outboxEpoch, time.Minute)
	retryAt := outboxEpoch.Add(30 * time.Second)
	if err := store.MarkOutboxRetry(ctx, "sig-1", "relay-a", retryAt, "broker unavailable"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := store.GetOutboxEvent(ctx, "sig-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.OutboxStatusPending || got.AttemptCount != 1 || got.LastError != "broker unavailable" {
		t.Fatalf("retried event = %+v", got)
	}
	if !got.NextAttemptAt.Equal(retryAt) {
		t.Fatalf("next attempt = %v, want %v", got.NextAttemptAt, retryAt)
	}

	if ids := leaseIDs(t, store, "relay-a", 1, retryAt.Add(-time.Second), time.Minute); len(ids) != 0 {
		t.Fatalf("leased before retry time: %v", ids)
	}
	leaseIDs(t, store, "relay-a", 1, retryAt, time.Minute)
	if err := store.MarkOutboxDead(ctx, "sig-1", "relay-a", "rejected", retryAt.Add(time.Second)); err != nil {
		t.Fatalf("dead: %v", err)
	}
	got, err = store.GetOutboxEvent(ctx, "sig-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.OutboxStatusDead || got.AttemptCount != 2 || got.ProcessedAt == nil {
		t.Fatalf("dead event = %+v", got)
	}
	if ids := leaseIDs(t, store, "relay-a", 1, retryAt.Add(time.Hour), time.Minute); len(ids) != 0 {
		t.Fatalf("dead event leased again: %v", ids)
	}
}

func TestOutboxDedupeKeyKeepsFirstSignal(t *testing.T) {
	store := openTempStore(t)
	enqueueSignal(t, store, "sig-1", "fam-a", outboxEpoch)
	enqueueSignal(t, store, "sig-2", "fam-a", outboxEpoch)

	ids := leaseIDs(t, store, "relay-a", 10, outboxEpoch, time.Minute)
	if len(ids) != 1 || ids[0] != "sig-1" {
		t.Fatalf("leased %v, want [sig-1]", ids)
	}
	if _, err := store.GetOutboxEvent(context.Background(), "sig-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("duplicate stored: %v", err)
	}
}

func TestOutboxRejectsBadLeaseArguments(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if _, err := store.LeaseOutboxEvents(ctx, " ", 1, outboxEpoch, time.Minute); err == nil {
		t.Fatal("expected error for blank consumer")
	}
	if _, err := store.LeaseOutboxEvents(ctx, "relay-a", 0, outboxEpoch, time.Minute); err == nil {
		t.Fatal("expected error for zero limit")
	}
	if _, err := store.LeaseOutboxEvents(ctx, "relay-a", 1, outboxEpoch, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
