package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const testURLEnv = "AUTHRIM_TEST_POSTGRES_URL"

// openTestStore connects to the database named by AUTHRIM_TEST_POSTGRES_URL.
// Each test works in its own scope so runs do not interfere.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv(testURLEnv)
	if url == "" {
		t.Skipf("%s not set", testURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uniqueScope(t *testing.T) string {
	t.Helper()
	value, err := id.NewID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	return "test-" + value
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestPrefixColumns(t *testing.T) {
	if got := prefixColumns("o.", "id, status,\n\tcreated_at"); got != "o.id, o.status, o.created_at" {
		t.Fatalf("prefixColumns = %q", got)
	}
}

func TestShardConfigRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	scope := uniqueScope(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	cfg := generation.Initial(scope, 8, "seed", now)
	record := storage.ShardConfigRecord{Scope: scope, Generation: 0, ShardCount: 8, Config: cfg, Actor: "seed", CreatedAt: now}
	event := storage.AuditEvent{Kind: storage.AuditShardConfigChanged, Scope: scope, Actor: "seed"}
	if err := store.InsertShardConfig(ctx, record, event); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertShardConfig(ctx, record, event); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	latest, err := store.LatestShardConfig(ctx, scope)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ShardCount != 8 || latest.Config.Scope != scope {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	if _, err := store.ShardConfigAt(ctx, scope, 9); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOutboxLeaseAndAck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	eventID := uniqueScope(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	signal := &storage.OutboxEvent{ID: eventID, EventType: "auth.refresh_family_revoked", PayloadJSON: `{"family_id":"f"}`}
	if err := store.RecordEvent(ctx, storage.AuditEvent{Kind: storage.AuditFamilyRevoked, FamilyID: "f"}, signal); err != nil {
		t.Fatalf("record event: %v", err)
	}

	leased, err := store.LeaseOutboxEvents(ctx, "relay-"+eventID, 100, now.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	found := false
	for _, event := range leased {
		if event.ID == eventID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among leased events", eventID)
	}
	if err := store.MarkOutboxSucceeded(ctx, eventID, "someone-else", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected wrong owner to fail, got %v", err)
	}
	if err := store.MarkOutboxSucceeded(ctx, eventID, "relay-"+eventID, now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stored, err := store.GetOutboxEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != storage.OutboxStatusSucceeded || stored.ProcessedAt == nil {
		t.Fatalf("unexpected stored event: %+v", stored)
	}
}
