package storage

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeOutboxEvent trims fields and fills defaults before insertion.
func NormalizeOutboxEvent(event OutboxEvent, now time.Time) (OutboxEvent, error) {
	event.ID = strings.TrimSpace(event.ID)
	event.EventType = strings.TrimSpace(event.EventType)
	event.PayloadJSON = strings.TrimSpace(event.PayloadJSON)
	event.DedupeKey = strings.TrimSpace(event.DedupeKey)
	event.Status = strings.TrimSpace(event.Status)
	event.LeaseOwner = strings.TrimSpace(event.LeaseOwner)
	event.LastError = strings.TrimSpace(event.LastError)
	if event.ID == "" {
		return OutboxEvent{}, fmt.Errorf("event id is required")
	}
	if event.EventType == "" {
		return OutboxEvent{}, fmt.Errorf("event type is required")
	}
	if event.PayloadJSON == "" {
		event.PayloadJSON = "{}"
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.AttemptCount < 0 {
		return OutboxEvent{}, fmt.Errorf("attempt count must be greater than or equal to zero")
	}
	now = now.UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = event.CreatedAt
	}
	return event, nil
}

// ValidateLease checks LeaseOutboxEvents arguments.
func ValidateLease(consumer string, limit int, leaseTTL time.Duration) error {
	if strings.TrimSpace(consumer) == "" {
		return fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be greater than zero")
	}
	return nil
}

// ValidateAck checks the id and consumer of an outbox acknowledgement.
func ValidateAck(id, consumer string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(consumer) == "" {
		return fmt.Errorf("consumer is required")
	}
	return nil
}

// ValidateShardConfigRecord checks a record before insertion.
func ValidateShardConfigRecord(record ShardConfigRecord) error {
	if strings.TrimSpace(record.Scope) == "" {
		return fmt.Errorf("scope is required")
	}
	if record.Config.Scope != record.Scope || record.Config.CurrentGeneration != record.Generation {
		return fmt.Errorf("shard config snapshot does not match record %s generation %d", record.Scope, record.Generation)
	}
	if record.Config.CurrentShardCount != record.ShardCount {
		return fmt.Errorf("shard config snapshot count does not match record")
	}
	return record.Config.Validate()
}
