package signals

import (
	"context"

	"go.uber.org/zap"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

// LogPublisher writes signals to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	Logger *zap.Logger
}

// Publish logs event.
func (p LogPublisher) Publish(_ context.Context, event storage.OutboxEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("signal",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("dedupe_key", event.DedupeKey),
		zap.String("payload", event.PayloadJSON),
	)
	return nil
}
