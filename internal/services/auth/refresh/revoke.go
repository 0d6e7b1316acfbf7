package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const (
	// SignalFamilyRevoked is the outbox event type emitted for every family
	// revocation.
	SignalFamilyRevoked = "auth.refresh_family_revoked"

	DefaultBatchConcurrency = 8
	MaxBatchSize            = 100

	systemActor = "system"
)

// ErrTokenNotFound is reported per item by BatchRevoke.
var ErrTokenNotFound = apperrors.New(apperrors.CodeNotFound, "refresh token not found")

// FamilyRevokedSignal is the payload of SignalFamilyRevoked.
type FamilyRevokedSignal struct {
	FamilyID  string    `json:"family_id"`
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason"`
	Version   uint64    `json:"version"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RevokeFamily permanently revokes the family of (subject, clientID) in every
// persisted generation of the refresh scope. Revoking an already revoked
// family succeeds.
func (s *Service) RevokeFamily(ctx context.Context, subject, clientID, actor string) error {
	if err := validateParty(subject, clientID); err != nil {
		return err
	}
	entries, err := s.configs.ListGenerations(ctx, generation.ScopeRefresh)
	if err != nil {
		return err
	}
	familyKey := FamilyKey(subject, clientID)
	found := false
	for _, entry := range entries {
		ok, err := s.revokeIn(ctx, familyPartition(entry, familyKey), familyKey, "", ReasonRevoked, actorOrSystem(actor))
		if err != nil {
			return err
		}
		found = found || ok
	}
	if !found {
		return ErrFamilyNotFound
	}
	return nil
}

// BatchRevoke revokes the family owning each jti. Items are resolved
// concurrently and fail independently; the error return only reports an
// unacceptable batch.
func (s *Service) BatchRevoke(ctx context.Context, jtis []string, actor string) ([]BatchResult, error) {
	if len(jtis) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "at least one jti is required")
	}
	if len(jtis) > MaxBatchSize {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "too many jtis in one batch")
	}
	actor = actorOrSystem(actor)

	results := make([]BatchResult, len(jtis))
	var g errgroup.Group
	g.SetLimit(s.opts.BatchConcurrency)
	for i, jti := range jtis {
		results[i].JTI = jti
		g.Go(func() error {
			results[i].FamilyID, results[i].Err = s.revokeByJTI(ctx, jti, actor)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
		}
	}
	s.opts.Logger.Info("batch revoke finished",
		zap.String("actor", actor),
		zap.Int("requested", len(jtis)),
		zap.Int("failed", failed),
	)
	return results, nil
}

func (s *Service) revokeByJTI(ctx context.Context, jti, actor string) (string, error) {
	parsed, err := generation.ParseTokenID(jti)
	if err != nil {
		return "", err
	}
	key, err := s.locate(ctx, parsed, jti)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return "", ErrTokenNotFound
		}
		return "", err
	}

	// jti records are written once, so reading one outside the partition
	// operation is safe.
	var record storage.RefreshTokenRecord
	err = s.store.View(ctx, key, func(tx storage.PartitionTx) error {
		var err error
		record, err = tx.GetRefreshToken(jti)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", storeError("read refresh token", err)
	}

	ok, err := s.revokeIn(ctx, key, record.FamilyKey, record.FamilyID, ReasonRevoked, actor)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrFamilyNotFound
	}
	return record.FamilyID, nil
}

// revokeIn revokes the family stored under familyKey in partition key. When
// familyID is set, a different family under the same key is left alone. It
// reports whether a matching family exists.
func (s *Service) revokeIn(ctx context.Context, key, familyKey, familyID, reason, actor string) (bool, error) {
	var found bool
	err := s.runtime.Do(ctx, key, func(ctx context.Context) error {
		found = false
		var (
			revoked storage.TokenFamily
			changed bool
		)
		now := s.opts.Clock().UTC()
		var family storage.TokenFamily
		err := s.store.View(ctx, key, func(tx storage.PartitionTx) error {
			var err error
			family, err = tx.GetFamily(familyKey)
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if familyID != "" && family.ID != familyID {
			return nil
		}
		found = true
		if family.Revoked {
			return nil
		}
		revoked = revoke(family, reason, now)
		changed = true
		err = s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
			return tx.PutFamily(familyKey, revoked)
		})
		if err != nil {
			return err
		}
		if changed {
			kind := storage.AuditFamilyRevoked
			if reason == ReasonSuperseded {
				kind = storage.AuditFamilySuperseded
			}
			s.opts.Logger.Info("token family revoked",
				zap.String("partition", key),
				zap.String("family_id", revoked.ID),
				zap.String("client_id", revoked.ClientID),
				zap.String("reason", reason),
				zap.String("actor", actor),
			)
			s.recordRevocation(ctx, revoked, kind, actor, reason)
		}
		return nil
	})
	if err != nil {
		return false, storeError("revoke token family", err)
	}
	return found, nil
}

// recordRevocation appends the audit row and the revocation signal. A failed
// write is logged and never undoes the revocation.
func (s *Service) recordRevocation(ctx context.Context, family storage.TokenFamily, kind storage.AuditKind, actor, detail string) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(FamilyRevokedSignal{
		FamilyID:  family.ID,
		Subject:   family.Subject,
		ClientID:  family.ClientID,
		Reason:    family.RevokedReason,
		Version:   family.Version,
		RevokedAt: family.RevokedAt,
	})
	if err != nil {
		s.opts.Logger.Error("encode revocation signal", zap.String("family_id", family.ID), zap.Error(err))
		return
	}
	signalID, err := id.NewID()
	if err != nil {
		s.opts.Logger.Error("generate revocation signal id", zap.String("family_id", family.ID), zap.Error(err))
		return
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StoreRequest)
	defer cancel()
	err = s.audit.RecordEvent(auditCtx, storage.AuditEvent{
		Kind:      kind,
		Scope:     generation.ScopeRefresh,
		Actor:     actor,
		Subject:   family.Subject,
		ClientID:  family.ClientID,
		FamilyID:  family.ID,
		Detail:    detail,
		CreatedAt: family.RevokedAt,
	}, &storage.OutboxEvent{
		ID:          signalID,
		EventType:   SignalFamilyRevoked,
		PayloadJSON: string(payload),
		DedupeKey:   "family_revoked:" + family.ID,
	})
	if err != nil {
		s.opts.Logger.Error("record revocation audit event failed",
			zap.String("family_id", family.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return systemActor
	}
	return actor
}

func formatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}
