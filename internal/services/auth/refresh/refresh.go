// Package refresh implements rotating refresh token families.
//
// A family lives in the partition chosen by its generation at creation time
// and stays there for its whole life, even after the shard count changes.
// Each issued token carries that generation and shard in its jti, so rotation
// can always find the partition again. The family version is the only replay
// signal: presenting a token older than the family's current version revokes
// the family.
package refresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/partition"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/signing"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const (
	DefaultTTL               = 30 * 24 * time.Hour
	DefaultFanoutConcurrency = 8

	partitionPrefix = generation.ScopeRefresh + ":"
)

var (
	// ErrInvalidGrant covers unknown, expired, superseded and revoked tokens.
	ErrInvalidGrant = apperrors.New(apperrors.CodeInvalidGrant, "refresh token is invalid")
	// ErrTheftDetected is returned after a replayed token revoked its family.
	ErrTheftDetected = apperrors.New(apperrors.CodeTheftDetected, "refresh token replay detected")
	// ErrFamilyNotFound is returned by admin revocation of an unknown family.
	ErrFamilyNotFound = apperrors.New(apperrors.CodeNotFound, "token family not found")
)

// ConfigSource serves the current shard configuration and resolves historical
// generations. ListGenerations must include generations evicted from the
// snapshot history.
type ConfigSource interface {
	Get(ctx context.Context, scope string) (*generation.ShardConfig, error)
	ResolveGeneration(ctx context.Context, scope string, gen uint64) (generation.GenerationEntry, error)
	ListGenerations(ctx context.Context, scope string) ([]generation.GenerationEntry, error)
}

// Options configures a Service.
type Options struct {
	TTL    time.Duration
	Issuer string
	// FanoutConcurrency bounds partitions searched at once when locating a
	// legacy jti.
	FanoutConcurrency int
	// BatchConcurrency bounds jtis revoked at once by BatchRevoke.
	BatchConcurrency int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Service is the refresh token family actor front end.
type Service struct {
	store   storage.PartitionStore
	runtime *partition.Runtime
	configs ConfigSource
	signer  signing.Signer
	audit   storage.AuditStore
	opts    Options
}

// New builds a Service. audit may be nil, in which case revocations are only
// logged.
func New(store storage.PartitionStore, runtime *partition.Runtime, configs ConfigSource, signer signing.Signer, audit storage.AuditStore, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		runtime: runtime,
		configs: configs,
		signer:  signer,
		audit:   audit,
		opts:    opts,
	}
}

// CreateFamily starts a new family for (subject, clientID) in the current
// generation and returns its first token at version 0. Families of the same
// pair in older generations are revoked as superseded.
func (s *Service) CreateFamily(ctx context.Context, subject, clientID string) (IssuedToken, error) {
	if err := validateParty(subject, clientID); err != nil {
		return IssuedToken{}, err
	}
	cfg, err := s.configs.Get(ctx, generation.ScopeRefresh)
	if err != nil {
		return IssuedToken{}, err
	}
	entries, err := s.configs.ListGenerations(ctx, generation.ScopeRefresh)
	if err != nil {
		return IssuedToken{}, err
	}
	familyKey := FamilyKey(subject, clientID)
	current := cfg.Current()
	for _, entry := range entries {
		if entry.Generation == current.Generation {
			continue
		}
		key := familyPartition(entry, familyKey)
		if _, err := s.revokeIn(ctx, key, familyKey, "", ReasonSuperseded, systemActor); err != nil {
			return IssuedToken{}, err
		}
	}

	familyID, err := id.NewID()
	if err != nil {
		return IssuedToken{}, apperrors.Wrap(apperrors.CodeServerError, "generate family id", err)
	}
	shard := generation.ComputeShardIndex(familyKey, current.ShardCount)
	now := s.opts.Clock().UTC()
	family := storage.TokenFamily{
		ID:         familyID,
		Subject:    subject,
		ClientID:   clientID,
		Generation: current.Generation,
		ShardIndex: shard,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	issued, err := s.mint(ctx, family, 0, now)
	if err != nil {
		return IssuedToken{}, apperrors.Wrap(apperrors.CodeServerError, "sign refresh token", err)
	}
	family.CurrentJTI = issued.JTI
	family.ExpiresAt = issued.ExpiresAt
	family.Rotations = []storage.RotationEntry{{Version: 0, JTI: issued.JTI, RotatedAt: now}}

	key := generation.PartitionName(generation.ScopeRefresh, current.Generation, shard)
	err = s.runtime.Do(ctx, key, func(ctx context.Context) error {
		var replaced *storage.TokenFamily
		err := s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
			prior, err := tx.GetFamily(familyKey)
			switch {
			case err == nil:
				if !prior.Revoked {
					replaced = &prior
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
			if err := tx.PutFamily(familyKey, family); err != nil {
				return err
			}
			return tx.PutRefreshToken(recordOf(issued, familyKey, now))
		})
		if err != nil {
			return err
		}
		if replaced != nil {
			s.recordRevocation(ctx, revoke(*replaced, ReasonSuperseded, now), storage.AuditFamilySuperseded, systemActor, "replaced by a new login")
		}
		return nil
	})
	if err != nil {
		return IssuedToken{}, storeError("create token family", err)
	}
	s.opts.Logger.Debug("token family created",
		zap.String("family_id", familyID),
		zap.String("client_id", clientID),
		zap.Uint64("generation", current.Generation),
		zap.Uint32("shard", shard),
	)
	return issued, nil
}

// Rotate exchanges the token identified by jti for the next version of its
// family.
func (s *Service) Rotate(ctx context.Context, jti string) (Rotation, error) {
	if strings.TrimSpace(jti) == "" {
		return Rotation{}, apperrors.New(apperrors.CodeInvalidRequest, "refresh token is required")
	}
	parsed, err := generation.ParseTokenID(jti)
	if err != nil {
		return Rotation{}, ErrInvalidGrant
	}
	key, err := s.locate(ctx, parsed, jti)
	if err != nil {
		return Rotation{}, err
	}

	var out Rotation
	err = s.runtime.Do(ctx, key, func(ctx context.Context) error {
		var (
			record storage.RefreshTokenRecord
			family storage.TokenFamily
		)
		err := s.store.View(ctx, key, func(tx storage.PartitionTx) error {
			var err error
			if record, err = tx.GetRefreshToken(jti); err != nil {
				return err
			}
			family, err = tx.GetFamily(record.FamilyKey)
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidGrant
		}
		if err != nil {
			return err
		}

		now := s.opts.Clock().UTC()
		switch {
		case family.ID != record.FamilyID, family.Revoked:
			return ErrInvalidGrant
		case record.Version < family.Version:
			return s.revokeForTheft(ctx, key, record, family, now)
		case record.Version > family.Version:
			s.opts.Logger.Warn("refresh token version ahead of its family",
				zap.String("partition", key),
				zap.String("family_id", family.ID),
				zap.Uint64("presented_version", record.Version),
				zap.Uint64("family_version", family.Version),
			)
			return ErrInvalidGrant
		case !now.Before(record.ExpiresAt):
			return ErrInvalidGrant
		}

		next := family.Version + 1
		issued, err := s.mint(ctx, family, next, now)
		if err != nil {
			return err
		}
		family.Version = next
		family.CurrentJTI = issued.JTI
		family.UpdatedAt = now
		family.ExpiresAt = issued.ExpiresAt
		family.Rotations = appendTrail(family.Rotations, storage.RotationEntry{Version: next, JTI: issued.JTI, RotatedAt: now})
		err = s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
			if err := tx.PutFamily(record.FamilyKey, family); err != nil {
				return err
			}
			return tx.PutRefreshToken(recordOf(issued, record.FamilyKey, now))
		})
		if err != nil {
			return err
		}
		out = Rotation{IssuedToken: issued, Subject: family.Subject, ClientID: family.ClientID}
		return nil
	})
	if err != nil {
		return Rotation{}, storeError("rotate refresh token", err)
	}
	return out, nil
}

// CleanupExpired deletes expired jti records and families and returns how
// many records were removed.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.store.Partitions(ctx, partitionPrefix)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, key := range keys {
		var deleted int
		err := s.runtime.Do(ctx, key, func(ctx context.Context) error {
			n, err := s.store.DeleteExpired(ctx, key, now)
			deleted = n
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += deleted
	}
	if total > 0 {
		s.opts.Logger.Debug("deleted expired refresh records", zap.Int("count", total))
	}
	return total, errors.Join(errs...)
}

// revokeForTheft revokes family after a stale token was presented. It runs
// inside the partition operation; the detection is logged before the write.
func (s *Service) revokeForTheft(ctx context.Context, key string, record storage.RefreshTokenRecord, family storage.TokenFamily, now time.Time) error {
	s.opts.Logger.Warn("refresh token theft detected",
		zap.String("partition", key),
		zap.String("family_id", family.ID),
		zap.String("client_id", family.ClientID),
		zap.Uint64("presented_version", record.Version),
		zap.Uint64("family_version", family.Version),
	)
	revoked := revoke(family, ReasonTheft, now)
	err := s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
		return tx.PutFamily(record.FamilyKey, revoked)
	})
	if err != nil {
		return err
	}
	s.recordRevocation(ctx, revoked, storage.AuditTheftDetected, systemActor,
		"stale version "+formatVersion(record.Version)+" presented at version "+formatVersion(family.Version))
	return ErrTheftDetected
}

// locate returns the partition that owns jti.
func (s *Service) locate(ctx context.Context, parsed generation.TokenID, jti string) (string, error) {
	if parsed.Format == generation.FormatLegacy {
		return s.findLegacy(ctx, jti)
	}
	entry, err := s.configs.ResolveGeneration(ctx, generation.ScopeRefresh, parsed.Generation)
	if err != nil {
		return "", err
	}
	return generation.ResolveEntry(generation.ScopeRefresh, entry, parsed.ShardIndex)
}

var errFound = errors.New("found")

// findLegacy searches every generation-0 partition for a jti that carries no
// routing information. Lookups are read-only and run concurrently; a failed
// lookup only matters when no other lookup finds the token.
func (s *Service) findLegacy(ctx context.Context, jti string) (string, error) {
	entry, err := s.configs.ResolveGeneration(ctx, generation.ScopeRefresh, 0)
	if err != nil {
		return "", err
	}

	var (
		mu       sync.Mutex
		found    string
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FanoutConcurrency)
	for shard := uint32(0); shard < entry.ShardCount; shard++ {
		key := generation.PartitionName(generation.ScopeRefresh, 0, shard)
		g.Go(func() error {
			err := s.store.View(gctx, key, func(tx storage.PartitionTx) error {
				_, err := tx.GetRefreshToken(jti)
				return err
			})
			switch {
			case err == nil:
				mu.Lock()
				found = key
				mu.Unlock()
				return errFound
			case errors.Is(err, storage.ErrNotFound):
				return nil
			default:
				if gctx.Err() == nil {
					s.opts.Logger.Warn("legacy refresh token lookup failed", zap.String("partition", key), zap.Error(err))
				}
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
		})
	}
	_ = g.Wait()

	if found != "" {
		return found, nil
	}
	if failures > 0 {
		return "", apperrors.New(apperrors.CodeUnavailable, "legacy refresh token lookup incomplete")
	}
	return "", ErrInvalidGrant
}

func (s *Service) mint(ctx context.Context, family storage.TokenFamily, version uint64, now time.Time) (IssuedToken, error) {
	random, err := generation.NewRandom()
	if err != nil {
		return IssuedToken{}, err
	}
	jti := generation.CreateTokenID(family.Generation, family.ShardIndex, random)
	expiresAt := now.Add(s.opts.TTL)
	claims := signing.RefreshClaims{
		ClientID: family.ClientID,
		Version:  version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   family.Subject,
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signCtx, cancel := context.WithTimeout(ctx, timeouts.Sign)
	defer cancel()
	token, err := s.signer.Sign(signCtx, claims)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{
		Token:      token,
		JTI:        jti,
		FamilyID:   family.ID,
		Version:    version,
		Generation: family.Generation,
		ExpiresAt:  expiresAt,
	}, nil
}

func familyPartition(entry generation.GenerationEntry, familyKey string) string {
	shard := generation.ComputeShardIndex(familyKey, entry.ShardCount)
	return generation.PartitionName(generation.ScopeRefresh, entry.Generation, shard)
}

func recordOf(issued IssuedToken, familyKey string, now time.Time) storage.RefreshTokenRecord {
	return storage.RefreshTokenRecord{
		JTI:       issued.JTI,
		FamilyID:  issued.FamilyID,
		FamilyKey: familyKey,
		Version:   issued.Version,
		IssuedAt:  now,
		ExpiresAt: issued.ExpiresAt,
	}
}

// storeError keeps domain errors and marks anything else unavailable.
func storeError(op string, err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeUnavailable, op, err)
}
