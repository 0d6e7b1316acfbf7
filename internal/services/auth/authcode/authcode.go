// Package authcode issues and redeems one-time authorization codes.
//
// Codes live in flat partitions named authcode:s{index}. Every read-modify-write
// of a partition runs on that partition's single writer, so a code is consumed
// at most once without locks in this package.
package authcode

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/partition"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const (
	DefaultTTL    = 60 * time.Second
	DefaultMaxTTL = 10 * time.Minute

	maxFieldLength  = 2048
	partitionPrefix = generation.ScopeAuthCode + ":"
)

// ErrInvalidGrant is the single failure reported for unknown, consumed,
// expired or mismatched codes.
var ErrInvalidGrant = apperrors.New(apperrors.CodeInvalidGrant, "authorization code is invalid")

// ConfigSource returns the current shard configuration of a scope.
type ConfigSource interface {
	Get(ctx context.Context, scope string) (*generation.ShardConfig, error)
}

// IssueRequest describes a code to issue.
type IssueRequest struct {
	ClientID            string
	RedirectURI         string
	Subject             string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	// TTL falls back to the service default when zero.
	TTL time.Duration
}

// Metadata is what a successful redemption hands back.
type Metadata struct {
	ClientID    string
	RedirectURI string
	Subject     string
	Scope       string
	Nonce       string
	Generation  uint64
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Options configures a Service.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the authorization code actor front end.
type Service struct {
	store   storage.PartitionStore
	runtime *partition.Runtime
	configs ConfigSource
	opts    Options
}

// New builds a Service.
func New(store storage.PartitionStore, runtime *partition.Runtime, configs ConfigSource, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = DefaultMaxTTL
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{store: store, runtime: runtime, configs: configs, opts: opts}
}

// Issue persists a new code in a random shard of the current generation and
// returns it.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (string, error) {
	ttl, err := s.validateIssue(req)
	if err != nil {
		return "", err
	}
	cfg, err := s.configs.Get(ctx, generation.ScopeAuthCode)
	if err != nil {
		return "", err
	}
	random, err := generation.NewRandom()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeServerError, "generate authorization code", err)
	}

	current := cfg.Current()
	shard := generation.ComputeShardIndex(random, current.ShardCount)
	code := generation.CreateTokenID(current.Generation, shard, random)
	now := s.opts.Clock().UTC()
	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = MethodPlain
	}
	record := storage.AuthCode{
		Code:                code,
		Generation:          current.Generation,
		ShardIndex:          shard,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Subject:             req.Subject,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		IssuedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}

	key := generation.FlatPartitionName(generation.ScopeAuthCode, shard)
	err = s.runtime.Do(ctx, key, func(ctx context.Context) error {
		return s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
			return tx.PutAuthCode(record)
		})
	})
	if err != nil {
		return "", storeError("persist authorization code", err)
	}
	return code, nil
}

// Redeem consumes code. Every failure caused by the code itself returns
// ErrInvalidGrant.
func (s *Service) Redeem(ctx context.Context, code, redirectURI, verifier string) (Metadata, error) {
	if strings.TrimSpace(code) == "" {
		return Metadata{}, apperrors.New(apperrors.CodeInvalidRequest, "code is required")
	}
	if strings.TrimSpace(redirectURI) == "" {
		return Metadata{}, apperrors.New(apperrors.CodeInvalidRequest, "redirect_uri is required")
	}
	parsed, err := generation.ParseTokenID(code)
	if err != nil {
		return Metadata{}, ErrInvalidGrant
	}
	shard, ok, err := s.shardOf(ctx, parsed)
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, ErrInvalidGrant
	}
	meta, err := s.redeemIn(ctx, generation.FlatPartitionName(generation.ScopeAuthCode, shard), code, redirectURI, verifier)
	if errors.Is(err, storage.ErrNotFound) {
		return Metadata{}, ErrInvalidGrant
	}
	if err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// CleanupExpired deletes expired codes from every code partition and returns
// how many were removed. Partitions that fail are skipped and reported.
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
		s.opts.Logger.Debug("deleted expired authorization codes", zap.Int("count", total))
	}
	return total, errors.Join(errs...)
}

// shardOf returns the partition index holding code. Codes stay at the index
// they were issued in, so versioned codes route by their embedded shard. An
// index no generation can have issued is reported as not found.
func (s *Service) shardOf(ctx context.Context, parsed generation.TokenID) (uint32, bool, error) {
	if parsed.Format == generation.FormatVersioned {
		return parsed.ShardIndex, parsed.ShardIndex < generation.MaxShardCount, nil
	}
	cfg, err := s.configs.Get(ctx, generation.ScopeAuthCode)
	if err != nil {
		return 0, false, err
	}
	return generation.ComputeShardIndex(parsed.Random, cfg.CurrentShardCount), true, nil
}

// redeemIn consumes code in partition key. The lookup and every rejection run
// in a read-only transaction; only a successful redemption writes.
func (s *Service) redeemIn(ctx context.Context, key, code, redirectURI, verifier string) (Metadata, error) {
	var meta Metadata
	err := s.runtime.Do(ctx, key, func(ctx context.Context) error {
		var record storage.AuthCode
		err := s.store.View(ctx, key, func(tx storage.PartitionTx) error {
			var err error
			record, err = tx.GetAuthCode(code)
			return err
		})
		if err != nil {
			return err
		}
		now := s.opts.Clock().UTC()
		if reason := s.reject(record, redirectURI, verifier, now); reason != "" {
			s.opts.Logger.Info("authorization code rejected",
				zap.String("partition", key),
				zap.String("client_id", record.ClientID),
				zap.String("reason", reason),
			)
			return ErrInvalidGrant
		}
		record.Consumed = true
		record.ConsumedAt = now
		if err := s.store.Update(ctx, key, func(tx storage.PartitionTx) error {
			return tx.PutAuthCode(record)
		}); err != nil {
			return err
		}
		meta = metadataOf(record)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrInvalidGrant) {
			return Metadata{}, err
		}
		return Metadata{}, storeError("redeem authorization code", err)
	}
	return meta, nil
}

func (s *Service) reject(record storage.AuthCode, redirectURI, verifier string, now time.Time) string {
	switch {
	case record.Consumed:
		return "replayed"
	case !now.Before(record.ExpiresAt):
		return "expired"
	case record.RedirectURI != redirectURI:
		return "redirect_uri mismatch"
	case record.CodeChallenge == "" && verifier != "":
		return "unexpected code_verifier"
	case record.CodeChallenge != "" && !ValidatePKCE(verifier, record.CodeChallenge, record.CodeChallengeMethod):
		return "pkce mismatch"
	default:
		return ""
	}
}

func (s *Service) validateIssue(req IssueRequest) (time.Duration, error) {
	required := []struct {
		name  string
		value string
	}{
		{"client_id", req.ClientID},
		{"redirect_uri", req.RedirectURI},
		{"subject", req.Subject},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return 0, apperrors.New(apperrors.CodeInvalidRequest, field.name+" is required")
		}
	}
	for _, value := range []string{req.ClientID, req.RedirectURI, req.Subject, req.Scope, req.Nonce} {
		if len(value) > maxFieldLength {
			return 0, apperrors.New(apperrors.CodeInvalidRequest, "request field is too long")
		}
	}
	if !ValidPKCEMethod(req.CodeChallengeMethod) {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "unsupported code_challenge_method")
	}
	if req.CodeChallenge == "" && req.CodeChallengeMethod != "" {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "code_challenge_method requires code_challenge")
	}
	if req.CodeChallenge != "" && !ValidateCodeChallenge(req.CodeChallenge) {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "invalid code_challenge")
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < 0 || ttl > s.opts.MaxTTL {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "ttl out of range")
	}
	return ttl, nil
}

func metadataOf(record storage.AuthCode) Metadata {
	return Metadata{
		ClientID:    record.ClientID,
		RedirectURI: record.RedirectURI,
		Subject:     record.Subject,
		Scope:       record.Scope,
		Nonce:       record.Nonce,
		Generation:  record.Generation,
		IssuedAt:    record.IssuedAt,
		ExpiresAt:   record.ExpiresAt,
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
