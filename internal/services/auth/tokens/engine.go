// Package tokens is the entry point to the token lifecycle engine. It checks
// input, bounds every call with a timeout, maps failures onto the public error
// taxonomy and traces each operation.
package tokens

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/authcode"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/refresh"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/signing"
)

const tracerName = "github.com/sgrastar/authrim-sub003/internal/services/auth/tokens"

// CodeActor issues and redeems authorization codes.
type CodeActor interface {
	Issue(ctx context.Context, req authcode.IssueRequest) (string, error)
	Redeem(ctx context.Context, code, redirectURI, verifier string) (authcode.Metadata, error)
}

// FamilyActor manages refresh token families.
type FamilyActor interface {
	CreateFamily(ctx context.Context, subject, clientID string) (refresh.IssuedToken, error)
	Rotate(ctx context.Context, jti string) (refresh.Rotation, error)
	RevokeFamily(ctx context.Context, subject, clientID, actor string) error
	BatchRevoke(ctx context.Context, jtis []string, actor string) ([]refresh.BatchResult, error)
}

// ShardAdmin changes shard configuration.
type ShardAdmin interface {
	SetShardCount(ctx context.Context, scope string, count uint32, actor, notes string) (generation.ShardConfig, error)
}

// Verifier checks signed refresh tokens presented instead of a bare jti.
type Verifier interface {
	Verify(token string) (*signing.RefreshClaims, error)
}

// Options configures an Engine.
type Options struct {
	// CallTimeout bounds each engine operation.
	CallTimeout time.Duration
	// Verifier is optional; without it RotateRefreshToken only accepts jtis.
	// With it, only legacy jtis may be presented unsigned.
	Verifier Verifier
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Exchange is the outcome of trading an authorization code for the first
// refresh token of a new family.
type Exchange struct {
	Metadata     authcode.Metadata
	RefreshToken refresh.IssuedToken
}

// Engine exposes the issuance, redemption and admin operations.
type Engine struct {
	codes    CodeActor
	families FamilyActor
	shards   ShardAdmin
	opts     Options
}

// NewEngine builds an Engine.
func NewEngine(codes CodeActor, families FamilyActor, shards ShardAdmin, opts Options) *Engine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = timeouts.ActorCall
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{codes: codes, families: families, shards: shards, opts: opts}
}

// IssueAuthorizationCode issues a one-time code.
func (e *Engine) IssueAuthorizationCode(ctx context.Context, req authcode.IssueRequest) (string, error) {
	ctx, span := e.startSpan(ctx, "issue_authorization_code", attribute.String("auth.client_id", req.ClientID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	code, err := e.codes.Issue(ctx, req)
	if err != nil {
		return "", e.fail(span, "issue_authorization_code", issuanceError(err))
	}
	return code, nil
}

// IssueInitialRefreshToken starts a family for (subject, clientID).
func (e *Engine) IssueInitialRefreshToken(ctx context.Context, subject, clientID string) (refresh.IssuedToken, error) {
	ctx, span := e.startSpan(ctx, "issue_initial_refresh_token", attribute.String("auth.client_id", clientID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	issued, err := e.families.CreateFamily(ctx, subject, clientID)
	if err != nil {
		return refresh.IssuedToken{}, e.fail(span, "issue_initial_refresh_token", issuanceError(err))
	}
	span.SetAttributes(attribute.Int64("auth.generation", int64(issued.Generation)))
	return issued, nil
}

// RedeemAuthorizationCode consumes code.
func (e *Engine) RedeemAuthorizationCode(ctx context.Context, code, redirectURI, verifier string) (authcode.Metadata, error) {
	ctx, span := e.startSpan(ctx, "redeem_authorization_code")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	meta, err := e.codes.Redeem(ctx, code, redirectURI, verifier)
	if err != nil {
		return authcode.Metadata{}, e.fail(span, "redeem_authorization_code", redemptionError(err))
	}
	span.SetAttributes(attribute.String("auth.client_id", meta.ClientID))
	return meta, nil
}

// ExchangeAuthorizationCode redeems code for clientID and issues the first
// refresh token of a new family. A code presented by another client is
// consumed and rejected.
func (e *Engine) ExchangeAuthorizationCode(ctx context.Context, clientID, code, redirectURI, verifier string) (Exchange, error) {
	ctx, span := e.startSpan(ctx, "exchange_authorization_code", attribute.String("auth.client_id", clientID))
	defer span.End()
	if strings.TrimSpace(clientID) == "" {
		return Exchange{}, e.fail(span, "exchange_authorization_code", apperrors.New(apperrors.CodeInvalidRequest, "client_id is required"))
	}

	redeemCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	meta, err := e.codes.Redeem(redeemCtx, code, redirectURI, verifier)
	cancel()
	if err != nil {
		return Exchange{}, e.fail(span, "exchange_authorization_code", redemptionError(err))
	}
	if meta.ClientID != clientID {
		e.opts.Logger.Warn("authorization code presented by another client",
			zap.String("client_id", clientID),
			zap.String("issued_to", meta.ClientID),
		)
		return Exchange{}, e.fail(span, "exchange_authorization_code", authcode.ErrInvalidGrant)
	}

	issueCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	issued, err := e.families.CreateFamily(issueCtx, meta.Subject, meta.ClientID)
	if err != nil {
		return Exchange{}, e.fail(span, "exchange_authorization_code", issuanceError(err))
	}
	return Exchange{Metadata: meta, RefreshToken: issued}, nil
}

// RotateRefreshToken rotates the presented token. Without a Verifier token is
// a bare jti. With one, token must be a signed refresh token unless it is a
// legacy jti.
func (e *Engine) RotateRefreshToken(ctx context.Context, token string) (refresh.Rotation, error) {
	ctx, span := e.startSpan(ctx, "rotate_refresh_token")
	defer span.End()

	jti, err := e.jtiOf(token)
	if err != nil {
		return refresh.Rotation{}, e.fail(span, "rotate_refresh_token", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	rotation, err := e.families.Rotate(ctx, jti)
	if err != nil {
		if errors.Is(err, refresh.ErrTheftDetected) {
			span.AddEvent("theft_detected")
		}
		return refresh.Rotation{}, e.fail(span, "rotate_refresh_token", redemptionError(err))
	}
	span.SetAttributes(
		attribute.String("auth.client_id", rotation.ClientID),
		attribute.Int64("auth.family_version", int64(rotation.Version)),
	)
	return rotation, nil
}

// SetShardCount starts a new generation for scope.
func (e *Engine) SetShardCount(ctx context.Context, scope string, count uint32, actor, notes string) (generation.ShardConfig, error) {
	ctx, span := e.startSpan(ctx, "set_shard_count",
		attribute.String("auth.scope", scope),
		attribute.Int64("auth.shard_count", int64(count)),
	)
	defer span.End()
	if err := generation.ValidateScope(scope); err != nil {
		return generation.ShardConfig{}, e.fail(span, "set_shard_count", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	cfg, err := e.shards.SetShardCount(ctx, scope, count, actor, notes)
	if err != nil {
		return generation.ShardConfig{}, e.fail(span, "set_shard_count", redemptionError(err))
	}
	return cfg, nil
}

// RevokeFamily revokes the family of (subject, clientID).
func (e *Engine) RevokeFamily(ctx context.Context, subject, clientID, actor string) error {
	ctx, span := e.startSpan(ctx, "revoke_family", attribute.String("auth.client_id", clientID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	if err := e.families.RevokeFamily(ctx, subject, clientID, actor); err != nil {
		return e.fail(span, "revoke_family", redemptionError(err))
	}
	return nil
}

// BatchRevoke revokes the families owning jtis. Per-item failures are in the
// results; the error only reports a rejected batch.
func (e *Engine) BatchRevoke(ctx context.Context, jtis []string, actor string) ([]refresh.BatchResult, error) {
	ctx, span := e.startSpan(ctx, "batch_revoke", attribute.Int("auth.batch_size", len(jtis)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	results, err := e.families.BatchRevoke(ctx, jtis, actor)
	if err != nil {
		return nil, e.fail(span, "batch_revoke", err)
	}
	for i := range results {
		results[i].Err = redemptionError(results[i].Err)
	}
	return results, nil
}

func (e *Engine) jtiOf(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeInvalidRequest, "refresh token is required")
	}
	if strings.Count(token, ".") != 2 {
		if e.opts.Verifier == nil {
			return token, nil
		}
		// Legacy tokens predate signing and are still presented as bare ids.
		parsed, err := generation.ParseTokenID(token)
		if err != nil || parsed.Format != generation.FormatLegacy {
			return "", refresh.ErrInvalidGrant
		}
		return token, nil
	}
	if e.opts.Verifier == nil {
		return "", refresh.ErrInvalidGrant
	}
	claims, err := e.opts.Verifier.Verify(token)
	if err != nil || claims.ID == "" {
		return "", refresh.ErrInvalidGrant
	}
	return claims.ID, nil
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.opts.Tracer.Start(ctx, "auth.tokens."+op, trace.WithAttributes(attrs...))
}

func (e *Engine) fail(span trace.Span, op string, err error) error {
	code := apperrors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	span.SetAttributes(attribute.String("auth.error_code", string(code)))

	fields := []zap.Field{zap.String("operation", op), zap.String("code", string(code)), zap.Error(err)}
	switch code {
	case apperrors.CodeInvalidRequest, apperrors.CodeInvalidGrant, apperrors.CodeNotFound:
		e.opts.Logger.Debug("token operation rejected", fields...)
	case apperrors.CodeTheftDetected, apperrors.CodeGenerationNotFound:
		e.opts.Logger.Warn("token operation rejected", fields...)
	default:
		e.opts.Logger.Error("token operation failed", fields...)
	}
	return err
}

// issuanceError reports timeouts and infrastructure failures during issuance
// as retryable server errors.
func issuanceError(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err), apperrors.HasCode(err, apperrors.CodeUnavailable):
		return apperrors.Wrap(apperrors.CodeServerError, "issuance did not complete", err)
	case apperrors.CodeOf(err) == apperrors.CodeUnknown:
		return apperrors.Wrap(apperrors.CodeServerError, "issuance failed", err)
	default:
		return err
	}
}

// redemptionError reports timeouts and infrastructure failures during
// redemption, rotation and revocation as temporarily unavailable.
func redemptionError(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err), apperrors.CodeOf(err) == apperrors.CodeUnknown:
		return apperrors.Wrap(apperrors.CodeUnavailable, "outcome unknown", err)
	default:
		return err
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
