// Package signing adapts an Ed25519 key into the opaque signing capability the
// token engine consumes. Key storage and rotation live outside the engine.
package signing

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Signer signs token claims with the currently active key.
type Signer interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	ActiveKeyID(ctx context.Context) (string, error)
}

// RefreshClaims are the claims of an issued refresh token.
type RefreshClaims struct {
	ClientID string `json:"client_id"`
	// Version is the family version the token was issued at.
	Version uint64 `json:"rtv"`
	jwt.RegisteredClaims
}

// KeySigner signs with one in-memory Ed25519 key.
type KeySigner struct {
	issuer string
	key    ed25519.PrivateKey
	keyID  string
}

// NewKeySigner builds a signer from a 32-byte seed. An empty seed generates an
// ephemeral key, which invalidates issued tokens on restart.
func NewKeySigner(issuer string, seed []byte) (*KeySigner, error) {
	var key ed25519.PrivateKey
	switch len(seed) {
	case 0:
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		key = generated
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(seed)
	default:
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	jwk := jose.JSONWebKey{Key: key.Public(), Algorithm: string(jose.EdDSA), Use: "sig"}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("compute key thumbprint: %w", err)
	}
	return &KeySigner{
		issuer: strings.TrimSpace(issuer),
		key:    key,
		keyID:  base64.RawURLEncoding.EncodeToString(thumbprint),
	}, nil
}

// DecodeSeed decodes a base64 (standard or URL, padded or not) key seed.
func DecodeSeed(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if seed, err := enc.DecodeString(value); err == nil {
			return seed, nil
		}
	}
	return nil, fmt.Errorf("signing key seed is not valid base64")
}

// Issuer returns the iss claim stamped on signed tokens.
func (s *KeySigner) Issuer() string {
	return s.issuer
}

// ActiveKeyID returns the RFC 7638 thumbprint of the public key.
func (s *KeySigner) ActiveKeyID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.keyID, nil
}

// Sign signs claims as a compact JWS with the key id in the header.
func (s *KeySigner) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PublicJWK returns the verification key for publication.
func (s *KeySigner) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: s.key.Public(), KeyID: s.keyID, Algorithm: string(jose.EdDSA), Use: "sig"}
}

// Verify parses and verifies a refresh token signed by this key.
func (s *KeySigner) Verify(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return s.key.Public(), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}

var _ Signer = (*KeySigner)(nil)
