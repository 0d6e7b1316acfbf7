package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClaims(issuer string) RefreshClaims {
	now := time.Now()
	return RefreshClaims{
		ClientID: "client-1",
		Version:  3,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "v1_2_dBjftJeZ4CVP-mB92K27uh",
			Subject:   "user-1",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewKeySigner("https://id.example", nil)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign(context.Background(), testClaims("https://id.example"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ID != "v1_2_dBjftJeZ4CVP-mB92K27uh" || claims.Version != 3 || claims.ClientID != "client-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	a, _ := NewKeySigner("iss", nil)
	b, _ := NewKeySigner("iss", nil)
	token, err := a.Sign(context.Background(), testClaims("iss"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Fatal("expected verification with another key to fail")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	signer, _ := NewKeySigner("iss-a", nil)
	token, err := signer.Sign(context.Background(), testClaims("iss-b"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := signer.Verify(token); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestSeededKeyIsStable(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := NewKeySigner("iss", seed)
	if err != nil {
		t.Fatalf("signer a: %v", err)
	}
	b, err := NewKeySigner("iss", seed)
	if err != nil {
		t.Fatalf("signer b: %v", err)
	}
	kidA, _ := a.ActiveKeyID(context.Background())
	kidB, _ := b.ActiveKeyID(context.Background())
	if kidA != kidB || kidA == "" {
		t.Fatalf("key ids differ: %q %q", kidA, kidB)
	}
	if a.PublicJWK().KeyID != kidA {
		t.Fatalf("jwk kid = %q", a.PublicJWK().KeyID)
	}

	token, _ := a.Sign(context.Background(), testClaims("iss"))
	if _, err := b.Verify(token); err != nil {
		t.Fatalf("same seed should verify: %v", err)
	}
}

func TestNewKeySignerRejectsBadSeed(t *testing.T) {
	if _, err := NewKeySigner("iss", []byte("short")); err == nil {
		t.Fatal("expected bad seed error")
	}
}

func TestDecodeSeed(t *testing.T) {
	raw := bytes.Repeat([]byte{0xfb}, 32)
	for _, encoded := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
	} {
		seed, err := DecodeSeed(encoded)
		if err != nil || !bytes.Equal(seed, raw) {
			t.Fatalf("DecodeSeed(%q) = %x, %v", encoded, seed, err)
		}
	}
	if seed, err := DecodeSeed(" "); err != nil || seed != nil {
		t.Fatalf("empty seed = %v, %v", seed, err)
	}
	if _, err := DecodeSeed("***"); err == nil {
		t.Fatal("expected invalid base64 error")
	}
}

func TestSignHonorsContext(t *testing.T) {
	signer, _ := NewKeySigner("iss", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.Sign(ctx, testClaims("iss")); err == nil {
		t.Fatal("expected context error")
	}
	token, _ := signer.Sign(context.Background(), testClaims("iss"))
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected compact JWS, got %q", token)
	}
}
