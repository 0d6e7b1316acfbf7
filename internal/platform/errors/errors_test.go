package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestOAuthErrorMapping(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{CodeInvalidRequest, OAuthInvalidRequest},
		{CodeInvalidGrant, OAuthInvalidGrant},
		{CodeTheftDetected, OAuthInvalidGrant},
		{CodeGenerationNotFound, OAuthInvalidGrant},
		{CodeUnavailable, OAuthTemporarilyUnavailable},
		{CodeServerError, OAuthServerError},
		{CodeNotFound, OAuthServerError},
		{CodeUnknown, OAuthServerError},
	}
	for _, tc := range cases {
		if got := tc.code.OAuthError(); got != tc.want {
			t.Fatalf("%s.OAuthError() = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestPublicHidesGrantFailureReason(t *testing.T) {
	grants := []error{
		New(CodeInvalidGrant, "authorization code not found"),
		New(CodeInvalidGrant, "authorization code already consumed"),
		New(CodeTheftDetected, "refresh token replay"),
		Wrap(CodeGenerationNotFound, "generation 3 evicted", stderrors.New("missing")),
	}
	_, want := Public(grants[0])
	for _, err := range grants {
		code, desc := Public(err)
		if code != OAuthInvalidGrant {
			t.Fatalf("Public(%v) code = %q", err, code)
		}
		if desc != want {
			t.Fatalf("Public(%v) desc = %q, want %q", err, desc, want)
		}
	}
}

func TestPublicPassesValidationMessage(t *testing.T) {
	code, desc := Public(New(CodeInvalidRequest, "client_id is required"))
	if code != OAuthInvalidRequest || desc != "client_id is required" {
		t.Fatalf("Public() = %q, %q", code, desc)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("rotate: %w", Wrap(CodeInvalidGrant, "revoked", nil))
	if !stderrors.Is(err, New(CodeInvalidGrant, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeTheftDetected, "")) {
		t.Fatal("expected mismatch for different code")
	}
	if !HasCode(err, CodeInvalidGrant) {
		t.Fatal("expected HasCode to find wrapped code")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "io", err: stderrors.New("disk I/O error"), want: true},
		{name: "grant", err: New(CodeInvalidGrant, "x"), want: false},
		{name: "unavailable", err: New(CodeUnavailable, "x"), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeUnavailable, "load family", stderrors.New("database is locked"))
	if got := err.Error(); got != "load family: database is locked" {
		t.Fatalf("Error() = %q", got)
	}
	if !stderrors.Is(err, err.Cause) {
		t.Fatal("expected cause in chain")
	}
}
