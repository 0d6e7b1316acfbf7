package authcode

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

const (
	minPKCELength = 43
	maxPKCELength = 128
)

// ComputeS256Challenge computes the OAuth PKCE S256 challenge from a verifier.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateCodeChallenge reports whether challenge has a legal length and only
// unreserved characters.
func ValidateCodeChallenge(challenge string) bool {
	return validPKCEValue(challenge)
}

// ValidateCodeVerifier applies the same shape rules to a verifier.
func ValidateCodeVerifier(verifier string) bool {
	return validPKCEValue(verifier)
}

// ValidPKCEMethod reports whether method is supported. The empty method means
// plain.
func ValidPKCEMethod(method string) bool {
	switch method {
	case "", MethodPlain, MethodS256:
		return true
	default:
		return false
	}
}

// ValidatePKCE checks verifier against the stored challenge using the stored
// method.
func ValidatePKCE(verifier, challenge, method string) bool {
	if !ValidateCodeVerifier(verifier) || challenge == "" {
		return false
	}
	var computed string
	switch method {
	case MethodS256:
		computed = ComputeS256Challenge(verifier)
	case "", MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func validPKCEValue(value string) bool {
	if len(value) < minPKCELength || len(value) > maxPKCELength {
		return false
	}
	for i := 0; i < len(value); i++ {
		if !isUnreserved(value[i]) {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}
