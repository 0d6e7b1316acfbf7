// Package errors provides the structured error taxonomy shared by the token
// engine and its stores.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidRequest marks malformed input rejected before any actor runs.
	CodeInvalidRequest Code = "INVALID_REQUEST"
	// CodeInvalidGrant covers unknown, expired or consumed codes, PKCE and
	// redirect mismatches, and stale or revoked refresh tokens.
	CodeInvalidGrant Code = "INVALID_GRANT"
	// CodeTheftDetected is raised when a refresh token with a stale version is
	// replayed. The family has already been revoked when this is returned.
	CodeTheftDetected Code = "THEFT_DETECTED"
	// CodeGenerationNotFound means the shard generation embedded in a token is
	// unknown to both the config snapshot and the audit store.
	CodeGenerationNotFound Code = "GENERATION_NOT_FOUND"
	// CodeUnavailable is a bounded-timeout or infrastructure failure during
	// redemption or rotation. The outcome of the operation is unknown.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeServerError is a retryable failure during issuance.
	CodeServerError Code = "SERVER_ERROR"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// OAuth error strings surfaced to clients.
const (
	OAuthInvalidRequest         = "invalid_request"
	OAuthInvalidGrant           = "invalid_grant"
	OAuthTemporarilyUnavailable = "temporarily_unavailable"
	OAuthServerError            = "server_error"
)

// OAuthError maps domain codes to the OAuth error string returned to clients.
// Theft and evicted generations deliberately collapse into invalid_grant.
func (c Code) OAuthError() string {
	switch c {
	case CodeInvalidRequest:
		return OAuthInvalidRequest
	case CodeInvalidGrant,
		CodeTheftDetected,
		CodeGenerationNotFound:
		return OAuthInvalidGrant
	case CodeUnavailable:
		return OAuthTemporarilyUnavailable
	default:
		return OAuthServerError
	}
}

// Retryable reports whether a client may safely retry the same request.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnavailable, CodeServerError, CodeConflict:
		return true
	default:
		return false
	}
}
