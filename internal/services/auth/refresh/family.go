package refresh

import (
	"net/url"
	"strings"
	"time"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

// Revocation reasons stored on a family.
const (
	ReasonTheft      = "theft"
	ReasonRevoked    = "revoked"
	ReasonSuperseded = "superseded"
)

// MaxRotationTrail bounds the rotation history kept on a family.
const MaxRotationTrail = 32

const familyKeySeparator = "|"

// FamilyKey identifies the family of (subject, clientID) inside a partition.
// Both parts are escaped so the separator cannot be forged.
func FamilyKey(subject, clientID string) string {
	return url.QueryEscape(subject) + familyKeySeparator + url.QueryEscape(clientID)
}

// IssuedToken is a freshly signed refresh token.
type IssuedToken struct {
	Token      string
	JTI        string
	FamilyID   string
	Version    uint64
	Generation uint64
	ExpiresAt  time.Time
}

// Rotation is the result of a successful rotation.
type Rotation struct {
	IssuedToken
	Subject  string
	ClientID string
}

// BatchResult reports the outcome for one jti of a batch revocation.
type BatchResult struct {
	JTI      string
	FamilyID string
	Err      error
}

func validateParty(subject, clientID string) error {
	if strings.TrimSpace(subject) == "" {
		return apperrors.New(apperrors.CodeInvalidRequest, "subject is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return apperrors.New(apperrors.CodeInvalidRequest, "client_id is required")
	}
	return nil
}

// appendTrail records a rotation and keeps the newest MaxRotationTrail steps.
func appendTrail(trail []storage.RotationEntry, entry storage.RotationEntry) []storage.RotationEntry {
	out := make([]storage.RotationEntry, 0, min(len(trail)+1, MaxRotationTrail))
	if skip := len(trail) + 1 - MaxRotationTrail; skip > 0 {
		trail = trail[skip:]
	}
	out = append(out, trail...)
	return append(out, entry)
}

func revoke(family storage.TokenFamily, reason string, now time.Time) storage.TokenFamily {
	family.Revoked = true
	family.RevokedAt = now
	family.RevokedReason = reason
	family.UpdatedAt = now
	return family
}
