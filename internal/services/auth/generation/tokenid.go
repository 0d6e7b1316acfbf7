package generation

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
)

// Format identifies the wire layout of a token identifier.
type Format int

const (
	// FormatLegacy is a bare random string issued before generations existed.
	FormatLegacy Format = iota
	// FormatVersioned is v{generation}_{shard}_{random}.
	FormatVersioned
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatVersioned:
		return "versioned"
	default:
		return "unknown"
	}
}

const (
	// RandomBytes is the entropy carried by a freshly generated identifier.
	RandomBytes = 16
	// MinRandomLength is the shortest accepted random segment.
	MinRandomLength = 22
	// MaxTokenIDLength bounds parsing work on attacker-supplied input.
	MaxTokenIDLength = 256

	versionPrefix = "v"
	separator     = "_"
)

// ErrMalformedTokenID is returned for identifiers that match neither format.
var ErrMalformedTokenID = apperrors.New(apperrors.CodeInvalidRequest, "malformed token identifier")

// TokenID is a parsed token identifier.
type TokenID struct {
	Format     Format
	Generation uint64
	ShardIndex uint32
	Random     string
}

// String renders the identifier in its wire form.
func (t TokenID) String() string {
	if t.Format == FormatLegacy {
		return t.Random
	}
	return CreateTokenID(t.Generation, t.ShardIndex, t.Random)
}

// CreateTokenID renders v{generation}_{shardIndex}_{random}.
func CreateTokenID(generation uint64, shardIndex uint32, random string) string {
	var b strings.Builder
	b.Grow(len(random) + 24)
	b.WriteString(versionPrefix)
	b.WriteString(strconv.FormatUint(generation, 10))
	b.WriteString(separator)
	b.WriteString(strconv.FormatUint(uint64(shardIndex), 10))
	b.WriteString(separator)
	b.WriteString(random)
	return b.String()
}

// NewRandom returns RandomBytes of crypto randomness as unpadded base64url.
func NewRandom() (string, error) {
	buf := make([]byte, RandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewTokenID generates a fresh versioned identifier.
func NewTokenID(generation uint64, shardIndex uint32) (string, error) {
	random, err := NewRandom()
	if err != nil {
		return "", err
	}
	return CreateTokenID(generation, shardIndex, random), nil
}

// ParseTokenID parses a versioned or legacy identifier. A legacy identifier
// has no version prefix and implies generation 0.
//
// The random segment may itself contain '_', so only the first two separators
// are structural.
func ParseTokenID(id string) (TokenID, error) {
	if id == "" || len(id) > MaxTokenIDLength {
		return TokenID{}, ErrMalformedTokenID
	}
	if strings.HasPrefix(id, versionPrefix) {
		if parsed, ok := parseVersioned(id[len(versionPrefix):]); ok {
			return parsed, nil
		}
	}
	if !validRandom(id) {
		return TokenID{}, ErrMalformedTokenID
	}
	return TokenID{Format: FormatLegacy, Random: id}, nil
}

func parseVersioned(rest string) (TokenID, bool) {
	parts := strings.SplitN(rest, separator, 3)
	if len(parts) != 3 {
		return TokenID{}, false
	}
	generation, ok := parseCanonicalUint(parts[0], 64)
	if !ok {
		return TokenID{}, false
	}
	shard, ok := parseCanonicalUint(parts[1], 32)
	if !ok {
		return TokenID{}, false
	}
	if !validRandom(parts[2]) {
		return TokenID{}, false
	}
	return TokenID{
		Format:     FormatVersioned,
		Generation: generation,
		ShardIndex: uint32(shard),
		Random:     parts[2],
	}, true
}

// parseCanonicalUint accepts only the form strconv.FormatUint produces, so
// every identifier has exactly one spelling.
func parseCanonicalUint(value string, bits int) (uint64, bool) {
	if value == "" || (len(value) > 1 && value[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, false
		}
	}
	parsed, err := strconv.ParseUint(value, 10, bits)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func validRandom(value string) bool {
	if len(value) < MinRandomLength {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
