package generation

import (
	"strings"
	"testing"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
)

const sampleRandom = "dBjftJeZ4CVP-mB92K27uh"

func TestParseTokenIDVersioned(t *testing.T) {
	parsed, err := ParseTokenID("v3_7_" + sampleRandom)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Format != FormatVersioned || parsed.Generation != 3 || parsed.ShardIndex != 7 || parsed.Random != sampleRandom {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseTokenIDRandomWithUnderscores(t *testing.T) {
	random := "ab_cd_ef_gh_ij_kl_mn_op"
	id := CreateTokenID(12, 4, random)
	parsed, err := ParseTokenID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Generation != 12 || parsed.ShardIndex != 4 || parsed.Random != random {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseTokenIDLegacy(t *testing.T) {
	parsed, err := ParseTokenID(sampleRandom)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Format != FormatLegacy || parsed.Generation != 0 || parsed.Random != sampleRandom {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	if parsed.String() != sampleRandom {
		t.Fatalf("legacy string = %q", parsed.String())
	}
}

func TestParseTokenIDVersionPrefixWithoutNumbersIsLegacy(t *testing.T) {
	// A legacy random value may start with 'v'; it is only versioned when
	// both numeric segments parse.
	id := "vx_y_" + sampleRandom
	parsed, err := ParseTokenID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Format != FormatLegacy || parsed.Random != id {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseTokenIDRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "empty", id: ""},
		{name: "short legacy", id: "abc"},
		{name: "bad alphabet", id: "dBjftJeZ4CVP+mB92K27uh="},
		{name: "versioned short random", id: "v1_2_abc"},
		{name: "too long", id: strings.Repeat("a", MaxTokenIDLength+1)},
		{name: "whitespace", id: "dBjftJeZ4CVP mB92K27uhb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTokenID(tc.id)
			if !apperrors.HasCode(err, apperrors.CodeInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestParseTokenIDNonCanonicalNumbersFallBackToLegacy(t *testing.T) {
	tests := []string{
		"v01_2_" + sampleRandom,
		"v1_02_" + sampleRandom,
		"v1_4294967296_" + sampleRandom,
		"v-1_2_" + sampleRandom,
	}
	for _, id := range tests {
		parsed, err := ParseTokenID(id)
		if err == nil && parsed.Format == FormatVersioned {
			t.Fatalf("%q parsed as versioned: %+v", id, parsed)
		}
	}
}

func TestCreateTokenIDRoundTrip(t *testing.T) {
	for _, gen := range []uint64{0, 1, 42, 1 << 40} {
		for _, shard := range []uint32{0, 1, 15, 4095} {
			id, err := NewTokenID(gen, shard)
			if err != nil {
				t.Fatalf("new token id: %v", err)
			}
			parsed, err := ParseTokenID(id)
			if err != nil {
				t.Fatalf("parse %q: %v", id, err)
			}
			if parsed.Format != FormatVersioned || parsed.Generation != gen || parsed.ShardIndex != shard {
				t.Fatalf("round trip mismatch for %q: %+v", id, parsed)
			}
			if parsed.String() != id {
				t.Fatalf("String() = %q, want %q", parsed.String(), id)
			}
		}
	}
}

func TestNewRandomLengthAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		random, err := NewRandom()
		if err != nil {
			t.Fatalf("new random: %v", err)
		}
		if len(random) < MinRandomLength {
			t.Fatalf("random too short: %q", random)
		}
		if _, ok := seen[random]; ok {
			t.Fatalf("duplicate random %q", random)
		}
		seen[random] = struct{}{}
	}
}
