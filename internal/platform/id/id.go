// Package id generates opaque identifiers for persisted records.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 rendered as 26 lowercase base32 characters.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Sequence hands out time-ordered 64-bit identifiers for append-only records
// such as audit rows. Every process must use a distinct node number.
type Sequence struct {
	node *snowflake.Node
}

// NewSequence creates a sequence for the given node number (0-1023).
func NewSequence(node int64) (*Sequence, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", node, err)
	}
	return &Sequence{node: n}, nil
}

// Next returns the next identifier.
func (s *Sequence) Next() int64 {
	return s.node.Generate().Int64()
}

var (
	defaultSequenceOnce sync.Once
	defaultSequence     *Sequence
)

// DefaultSequence returns a process-wide sequence on node 0. Services that
// run more than one replica should build their own with NewSequence.
func DefaultSequence() *Sequence {
	defaultSequenceOnce.Do(func() {
		seq, err := NewSequence(0)
		if err != nil {
			panic(err)
		}
		defaultSequence = seq
	})
	return defaultSequence
}
