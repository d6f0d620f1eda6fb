// Package idgen generates identifiers for runs and ledger rows.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns time-sortable RFC 9562 v7 UUIDs, so ledger rows sort by
// creation when ordered by ID.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID, e.g. "run_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// RunID returns a new run identifier.
var RunID Generator = Prefixed("run_", Default)

// Parse validates a UUID, accepting an optional "run_" prefix.
func Parse(s string) (string, error) {
	raw := s
	if len(raw) > 4 && raw[:4] == "run_" {
		raw = raw[4:]
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return u.String(), nil
}
