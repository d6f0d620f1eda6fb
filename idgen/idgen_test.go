package idgen

import (
	"strings"
	"testing"
)

func TestRunID(t *testing.T) {
	// WHAT: Run IDs are prefixed v7 UUIDs and unique.
	// WHY: The ledger keys runs by this ID.
	a, b := RunID(), RunID()
	if !strings.HasPrefix(a, "run_") || a == b {
		t.Fatalf("ids: %s %s", a, b)
	}
	if _, err := Parse(a); err != nil {
		t.Errorf("parse: %v", err)
	}
	if _, err := Parse("run_nope"); err == nil {
		t.Error("invalid id accepted")
	}
}
