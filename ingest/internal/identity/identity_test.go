package identity

import (
	"regexp"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestKey_NormalizedVariantsCollide(t *testing.T) {
	// WHAT: Whitespace, case and a trailing slash do not change the key.
	// WHY: Re-fetching the same tuple must map onto the stored key.
	names := []string{"date", "query", "page"}
	a := Key(map[string]any{"date": "2025-09-01", "query": "A ", "page": "/x/"}, names)
	b := Key(map[string]any{"date": "2025-09-01", "query": "a", "page": "/x"}, names)
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if !hexKey.MatchString(a) {
		t.Errorf("key %q is not 64 lowercase hex chars", a)
	}
}

func TestKey_Deterministic(t *testing.T) {
	// WHAT: The key for a fixed input is a known constant.
	// WHY: Stored keys must stay valid across releases and languages.
	got := Key(map[string]string{"date": "2025-09-01", "query": "hvac"}, []string{"date", "query"})
	// sha256("date=2025-09-01|query=hvac")
	want := sha256Hex("date=2025-09-01|query=hvac")
	if got != want {
		t.Errorf("key: got %s, want %s", got, want)
	}
	if again := Key(map[string]string{"query": "hvac", "date": "2025-09-01"}, []string{"date", "query"}); again != got {
		t.Errorf("map order changed key: %s vs %s", again, got)
	}
}

func TestKey_BatchIsolation(t *testing.T) {
	// WHAT: An extra empty dimension changes the key.
	// WHY: Rows from different batches must never dedup against each other.
	fields := map[string]any{"date": "2025-09-01", "query": "a", "page": "/x"}
	k3 := Key(fields, []string{"date", "query", "page"})
	k4 := Key(fields, []string{"date", "query", "page", "country"})
	if k3 == k4 {
		t.Fatal("keys for [date,query,page] and [date,query,page,country] are equal")
	}

	// Same values under different field names.
	q := Key(map[string]any{"date": "2025-09-01", "query": "fra"}, []string{"date", "query"})
	c := Key(map[string]any{"date": "2025-09-01", "country": "fra"}, []string{"date", "country"})
	if q == c {
		t.Fatal("query=fra and country=fra produced the same key")
	}
}

func TestKey_DelimiterInValue(t *testing.T) {
	// WHAT: A "|" inside a value cannot forge a field boundary.
	// WHY: Raw concatenation would make these two inputs collide.
	names := []string{"query", "page"}
	a := Key(map[string]any{"query": "a|page=b", "page": ""}, names)
	b := Key(map[string]any{"query": "a", "page": "b"}, names)
	if a == b {
		t.Fatal("delimiter collision")
	}
}

func TestKey_MissingEqualsEmpty(t *testing.T) {
	// WHAT: Missing, nil and "" normalize to the same value.
	// WHY: Malformed upstream rows must still get a stable key.
	names := []string{"date", "query"}
	a := Key(map[string]any{"date": "2025-09-01"}, names)
	b := Key(map[string]any{"date": "2025-09-01", "query": nil}, names)
	c := Key(map[string]any{"date": "2025-09-01", "query": "  "}, names)
	if a != b || b != c {
		t.Errorf("keys differ: %s %s %s", a, b, c)
	}
}

func TestNormalize_Date(t *testing.T) {
	// WHAT: Every supported date representation canonicalizes to YYYY-MM-DD.
	// WHY: Dates arrive as API strings, warehouse DATEs and Go times.
	ts := time.Date(2025, 9, 1, 23, 30, 0, 0, time.UTC)
	cd := civil.Date{Year: 2025, Month: 9, Day: 1}
	tests := []struct {
		name string
		in   any
	}{
		{"string", "2025-09-01"},
		{"string with time", "2025-09-01T10:00:00Z"},
		{"padded", " 2025-09-01 "},
		{"slashes", "2025/09/01"},
		{"time", ts},
		{"time ptr", &ts},
		{"civil", cd},
		{"civil ptr", &cd},
	}
	for _, tt := range tests {
		if got := Normalize("date", tt.in); got != "2025-09-01" {
			t.Errorf("%s: got %q", tt.name, got)
		}
	}
	if got := Normalize("date", nil); got != "" {
		t.Errorf("nil date: got %q", got)
	}
}

func TestNormalize_URL(t *testing.T) {
	// WHAT: Only one trailing slash is stripped.
	// WHY: "/x//" is a different page from "/x".
	if got := Normalize("page", " HTTPS://Example.com/X/ "); got != "https://example.com/x" {
		t.Errorf("page: got %q", got)
	}
	if got := Normalize("page", "/x//"); got != "/x/" {
		t.Errorf("double slash: got %q", got)
	}
	if got := Normalize("query", "/x/"); got != "/x/" {
		t.Errorf("query must keep its slash: got %q", got)
	}
}
