// Package identity derives the deterministic row key used to detect rows
// that were already loaded.
//
// The canonical string for a key is
//
//	name1=value1|name2=value2|...
//
// with names in the caller's order and values normalized and escapes
// applied ('\' -> '\\', '|' -> '\|'). The key is the lowercase hex SHA-256 of
// that string. Keys already stored in a warehouse depend on this exact form:
// do not change it.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

var (
	dateFields = map[string]bool{"date": true, "last_crawled": true}
	urlFields  = map[string]bool{"page": true, "url": true}
)

// Key hashes the normalized values of names, in order. A name missing from
// fields contributes an empty value, never nothing.
func Key[V any](fields map[string]V, names []string) string {
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		var v any
		if fv, ok := fields[name]; ok {
			v = fv
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(escape(Normalize(name, v)))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Normalize returns the canonical text of one field value.
func Normalize(name string, v any) string {
	switch {
	case dateFields[name]:
		return normalizeDate(v)
	case urlFields[name]:
		s := strings.ToLower(strings.TrimSpace(text(v)))
		return strings.TrimSuffix(s, "/")
	default:
		return strings.ToLower(strings.TrimSpace(text(v)))
	}
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02/01/2006",
	"Jan 2, 2006",
}

func normalizeDate(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case civil.Date:
		return x.String()
	case *civil.Date:
		if x == nil {
			return ""
		}
		return x.String()
	case time.Time:
		return x.Format("2006-01-02")
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format("2006-01-02")
	}

	s := strings.TrimSpace(text(v))
	if len(s) >= 10 {
		if d, err := civil.ParseDate(s[:10]); err == nil {
			return d.String()
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

func escape(s string) string {
	if !strings.ContainsAny(s, `\|`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `|`, `\|`)
}
