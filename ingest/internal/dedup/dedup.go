// Package dedup filters records whose identity key is already known.
//
// A KeySet is owned by one run and is not safe for concurrent use.
package dedup

import (
	"github.com/hazyhaar/gscload/ingest/internal/identity"
	"github.com/hazyhaar/gscload/ingest/internal/record"
)

// KeySet is the set of identity keys persisted or admitted during a run.
type KeySet struct {
	m map[string]struct{}
}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...string) *KeySet {
	s := &KeySet{m: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.m[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s *KeySet) Has(k string) bool {
	_, ok := s.m[k]
	return ok
}

// Add inserts k and reports whether it was absent.
func (s *KeySet) Add(k string) bool {
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = struct{}{}
	return true
}

// Remove deletes keys, used to forget rows whose append failed.
func (s *KeySet) Remove(keys ...string) {
	for _, k := range keys {
		delete(s.m, k)
	}
}

// Len returns the number of keys.
func (s *KeySet) Len() int { return len(s.m) }

// Filter returns the items whose key is not in keys, adding each admitted
// key immediately so later duplicates in the same slice are dropped too.
func Filter[T any](items []T, keys *KeySet, keyOf func(T) string) []T {
	var out []T
	for _, it := range items {
		if keys.Add(keyOf(it)) {
			out = append(out, it)
		}
	}
	return out
}

// FilterNew stamps each record with its identity key over fields and
// returns the records not yet in keys.
func FilterNew(records []record.Record, keys *KeySet, fields []string) []record.Record {
	for i := range records {
		records[i].Key = identity.Key(records[i].Fields, fields)
	}
	return Filter(records, keys, func(r record.Record) string { return r.Key })
}

// Keys returns the identity keys of records, in order.
func Keys(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	return out
}
