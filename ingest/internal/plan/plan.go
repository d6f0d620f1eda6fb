// Package plan defines the dimension batches queried on each run.
//
// Batch definitions are append-only. The key fields of a batch determine the
// identity keys it produces, so editing the dimensions of an existing batch
// would orphan every stored key. Add a new batch with a new name instead.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is returned by Validate.
var ErrInvalidPlan = errors.New("plan: invalid plan")

// Dimension is an upstream dimension name.
type Dimension string

const (
	Date             Dimension = "date"
	Query            Dimension = "query"
	Page             Dimension = "page"
	Country          Dimension = "country"
	Device           Dimension = "device"
	SearchAppearance Dimension = "searchAppearance"
)

// DefaultMaxDimensions is the per-request dimension limit used when none is configured.
const DefaultMaxDimensions = 3

var columns = map[Dimension]string{
	Date:             "date",
	Query:            "query",
	Page:             "page",
	Country:          "country",
	Device:           "device",
	SearchAppearance: "search_appearance",
}

// Column returns the warehouse column for d, or "" if d is unknown.
func (d Dimension) Column() string { return columns[d] }

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool { _, ok := columns[d]; return ok }

// Batch is one named dimension combination fetched in one paginated pass.
type Batch struct {
	Name       string      `yaml:"name" json:"name"`
	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`
	// PerDay batches are requested one day at a time without the date
	// dimension; the day is stamped onto each row.
	PerDay bool `yaml:"per_day" json:"per_day,omitempty"`
}

// RequestDimensions returns the dimension names sent upstream.
func (b Batch) RequestDimensions() []string {
	out := make([]string, 0, len(b.Dimensions))
	for _, d := range b.Dimensions {
		out = append(out, string(d))
	}
	return out
}

// KeyFields returns the ordered column names hashed into identity keys.
func (b Batch) KeyFields() []string {
	out := make([]string, 0, len(b.Dimensions)+1)
	if b.PerDay {
		out = append(out, Date.Column())
	}
	for _, d := range b.Dimensions {
		out = append(out, d.Column())
	}
	return out
}

// Fingerprint identifies the key space of the batch.
func (b Batch) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(b.KeyFields(), ",")))
	return hex.EncodeToString(sum[:8])
}

func (b Batch) String() string {
	return b.Name + "[" + strings.Join(b.KeyFields(), ",") + "]"
}

// Plan is an ordered list of batches.
type Plan []Batch

// Default returns the built-in plan. Only append to this list.
func Default() Plan {
	return Plan{
		{Name: "date_query_page", Dimensions: []Dimension{Date, Query, Page}},
		{Name: "date_query_country", Dimensions: []Dimension{Date, Query, Country}},
		{Name: "date_query_device", Dimensions: []Dimension{Date, Query, Device}},
		{Name: "date_query", Dimensions: []Dimension{Date, Query}},
		{Name: "date_page", Dimensions: []Dimension{Date, Page}},
		{Name: "date_country", Dimensions: []Dimension{Date, Country}},
		{Name: "date_device", Dimensions: []Dimension{Date, Device}},
		{Name: "date_search_appearance", Dimensions: []Dimension{SearchAppearance}, PerDay: true},
		{Name: "date", Dimensions: []Dimension{Date}},
	}
}

// With returns the plan followed by extra batches.
func (p Plan) With(extra ...Batch) Plan {
	out := make(Plan, 0, len(p)+len(extra))
	out = append(out, p...)
	return append(out, extra...)
}

// Validate checks names, dimensions and the per-request dimension limit.
func (p Plan) Validate(maxDims int) error {
	if maxDims <= 0 {
		maxDims = DefaultMaxDimensions
	}
	if len(p) == 0 {
		return fmt.Errorf("%w: no batches", ErrInvalidPlan)
	}
	names := make(map[string]bool, len(p))
	for i, b := range p {
		if b.Name == "" {
			return fmt.Errorf("%w: batch[%d]: name is required", ErrInvalidPlan, i)
		}
		if names[b.Name] {
			return fmt.Errorf("%w: batch %q defined twice", ErrInvalidPlan, b.Name)
		}
		names[b.Name] = true

		if len(b.Dimensions) == 0 {
			return fmt.Errorf("%w: batch %q has no dimensions", ErrInvalidPlan, b.Name)
		}
		if len(b.Dimensions) > maxDims {
			return fmt.Errorf("%w: batch %q requests %d dimensions, limit is %d", ErrInvalidPlan, b.Name, len(b.Dimensions), maxDims)
		}
		seen := make(map[Dimension]bool, len(b.Dimensions))
		hasDate := b.PerDay
		for _, d := range b.Dimensions {
			if !d.Valid() {
				return fmt.Errorf("%w: batch %q: unknown dimension %q", ErrInvalidPlan, b.Name, d)
			}
			if seen[d] {
				return fmt.Errorf("%w: batch %q: dimension %q repeated", ErrInvalidPlan, b.Name, d)
			}
			seen[d] = true
			if d == Date {
				if b.PerDay {
					return fmt.Errorf("%w: batch %q: per_day batches must not request date", ErrInvalidPlan, b.Name)
				}
				hasDate = true
			}
		}
		if !hasDate {
			return fmt.Errorf("%w: batch %q does not include date", ErrInvalidPlan, b.Name)
		}
	}
	return nil
}

// Lookup returns the batch with the given name.
func (p Plan) Lookup(name string) (Batch, bool) {
	for _, b := range p {
		if b.Name == name {
			return b, true
		}
	}
	return Batch{}, false
}
