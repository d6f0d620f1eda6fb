// Package record holds the observation type that flows from the fetcher
// through the loader into a warehouse gateway.
package record

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"cloud.google.com/go/civil"
)

// ErrInvalidRange is returned when a date range is malformed or inverted.
var ErrInvalidRange = errors.New("record: invalid date range")

// Record is one row returned by the analytics API for one dimension batch.
// Fields is keyed by warehouse column name (date, query, page, country,
// device, search_appearance) and carries only the dimensions the batch
// requested.
type Record struct {
	Fields      map[string]string
	Clicks      int64
	Impressions int64
	CTR         float64
	Position    float64

	// Key is the identity key, set by the loader.
	Key string
}

// Get returns the raw value of a dimension and whether the batch supplied it.
func (r Record) Get(field string) (string, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// DateRange is an inclusive range of reporting days. The zero value means
// "all time" where a gateway accepts it.
type DateRange struct {
	Start civil.Date
	End   civil.Date
}

// ParseRange parses two YYYY-MM-DD dates into a validated range.
func ParseRange(start, end string) (DateRange, error) {
	s, err := civil.ParseDate(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: start date %q: %v", ErrInvalidRange, start, err)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: end date %q: %v", ErrInvalidRange, end, err)
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// Window returns the lookback-day range ending lag days before today.
// GSC data settles a few days after the fact, hence the lag.
func Window(today civil.Date, lag, lookback int) DateRange {
	if lookback < 1 {
		lookback = 1
	}
	end := today.AddDays(-lag)
	return DateRange{Start: end.AddDays(-(lookback - 1)), End: end}
}

// Today returns the current UTC calendar day.
func Today(now time.Time) civil.Date {
	return civil.DateOf(now.UTC())
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.Start == civil.Date{} && r.End == civil.Date{}
}

// Validate checks both ends are real dates and Start is not after End.
func (r DateRange) Validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// Days yields every day of the range in order.
func (r DateRange) Days() iter.Seq[civil.Date] {
	return func(yield func(civil.Date) bool) {
		for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
			if !yield(d) {
				return
			}
		}
	}
}

func (r DateRange) String() string {
	if r.IsZero() {
		return "all"
	}
	return r.Start.String() + ".." + r.End.String()
}
