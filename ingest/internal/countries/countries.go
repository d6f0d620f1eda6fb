// Package countries resolves the ISO 3166 codes reported by Search Console
// (alpha-3, occasionally alpha-2) to display names.
package countries

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// UnknownRegion is the name used for unattributed traffic.
const UnknownRegion = "Unknown Region"

// Map resolves country codes. The zero value knows only the special codes.
type Map struct {
	names map[string]string
}

// New returns a Map holding the special codes.
func New() *Map {
	return &Map{names: map[string]string{
		"ZZ":      UnknownRegion,
		"ZZZ":     UnknownRegion,
		"UNKNOWN": UnknownRegion,
		"XKK":     "Kosovo",
	}}
}

// Add registers name under each non-empty code.
func (m *Map) Add(name string, codes ...string) {
	if m.names == nil {
		m.names = New().names
	}
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			m.names[c] = name
		}
	}
}

// Name returns the display name for code. Blank and special codes give
// UnknownRegion; codes not in the map come back upper-cased.
func (m *Map) Name(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	switch c {
	case "", "ZZ", "ZZZ", "UNKNOWN":
		return UnknownRegion
	}
	if m != nil {
		if name, ok := m.names[c]; ok {
			return name
		}
	}
	return c
}

// Len returns the number of codes known.
func (m *Map) Len() int { return len(m.names) }

// Load reads a CSV with a header row. Recognised layouts are
// country_code_alpha2,country_code_alpha3,country_name and code,name.
func Load(r io.Reader) (*Map, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("countries: read header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameCol, ok := idx["country_name"]
	if !ok {
		nameCol, ok = idx["name"]
	}
	if !ok {
		return nil, errors.New("countries: header has no country_name or name column")
	}
	var codeCols []int
	for _, h := range []string{"country_code_alpha2", "country_code_alpha3", "code"} {
		if i, ok := idx[h]; ok {
			codeCols = append(codeCols, i)
		}
	}
	if len(codeCols) == 0 {
		return nil, errors.New("countries: header has no code column")
	}

	m := New()
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("countries: %w", err)
		}
		if nameCol >= len(rec) {
			continue
		}
		name := strings.TrimSpace(rec[nameCol])
		if name == "" {
			continue
		}
		for _, c := range codeCols {
			if c < len(rec) {
				m.Add(name, rec[c])
			}
		}
	}
	// Specials win over file contents.
	m.Add(UnknownRegion, "ZZ", "ZZZ", "UNKNOWN")
	m.Add("Kosovo", "XKK")
	return m, nil
}

// LoadFile is Load over a file. An empty path returns New().
func LoadFile(path string) (*Map, error) {
	if path == "" {
		return New(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("countries: %w", err)
	}
	defer f.Close()
	return Load(f)
}
