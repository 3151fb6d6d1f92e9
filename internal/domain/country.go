package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Country is one entry of the priority table, keyed by the provider's
// country identifier.
type Country struct {
	Code string
	Name string
}

// CountryTable is the ordered fallback list plus the preferred country that
// forced services try first. It is a plain value passed in at construction.
type CountryTable struct {
	Preferred string
	Order     []Country
}

// DefaultCountryTable returns the table the service ships with.
func DefaultCountryTable() CountryTable {
	return CountryTable{
		Preferred: "73",
		Order: []Country{
			{Code: "73", Name: "Brasil"},
			{Code: "40", Name: "Canadá"},
			{Code: "12", Name: "Estados Unidos"},
			{Code: "52", Name: "México"},
			{Code: "16", Name: "Reino Unido"},
			{Code: "151", Name: "Chile"},
			{Code: "224", Name: "Paraguai"},
			{Code: "156", Name: "Peru"},
			{Code: "225", Name: "Uruguai"},
			{Code: "117", Name: "Portugal"},
		},
	}
}

// ParseCountryTable builds a table from "code:name" entries. A bare code is
// accepted and used as its own name. preferred must be one of the entries
// when set; when empty the first entry is preferred.
func ParseCountryTable(entries []string, preferred string) (CountryTable, error) {
	var t CountryTable
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		code, name, found := strings.Cut(raw, ":")
		code = strings.TrimSpace(code)
		if !found {
			name = code
		}
		if code == "" {
			return CountryTable{}, fmt.Errorf("country entry %q: %w", raw, ErrInvalidInput)
		}
		if seen[code] {
			return CountryTable{}, fmt.Errorf("duplicate country %q: %w", code, ErrInvalidInput)
		}
		seen[code] = true
		t.Order = append(t.Order, Country{Code: code, Name: strings.TrimSpace(name)})
	}
	if len(t.Order) == 0 {
		return CountryTable{}, fmt.Errorf("country table is empty: %w", ErrInvalidInput)
	}
	switch {
	case preferred == "":
		t.Preferred = t.Order[0].Code
	case seen[preferred]:
		t.Preferred = preferred
	default:
		return CountryTable{}, fmt.Errorf("preferred country %q not in table: %w", preferred, ErrInvalidInput)
	}
	return t, nil
}

// Codes returns the country codes in priority order.
func (t CountryTable) Codes() []string {
	codes := make([]string, len(t.Order))
	for i, c := range t.Order {
		codes[i] = c.Code
	}
	return codes
}

// Name returns the display name for code, or the code itself when unknown.
func (t CountryTable) Name(code string) string {
	for _, c := range t.Order {
		if c.Code == code {
			return c.Name
		}
	}
	return code
}

// Contains reports whether code is in the table.
func (t CountryTable) Contains(code string) bool {
	return slices.ContainsFunc(t.Order, func(c Country) bool { return c.Code == code })
}

// Rank orders countries for reuse bucketing: the preferred country is 0,
// other entries follow in table order and unknown codes sort last.
func (t CountryTable) Rank(code string) int {
	if code == t.Preferred {
		return 0
	}
	for i, c := range t.Order {
		if c.Code == code {
			return i + 1
		}
	}
	return len(t.Order) + 1
}

// WithFirst returns the codes in priority order with first moved to the
// front. An empty first leaves the order unchanged.
func (t CountryTable) WithFirst(first string) []string {
	codes := t.Codes()
	if first == "" {
		return codes
	}
	out := make([]string, 0, len(codes)+1)
	out = append(out, first)
	for _, c := range codes {
		if c != first {
			out = append(out, c)
		}
	}
	return out
}
