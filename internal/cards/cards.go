// Package cards resolves RBLN device model codes to card family names.
package cards

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownCard reports a model code with no known card family.
var ErrUnknownCard = errors.New("unknown card model")

var families = map[string]string{
	"1020": "RBLN-CA02",
	"1021": "RBLN-CA02",
	"1120": "RBLN-CA12",
	"1121": "RBLN-CA12",
	"1150": "RBLN-CA15",
	"1220": "RBLN-CA22",
	"1221": "RBLN-CA22",
	"1250": "RBLN-CA25",
}

// Lookup returns the family of a model code from the built-in table.
func Lookup(code string) (string, bool) {
	name, ok := families[normalizeCode(code)]
	return name, ok
}

// Codes lists the model codes of the built-in table in ascending order.
func Codes() []string {
	codes := make([]string, 0, len(families))
	for code := range families {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// LookupFunc resolves codes missing from the built-in table.
type LookupFunc func(code string) (string, bool)

// Resolver maps model codes to card families. The zero value uses only
// the built-in table. Safe for concurrent use.
type Resolver struct {
	fallback LookupFunc
}

// NewResolver returns a Resolver that consults fallback for codes absent
// from the built-in table. fallback may be nil.
func NewResolver(fallback LookupFunc) *Resolver {
	return &Resolver{fallback: fallback}
}

// Family resolves code, returning an error wrapping ErrUnknownCard when
// no source knows it.
func (r *Resolver) Family(code string) (string, error) {
	if name, ok := Lookup(code); ok {
		return name, nil
	}
	if r != nil && r.fallback != nil {
		if name, ok := r.fallback(normalizeCode(code)); ok && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCard, code)
}

func normalizeCode(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	value = strings.ToLower(value)
	if value != "" && len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}
