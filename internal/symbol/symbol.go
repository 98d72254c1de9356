// Package symbol handles trading symbol normalization and validation for
// PnL entries.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Symbol kinds.
const (
	KindFX         = "FX"
	KindInstrument = "INSTRUMENT"
)

// symbolRegex matches: {base}[{sep}{quote}]
// Examples: EURUSD, EUR/USD, XAUUSD, US30, BTC-PERP
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,12})(?:([._/-])([A-Z0-9]{1,8}))?$`,
)

var fxRegex = regexp.MustCompile(`^[A-Z]{3}$`)

var ErrInvalidSymbol = errors.New("symbol: invalid symbol format")

// Symbol is a parsed trading symbol.
type Symbol struct {
	Raw   string `json:"raw"`
	Base  string `json:"base"`
	Quote string `json:"quote,omitempty"`
	Kind  string `json:"kind"`
}

// String returns the canonical form.
func (s *Symbol) String() string { return s.Raw }

// Normalize upper-cases and trims a symbol without validating it.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse normalizes and validates a symbol.
// A six-letter symbol or two three-letter codes joined by a separator is
// classified as an FX pair; anything else is a generic instrument.
func Parse(raw string) (*Symbol, error) {
	s := Normalize(raw)
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}

	base, quote := matches[1], matches[3]
	sym := &Symbol{Raw: s, Base: base, Quote: quote, Kind: KindInstrument}

	switch {
	case quote == "" && len(base) == 6 && fxRegex.MatchString(base[:3]) && fxRegex.MatchString(base[3:]):
		sym.Base, sym.Quote, sym.Kind = base[:3], base[3:], KindFX
	case quote != "" && fxRegex.MatchString(base) && fxRegex.MatchString(quote):
		sym.Kind = KindFX
	}
	return sym, nil
}
