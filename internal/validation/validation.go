// Package validation provides centralized validation of external
// identifiers. Symbols name on-disk partition directories, so the rules here
// protect the storage layout as much as the data model.
package validation

import (
	"fmt"
	"unicode"

	xerrors "tickflow/internal/errors"
)

// SymbolRules defines the validation rules for instrument symbols.
type SymbolRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// DefaultSymbolRules returns the rules applied to feed symbols. Dots are
// allowed for venue-qualified names (e.g. "GOLD.FUT").
func DefaultSymbolRules() SymbolRules {
	return SymbolRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateSymbol validates a symbol with the default rules.
func ValidateSymbol(symbol string) error {
	return ValidateSymbolWith(symbol, DefaultSymbolRules())
}

// ValidateSymbolWith validates a symbol according to the given rules.
func ValidateSymbolWith(symbol string, rules SymbolRules) error {
	if len(symbol) < rules.MinLength {
		return fmt.Errorf("%w: symbol too short, minimum %d characters", xerrors.ErrValidation, rules.MinLength)
	}
	if len(symbol) > rules.MaxLength {
		return fmt.Errorf("%w: symbol too long, maximum %d characters", xerrors.ErrValidation, rules.MaxLength)
	}

	// Symbols become directory names.
	if symbol == "." || symbol == ".." {
		return fmt.Errorf("%w: symbol cannot be '.' or '..'", xerrors.ErrValidation)
	}
	if symbol[0] == '.' {
		return fmt.Errorf("%w: symbol cannot start with '.'", xerrors.ErrValidation)
	}

	for i, r := range symbol {
		if r < 32 || r == 127 {
			return fmt.Errorf("%w: symbol contains control character at position %d", xerrors.ErrValidation, i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("%w: symbol contains path separator at position %d", xerrors.ErrValidation, i)
		}
		if !isAllowedSymbolChar(r, rules) {
			return fmt.Errorf("%w: invalid character %q at position %d in symbol", xerrors.ErrValidation, r, i)
		}
	}
	return nil
}

func isAllowedSymbolChar(r rune, rules SymbolRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}
