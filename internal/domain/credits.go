// Package domain contains pure ledger types with ZERO infrastructure imports.
// This is the innermost ring: it depends on nothing but the standard library.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ─── Credits ────────────────────────────────────────────────────────────────

// CreditScale is the number of minor units in one credit.
const CreditScale = 100

// Credits is an amount of credits in minor units (hundredths).
// Integer arithmetic keeps balances exact across any number of settlements.
type Credits int64

// NewCredits returns whole credits as a Credits value.
func NewCredits(whole int64) Credits {
	return Credits(whole * CreditScale)
}

// String formats the amount with two decimals, e.g. "125.00" or "-30.50".
func (c Credits) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/CreditScale, v%CreditScale)
}

// Float returns the amount as a float (display and metrics only).
func (c Credits) Float() float64 {
	return float64(c) / CreditScale
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := ParseCredits(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// maxWholeCredits is the largest whole part that fits in Credits with any fraction.
const maxWholeCredits = (math.MaxInt64 - (CreditScale - 1)) / CreditScale

// ParseCredits parses a decimal string ("25", "25.5", "-3.75").
// More than two fractional digits is an error rather than a silent rounding.
func ParseCredits(s string) (Credits, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse credits: empty amount")
	}
	in := s
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) {
		return 0, fmt.Errorf("parse credits %q: invalid amount", in)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > maxWholeCredits {
		return 0, fmt.Errorf("parse credits %q: amount out of range", in)
	}
	var f int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("parse credits %q: at most two decimals allowed", in)
		}
		if !digits(frac) {
			return 0, fmt.Errorf("parse credits %q: invalid amount", in)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		f, _ = strconv.ParseInt(frac, 10, 64)
	}
	v := Credits(w*CreditScale + f)
	if neg {
		v = -v
	}
	return v, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ─── Reward Multiplier ──────────────────────────────────────────────────────

// ModuleBonusPercent is the reward bonus granted per owned module.
const ModuleBonusPercent = 15

// BoostedReward applies the owned-module multiplier:
// reward = base × (1 + 0.15 × ownedModules), rounded half-up to the minor unit.
// It is a pure function of account state and lives outside the account store.
func BoostedReward(base Credits, ownedModules int) Credits {
	if ownedModules <= 0 {
		return base
	}
	pct := int64(100 + ModuleBonusPercent*ownedModules)
	return Credits((int64(base)*pct + 50) / 100)
}
