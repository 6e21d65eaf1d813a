// Package resource implements the regenerating capacity bar attached to
// balance holders.
package resource

import (
	"errors"
	"math/bits"
)

var (
	ErrTimeReversed = errors.New("resource: update time is before last update")
	ErrBelowFloor   = errors.New("resource: use would drop below floor")
)

// Params describe how a bar refills.
type Params struct {
	MaxCapacity uint64
	// RegenWindow is the time needed to go from empty to full. Zero refills
	// instantly.
	RegenWindow uint64
}

// Bar is a linear regenerating counter. Frac carries the part of a unit that
// has accrued but not yet been converted, so regenerating in several steps
// gives the same result as one step over the whole interval.
type Bar struct {
	Current    uint64 `json:"current"`
	Frac       uint64 `json:"frac,omitempty"`
	LastUpdate uint64 `json:"last_update"`
}

// Regenerate advances the bar to now.
func (b *Bar) Regenerate(now uint64, p Params) error {
	if now < b.LastUpdate {
		return ErrTimeReversed
	}
	elapsed := now - b.LastUpdate
	b.LastUpdate = now
	if b.Current >= p.MaxCapacity {
		b.Current = p.MaxCapacity
		b.Frac = 0
		return nil
	}
	if p.RegenWindow == 0 || elapsed >= p.RegenWindow {
		b.Current = p.MaxCapacity
		b.Frac = 0
		return nil
	}

	// gained*window + frac, computed in 128 bits: max*elapsed cannot
	// overflow the high word because elapsed < window.
	hi, lo := bits.Mul64(p.MaxCapacity, elapsed)
	lo, carry := bits.Add64(lo, b.Frac, 0)
	hi += carry
	gained, frac := bits.Div64(hi, lo, p.RegenWindow)

	missing := p.MaxCapacity - b.Current
	if gained >= missing {
		b.Current = p.MaxCapacity
		b.Frac = 0
		return nil
	}
	b.Current += gained
	b.Frac = frac
	return nil
}

// Use subtracts amount, refusing to go below floor. The bar is left untouched
// on failure.
func (b *Bar) Use(amount, floor uint64) error {
	next := SubSat(b.Current, amount)
	if amount > b.Current || next < floor {
		return ErrBelowFloor
	}
	b.Current = next
	return nil
}

// Has reports whether amount can be used.
func (b Bar) Has(amount uint64) bool {
	return b.Current >= amount
}

// EffectiveCapacity derives the capacity backing a holder's bar from its
// balances. It is recomputed on every use.
func EffectiveCapacity(held, received, delegated, weeklyRate, remaining uint64) uint64 {
	total := AddSat(held, received)
	total = SubSat(total, delegated)
	return SubSat(total, min(weeklyRate, remaining))
}

// AddBounded adds a and b, reporting false when the sum would pass limit.
func AddBounded(a, b, limit uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 || sum > limit {
		return a, false
	}
	return sum, true
}

// AddSat adds without wrapping.
func AddSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

// SubSat subtracts, clamping at zero.
func SubSat(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
