// Package fees computes the platform fee charged on swap settlement using a
// progressive bracket schedule. The calculation is deterministic so that the
// preview shown during negotiation and the amount booked at settlement are
// always identical for the same input and schedule version.
package fees

import (
	"fmt"
	"math"
)

// Bracket charges RateBps on the portion of the amount between the previous
// bracket's UpTo and this one. UpTo == 0 marks the open-ended top bracket.
type Bracket struct {
	UpTo    int64
	RateBps int64
}

// Schedule is a versioned bracket table. Historical swaps keep the version
// they were settled under, so changing rates never rewrites recorded fees.
type Schedule struct {
	Version  int
	Brackets []Bracket
}

// DefaultSchedule returns the launch fee table.
func DefaultSchedule() Schedule {
	return Schedule{
		Version: 1,
		Brackets: []Bracket{
			{UpTo: 200, RateBps: 50},
			{UpTo: 500, RateBps: 100},
			{UpTo: 1000, RateBps: 150},
			{UpTo: 2500, RateBps: 200},
			{UpTo: 5000, RateBps: 250},
			{UpTo: 0, RateBps: 300},
		},
	}
}

// Validate reports whether the schedule is well formed: at least one bracket,
// strictly increasing bounds, an open-ended final bracket and rates within
// [0, 10000] bps.
func (s Schedule) Validate() error {
	if len(s.Brackets) == 0 {
		return fmt.Errorf("fees: schedule v%d has no brackets", s.Version)
	}
	var prev int64
	for i, b := range s.Brackets {
		last := i == len(s.Brackets)-1
		if b.RateBps < 0 || b.RateBps > 10_000 {
			return fmt.Errorf("fees: bracket %d rate %d bps out of range", i, b.RateBps)
		}
		if last {
			if b.UpTo != 0 {
				return fmt.Errorf("fees: final bracket must be open-ended, got upTo=%d", b.UpTo)
			}
			continue
		}
		if b.UpTo <= prev {
			return fmt.Errorf("fees: bracket %d bound %d not increasing", i, b.UpTo)
		}
		prev = b.UpTo
	}
	return nil
}

// Fee walks the brackets and sums the per-bracket contributions for amount,
// rounding the total to the nearest whole Valor with a floor of 1. Amounts
// of zero or less carry no fee.
func (s Schedule) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}

	// accumulate in bps-weighted units to keep the math integral
	var totalBps int64
	var lower int64
	for _, b := range s.Brackets {
		upper := b.UpTo
		if upper == 0 || upper > amount {
			upper = amount
		}
		if upper > lower {
			totalBps += (upper - lower) * b.RateBps
		}
		if b.UpTo == 0 || amount <= b.UpTo {
			break
		}
		lower = b.UpTo
	}

	fee := (totalBps + 5_000) / 10_000 // round to nearest
	if fee < 1 {
		fee = 1
	}
	return fee
}

// Preview mirrors Fee but also reports the effective rate in bps, used by the
// API to show the charge before commitment.
func (s Schedule) Preview(amount int64) (fee int64, effectiveBps int64) {
	fee = s.Fee(amount)
	if amount > 0 {
		effectiveBps = int64(math.Round(float64(fee) / float64(amount) * 10_000))
	}
	return fee, effectiveBps
}
