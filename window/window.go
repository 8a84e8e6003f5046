// Package window tracks the post-delivery contestation period of a swap and
// decides dispute eligibility versus auto-completion.
package window

import (
	"time"

	"valorswap/deposit"
)

// RiskTier buckets a swap by value and party trust; it selects the window length.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Config holds the per-tier window lengths.
type Config struct {
	Hours map[RiskTier]int
	// HighValueFloor and MediumValueFloor are the price bounds that bump a
	// swap into the respective tier regardless of trust.
	MediumValueFloor int64
	HighValueFloor   int64
}

// DefaultConfig returns the launch window lengths: 24h low, 48h medium, 72h high.
func DefaultConfig() Config {
	return Config{
		Hours: map[RiskTier]int{
			RiskLow:    24,
			RiskMedium: 48,
			RiskHigh:   72,
		},
		MediumValueFloor: 500,
		HighValueFloor:   2000,
	}
}

// DeriveRiskTier buckets by agreed price, then bumps one tier when either
// party is unverified.
func (c Config) DeriveRiskTier(agreedPrice int64, ownerTier, requesterTier deposit.TrustTier) RiskTier {
	tier := RiskLow
	switch {
	case agreedPrice >= c.HighValueFloor:
		tier = RiskHigh
	case agreedPrice >= c.MediumValueFloor:
		tier = RiskMedium
	}
	if ownerTier == deposit.TierUnverified || requesterTier == deposit.TierUnverified {
		switch tier {
		case RiskLow:
			tier = RiskMedium
		case RiskMedium:
			tier = RiskHigh
		}
	}
	return tier
}

// Window describes the state of one swap's dispute window at a point in time.
type Window struct {
	EndsAt          time.Time
	HoursTotal      int
	RemainingHours  float64
	IsActive        bool
	CanOpenDispute  bool
	CanAutoComplete bool
}

// Duration returns the window length for a tier. Unknown tiers fall back to
// the high-risk length so a bad record can only widen the window.
func (c Config) Duration(tier RiskTier) time.Duration {
	hours, ok := c.Hours[tier]
	if !ok {
		hours = c.Hours[RiskHigh]
	}
	return time.Duration(hours) * time.Hour
}

// For evaluates the window of a delivered swap. deliveredAt and endsAt come
// from the swap record; delivered reports whether the swap still sits in the
// delivered status (a dispute or completion closes the window permanently).
func (c Config) For(tier RiskTier, endsAt time.Time, delivered bool, now time.Time) Window {
	total := int(c.Duration(tier).Hours())
	w := Window{
		EndsAt:     endsAt,
		HoursTotal: total,
	}
	if endsAt.IsZero() {
		return w
	}
	if remaining := endsAt.Sub(now); remaining > 0 {
		w.RemainingHours = remaining.Hours()
		w.IsActive = delivered
		w.CanOpenDispute = delivered
	} else {
		w.CanAutoComplete = delivered
	}
	return w
}
