// Package deposit sizes the escrow deposit a requester must lock before a
// swap can move to delivery, and enforces the new-user net-gain ceiling.
package deposit

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFirstSwapCapExceeded signals the proposal would push a new user's
	// cumulative net gain past the first-swaps ceiling.
	ErrFirstSwapCapExceeded = errors.New("deposit: first-swap net gain cap exceeded")
	// ErrUnknownTier signals a trust tier outside the configured rate table.
	ErrUnknownTier = errors.New("deposit: unknown trust tier")
)

// TrustTier mirrors users.trust_tier.
type TrustTier string

const (
	TierUnverified    TrustTier = "unverified"
	TierPhoneVerified TrustTier = "phone_verified"
	TierIDVerified    TrustTier = "id_verified"
)

// RateTable is the versioned deposit rate configuration, in basis points of
// the agreed price per trust tier. Rates are read at the moment the deposit
// is locked and frozen on the swap record.
type RateTable struct {
	Version int
	Rates   map[TrustTier]int64

	// FirstSwapCount and FirstSwapGainCap bound the cumulative net gain a
	// user may realise across their first completed swaps.
	FirstSwapCount   int
	FirstSwapGainCap int64
}

// DefaultRateTable returns the launch deposit configuration.
func DefaultRateTable() RateTable {
	return RateTable{
		Version: 1,
		Rates: map[TrustTier]int64{
			TierUnverified:    1800,
			TierPhoneVerified: 1000,
			TierIDVerified:    400,
		},
		FirstSwapCount:   3,
		FirstSwapGainCap: 400,
	}
}

// Quote is the deposit required for one swap at one tier.
type Quote struct {
	DepositRequired int64
	RateBps         int64
	TableVersion    int
}

// Compute returns the deposit the requester must lock for agreedPrice. The
// amount rounds up so a non-zero price at a non-zero rate always locks at
// least 1 Valor.
func (t RateTable) Compute(agreedPrice int64, tier TrustTier) (Quote, error) {
	if agreedPrice < 0 {
		return Quote{}, fmt.Errorf("deposit: negative price %d", agreedPrice)
	}
	rate, ok := t.Rates[tier]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	required := (agreedPrice*rate + 9_999) / 10_000
	return Quote{DepositRequired: required, RateBps: rate, TableVersion: t.Version}, nil
}

// GainHistory reports a requester's completed-swap count and cumulative net
// gain (listing value received minus price paid, summed).
type GainHistory struct {
	CompletedSwaps int
	NetGain        int64
}

// GainReader loads a requester's realised gain history.
type GainReader interface {
	RequesterGain(ctx context.Context, requesterID string) (GainHistory, error)
}

// CheckFirstSwapCap rejects a proposal whose projected net gain would push a
// new user past the ceiling. Users past their first FirstSwapCount completed
// swaps are exempt. The projected gain of the proposal itself is
// listingValue - proposedPrice; losses offset earlier gains.
func (t RateTable) CheckFirstSwapCap(hist GainHistory, listingValue, proposedPrice int64) error {
	if t.FirstSwapCount <= 0 || hist.CompletedSwaps >= t.FirstSwapCount {
		return nil
	}
	projected := hist.NetGain + (listingValue - proposedPrice)
	if projected > t.FirstSwapGainCap {
		return fmt.Errorf("%w: projected gain %d over cap %d", ErrFirstSwapCapExceeded, projected, t.FirstSwapGainCap)
	}
	return nil
}
