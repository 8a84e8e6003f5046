package window

import (
	"testing"
	"time"

	"valorswap/deposit"
)

func TestDeriveRiskTier(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		price     int64
		owner     deposit.TrustTier
		requester deposit.TrustTier
		want      RiskTier
	}{
		{100, deposit.TierIDVerified, deposit.TierIDVerified, RiskLow},
		{100, deposit.TierPhoneVerified, deposit.TierPhoneVerified, RiskLow},
		{499, deposit.TierIDVerified, deposit.TierIDVerified, RiskLow},
		{500, deposit.TierIDVerified, deposit.TierIDVerified, RiskMedium},
		{2000, deposit.TierIDVerified, deposit.TierIDVerified, RiskHigh},
		{100, deposit.TierUnverified, deposit.TierIDVerified, RiskMedium},  // trust bump
		{500, deposit.TierIDVerified, deposit.TierUnverified, RiskHigh},    // trust bump
		{5000, deposit.TierUnverified, deposit.TierUnverified, RiskHigh},   // already high
	}
	for _, tc := range cases {
		if got := cfg.DeriveRiskTier(tc.price, tc.owner, tc.requester); got != tc.want {
			t.Errorf("DeriveRiskTier(%d, %s, %s) = %s, want %s", tc.price, tc.owner, tc.requester, got, tc.want)
		}
	}
}

func TestWindowLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	endsAt := now.Add(24 * time.Hour)

	// active window on a delivered swap
	w := cfg.For(RiskLow, endsAt, true, now)
	if !w.IsActive || !w.CanOpenDispute || w.CanAutoComplete {
		t.Fatalf("expected active disputable window, got %+v", w)
	}
	if w.HoursTotal != 24 {
		t.Errorf("HoursTotal = %d, want 24", w.HoursTotal)
	}
	if w.RemainingHours < 23.9 || w.RemainingHours > 24 {
		t.Errorf("RemainingHours = %f, want ~24", w.RemainingHours)
	}

	// exactly at expiry the window flips to auto-complete
	w = cfg.For(RiskLow, endsAt, true, endsAt)
	if w.IsActive || w.CanOpenDispute {
		t.Fatalf("expired window must not allow disputes: %+v", w)
	}
	if !w.CanAutoComplete {
		t.Fatal("expired delivered swap must be auto-completable")
	}

	// a swap that already left delivered can neither dispute nor auto-complete
	w = cfg.For(RiskLow, endsAt, false, endsAt.Add(time.Hour))
	if w.CanOpenDispute || w.CanAutoComplete {
		t.Fatalf("closed swap must be inert: %+v", w)
	}

	// zero endsAt means no window was ever started
	w = cfg.For(RiskMedium, time.Time{}, true, now)
	if w.IsActive || w.CanOpenDispute || w.CanAutoComplete {
		t.Fatalf("unset window must be inert: %+v", w)
	}
	if w.HoursTotal != 48 {
		t.Errorf("HoursTotal = %d, want 48", w.HoursTotal)
	}
}

func TestDurationUnknownTierWidens(t *testing.T) {
	cfg := DefaultConfig()
	if d := cfg.Duration(RiskTier("weird")); d != 72*time.Hour {
		t.Fatalf("unknown tier duration = %v, want 72h", d)
	}
}
