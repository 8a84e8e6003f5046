package fees

import "testing"

func TestFeeKnownValues(t *testing.T) {
	s := DefaultSchedule()

	cases := []struct {
		amount int64
		want   int64
	}{
		{0, 0},
		{-10, 0},
		{1, 1},    // rounds to zero, floored to 1
		{150, 1},  // 0.5% of 150 = 0.75 -> 1
		{200, 1},  // exactly one full bracket
		{201, 1},  // 1.00 + 0.01 -> 1
		{500, 4},  // 1 + 3
		{1000, 12},  // 1 + 3 + 7.5 -> 11.5 -> 12
		{2500, 42},  // 41.5 -> 42
		{5000, 104},
		{5500, 119}, // 200*.005 + 300*.01 + 500*.015 + 1500*.02 + 2500*.025 + 500*.03
	}
	for _, tc := range cases {
		if got := s.Fee(tc.amount); got != tc.want {
			t.Errorf("Fee(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestFeeDeterministic(t *testing.T) {
	s := DefaultSchedule()
	for _, amount := range []int64{1, 199, 200, 4999, 5000, 123456} {
		first := s.Fee(amount)
		for i := 0; i < 100; i++ {
			if got := s.Fee(amount); got != first {
				t.Fatalf("Fee(%d) not deterministic: %d then %d", amount, first, got)
			}
		}
	}
}

func TestFeeMonotonicNonDecreasing(t *testing.T) {
	s := DefaultSchedule()
	var prev int64
	for amount := int64(1); amount <= 10_000; amount++ {
		fee := s.Fee(amount)
		if fee < prev {
			t.Fatalf("fee decreased: Fee(%d)=%d < Fee(%d)=%d", amount, fee, amount-1, prev)
		}
		prev = fee
	}
}

func TestScheduleValidate(t *testing.T) {
	if err := DefaultSchedule().Validate(); err != nil {
		t.Fatalf("default schedule invalid: %v", err)
	}

	bad := Schedule{Version: 2, Brackets: []Bracket{{UpTo: 100, RateBps: 50}, {UpTo: 50, RateBps: 100}, {UpTo: 0, RateBps: 200}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for non-increasing bounds")
	}

	noTerminal := Schedule{Version: 3, Brackets: []Bracket{{UpTo: 100, RateBps: 50}}}
	if err := noTerminal.Validate(); err == nil {
		t.Fatal("expected error for missing open-ended bracket")
	}

	empty := Schedule{Version: 4}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected error for empty schedule")
	}
}

func TestPreviewEffectiveRate(t *testing.T) {
	s := DefaultSchedule()
	fee, bps := s.Preview(1000)
	if fee != 12 {
		t.Fatalf("Preview fee = %d, want 12", fee)
	}
	if bps != 120 {
		t.Fatalf("Preview effective bps = %d, want 120", bps)
	}
}
