package ledger

import "testing"

func swapRef(id string) *string { return &id }

func TestConservationSettledSwap(t *testing.T) {
	// lock 100, release 100, requester pays 1000, owner gets 988, platform 12
	entries := []Entry{
		{AccountID: "req", Delta: -100, Kind: KindDepositLock, SwapID: swapRef("s1")},
		{AccountID: "req", Delta: 100, Kind: KindDepositRelease, SwapID: swapRef("s1")},
		{AccountID: "req", Delta: -1000, Kind: KindTransfer, SwapID: swapRef("s1")},
		{AccountID: "own", Delta: 988, Kind: KindTransfer, SwapID: swapRef("s1")},
		{AccountID: PlatformAccount, Delta: 12, Kind: KindFee, SwapID: swapRef("s1")},
	}
	if !CheckConservation(entries) {
		t.Fatalf("settled swap must conserve value, sum = %d", Sum(entries))
	}
}

func TestConservationRefundedSwap(t *testing.T) {
	entries := []Entry{
		{AccountID: "req", Delta: -150, Kind: KindDepositLock, SwapID: swapRef("s2")},
		{AccountID: "req", Delta: 150, Kind: KindDepositRelease, SwapID: swapRef("s2")},
	}
	if !CheckConservation(entries) {
		t.Fatal("refunded swap must conserve value")
	}
}

func TestConservationDetectsLeak(t *testing.T) {
	entries := []Entry{
		{AccountID: "req", Delta: -100, Kind: KindDepositLock},
		{AccountID: "own", Delta: 99, Kind: KindTransfer},
	}
	if CheckConservation(entries) {
		t.Fatal("expected conservation failure")
	}
}
