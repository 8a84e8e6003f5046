package negotiation

import (
	"errors"
	"testing"

	"valorswap/swap"
)

func price(v int64) *int64 { return &v }

func pendingState() State {
	return State{
		Status:           swap.StatusPending,
		OwnerID:          "owner",
		RequesterID:      "req",
		ListingValue:     1000,
		MaxCounterOffers: 5,
	}
}

func TestDecideProposeAndConverge(t *testing.T) {
	st := pendingState()

	// requester proposes 100
	d, err := Decide(st, "req", ActionPropose, 100)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Side != SideRequester || d.Price != 100 || d.AgreedPrice != nil {
		t.Fatalf("unexpected decision %+v", d)
	}

	// owner proposes the same price regardless of prior history
	st.RequesterPrice = price(100)
	st.OwnerPrice = price(450)
	d, err = Decide(st, "owner", ActionPropose, 100)
	if err != nil {
		t.Fatalf("owner propose: %v", err)
	}
	if d.AgreedPrice == nil || *d.AgreedPrice != 100 {
		t.Fatalf("expected convergence at 100, got %+v", d)
	}
	if d.PreviousPrice == nil || *d.PreviousPrice != 450 {
		t.Fatalf("expected previous price 450, got %+v", d.PreviousPrice)
	}
}

func TestDecidePriceBounds(t *testing.T) {
	st := pendingState()

	if _, err := Decide(st, "req", ActionPropose, -1); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("negative price: got %v", err)
	}
	if _, err := Decide(st, "req", ActionPropose, 2001); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("price above 2x listing value: got %v", err)
	}
	if _, err := Decide(st, "req", ActionPropose, 2000); err != nil {
		t.Fatalf("price at 2x bound must pass: %v", err)
	}
	if _, err := Decide(st, "req", ActionPropose, 0); err != nil {
		t.Fatalf("zero price is legal: %v", err)
	}
}

func TestDecideCounterCap(t *testing.T) {
	st := pendingState()
	st.RequesterPrice = price(100)
	st.OwnerPrice = price(300)
	st.CounterOfferCount = 5

	d, err := Decide(st, "owner", ActionCounter, 200)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if !d.ForceReject {
		t.Fatal("cap overrun must force the swap to rejected")
	}

	// one under the cap still counts
	st.CounterOfferCount = 4
	d, err = Decide(st, "owner", ActionCounter, 200)
	if err != nil {
		t.Fatalf("counter under cap: %v", err)
	}
	if !d.CountsAsCounter {
		t.Fatal("counter must consume budget")
	}
}

func TestDecideAccept(t *testing.T) {
	st := pendingState()
	st.RequesterPrice = price(120)

	// owner accepts the requester's last price
	d, err := Decide(st, "owner", ActionAccept, 999)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if d.Price != 120 || d.AgreedPrice == nil || *d.AgreedPrice != 120 {
		t.Fatalf("accept must converge at counterpart price, got %+v", d)
	}

	// nothing to accept yet
	st2 := pendingState()
	if _, err := Decide(st2, "owner", ActionAccept, 0); !errors.Is(err, ErrNothingToAccept) {
		t.Fatalf("expected ErrNothingToAccept, got %v", err)
	}
}

func TestDecideClosedStates(t *testing.T) {
	st := pendingState()
	st.Status = swap.StatusAccepted
	if _, err := Decide(st, "req", ActionPropose, 100); !errors.Is(err, ErrClosed) {
		t.Fatalf("non-pending swap: got %v", err)
	}

	st = pendingState()
	st.AgreedPrice = price(100)
	if _, err := Decide(st, "req", ActionPropose, 90); !errors.Is(err, ErrClosed) {
		t.Fatalf("agreed swap: got %v", err)
	}
}

func TestDecideStranger(t *testing.T) {
	if _, err := Decide(pendingState(), "mallory", ActionPropose, 50); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestReplayMatchesDerivedFields(t *testing.T) {
	actor := func(id string) *string { return &id }

	events := []swap.Event{
		{Type: swap.EventSwapOpened, ActorID: actor("req"), ProposedPrice: price(80), Seq: 1},
		{Type: swap.EventPriceCountered, ActorID: actor("owner"), ProposedPrice: price(150), Seq: 2},
		{Type: swap.EventPriceCountered, ActorID: actor("req"), ProposedPrice: price(100), Seq: 3},
		{Type: swap.EventPriceAccepted, ActorID: actor("owner"), ProposedPrice: price(100), Seq: 4},
	}

	reqPrice, ownPrice, agreed, counters := Replay("req", events)
	if reqPrice == nil || *reqPrice != 100 {
		t.Fatalf("requester price = %v, want 100", reqPrice)
	}
	if ownPrice == nil || *ownPrice != 100 {
		t.Fatalf("owner price = %v, want 100", ownPrice)
	}
	if agreed == nil || *agreed != 100 {
		t.Fatalf("agreed = %v, want 100", agreed)
	}
	if counters != 2 {
		t.Fatalf("counters = %d, want 2", counters)
	}

	// status-change events do not contribute prices
	events = append(events, swap.Event{Type: swap.EventStatusChanged, ActorID: actor("owner"), Seq: 5})
	if _, _, agreed, _ = Replay("req", events); agreed == nil || *agreed != 100 {
		t.Fatal("replay must ignore non-negotiation events")
	}
}
