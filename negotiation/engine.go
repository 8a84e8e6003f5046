// Package negotiation manages iterative price proposals between the two
// parties of a swap until convergence or exhaustion. All mutation is
// append-only at the event level; the current price fields on the swap row
// are a cache derived from the latest proposal per side (see Replay).
package negotiation

import (
	"errors"
	"fmt"

	"valorswap/swap"
)

var (
	// ErrInvalidPrice signals a proposal outside [0, 2 x listing value].
	ErrInvalidPrice = errors.New("negotiation: price out of bounds")
	// ErrLimitExceeded signals the counter-offer cap was hit; the swap is
	// forced to rejected.
	ErrLimitExceeded = errors.New("negotiation: counter-offer limit exceeded")
	// ErrClosed signals negotiation is over for this swap.
	ErrClosed = errors.New("negotiation: closed")
	// ErrNotParty signals the actor is neither owner nor requester.
	ErrNotParty = errors.New("negotiation: actor is not a party")
	// ErrNothingToAccept signals accept was called before the counterpart
	// ever proposed a price.
	ErrNothingToAccept = errors.New("negotiation: counterpart has not proposed")
)

// Action is a negotiation command kind.
type Action string

const (
	ActionPropose Action = "propose"
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
)

// Side identifies which party acted.
type Side int

const (
	SideRequester Side = iota
	SideOwner
)

// State is the negotiation-relevant projection of a swap.
type State struct {
	Status            swap.Status
	OwnerID           string
	RequesterID       string
	ListingValue      int64
	RequesterPrice    *int64
	OwnerPrice        *int64
	AgreedPrice       *int64
	CounterOfferCount int
	MaxCounterOffers  int
}

// StateOf projects a swap record into negotiation state.
func StateOf(s swap.Swap) State {
	return State{
		Status:            s.Status,
		OwnerID:           s.OwnerID,
		RequesterID:       s.RequesterID,
		ListingValue:      s.ListingValue,
		RequesterPrice:    s.RequesterPrice,
		OwnerPrice:        s.OwnerPrice,
		AgreedPrice:       s.AgreedPrice,
		CounterOfferCount: s.CounterOfferCount,
		MaxCounterOffers:  s.MaxCounterOffers,
	}
}

// Decision is the outcome of one negotiation command, computed without side
// effects so it can be tested and replayed independently of storage.
type Decision struct {
	Side          Side
	EventType     string
	Price         int64
	PreviousPrice *int64
	// AgreedPrice is set when this command converged the negotiation.
	AgreedPrice *int64
	// CountsAsCounter marks commands that consume counter-offer budget.
	CountsAsCounter bool
	// ForceReject is set when the counter cap was exceeded; the caller must
	// drive the swap to rejected before surfacing ErrLimitExceeded.
	ForceReject bool
}

// Decide validates one command against the current state. price is ignored
// for ActionAccept, which is shorthand for proposing the counterpart's last
// price.
func Decide(st State, actorID string, action Action, price int64) (Decision, error) {
	if st.Status != swap.StatusPending {
		return Decision{}, fmt.Errorf("%w: swap is %s", ErrClosed, st.Status)
	}
	if st.AgreedPrice != nil {
		return Decision{}, fmt.Errorf("%w: price already agreed", ErrClosed)
	}

	var side Side
	switch actorID {
	case st.RequesterID:
		side = SideRequester
	case st.OwnerID:
		side = SideOwner
	default:
		return Decision{}, ErrNotParty
	}

	var mine, theirs *int64
	if side == SideRequester {
		mine, theirs = st.RequesterPrice, st.OwnerPrice
	} else {
		mine, theirs = st.OwnerPrice, st.RequesterPrice
	}

	d := Decision{Side: side, PreviousPrice: mine}

	switch action {
	case ActionPropose:
		d.EventType = swap.EventPriceProposed
	case ActionCounter:
		if st.CounterOfferCount >= st.MaxCounterOffers {
			return Decision{ForceReject: true}, ErrLimitExceeded
		}
		d.EventType = swap.EventPriceCountered
		d.CountsAsCounter = true
	case ActionAccept:
		if theirs == nil {
			return Decision{}, ErrNothingToAccept
		}
		price = *theirs
		d.EventType = swap.EventPriceAccepted
	default:
		return Decision{}, fmt.Errorf("negotiation: unknown action %q", action)
	}

	if price < 0 || price > 2*st.ListingValue {
		return Decision{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidPrice, price, 2*st.ListingValue)
	}
	d.Price = price

	if theirs != nil && *theirs == price {
		agreed := price
		d.AgreedPrice = &agreed
	}
	return d, nil
}

// Replay recomputes the derived price fields from the append-only event log,
// using the latest proposal per side. It is the audit-trail counterpart of
// the cached columns: for any swap the two must agree.
func Replay(requesterID string, events []swap.Event) (requesterPrice, ownerPrice, agreedPrice *int64, counterCount int) {
	for _, e := range events {
		switch e.Type {
		case swap.EventSwapOpened, swap.EventPriceProposed, swap.EventPriceCountered, swap.EventPriceAccepted:
		default:
			continue
		}
		if e.ProposedPrice == nil || e.ActorID == nil {
			continue
		}
		p := *e.ProposedPrice
		if *e.ActorID == requesterID {
			requesterPrice = &p
		} else {
			ownerPrice = &p
		}
		if e.Type == swap.EventPriceCountered {
			counterCount++
		}
		if requesterPrice != nil && ownerPrice != nil && *requesterPrice == *ownerPrice {
			agreed := *requesterPrice
			agreedPrice = &agreed
		}
	}
	return requesterPrice, ownerPrice, agreedPrice, counterCount
}
