package negotiation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"valorswap/deposit"
	"valorswap/swap"
)

// Store is the swap data access the engine needs.
type Store interface {
	Get(ctx context.Context, id string) (swap.Swap, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (swap.Swap, error)
	RequesterGain(ctx context.Context, requesterID string) (deposit.GainHistory, error)
}

// Service applies negotiation commands to swaps, holding the per-swap row
// lock for the whole command so racing proposals serialize.
type Service struct {
	pool  swap.TxBeginner
	repo  Store
	rates deposit.RateTable
}

func NewService(pool swap.TxBeginner, repo Store, rates deposit.RateTable) *Service {
	return &Service{pool: pool, repo: repo, rates: rates}
}

// Propose records a price proposal by either party and checks convergence.
func (s *Service) Propose(ctx context.Context, swapID, actorID string, price int64, message string) (swap.Swap, error) {
	return s.apply(ctx, swapID, actorID, ActionPropose, price, message)
}

// Counter behaves like Propose but consumes counter-offer budget; hitting
// the cap forces the swap to rejected.
func (s *Service) Counter(ctx context.Context, swapID, actorID string, price int64, message string) (swap.Swap, error) {
	return s.apply(ctx, swapID, actorID, ActionCounter, price, message)
}

// Accept is shorthand for proposing the counterpart's last price.
func (s *Service) Accept(ctx context.Context, swapID, actorID string, message string) (swap.Swap, error) {
	return s.apply(ctx, swapID, actorID, ActionAccept, 0, message)
}

func (s *Service) apply(ctx context.Context, swapID, actorID string, action Action, price int64, message string) (swap.Swap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return swap.Swap{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return swap.Swap{}, err
	}

	d, err := Decide(StateOf(sw), actorID, action, price)
	if err != nil {
		if d.ForceReject {
			if tErr := s.reject(ctx, tx, sw, actorID); tErr != nil {
				return swap.Swap{}, tErr
			}
			if cErr := tx.Commit(ctx); cErr != nil {
				return swap.Swap{}, fmt.Errorf("negotiation: commit forced reject: %w", cErr)
			}
			return swap.Swap{}, err
		}
		return swap.Swap{}, err
	}

	// the anti-abuse ceiling applies to what the requester would pay,
	// independent of deposit sizing
	if d.Side == SideRequester {
		hist, gErr := s.repo.RequesterGain(ctx, sw.RequesterID)
		if gErr != nil {
			return swap.Swap{}, gErr
		}
		if cErr := s.rates.CheckFirstSwapCap(hist, sw.ListingValue, d.Price); cErr != nil {
			return swap.Swap{}, cErr
		}
	}

	col := "owner_price"
	if d.Side == SideRequester {
		col = "requester_price"
	}
	counterBump := 0
	if d.CountsAsCounter {
		counterBump = 1
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE swaps
        SET %s = $1,
            agreed_price = COALESCE(agreed_price, $2),
            counter_offer_count = counter_offer_count + $3,
            updated_at = now()
        WHERE id = $4
    `, col), d.Price, d.AgreedPrice, counterBump, sw.ID); err != nil {
		return swap.Swap{}, fmt.Errorf("negotiation: update prices: %w", err)
	}

	if err := swap.AppendEvent(ctx, tx, sw.ID, d.EventType, actorID, &d.Price, d.PreviousPrice, message, nil); err != nil {
		return swap.Swap{}, err
	}

	if d.AgreedPrice != nil {
		if err := swap.EnqueueOutbox(ctx, tx, "swap.price_agreed", map[string]any{
			"swap_id":      sw.ID,
			"agreed_price": *d.AgreedPrice,
		}); err != nil {
			return swap.Swap{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return swap.Swap{}, fmt.Errorf("negotiation: commit: %w", err)
	}
	return s.repo.Get(ctx, swapID)
}

// Reject lets either party walk away from an open negotiation.
func (s *Service) Reject(ctx context.Context, swapID, actorID string) (swap.Swap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return swap.Swap{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return swap.Swap{}, err
	}
	if sw.Status == swap.StatusRejected {
		return sw, nil
	}
	if actorID != sw.OwnerID && actorID != sw.RequesterID {
		return swap.Swap{}, ErrNotParty
	}
	if err := s.reject(ctx, tx, sw, actorID); err != nil {
		return swap.Swap{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return swap.Swap{}, fmt.Errorf("negotiation: commit reject: %w", err)
	}
	return s.repo.Get(ctx, swapID)
}

func (s *Service) reject(ctx context.Context, tx pgx.Tx, sw swap.Swap, actorID string) error {
	if err := swap.AppendEvent(ctx, tx, sw.ID, swap.EventNegotiationClosed, actorID, nil, nil, "", map[string]any{
		"counter_offers": sw.CounterOfferCount,
	}); err != nil {
		return err
	}
	return swap.Transition(ctx, tx, sw.ID, sw.Status, swap.StatusRejected, actorID, swap.TopicSwapRejected, nil)
}

// AuditConvergence recomputes the derived price fields from the event log
// and compares them with the cached columns. Used by operators and the
// stress oracles; a mismatch is an invariant violation.
func (s *Service) AuditConvergence(ctx context.Context, sw swap.Swap, events []swap.Event) error {
	reqPrice, ownPrice, agreed, counters := Replay(sw.RequesterID, events)
	if !ptrEq(reqPrice, sw.RequesterPrice) || !ptrEq(ownPrice, sw.OwnerPrice) {
		return fmt.Errorf("%w: cached prices diverge from event log for %s", swap.ErrInvariantViolation, sw.ID)
	}
	if !ptrEq(agreed, sw.AgreedPrice) {
		return fmt.Errorf("%w: agreed price diverges from event log for %s", swap.ErrInvariantViolation, sw.ID)
	}
	if counters != sw.CounterOfferCount {
		return fmt.Errorf("%w: counter count %d != %d for %s", swap.ErrInvariantViolation, counters, sw.CounterOfferCount, sw.ID)
	}
	return nil
}

func ptrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
