package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"valorswap/deposit"
	"valorswap/fees"
	"valorswap/ledger"
	"valorswap/listing"
)

// ErrNotParty is returned when the actor is neither owner nor requester.
var ErrNotParty = errors.New("swap: actor is not a party to this swap")

// ErrPriceNotAgreed is returned when a deposit lock is attempted before
// negotiation converged.
var ErrPriceNotAgreed = errors.New("swap: price not agreed")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TierReader resolves a user's trust tier.
type TierReader interface {
	TrustTier(ctx context.Context, userID string) (deposit.TrustTier, error)
}

// Store defines the swap data access required by the orchestrator.
type Store interface {
	Get(ctx context.Context, id string) (Swap, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Swap, error)
	Create(ctx context.Context, params CreateParams) (Swap, error)
	RequesterGain(ctx context.Context, requesterID string) (deposit.GainHistory, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	MarkReconciliation(ctx context.Context, swapID string) error
}

// LedgerStore defines the money movements executed inside swap transactions.
type LedgerStore interface {
	LockDeposit(ctx context.Context, tx pgx.Tx, swapID, accountID string, amount int64) error
	ReleaseDeposit(ctx context.Context, tx pgx.Tx, swapID, accountID string, amount int64) error
	Append(ctx context.Context, tx pgx.Tx, e ledger.Entry) error
	SwapEntries(ctx context.Context, q ledger.Querier, swapID string) ([]ledger.Entry, error)
}

// ListingReader resolves listing ownership and valuation.
type ListingReader interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
}

// Service orchestrates the swap state machine. Every ledger-affecting
// transition happens inside one transaction with the status write.
type Service struct {
	pool    TxBeginner
	repo    Store
	ledger  LedgerStore
	listing ListingReader
	tiers   TierReader

	feeSchedule fees.Schedule
	rates       deposit.RateTable

	retryAttempts int
	retryBase     time.Duration
}

func NewService(pool TxBeginner, repo Store, led LedgerStore, lst ListingReader, tiers TierReader, schedule fees.Schedule, rates deposit.RateTable) *Service {
	return &Service{
		pool:          pool,
		repo:          repo,
		ledger:        led,
		listing:       lst,
		tiers:         tiers,
		feeSchedule:   schedule,
		rates:         rates,
		retryAttempts: 3,
		retryBase:     100 * time.Millisecond,
	}
}

// Open creates a swap from the requester's first offer. The listing value is
// read once and frozen on the record.
func (s *Service) Open(ctx context.Context, requesterID, listingID string, offeredListingID *string, proposedPrice int64, message string) (Swap, error) {
	item, err := s.listing.GetByID(ctx, listingID)
	if err != nil {
		return Swap{}, err
	}
	if item.OwnerID == requesterID {
		return Swap{}, fmt.Errorf("swap: cannot request own listing")
	}
	if offeredListingID != nil {
		offered, err := s.listing.GetByID(ctx, *offeredListingID)
		if err != nil {
			return Swap{}, err
		}
		if offered.OwnerID != requesterID {
			return Swap{}, fmt.Errorf("swap: offered listing not owned by requester")
		}
	}
	if proposedPrice < 0 || proposedPrice > 2*item.ValorValue {
		return Swap{}, fmt.Errorf("swap: opening price %d outside [0, %d]", proposedPrice, 2*item.ValorValue)
	}

	hist, err := s.repo.RequesterGain(ctx, requesterID)
	if err != nil {
		return Swap{}, err
	}
	if err := s.rates.CheckFirstSwapCap(hist, item.ValorValue, proposedPrice); err != nil {
		return Swap{}, err
	}

	return s.repo.Create(ctx, CreateParams{
		ListingID:        listingID,
		OfferedListingID: offeredListingID,
		OwnerID:          item.OwnerID,
		RequesterID:      requesterID,
		ListingValue:     item.ValorValue,
		ProposedPrice:    proposedPrice,
		Message:          message,
	})
}

// Confirm locks the requester's deposit and moves the swap to accepted. The
// deposit is sized from the requester's trust tier at this moment and frozen
// on the record. Calling it again once accepted is a no-op returning current
// state.
func (s *Service) Confirm(ctx context.Context, swapID, actorID string) (Swap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Swap{}, fmt.Errorf("swap: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return Swap{}, err
	}
	if actorID != sw.OwnerID && actorID != sw.RequesterID {
		return Swap{}, ErrNotParty
	}
	if sw.Status != StatusPending {
		if sw.DepositLocked {
			return sw, nil // already confirmed
		}
		return Swap{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sw.Status, StatusAccepted)
	}
	if !sw.PriceAgreed() {
		return Swap{}, ErrPriceNotAgreed
	}

	tier, err := s.tiers.TrustTier(ctx, sw.RequesterID)
	if err != nil {
		return Swap{}, err
	}
	quote, err := s.rates.Compute(*sw.AgreedPrice, tier)
	if err != nil {
		return Swap{}, err
	}

	if err := s.ledger.LockDeposit(ctx, tx, sw.ID, sw.RequesterID, quote.DepositRequired); err != nil {
		return Swap{}, err
	}

	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET deposit_amount = $1, deposit_rate_bps = $2, deposit_locked = TRUE, updated_at = now()
        WHERE id = $3
    `, quote.DepositRequired, quote.RateBps, sw.ID); err != nil {
		return Swap{}, fmt.Errorf("swap: record deposit: %w", err)
	}

	if err := AppendEvent(ctx, tx, sw.ID, EventDepositLocked, actorID, nil, nil, "", map[string]any{
		"deposit_amount": quote.DepositRequired,
		"rate_bps":       quote.RateBps,
		"rate_version":   quote.TableVersion,
	}); err != nil {
		return Swap{}, err
	}

	if err := Transition(ctx, tx, sw.ID, StatusPending, StatusAccepted, actorID, TopicSwapAccepted, map[string]any{
		"agreed_price": *sw.AgreedPrice,
		"deposit":      quote.DepositRequired,
	}); err != nil {
		return Swap{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Swap{}, fmt.Errorf("swap: commit confirm: %w", err)
	}
	return s.repo.Get(ctx, swapID)
}

// Complete settles a swap: fee charged, deposit released, price transferred.
// It is valid from delivered (window expired, no dispute) and from disputed
// (resolution supplied settlementAmount). Retries are bounded; exhaustion
// flags the swap for manual reconciliation instead of guessing an outcome.
func (s *Service) Complete(ctx context.Context, swapID, actorID string) error {
	return s.withRetry(ctx, swapID, "complete", func() error {
		return s.completeOnce(ctx, swapID, actorID)
	})
}

func (s *Service) completeOnce(ctx context.Context, swapID, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swap: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return err
	}
	if sw.Status == StatusCompleted {
		return nil // idempotent replay
	}
	if sw.Status != StatusDelivered && sw.Status != StatusDisputed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sw.Status, StatusCompleted)
	}
	if sw.Status == StatusDelivered {
		// completion from delivered requires the window to have lapsed;
		// the dispute path supplies its own settlement amount
		if sw.DisputeWindowEndsAt == nil || time.Now().Before(*sw.DisputeWindowEndsAt) {
			return fmt.Errorf("%w: dispute window still open for %s", ErrInvalidTransition, swapID)
		}
	}
	if sw.Status == StatusDisputed && sw.SettlementAmount == nil {
		// resolution stages the settlement amount before handing the swap
		// here; without it this is the sweeper racing a fresh dispute
		return fmt.Errorf("%w: completing disputed %s before resolution", ErrInvalidTransition, swapID)
	}
	if !sw.PriceAgreed() {
		return fmt.Errorf("%w: completing %s without agreed price", ErrInvariantViolation, swapID)
	}

	if err := s.repo.InsertIdempotencyKey(ctx, tx, settlementKey(swapID, "complete")); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	price := *sw.AgreedPrice
	if sw.SettlementAmount != nil {
		price = *sw.SettlementAmount
	}
	fee := s.feeSchedule.Fee(price)

	if sw.DepositLocked {
		if err := s.ledger.ReleaseDeposit(ctx, tx, sw.ID, sw.RequesterID, sw.DepositAmount); err != nil {
			return err
		}
	}
	if err := s.ledger.Append(ctx, tx, ledger.Entry{
		AccountID: sw.RequesterID, Delta: -price, Kind: ledger.KindTransfer, SwapID: &sw.ID,
	}); err != nil {
		return err
	}
	if err := s.ledger.Append(ctx, tx, ledger.Entry{
		AccountID: sw.OwnerID, Delta: price - fee, Kind: ledger.KindTransfer, SwapID: &sw.ID,
	}); err != nil {
		return err
	}
	if err := s.ledger.Append(ctx, tx, ledger.Entry{
		AccountID: ledger.PlatformAccount, Delta: fee, Kind: ledger.KindFee, SwapID: &sw.ID,
	}); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET fee_amount = $1, fee_schedule_version = $2, settlement_amount = $3, updated_at = now()
        WHERE id = $4
    `, fee, s.feeSchedule.Version, price, sw.ID); err != nil {
		return fmt.Errorf("swap: record settlement: %w", err)
	}

	if err := AppendEvent(ctx, tx, sw.ID, EventSettled, actorID, nil, nil, "", map[string]any{
		"price": price,
		"fee":   fee,
	}); err != nil {
		return err
	}

	if err := Transition(ctx, tx, sw.ID, sw.Status, StatusCompleted, actorID, TopicSwapCompleted, map[string]any{
		"price": price,
		"fee":   fee,
	}); err != nil {
		return err
	}

	// conservation of value across both parties and the platform account
	entries, err := s.ledger.SwapEntries(ctx, tx, sw.ID)
	if err != nil {
		return err
	}
	if !ledger.CheckConservation(entries) {
		return fmt.Errorf("%w: ledger sum %d for %s", ErrInvariantViolation, ledger.Sum(entries), sw.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("swap: commit complete: %w", err)
	}
	return nil
}

// Refund releases the deposit back to the requester with no fee. Reachable
// only from disputed (full_refund resolution).
func (s *Service) Refund(ctx context.Context, swapID, actorID string) error {
	return s.withRetry(ctx, swapID, "refund", func() error {
		return s.refundOnce(ctx, swapID, actorID)
	})
}

func (s *Service) refundOnce(ctx context.Context, swapID, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swap: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sw, err := s.repo.GetForUpdate(ctx, tx, swapID)
	if err != nil {
		return err
	}
	if sw.Status == StatusRefunded {
		return nil
	}
	if sw.Status != StatusDisputed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sw.Status, StatusRefunded)
	}

	if err := s.repo.InsertIdempotencyKey(ctx, tx, settlementKey(swapID, "refund")); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	if sw.DepositLocked {
		if err := s.ledger.ReleaseDeposit(ctx, tx, sw.ID, sw.RequesterID, sw.DepositAmount); err != nil {
			return err
		}
	}

	if err := Transition(ctx, tx, sw.ID, StatusDisputed, StatusRefunded, actorID, TopicSwapRefunded, nil); err != nil {
		return err
	}

	entries, err := s.ledger.SwapEntries(ctx, tx, sw.ID)
	if err != nil {
		return err
	}
	if !ledger.CheckConservation(entries) {
		return fmt.Errorf("%w: ledger sum %d for %s", ErrInvariantViolation, ledger.Sum(entries), sw.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("swap: commit refund: %w", err)
	}
	return nil
}

// withRetry runs a ledger-affecting settlement op with bounded backoff.
// Business failures (invalid transition, invariant violations) are not
// retried; transient ones are. Exhaustion flags the swap for manual
// reconciliation rather than leaving an ambiguous status.
func (s *Service) withRetry(ctx context.Context, swapID, kind string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryBase << (attempt - 1)):
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) ||
			errors.Is(err, ErrNotParty) || errors.Is(err, ledger.ErrInsufficientFunds) {
			return err
		}
		if errors.Is(err, ErrInvariantViolation) {
			if mErr := s.repo.MarkReconciliation(ctx, swapID); mErr != nil {
				return fmt.Errorf("%w (also failed to flag reconciliation: %v)", err, mErr)
			}
			return err
		}
		lastErr = err
	}

	if mErr := s.repo.MarkReconciliation(ctx, swapID); mErr != nil {
		return fmt.Errorf("swap: %s retries exhausted: %w (also failed to flag reconciliation: %v)", kind, lastErr, mErr)
	}
	return fmt.Errorf("swap: %s retries exhausted, flagged for reconciliation: %w", kind, lastErr)
}

func settlementKey(swapID, transition string) string {
	return fmt.Sprintf("swap:%s:%s", swapID, transition)
}
