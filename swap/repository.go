package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"valorswap/deposit"
)

// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
var ErrDuplicateIdempotencyKey = errors.New("swap: duplicate idempotency key")

const swapColumns = `
    id, listing_id, offered_listing_id::text, owner_id, requester_id,
    listing_value, requester_price, owner_price, agreed_price,
    counter_offer_count, max_counter_offers,
    deposit_amount, deposit_rate_bps, deposit_locked,
    delivery_method, delivery_location_ref, packaging_photo_ref, receiver_photo_ref,
    qr_token_issued_at, qr_scanned_at, delivery_confirmed_at,
    risk_tier::text, dispute_window_ends_at,
    fee_amount, fee_schedule_version, settlement_amount,
    status::text, needs_reconciliation, status_updated_at,
    accepted_at, delivered_at, completed_at, refunded_at,
    created_at, updated_at`

// Repository provides data access for swaps and their events. Methods taking
// a pgx.Tx participate in the caller's transaction; the rest read through the
// pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSwap(row pgx.Row) (Swap, error) {
	var s Swap
	err := row.Scan(
		&s.ID, &s.ListingID, &s.OfferedListingID, &s.OwnerID, &s.RequesterID,
		&s.ListingValue, &s.RequesterPrice, &s.OwnerPrice, &s.AgreedPrice,
		&s.CounterOfferCount, &s.MaxCounterOffers,
		&s.DepositAmount, &s.DepositRateBps, &s.DepositLocked,
		&s.DeliveryMethod, &s.DeliveryLocationRef, &s.PackagingPhotoRef, &s.ReceiverPhotoRef,
		&s.QRTokenIssuedAt, &s.QRScannedAt, &s.DeliveryConfirmedAt,
		&s.RiskTier, &s.DisputeWindowEndsAt,
		&s.FeeAmount, &s.FeeScheduleVersion, &s.SettlementAmount,
		&s.Status, &s.NeedsReconciliation, &s.StatusUpdatedAt,
		&s.AcceptedAt, &s.DeliveredAt, &s.CompletedAt, &s.RefundedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// Get loads one swap. The verification code and QR token are never part of
// the projection.
func (r *Repository) Get(ctx context.Context, id string) (Swap, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id)
	s, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Swap{}, ErrNotFound
		}
		return Swap{}, fmt.Errorf("swap: get: %w", err)
	}
	return s, nil
}

// GetForUpdate locks the swap row (NOWAIT) and returns the full record.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	if _, err := lockRow(ctx, tx, id); err != nil {
		return Swap{}, err
	}
	row := tx.QueryRow(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id)
	s, err := scanSwap(row)
	if err != nil {
		return Swap{}, fmt.Errorf("swap: get locked: %w", err)
	}
	return s, nil
}

// CreateParams carries the first-offer fields. ListingValue is frozen from
// the listing at offer time and never changes afterwards.
type CreateParams struct {
	ListingID        string
	OfferedListingID *string
	OwnerID          string
	RequesterID      string
	ListingValue     int64
	ProposedPrice    int64
	Message          string
}

// Create opens a swap in pending with the requester's first proposal. A
// retry that races the unique live-swap index returns the existing record,
// matching the idempotent command contract.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Swap, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Swap{}, fmt.Errorf("swap: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
        INSERT INTO swaps (listing_id, offered_listing_id, owner_id, requester_id, listing_value, requester_price)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+swapColumns, params.ListingID, params.OfferedListingID, params.OwnerID, params.RequesterID, params.ListingValue, params.ProposedPrice)
	s, err := scanSwap(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.findActive(ctx, params.ListingID, params.RequesterID)
		}
		return Swap{}, fmt.Errorf("swap: insert: %w", err)
	}

	price := params.ProposedPrice
	if err := AppendEvent(ctx, tx, s.ID, EventSwapOpened, params.RequesterID, &price, nil, params.Message, map[string]any{
		"listing_id":    params.ListingID,
		"listing_value": params.ListingValue,
	}); err != nil {
		return Swap{}, err
	}
	if err := EnqueueOutbox(ctx, tx, "swap.opened", map[string]any{
		"swap_id":      s.ID,
		"listing_id":   params.ListingID,
		"owner_id":     params.OwnerID,
		"requester_id": params.RequesterID,
	}); err != nil {
		return Swap{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Swap{}, fmt.Errorf("swap: commit create: %w", err)
	}
	return s, nil
}

func (r *Repository) findActive(ctx context.Context, listingID, requesterID string) (Swap, error) {
	row := r.pool.QueryRow(ctx, `
        SELECT `+swapColumns+`
        FROM swaps
        WHERE listing_id = $1 AND requester_id = $2
          AND status NOT IN ('rejected', 'completed', 'refunded')
        LIMIT 1
    `, listingID, requesterID)
	s, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Swap{}, ErrNotFound
		}
		return Swap{}, fmt.Errorf("swap: find active: %w", err)
	}
	return s, nil
}

// ListForUser returns swaps where the user is either party, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Swap, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+swapColumns+`
        FROM swaps
        WHERE owner_id = $1 OR requester_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("swap: list: %w", err)
	}
	defer rows.Close()

	out := make([]Swap, 0, limit)
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, fmt.Errorf("swap: scan list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swap: iterate list: %w", err)
	}
	return out, nil
}

// Events returns the append-only event log in sequence order.
func (r *Repository) Events(ctx context.Context, swapID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, swap_id, seq, type, actor_id::text, proposed_price, previous_price, message, payload, created_at
        FROM swap_events
        WHERE swap_id = $1
        ORDER BY seq
    `, swapID)
	if err != nil {
		return nil, fmt.Errorf("swap: events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SwapID, &e.Seq, &e.Type, &e.ActorID, &e.ProposedPrice, &e.PreviousPrice, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("swap: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swap: iterate events: %w", err)
	}
	return out, nil
}

// InsertIdempotencyKey reserves key inside the active transaction; a replay
// hits the primary key and gets ErrDuplicateIdempotencyKey.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("swap: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("swap: insert idempotency key: %w", err)
	}
	return nil
}

// RequesterGain implements deposit.GainReader: completed-swap count and net
// realised gain for the first-swap anti-abuse ceiling.
func (r *Repository) RequesterGain(ctx context.Context, requesterID string) (deposit.GainHistory, error) {
	var hist deposit.GainHistory
	err := r.pool.QueryRow(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(listing_value - COALESCE(settlement_amount, agreed_price)), 0)
        FROM swaps
        WHERE requester_id = $1 AND status = 'completed'
    `, requesterID).Scan(&hist.CompletedSwaps, &hist.NetGain)
	if err != nil {
		return deposit.GainHistory{}, fmt.Errorf("swap: requester gain: %w", err)
	}
	return hist, nil
}

// SweepDue returns ids of delivered swaps whose dispute window has expired.
func (r *Repository) SweepDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id FROM swaps
        WHERE status = 'delivered' AND dispute_window_ends_at <= $1
          AND NOT needs_reconciliation
        ORDER BY dispute_window_ends_at
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("swap: sweep due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("swap: scan sweep id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swap: iterate sweep ids: %w", err)
	}
	return ids, nil
}

// MarkReconciliation flags the swap for manual review after settlement
// retries are exhausted. Runs outside the failed transaction on purpose.
func (r *Repository) MarkReconciliation(ctx context.Context, swapID string) error {
	if _, err := r.pool.Exec(ctx, `
        UPDATE swaps SET needs_reconciliation = TRUE, updated_at = now() WHERE id = $1
    `, swapID); err != nil {
		return fmt.Errorf("swap: mark reconciliation: %w", err)
	}
	body := map[string]any{"swap_id": swapID}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swap: begin reconciliation outbox: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := EnqueueOutbox(ctx, tx, TopicReconciliation, body); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("swap: commit reconciliation outbox: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for collaborating services that join
// their writes into one transaction.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}
