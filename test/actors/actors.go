package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tolerable reports the pg error codes expected under contention: unique
// violations from competing inserts and lock_not_available from NOWAIT.
func tolerable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "55P03"
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// Opener races competing pending swaps for the same (listing, requester);
// the partial unique index admits at most one live swap per pair.
func Opener(ctx context.Context, pool *pgxpool.Pool, listingID, ownerID, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
            INSERT INTO swaps (listing_id, owner_id, requester_id, listing_value, requester_price)
            VALUES ($1, $2, $3, 100, 100)`, listingID, ownerID, requesterID)
		if err != nil && !tolerable(err) {
			return fmt.Errorf("opener insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Negotiator drives pending swaps for the pair forward: it appends counter
// events, occasionally rejects, and otherwise walks the swap all the way to
// delivered with a locked deposit so the sweeper and disputer have prey.
// Half the delivered swaps get an already expired dispute window.
func Negotiator(ctx context.Context, pool *pgxpool.Pool, listingID, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := negotiateOne(ctx, pool, listingID, requesterID); err != nil && !tolerable(err) {
			return fmt.Errorf("negotiator: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func negotiateOne(ctx context.Context, pool *pgxpool.Pool, listingID, requesterID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var swapID string
	err = tx.QueryRow(ctx, `
        SELECT id::text FROM swaps
        WHERE listing_id = $1 AND requester_id = $2 AND status = 'pending'
        LIMIT 1 FOR UPDATE NOWAIT`, listingID, requesterID).Scan(&swapID)
	if err != nil {
		return err
	}

	if err := appendEvent(ctx, tx, swapID, "PRICE_COUNTERED"); err != nil {
		return err
	}

	if rand.Intn(3) == 0 {
		if _, err := tx.Exec(ctx, `
            UPDATE swaps SET status = 'rejected', status_updated_at = now(), updated_at = now()
            WHERE id = $1 AND status = 'pending'`, swapID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	// accept, lock the deposit and fast-forward to delivered
	window := "now() + interval '1 hour'"
	if rand.Intn(2) == 0 {
		window = "now() - interval '1 second'"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE swaps
        SET status = 'delivered', agreed_price = 100, owner_price = 100,
            deposit_amount = 18, deposit_rate_bps = 1800, deposit_locked = TRUE,
            accepted_at = now(), delivered_at = now(),
            dispute_window_ends_at = %s,
            status_updated_at = now(), updated_at = now()
        WHERE id = $1 AND status = 'pending'`, window), swapID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO ledger_entries (account_id, delta, kind, swap_id)
        VALUES ($1, -18, 'deposit_lock', $2)`, requesterID, swapID); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, swapID, "DEPOSIT_LOCKED"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Sweeper settles delivered swaps whose window lapsed: full price to the
// owner, deposit back, fee to the platform, all in one transaction guarded
// by the idempotency table.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, ownerID, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := sweepOne(ctx, pool, ownerID, requesterID); err != nil && !tolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

func sweepOne(ctx context.Context, pool *pgxpool.Pool, ownerID, requesterID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var swapID string
	err = tx.QueryRow(ctx, `
        SELECT id::text FROM swaps
        WHERE status = 'delivered' AND dispute_window_ends_at < now()
        LIMIT 1 FOR UPDATE NOWAIT`).Scan(&swapID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`,
		fmt.Sprintf("swap:%s:complete", swapID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if err := settle(ctx, tx, swapID, ownerID, requesterID, 100); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET status = 'completed', settlement_amount = 100, fee_amount = 1, fee_schedule_version = 1,
            completed_at = now(), status_updated_at = now(), updated_at = now()
        WHERE id = $1 AND status = 'delivered'`, swapID); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, swapID, "SETTLED"); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('swap.completed', jsonb_build_object('swap_id', $1::text))`, swapID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Disputer races the sweeper for delivered swaps, opening a dispute and
// immediately resolving it half-refund so the swap still terminates.
func Disputer(ctx context.Context, pool *pgxpool.Pool, ownerID, requesterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := disputeOne(ctx, pool, ownerID, requesterID); err != nil && !tolerable(err) {
			return fmt.Errorf("disputer: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func disputeOne(ctx context.Context, pool *pgxpool.Pool, ownerID, requesterID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var swapID string
	err = tx.QueryRow(ctx, `
        SELECT id::text FROM swaps
        WHERE status = 'delivered' AND dispute_window_ends_at > now()
        LIMIT 1 FOR UPDATE NOWAIT`).Scan(&swapID)
	if err != nil {
		return err
	}

	var disputeID string
	if err := tx.QueryRow(ctx, `
        INSERT INTO disputes (swap_id, reporter_id, respondent_id, type, description, evidence_deadline,
                              status, settlement_type, refund_ratio_bps, resolution, resolved_at)
        VALUES ($1, $2, $3, 'defect', 'stress dispute', now() + interval '48 hours',
                'resolved', '50_50', 5000, 'matched settlement choice', now())
        RETURNING id::text`, swapID, requesterID, ownerID).Scan(&disputeID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        UPDATE swaps SET status = 'disputed', settlement_amount = 50, status_updated_at = now(), updated_at = now()
        WHERE id = $1 AND status = 'delivered'`, swapID); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, swapID, "DISPUTE_OPENED"); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`,
		fmt.Sprintf("swap:%s:complete", swapID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if err := settle(ctx, tx, swapID, ownerID, requesterID, 50); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        UPDATE swaps
        SET status = 'completed', fee_amount = 1, fee_schedule_version = 1,
            completed_at = now(), status_updated_at = now(), updated_at = now()
        WHERE id = $1 AND status = 'disputed'`, swapID); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, swapID, "SETTLED"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// settle books the deposit release, the price transfer and the platform fee.
// The fee is 1 at these stakes, so the three movements plus the earlier lock
// sum to zero for the swap.
func settle(ctx context.Context, tx pgx.Tx, swapID, ownerID, requesterID string, price int64) error {
	entries := []struct {
		account string
		delta   int64
		kind    string
	}{
		{requesterID, 18, "deposit_release"},
		{requesterID, -price, "transfer"},
		{ownerID, price - 1, "transfer"},
		{"platform", 1, "fee"},
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
            INSERT INTO ledger_entries (account_id, delta, kind, swap_id)
            VALUES ($1, $2, $3, $4)`, e.account, e.delta, e.kind, swapID); err != nil {
			return err
		}
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, swapID, eventType string) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO swap_events (swap_id, seq, type, payload)
        SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, '{}'::jsonb
        FROM swap_events WHERE swap_id = $1`, swapID, eventType)
	return err
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after repeated simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, attempts FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type msg struct {
			id       string
			attempts int
		}
		msgs := make([]msg, 0, 10)
		for rows.Next() {
			var m msg
			_ = rows.Scan(&m.id, &m.attempts)
			msgs = append(msgs, m)
		}
		rows.Close()
		for _, m := range msgs {
			if rand.Intn(10) == 0 {
				if m.attempts+1 >= 5 {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.id)
				} else {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.id)
				}
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, m.id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
