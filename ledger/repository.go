package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientFunds signals the account's spendable balance cannot cover
// the requested lock or transfer.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Querier is the read subset shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository appends and reads ledger entries. All writes take the caller's
// transaction so that money movement commits atomically with the swap status
// transition that caused it.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append records one entry inside the caller's transaction.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.AccountID == "" {
		return fmt.Errorf("ledger: entry missing account id")
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO ledger_entries (account_id, delta, kind, swap_id)
        VALUES ($1, $2, $3, $4)
    `, e.AccountID, e.Delta, e.Kind, e.SwapID); err != nil {
		return fmt.Errorf("ledger: append %s: %w", e.Kind, err)
	}
	return nil
}

// SpendableBalance sums all deltas for the account. Deposit locks are
// recorded as negative deltas so the locked portion is already excluded.
func (r *Repository) SpendableBalance(ctx context.Context, q Querier, accountID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
        SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = $1
    `, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", accountID, err)
	}
	return balance, nil
}

// LockedBalance sums the deposits currently held against the account.
func (r *Repository) LockedBalance(ctx context.Context, q Querier, accountID string) (int64, error) {
	var locked int64
	err := q.QueryRow(ctx, `
        SELECT COALESCE(-SUM(delta), 0)
        FROM ledger_entries
        WHERE account_id = $1 AND kind IN ('deposit_lock', 'deposit_release')
    `, accountID).Scan(&locked)
	if err != nil {
		return 0, fmt.Errorf("ledger: locked balance %s: %w", accountID, err)
	}
	return locked, nil
}

// LockDeposit moves amount from the requester's spendable balance into the
// swap's escrow. The user row is locked first so concurrent locks against
// the same balance serialize; the loser re-reads a reduced balance and fails
// with ErrInsufficientFunds instead of double-spending.
func (r *Repository) LockDeposit(ctx context.Context, tx pgx.Tx, swapID, accountID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative deposit %d", amount)
	}
	if amount == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, accountID); err != nil {
		return fmt.Errorf("ledger: lock account %s: %w", accountID, err)
	}

	balance, err := r.SpendableBalance(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, balance, amount)
	}

	return r.Append(ctx, tx, Entry{
		AccountID: accountID,
		Delta:     -amount,
		Kind:      KindDepositLock,
		SwapID:    &swapID,
	})
}

// ReleaseDeposit returns a previously locked deposit to the requester.
func (r *Repository) ReleaseDeposit(ctx context.Context, tx pgx.Tx, swapID, accountID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	return r.Append(ctx, tx, Entry{
		AccountID: accountID,
		Delta:     amount,
		Kind:      KindDepositRelease,
		SwapID:    &swapID,
	})
}

// SwapEntries returns every entry booked against one swap in append order.
func (r *Repository) SwapEntries(ctx context.Context, q Querier, swapID string) ([]Entry, error) {
	rows, err := q.Query(ctx, `
        SELECT id, account_id, delta, kind::text, swap_id::text, created_at
        FROM ledger_entries
        WHERE swap_id = $1
        ORDER BY id
    `, swapID)
	if err != nil {
		return nil, fmt.Errorf("ledger: swap entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Kind, &e.SwapID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}

// Pool exposes the underlying pool for read-only queries outside a tx.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}
