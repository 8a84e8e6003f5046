package ledger

import "time"

// Kind enumerates the ledger entry kinds. Entries are never mutated or
// deleted; balances are running sums.
type Kind string

// A refund books no kind of its own: unwinding a swap releases the deposit
// and moves no price, so the release entry is the whole story.
const (
	KindDepositLock    Kind = "deposit_lock"
	KindDepositRelease Kind = "deposit_release"
	KindTransfer       Kind = "transfer"
	KindFee            Kind = "fee"
)

// PlatformAccount is the account id credited with settlement fees.
const PlatformAccount = "platform"

// Entry mirrors the ledger_entries table.
type Entry struct {
	ID        int64
	AccountID string
	Delta     int64
	Kind      Kind
	SwapID    *string
	CreatedAt time.Time
}

// Sum returns the total delta of the entries. For a settled swap the sum
// across all parties and the platform account must be zero.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}

// CheckConservation verifies value conservation for one settled swap's
// entries: the deposit lock must be matched by a release and the remaining
// movements must net to zero.
func CheckConservation(entries []Entry) bool {
	return Sum(entries) == 0
}
