package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"valorswap/deposit"
	"valorswap/swap"
)

func newTestService(repo *fakeStore) (*Service, *fakePool) {
	pool := &fakePool{}
	return NewService(pool, repo, deposit.DefaultRateTable()), pool
}

func pendingSwap() swap.Swap {
	return swap.Swap{
		ID:               "swap-1",
		OwnerID:          "owner-1",
		RequesterID:      "req-1",
		Status:           swap.StatusPending,
		ListingValue:     500,
		MaxCounterOffers: 5,
	}
}

func TestCounterAtCapForcesReject(t *testing.T) {
	sw := pendingSwap()
	sw.CounterOfferCount = 5
	repo := &fakeStore{sw: sw, gain: deposit.GainHistory{CompletedSwaps: 3}}
	svc, pool := newTestService(repo)

	_, err := svc.Counter(context.Background(), "swap-1", "owner-1", 350, "final offer")
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("counter past the cap: got %v, want ErrLimitExceeded", err)
	}
	if !pool.tx.committed {
		t.Fatal("forced reject not committed")
	}

	closed := pool.tx.execContaining("swap_events")
	if closed == nil || closed.args[1] != swap.EventNegotiationClosed {
		t.Fatalf("negotiation close event not appended: %+v", closed)
	}
	status := pool.tx.execContaining("UPDATE swaps")
	if status == nil || status.args[0] != swap.StatusRejected {
		t.Fatalf("swap not forced to rejected: %+v", status)
	}
	outbox := pool.tx.execContaining("INSERT INTO outbox")
	if outbox == nil || outbox.args[0] != swap.TopicSwapRejected {
		t.Fatalf("rejected notification not enqueued: %+v", outbox)
	}
}

func TestCounterBelowCapConsumesBudget(t *testing.T) {
	sw := pendingSwap()
	sw.CounterOfferCount = 4
	repo := &fakeStore{sw: sw, gain: deposit.GainHistory{CompletedSwaps: 3}}
	svc, pool := newTestService(repo)

	if _, err := svc.Counter(context.Background(), "swap-1", "owner-1", 350, ""); err != nil {
		t.Fatalf("Counter: %v", err)
	}
	update := pool.tx.execContaining("counter_offer_count")
	if update == nil || update.args[2] != 1 {
		t.Fatalf("counter budget not consumed: %+v", update)
	}
	event := pool.tx.execContaining("swap_events")
	if event == nil || event.args[1] != swap.EventPriceCountered {
		t.Fatalf("counter event not appended: %+v", event)
	}
	if !pool.tx.committed {
		t.Fatal("counter tx never committed")
	}
}

func TestProposeConvergenceEnqueuesAgreement(t *testing.T) {
	sw := pendingSwap()
	sw.OwnerPrice = price(400)
	repo := &fakeStore{sw: sw, gain: deposit.GainHistory{CompletedSwaps: 3}}
	svc, pool := newTestService(repo)

	if _, err := svc.Propose(context.Background(), "swap-1", "req-1", 400, "deal"); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	update := pool.tx.execContaining("agreed_price")
	if update == nil {
		t.Fatal("price update not executed")
	}
	agreed, ok := update.args[1].(*int64)
	if !ok || agreed == nil || *agreed != 400 {
		t.Fatalf("agreed price arg = %v, want 400", update.args[1])
	}
	outbox := pool.tx.execContaining("INSERT INTO outbox")
	if outbox == nil || outbox.args[0] != "swap.price_agreed" {
		t.Fatalf("agreement notification not enqueued: %+v", outbox)
	}
	if !pool.tx.committed {
		t.Fatal("convergence tx never committed")
	}
}

func TestProposeWithoutConvergenceSkipsOutbox(t *testing.T) {
	sw := pendingSwap()
	sw.OwnerPrice = price(400)
	repo := &fakeStore{sw: sw, gain: deposit.GainHistory{CompletedSwaps: 3}}
	svc, pool := newTestService(repo)

	if _, err := svc.Propose(context.Background(), "swap-1", "req-1", 300, ""); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if outbox := pool.tx.execContaining("INSERT INTO outbox"); outbox != nil {
		t.Fatalf("outbox written before convergence: %+v", outbox)
	}
	if !pool.tx.committed {
		t.Fatal("proposal tx never committed")
	}
}

func TestProposeByStranger(t *testing.T) {
	repo := &fakeStore{sw: pendingSwap()}
	svc, pool := newTestService(repo)

	_, err := svc.Propose(context.Background(), "swap-1", "stranger", 300, "")
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("stranger proposal: got %v, want ErrNotParty", err)
	}
	if pool.tx.committed {
		t.Fatal("tx committed for a rejected proposal")
	}
	if !pool.tx.rolled {
		t.Fatal("tx not rolled back")
	}
}

func TestProposeClosedAfterAgreement(t *testing.T) {
	sw := pendingSwap()
	sw.AgreedPrice = price(400)
	repo := &fakeStore{sw: sw}
	svc, pool := newTestService(repo)

	_, err := svc.Propose(context.Background(), "swap-1", "req-1", 300, "")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("proposal after agreement: got %v, want ErrClosed", err)
	}
	if pool.tx.committed {
		t.Fatal("tx committed after negotiation closed")
	}
}

func TestAcceptWithoutCounterpartPrice(t *testing.T) {
	repo := &fakeStore{sw: pendingSwap()}
	svc, pool := newTestService(repo)

	_, err := svc.Accept(context.Background(), "swap-1", "req-1", "")
	if !errors.Is(err, ErrNothingToAccept) {
		t.Fatalf("accept with no counterpart price: got %v, want ErrNothingToAccept", err)
	}
	if pool.tx.committed {
		t.Fatal("tx committed with nothing to accept")
	}
}

func TestProposeFirstSwapCapBlocksRequester(t *testing.T) {
	sw := pendingSwap()
	sw.ListingValue = 300
	repo := &fakeStore{sw: sw, gain: deposit.GainHistory{CompletedSwaps: 2, NetGain: 350}}
	svc, pool := newTestService(repo)

	_, err := svc.Propose(context.Background(), "swap-1", "req-1", 100, "")
	if !errors.Is(err, deposit.ErrFirstSwapCapExceeded) {
		t.Fatalf("capped proposal: got %v, want ErrFirstSwapCapExceeded", err)
	}
	if pool.tx.committed {
		t.Fatal("tx committed past the gain cap")
	}
}

func TestRejectByParty(t *testing.T) {
	repo := &fakeStore{sw: pendingSwap()}
	svc, pool := newTestService(repo)

	if _, err := svc.Reject(context.Background(), "swap-1", "owner-1"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	status := pool.tx.execContaining("UPDATE swaps")
	if status == nil || status.args[0] != swap.StatusRejected {
		t.Fatalf("swap not rejected: %+v", status)
	}
	if !pool.tx.committed {
		t.Fatal("reject tx never committed")
	}
}

func TestRejectIdempotent(t *testing.T) {
	sw := pendingSwap()
	sw.Status = swap.StatusRejected
	repo := &fakeStore{sw: sw}
	svc, pool := newTestService(repo)

	got, err := svc.Reject(context.Background(), "swap-1", "owner-1")
	if err != nil {
		t.Fatalf("Reject replay: %v", err)
	}
	if got.Status != swap.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if pool.tx.committed {
		t.Fatal("replayed reject committed a tx")
	}
	if len(pool.tx.execs) != 0 {
		t.Fatalf("replayed reject wrote %d statements", len(pool.tx.execs))
	}
}

func TestRejectByStranger(t *testing.T) {
	repo := &fakeStore{sw: pendingSwap()}
	svc, _ := newTestService(repo)

	_, err := svc.Reject(context.Background(), "swap-1", "stranger")
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("stranger reject: got %v, want ErrNotParty", err)
	}
}

type fakeStore struct {
	sw   swap.Swap
	gain deposit.GainHistory
}

func (f *fakeStore) Get(context.Context, string) (swap.Swap, error) {
	return f.sw, nil
}

func (f *fakeStore) GetForUpdate(context.Context, pgx.Tx, string) (swap.Swap, error) {
	return f.sw, nil
}

func (f *fakeStore) RequesterGain(context.Context, string) (deposit.GainHistory, error) {
	return f.gain, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type execCall struct {
	sql  string
	args []any
}

// fakeTx accepts writes and reports every statement affected one row, which
// satisfies the guarded-update checks in the swap transition helpers.
type fakeTx struct {
	rolled    bool
	committed bool
	execs     []execCall
}

func (f *fakeTx) execContaining(fragment string) *execCall {
	for i := range f.execs {
		if strings.Contains(f.execs[i].sql, fragment) {
			return &f.execs[i]
		}
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
