package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
	"escrowflow/contract/contracttest"
	"escrowflow/ledger"
)

func TestConditionalLifecycle_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.DeployConditional(ctx, testPayee, "1.0")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	addr := rec.Address.Hex()
	wantFlags(t, f.record(t, rec.Address), false, false)

	out, err := f.svc.ConfirmDelivery(ctx, addr)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !out.Mirrored || out.TxHash == (common.Hash{}) || out.Block == 0 {
		t.Errorf("unexpected confirm outcome %+v", out)
	}
	wantFlags(t, f.record(t, rec.Address), true, false)

	if _, err := f.svc.ReleasePayment(ctx, addr); err != nil {
		t.Fatalf("release: %v", err)
	}
	paid := f.record(t, rec.Address)
	wantFlags(t, paid, true, true)

	_, err = f.svc.ReleasePayment(ctx, addr)
	if !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("second release: expected ErrReverted, got %v", err)
	}
	again := f.record(t, rec.Address)
	wantFlags(t, again, true, true)
	if !again.PaidAt.Equal(*paid.PaidAt) || !again.UpdatedAt.Equal(paid.UpdatedAt) {
		t.Errorf("rejected release changed the record")
	}
	if got := f.chain.Balance(rec.Address).Sign(); got != 0 {
		t.Errorf("escrow still holds funds after release")
	}
}

func TestReleasePayment_BeforeConfirmRejected(t *testing.T) {
	f := newFixture(t)
	addr := f.deployConditional(t)

	_, err := f.svc.ReleasePayment(context.Background(), addr.Hex())
	if !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	wantFlags(t, f.record(t, addr), false, false)
	if f.store.Calls("MarkPaid") != 0 {
		t.Errorf("a rejected transition must not touch the record")
	}
}

func TestConfirmDelivery_TwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.deployConditional(t)

	if _, err := f.svc.ConfirmDelivery(ctx, addr.Hex()); err != nil {
		t.Fatal(err)
	}
	first := f.record(t, addr)
	if _, err := f.svc.ConfirmDelivery(ctx, addr.Hex()); !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if second := f.record(t, addr); !second.ConfirmedAt.Equal(*first.ConfirmedAt) {
		t.Errorf("confirmed_at moved on a rejected confirm")
	}
}

func TestTriggerPayment_DueDateGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := testStart.Add(24 * time.Hour)

	rec, err := f.svc.DeployTimed(ctx, testPayee, "0.5", due.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	f.chain.SetNow(due.Add(-time.Second))
	if _, err := f.svc.TriggerPayment(ctx, rec.Address.Hex()); !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("early trigger: expected ErrReverted, got %v", err)
	}
	wantFlags(t, f.record(t, rec.Address), false, false)
	if paid, err := f.svc.TimedStatus(ctx, rec.Address.Hex()); err != nil || paid {
		t.Fatalf("status after early trigger: paid=%v err=%v", paid, err)
	}

	f.chain.SetNow(due)
	if _, err := f.svc.TriggerPayment(ctx, rec.Address.Hex()); err != nil {
		t.Fatalf("trigger at due date: %v", err)
	}
	wantFlags(t, f.record(t, rec.Address), false, true)
	if paid, err := f.svc.TimedStatus(ctx, rec.Address.Hex()); err != nil || !paid {
		t.Fatalf("status after trigger: paid=%v err=%v", paid, err)
	}
}

func TestTransition_WrongVariantRejectedByLedger(t *testing.T) {
	f := newFixture(t)
	addr := f.deployConditional(t)

	if _, err := f.svc.TriggerPayment(context.Background(), addr.Hex()); !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	wantFlags(t, f.record(t, addr), false, false)
}

func TestTransition_UnknownAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ConfirmDelivery(ctx, "0x2222222222222222222222222222222222222222")
	if !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("expected ErrUnknownContract, got %v", err)
	}
	if _, err := f.svc.ReleasePayment(ctx, "not-an-address"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.chain.Submitted() != 0 {
		t.Errorf("nothing should have been submitted")
	}
}

func TestTransition_ContractWithoutRecordStillConsultsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Deployed outside the service, so the mirror has never seen it.
	rcpt, err := f.chain.Deploy(ctx, f.svc.arts.Conditional, bigEther(1), common.HexToAddress(testPayee))
	if err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.ConfirmDelivery(ctx, rcpt.Address.Hex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mirrored {
		t.Errorf("expected Mirrored=false for an unmirrored address")
	}
	if confirmed, _, _ := f.chain.State(rcpt.Address); !confirmed {
		t.Errorf("ledger transition should have happened")
	}
	if len(f.store.Pending()) != 0 {
		t.Errorf("unmirrored transitions are not journaled")
	}
}

func TestTransition_MirrorRetriedAfterStoreFailure(t *testing.T) {
	f := newFixture(t)
	addr := f.deployConditional(t)
	f.store.FailNext("MarkConfirmed", 2)

	out, err := f.svc.ConfirmDelivery(context.Background(), addr.Hex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Mirrored {
		t.Errorf("expected mirrored outcome")
	}
	wantFlags(t, f.record(t, addr), true, false)
	if got := f.chain.Submitted(); got != 2 {
		t.Errorf("submitted %d transactions, want deploy + one confirm", got)
	}
}

func TestTransition_RepeatedMirrorWriteIsIdempotent(t *testing.T) {
	once := newFixture(t)
	ctx := context.Background()
	onceAddr := once.deployConditional(t)
	if _, err := once.svc.ConfirmDelivery(ctx, onceAddr.Hex()); err != nil {
		t.Fatal(err)
	}
	if _, err := once.svc.ReleasePayment(ctx, onceAddr.Hex()); err != nil {
		t.Fatal(err)
	}

	twice := newFixture(t)
	lossy := &ackLossStore{Store: twice.store, lose: map[string]int{"MarkConfirmed": 1, "MarkPaid": 1}}
	svc, err := NewService(twice.chain, lossy, twice.svc.arts, Options{RecordAttempts: 3, RetryInitial: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := svc.DeployConditional(ctx, testPayee, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ConfirmDelivery(ctx, rec.Address.Hex()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	afterConfirm := twice.record(t, rec.Address)
	if _, err := svc.ReleasePayment(ctx, rec.Address.Hex()); err != nil {
		t.Fatalf("release: %v", err)
	}

	if twice.store.Calls("MarkConfirmed") != 2 || twice.store.Calls("MarkPaid") != 2 {
		t.Fatalf("expected each write applied twice, got confirmed=%d paid=%d",
			twice.store.Calls("MarkConfirmed"), twice.store.Calls("MarkPaid"))
	}
	a, b := once.record(t, onceAddr), twice.record(t, rec.Address)
	if a.Confirmed != b.Confirmed || a.Paid != b.Paid {
		t.Fatalf("double application diverged: once=%+v twice=%+v", a, b)
	}
	if !b.ConfirmedAt.Equal(*afterConfirm.ConfirmedAt) {
		t.Errorf("replayed confirm moved confirmed_at")
	}
}

func TestTransition_MirrorExhaustedIsJournaled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.deployConditional(t)
	if _, err := f.svc.ConfirmDelivery(ctx, addr.Hex()); err != nil {
		t.Fatal(err)
	}
	f.store.FailNext("MarkPaid", 3)

	out, err := f.svc.ReleasePayment(ctx, addr.Hex())
	if !errors.Is(err, ErrMirrorBehind) || !errors.Is(err, contracttest.ErrInjected) {
		t.Fatalf("expected ErrMirrorBehind wrapping the store error, got %v", err)
	}
	if out.Mirrored || out.TxHash == (common.Hash{}) {
		t.Errorf("unexpected outcome %+v", out)
	}

	// The ledger is authoritative: status reflects the release even though
	// the mirror has not caught up.
	getsBefore := f.store.Calls("Get")
	paid, err := f.svc.ConditionalStatus(ctx, addr.Hex())
	if err != nil || !paid {
		t.Fatalf("status: paid=%v err=%v", paid, err)
	}
	if f.store.Calls("Get") != getsBefore {
		t.Errorf("status must not read the mirror")
	}
	wantFlags(t, f.record(t, addr), true, false)

	report, err := f.svc.ReconcilePending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 {
		t.Fatalf("report = %+v", report)
	}
	wantFlags(t, f.record(t, addr), true, true)
	if f.chain.Submitted() != 3 {
		t.Errorf("release must not be resubmitted, submitted=%d", f.chain.Submitted())
	}
}

func TestTransition_UnconfirmedLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.deployConditional(t)
	f.chain.HoldMining(true)

	out, err := f.svc.ConfirmDelivery(ctx, addr.Hex())
	if !errors.Is(err, ledger.ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if out.TxHash == (common.Hash{}) {
		t.Errorf("pending outcome should carry the tx hash")
	}
	wantFlags(t, f.record(t, addr), false, false)

	f.chain.Mine()
	f.chain.HoldMining(false)
	report, err := f.svc.ReconcilePending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 {
		t.Fatalf("report = %+v", report)
	}
	wantFlags(t, f.record(t, addr), true, false)
}

func TestTransition_ConcurrentReleasesPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.deployConditional(t)
	if _, err := f.svc.ConfirmDelivery(ctx, addr.Hex()); err != nil {
		t.Fatal(err)
	}
	f.chain.SetLatency(2 * time.Millisecond)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		reverted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ReleasePayment(ctx, addr.Hex())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrReverted):
				reverted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || reverted != callers-1 {
		t.Fatalf("ok=%d reverted=%d, want exactly one success", ok, reverted)
	}
	wantFlags(t, f.record(t, addr), true, true)
	if f.svc.locks.size() != 0 {
		t.Errorf("address locks leaked: %d", f.svc.locks.size())
	}
}

func TestTransition_CallerCancellationDoesNotSkipMirror(t *testing.T) {
	f := newFixture(t)
	addr := f.deployConditional(t)
	f.store.FailNext("MarkConfirmed", 1)

	ctx, cancel := context.WithCancel(context.Background())
	lossy := &cancelOnWrite{Store: f.store, cancel: cancel}
	svc, err := NewService(f.chain, lossy, f.svc.arts, Options{RecordAttempts: 3, RetryInitial: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ConfirmDelivery(ctx, addr.Hex()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantFlags(t, f.record(t, addr), true, false)
}

// cancelOnWrite cancels the caller's context on the first mirror write.
type cancelOnWrite struct {
	*contracttest.Store
	cancel context.CancelFunc
}

func (s *cancelOnWrite) MarkConfirmed(ctx context.Context, addr common.Address) error {
	s.cancel()
	return s.Store.MarkConfirmed(ctx, addr)
}

var _ contract.Store = (*cancelOnWrite)(nil)
