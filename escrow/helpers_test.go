package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
	"escrowflow/contract/contracttest"
	"escrowflow/ledger"
	"escrowflow/ledger/ledgertest"
)

const testPayee = "0x1111111111111111111111111111111111111111"

var (
	testPayer = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc   *Service
	chain *ledgertest.Chain
	store *contracttest.Store
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	chain := ledgertest.NewChain(testPayer, testStart)
	store := contracttest.NewStore()
	opts := Options{
		RecordAttempts: 3,
		RetryInitial:   time.Millisecond,
		RetryMax:       2 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(chain, store, testArtifacts(t), opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, chain: chain, store: store}
}

func testArtifacts(t *testing.T) Artifacts {
	t.Helper()
	cond, err := ledger.DefaultArtifact(ledger.ConditionalPayment)
	if err != nil {
		t.Fatal(err)
	}
	timed, err := ledger.DefaultArtifact(ledger.VendorPayment)
	if err != nil {
		t.Fatal(err)
	}
	cond.Bytecode = []byte{0x60, 0x80, 0x60, 0x40}
	timed.Bytecode = []byte{0x60, 0x80, 0x60, 0x40}
	return Artifacts{Conditional: cond, Timed: timed}
}

func (f *fixture) deployConditional(t *testing.T) common.Address {
	t.Helper()
	rec, err := f.svc.DeployConditional(context.Background(), testPayee, "1.0")
	if err != nil {
		t.Fatalf("deploy conditional: %v", err)
	}
	return rec.Address
}

func (f *fixture) record(t *testing.T, addr common.Address) contract.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("get record %s: %v", addr.Hex(), err)
	}
	return rec
}

func wantFlags(t *testing.T, rec contract.Record, confirmed, paid bool) {
	t.Helper()
	if rec.Confirmed != confirmed || rec.Paid != paid {
		t.Fatalf("record %s: confirmed=%v paid=%v, want confirmed=%v paid=%v",
			rec.Address.Hex(), rec.Confirmed, rec.Paid, confirmed, paid)
	}
}

// ackLossStore applies a write and then reports failure, like a commit whose
// acknowledgement was lost.
type ackLossStore struct {
	*contracttest.Store
	lose map[string]int
}

var errAckLost = errors.New("connection reset after commit")

func (s *ackLossStore) MarkConfirmed(ctx context.Context, addr common.Address) error {
	if err := s.Store.MarkConfirmed(ctx, addr); err != nil {
		return err
	}
	return s.maybeLose("MarkConfirmed")
}

func (s *ackLossStore) MarkPaid(ctx context.Context, addr common.Address) error {
	if err := s.Store.MarkPaid(ctx, addr); err != nil {
		return err
	}
	return s.maybeLose("MarkPaid")
}

func (s *ackLossStore) maybeLose(method string) error {
	if s.lose[method] > 0 {
		s.lose[method]--
		return errAckLost
	}
	return nil
}

func bigEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}
