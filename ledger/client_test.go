package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// stubBackend answers only the calls the tests exercise; anything else panics
// through the nil embedded interface.
type stubBackend struct {
	Backend
	receipts map[common.Hash]*types.Receipt
	code     map[common.Address][]byte
	codeErr  error
}

func (s *stubBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if r, ok := s.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (s *stubBackend) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	if s.codeErr != nil {
		return nil, s.codeErr
	}
	return s.code[a], nil
}

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return IdentityFromKey(key, big.NewInt(31337))
}

func TestNewClient_Validates(t *testing.T) {
	if _, err := NewClient(nil, newTestIdentity(t), Options{}); err == nil {
		t.Errorf("expected error for nil backend")
	}
	if _, err := NewClient(&stubBackend{}, Identity{}, Options{}); err == nil {
		t.Errorf("expected error for empty identity")
	}
	id := newTestIdentity(t)
	id.ChainID = nil
	if _, err := NewClient(&stubBackend{}, id, Options{}); err == nil {
		t.Errorf("expected error for missing chain id")
	}
	c, err := NewClient(&stubBackend{}, newTestIdentity(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c.confirmTimeout != DefaultConfirmTimeout {
		t.Errorf("confirm timeout = %s", c.confirmTimeout)
	}
}

func TestClient_Receipt(t *testing.T) {
	ok := common.HexToHash("0x01")
	failed := common.HexToHash("0x02")
	created := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	be := &stubBackend{receipts: map[common.Hash]*types.Receipt{
		ok:     {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7), GasUsed: 21000, ContractAddress: created},
		failed: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(8)},
	}}
	c, err := NewClient(be, newTestIdentity(t), Options{})
	if err != nil {
		t.Fatal(err)
	}

	rcpt, err := c.Receipt(context.Background(), ok)
	if err != nil {
		t.Fatalf("mined receipt: %v", err)
	}
	if rcpt.BlockNumber != 7 || rcpt.Address != created {
		t.Errorf("unexpected receipt %+v", rcpt)
	}

	if _, err := c.Receipt(context.Background(), failed); !errors.Is(err, ErrReverted) {
		t.Errorf("failed receipt: got %v", err)
	}
	if _, err := c.Receipt(context.Background(), common.HexToHash("0x03")); !errors.Is(err, ErrUnconfirmed) {
		t.Errorf("unknown receipt: got %v", err)
	}
}

func TestClient_HasCode(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	be := &stubBackend{code: map[common.Address][]byte{addr: {0x60, 0x80}}}
	c, err := NewClient(be, newTestIdentity(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if has, err := c.HasCode(context.Background(), addr); err != nil || !has {
		t.Errorf("expected code at %s: %v %v", addr.Hex(), has, err)
	}
	if has, _ := c.HasCode(context.Background(), common.Address{}); has {
		t.Errorf("expected no code at zero address")
	}

	be.codeErr = errors.New("connection reset")
	if _, err := c.HasCode(context.Background(), addr); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestIdentity_StringHidesKey(t *testing.T) {
	id, err := NewIdentity("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if s := id.String(); s != "ledger.Identity{"+id.Address().Hex()+"}" {
		t.Errorf("String() = %q", s)
	}
	if _, err := NewIdentity("", nil); err == nil {
		t.Errorf("expected error for empty key")
	}
	if _, err := NewIdentity("zz", nil); err == nil {
		t.Errorf("expected error for malformed key")
	}
}
