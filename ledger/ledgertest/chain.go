// Package ledgertest simulates the two escrow contracts in memory with the
// same method set as *ledger.Client, so orchestration can be tested without a
// node.
package ledgertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"escrowflow/ledger"
)

// Chain is a goroutine-safe in-memory ledger.
type Chain struct {
	mu        sync.Mutex
	payer     common.Address
	nonce     uint64
	block     uint64
	now       time.Time
	contracts map[common.Address]*escrowState
	receipts  map[common.Hash]receiptState
	queue     []*queuedTx
	hold      bool
	failNext  map[string]error
	delay     time.Duration
	submitted int
	calls     map[string]int
}

type escrowState struct {
	artifact  string
	payee     common.Address
	amount    *big.Int
	balance   *big.Int
	dueDate   time.Time
	confirmed bool
	paid      bool
}

type receiptState struct {
	receipt  ledger.Receipt
	reverted bool
}

type queuedTx struct {
	hash    common.Hash
	deploy  bool
	art     string
	address common.Address
	method  string
	value   *big.Int
	args    []any
}

// NewChain starts an empty chain whose clock reads now.
func NewChain(payer common.Address, now time.Time) *Chain {
	return &Chain{
		payer:     payer,
		now:       now,
		contracts: make(map[common.Address]*escrowState),
		receipts:  make(map[common.Hash]receiptState),
		failNext:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Payer is the simulated signer.
func (c *Chain) Payer() common.Address { return c.payer }

// Now reads the block clock.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow moves the block clock used by the Timed due-date guard.
func (c *Chain) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the block clock forward.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// HoldMining makes subsequent submissions return ledger.ErrUnconfirmed and
// queue until Mine is called.
func (c *Chain) HoldMining(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = hold
}

// SetLatency delays every submission, widening race windows in tests.
func (c *Chain) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// FailNext makes the next call of op ("Deploy", "Send", "CallBool",
// "HasCode", "Receipt") fail with err before anything is submitted.
func (c *Chain) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = err
}

// Submitted counts transactions that reached the chain, reverted ones included.
func (c *Chain) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Calls counts invocations of op.
func (c *Chain) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetPaid flips paid directly, as if settled by another party.
func (c *Chain) SetPaid(address common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.contracts[address]; ok {
		st.paid = true
	}
}

// State exposes the simulated storage of a contract.
func (c *Chain) State(address common.Address) (confirmed, paid bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.contracts[address]
	if !ok {
		return false, false, false
	}
	return st.confirmed, st.paid, true
}

// Balance reports the escrowed balance still held by a contract.
func (c *Chain) Balance(address common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.contracts[address]; ok {
		return new(big.Int).Set(st.balance)
	}
	return new(big.Int)
}

// Mine applies every queued transaction in submission order and returns their hashes.
func (c *Chain) Mine() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	hashes := make([]common.Hash, 0, len(c.queue))
	for _, q := range c.queue {
		c.block++
		if q.deploy {
			err := c.applyDeploy(q.address, q.art, q.value, q.args)
			c.receipts[q.hash] = receiptState{
				receipt:  ledger.Receipt{TxHash: q.hash, Address: q.address, BlockNumber: c.block},
				reverted: err != nil,
			}
		} else {
			err := c.applyMethod(q.address, q.art, q.method)
			c.receipts[q.hash] = receiptState{
				receipt:  ledger.Receipt{TxHash: q.hash, BlockNumber: c.block},
				reverted: err != nil,
			}
		}
		hashes = append(hashes, q.hash)
	}
	c.queue = nil
	return hashes
}

func (c *Chain) Deploy(ctx context.Context, art *ledger.Artifact, value *big.Int, args ...any) (ledger.Receipt, error) {
	op := "deploy " + art.Name
	if err := c.enter(ctx, "Deploy"); err != nil {
		return ledger.Receipt{}, &ledger.TxError{Op: op, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !art.CanDeploy() {
		return ledger.Receipt{}, &ledger.TxError{Op: op, Err: ledger.ErrNoBytecode}
	}
	if err := validateConstructor(art.Name, value, args); err != nil {
		return ledger.Receipt{}, &ledger.TxError{Op: op, Err: ledger.ErrReverted, Reason: err.Error()}
	}

	address := crypto.CreateAddress(c.payer, c.nonce)
	hash := c.nextHash()
	c.submitted++

	if c.hold {
		c.queue = append(c.queue, &queuedTx{hash: hash, deploy: true, art: art.Name, address: address, value: value, args: args})
		return ledger.Receipt{TxHash: hash}, &ledger.TxError{Op: op, TxHash: hash, Err: ledger.ErrUnconfirmed}
	}

	c.block++
	if err := c.applyDeploy(address, art.Name, value, args); err != nil {
		c.receipts[hash] = receiptState{receipt: ledger.Receipt{TxHash: hash, BlockNumber: c.block}, reverted: true}
		return ledger.Receipt{TxHash: hash}, &ledger.TxError{Op: op, TxHash: hash, Err: ledger.ErrReverted, Reason: err.Error()}
	}
	rcpt := ledger.Receipt{TxHash: hash, Address: address, BlockNumber: c.block}
	c.receipts[hash] = receiptState{receipt: rcpt}
	return rcpt, nil
}

func (c *Chain) Send(ctx context.Context, art *ledger.Artifact, address common.Address, method string, _ ...any) (ledger.Receipt, error) {
	op := art.Name + "." + method
	if err := c.enter(ctx, "Send"); err != nil {
		return ledger.Receipt{}, &ledger.TxError{Op: op, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hold {
		if _, ok := c.contracts[address]; !ok {
			return ledger.Receipt{}, &ledger.TxError{Op: op, Err: ledger.ErrReverted, Reason: "no contract"}
		}
		hash := c.nextHash()
		c.submitted++
		c.queue = append(c.queue, &queuedTx{hash: hash, art: art.Name, address: address, method: method})
		return ledger.Receipt{TxHash: hash, Address: address}, &ledger.TxError{Op: op, TxHash: hash, Err: ledger.ErrUnconfirmed}
	}

	// Estimation runs the guard first; a failing guard never reaches the chain.
	if err := c.checkMethod(address, art.Name, method); err != nil {
		return ledger.Receipt{}, &ledger.TxError{Op: op, Err: ledger.ErrReverted, Reason: "execution reverted: " + err.Error()}
	}
	hash := c.nextHash()
	c.submitted++
	c.block++
	if err := c.applyMethod(address, art.Name, method); err != nil {
		c.receipts[hash] = receiptState{receipt: ledger.Receipt{TxHash: hash, BlockNumber: c.block}, reverted: true}
		return ledger.Receipt{TxHash: hash, Address: address}, &ledger.TxError{Op: op, TxHash: hash, Err: ledger.ErrReverted, Reason: err.Error()}
	}
	rcpt := ledger.Receipt{TxHash: hash, Address: address, BlockNumber: c.block}
	c.receipts[hash] = receiptState{receipt: rcpt}
	return rcpt, nil
}

func (c *Chain) CallBool(ctx context.Context, art *ledger.Artifact, address common.Address, method string) (bool, error) {
	op := art.Name + "." + method
	if err := c.enter(ctx, "CallBool"); err != nil {
		return false, &ledger.TxError{Op: op, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.contracts[address]
	if !ok || st.artifact != art.Name {
		return false, &ledger.TxError{Op: op, Err: ledger.ErrReverted, Reason: "execution reverted"}
	}
	switch {
	case art.Name == ledger.ConditionalPayment && method == ledger.MethodGetStatus,
		art.Name == ledger.VendorPayment && method == ledger.MethodPaid:
		return st.paid, nil
	}
	return false, &ledger.TxError{Op: op, Err: ledger.ErrReverted, Reason: "unknown method " + method}
}

func (c *Chain) HasCode(ctx context.Context, address common.Address) (bool, error) {
	if err := c.enter(ctx, "HasCode"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contracts[address]
	return ok, nil
}

func (c *Chain) Receipt(ctx context.Context, txHash common.Hash) (ledger.Receipt, error) {
	if err := c.enter(ctx, "Receipt"); err != nil {
		return ledger.Receipt{}, &ledger.TxError{Op: "receipt", TxHash: txHash, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.receipts[txHash]
	if !ok {
		return ledger.Receipt{}, &ledger.TxError{Op: "receipt", TxHash: txHash, Err: ledger.ErrUnconfirmed}
	}
	if rs.reverted {
		return rs.receipt, &ledger.TxError{Op: "receipt", TxHash: txHash, Err: ledger.ErrReverted}
	}
	return rs.receipt, nil
}

// enter counts the call, applies latency and pops an injected failure.
func (c *Chain) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	delay := c.delay
	err := c.failNext[op]
	delete(c.failNext, op)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if delay > 0 && (op == "Deploy" || op == "Send") {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// nextHash must be called with mu held.
func (c *Chain) nextHash() common.Hash {
	c.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.nonce)
	return crypto.Keccak256Hash(c.payer.Bytes(), buf[:])
}

func validateConstructor(art string, value *big.Int, args []any) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("deployment must be funded")
	}
	switch art {
	case ledger.ConditionalPayment:
		if len(args) != 1 {
			return fmt.Errorf("constructor wants (payee), got %d args", len(args))
		}
		if _, ok := args[0].(common.Address); !ok {
			return fmt.Errorf("payee is %T", args[0])
		}
	case ledger.VendorPayment:
		if len(args) != 3 {
			return fmt.Errorf("constructor wants (payee, amount, dueDate), got %d args", len(args))
		}
		if _, ok := args[0].(common.Address); !ok {
			return fmt.Errorf("payee is %T", args[0])
		}
		amount, ok := args[1].(*big.Int)
		if !ok {
			return fmt.Errorf("amount is %T", args[1])
		}
		if amount.Cmp(value) != 0 {
			return fmt.Errorf("amount %s does not match value %s", amount, value)
		}
		if _, ok := args[2].(*big.Int); !ok {
			return fmt.Errorf("dueDate is %T", args[2])
		}
	default:
		return fmt.Errorf("unknown artifact %s", art)
	}
	return nil
}

// applyDeploy must be called with mu held.
func (c *Chain) applyDeploy(address common.Address, art string, value *big.Int, args []any) error {
	if err := validateConstructor(art, value, args); err != nil {
		return err
	}
	st := &escrowState{
		artifact: art,
		payee:    args[0].(common.Address),
		amount:   new(big.Int).Set(value),
		balance:  new(big.Int).Set(value),
	}
	if art == ledger.VendorPayment {
		st.dueDate = time.Unix(args[2].(*big.Int).Int64(), 0)
	}
	c.contracts[address] = st
	return nil
}

// checkMethod must be called with mu held.
func (c *Chain) checkMethod(address common.Address, art, method string) error {
	st, ok := c.contracts[address]
	if !ok {
		return fmt.Errorf("no contract at %s", address.Hex())
	}
	if st.artifact != art {
		return fmt.Errorf("%s is not a %s", address.Hex(), art)
	}
	switch {
	case art == ledger.ConditionalPayment && method == ledger.MethodConfirmDelivery:
		if st.confirmed {
			return fmt.Errorf("already confirmed")
		}
	case art == ledger.ConditionalPayment && method == ledger.MethodReleasePayment:
		if !st.confirmed {
			return fmt.Errorf("delivery not confirmed")
		}
		if st.paid {
			return fmt.Errorf("already paid")
		}
	case art == ledger.VendorPayment && method == ledger.MethodTriggerPayment:
		if st.paid {
			return fmt.Errorf("already paid")
		}
		if c.now.Before(st.dueDate) {
			return fmt.Errorf("due date not reached")
		}
	default:
		return fmt.Errorf("unknown method %s", method)
	}
	return nil
}

// applyMethod must be called with mu held.
func (c *Chain) applyMethod(address common.Address, art, method string) error {
	if err := c.checkMethod(address, art, method); err != nil {
		return err
	}
	st := c.contracts[address]
	switch method {
	case ledger.MethodConfirmDelivery:
		st.confirmed = true
	case ledger.MethodReleasePayment, ledger.MethodTriggerPayment:
		st.paid = true
		st.balance = new(big.Int)
	}
	return nil
}
