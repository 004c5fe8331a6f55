package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultConfirmTimeout bounds how long a call waits for a transaction to mine.
const DefaultConfirmTimeout = 2 * time.Minute

// Backend is what the client needs from a provider. *ethclient.Client
// satisfies it, as do go-ethereum's simulated backends.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Receipt summarizes a mined, successful transaction.
type Receipt struct {
	TxHash      common.Hash
	Address     common.Address
	BlockNumber uint64
	GasUsed     uint64
}

// Options tunes a Client.
type Options struct {
	ConfirmTimeout time.Duration
}

// Client signs, submits and waits on escrow transactions for one identity.
type Client struct {
	backend        Backend
	identity       Identity
	confirmTimeout time.Duration
	closer         func()

	// submitMu serializes nonce allocation for the shared signer. Waiting for
	// receipts happens outside it.
	submitMu sync.Mutex
}

// NewClient wraps an existing backend. identity.ChainID must be set.
func NewClient(backend Backend, identity Identity, opts Options) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: nil backend")
	}
	if identity.key == nil {
		return nil, fmt.Errorf("ledger: identity has no key")
	}
	if identity.ChainID == nil || identity.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: identity has no chain id")
	}
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Client{
		backend:        backend,
		identity:       identity,
		confirmTimeout: timeout,
	}, nil
}

// Dial connects to an RPC endpoint. A missing chain id is read from the node.
func Dial(ctx context.Context, rpcURL string, identity Identity, opts Options) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("ledger: empty rpc url")
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial: %w", err)
	}
	if identity.ChainID == nil {
		chainID, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("ledger: read chain id: %w", err)
		}
		identity.ChainID = chainID
	}
	c, err := NewClient(ec, identity, opts)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// Close releases the provider connection when the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Payer is the signer address.
func (c *Client) Payer() common.Address {
	return c.identity.Address()
}

// Ping checks the provider answers header requests.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.backend.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Deploy creates a contract from art funded with value and blocks until the
// creation transaction mines, reverts, or the confirmation bound elapses.
func (c *Client) Deploy(ctx context.Context, art *Artifact, value *big.Int, args ...any) (Receipt, error) {
	op := "deploy " + art.Name
	if !art.CanDeploy() {
		return Receipt{}, &TxError{Op: op, Err: ErrNoBytecode}
	}
	opts, err := c.transactOpts(ctx, value)
	if err != nil {
		return Receipt{}, err
	}

	c.submitMu.Lock()
	address, tx, _, err := bind.DeployContract(opts, art.ABI, art.Bytecode, c.backend, args...)
	c.submitMu.Unlock()
	if err != nil {
		return Receipt{}, classify(op, common.Hash{}, err)
	}

	rcpt, err := c.waitMined(ctx, op, tx)
	if err != nil {
		return Receipt{TxHash: tx.Hash()}, err
	}
	if rcpt.ContractAddress != (common.Address{}) {
		address = rcpt.ContractAddress
	}
	return Receipt{
		TxHash:      tx.Hash(),
		Address:     address,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
	}, nil
}

// Send invokes a state-changing method and waits for it to mine.
func (c *Client) Send(ctx context.Context, art *Artifact, address common.Address, method string, args ...any) (Receipt, error) {
	op := art.Name + "." + method
	opts, err := c.transactOpts(ctx, nil)
	if err != nil {
		return Receipt{}, err
	}
	bound := bind.NewBoundContract(address, art.ABI, c.backend, c.backend, c.backend)

	c.submitMu.Lock()
	tx, err := bound.Transact(opts, method, args...)
	c.submitMu.Unlock()
	if err != nil {
		return Receipt{}, classify(op, common.Hash{}, err)
	}

	rcpt, err := c.waitMined(ctx, op, tx)
	if err != nil {
		return Receipt{TxHash: tx.Hash(), Address: address}, err
	}
	return Receipt{
		TxHash:      tx.Hash(),
		Address:     address,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
	}, nil
}

// CallBool reads a view method returning a single bool at the latest block.
func (c *Client) CallBool(ctx context.Context, art *Artifact, address common.Address, method string) (bool, error) {
	op := art.Name + "." + method
	bound := bind.NewBoundContract(address, art.ABI, c.backend, c.backend, c.backend)

	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return false, classify(op, common.Hash{}, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("ledger: %s returned %d values", op, len(out))
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("ledger: %s returned %T, want bool", op, out[0])
	}
	return v, nil
}

// HasCode reports whether a contract is deployed at address.
func (c *Client) HasCode(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("%w: code at %s: %w", ErrUnavailable, address.Hex(), err)
	}
	return len(code) > 0, nil
}

// Receipt looks up a previously submitted transaction. Unknown or still
// pending hashes yield ErrUnconfirmed; failed receipts yield ErrReverted.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (Receipt, error) {
	rcpt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, &TxError{Op: "receipt", TxHash: txHash, Err: ErrUnconfirmed}
		}
		return Receipt{}, &TxError{Op: "receipt", TxHash: txHash, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	out := Receipt{
		TxHash:      txHash,
		Address:     rcpt.ContractAddress,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return out, &TxError{Op: "receipt", TxHash: txHash, Err: ErrReverted, Reason: "receipt status 0"}
	}
	return out, nil
}

func (c *Client) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.identity.key, c.identity.ChainID)
	if err != nil {
		return nil, fmt.Errorf("ledger: transactor: %w", err)
	}
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}
	return opts, nil
}

// waitMined is detached from the caller's cancellation: once submitted, the
// outcome is only abandoned when the confirmation bound elapses. Anything
// short of a receipt is reported as ErrUnconfirmed since the transaction may
// still mine.
func (c *Client) waitMined(ctx context.Context, op string, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.confirmTimeout)
	defer cancel()

	rcpt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, &TxError{
			Op:     op,
			TxHash: tx.Hash(),
			Err:    ErrUnconfirmed,
			Reason: fmt.Sprintf("not mined within %s: %v", c.confirmTimeout, err),
		}
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return rcpt, &TxError{Op: op, TxHash: tx.Hash(), Err: ErrReverted, Reason: "receipt status 0"}
	}
	return rcpt, nil
}
