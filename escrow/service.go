// Package escrow orchestrates the escrow lifecycle: deployments and
// transitions on the ledger, the mirror records that follow them, and the
// reconciliation that brings the mirror back in line with the ledger.
package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
	"escrowflow/ledger"
)

// Ledger is the part of *ledger.Client the service drives.
type Ledger interface {
	Payer() common.Address
	Deploy(ctx context.Context, art *ledger.Artifact, value *big.Int, args ...any) (ledger.Receipt, error)
	Send(ctx context.Context, art *ledger.Artifact, address common.Address, method string, args ...any) (ledger.Receipt, error)
	CallBool(ctx context.Context, art *ledger.Artifact, address common.Address, method string) (bool, error)
	HasCode(ctx context.Context, address common.Address) (bool, error)
	Receipt(ctx context.Context, txHash common.Hash) (ledger.Receipt, error)
}

// Artifacts are the compiled contracts for each variant.
type Artifacts struct {
	Conditional *ledger.Artifact
	Timed       *ledger.Artifact
}

func (a Artifacts) forVariant(v contract.Variant) *ledger.Artifact {
	if v == contract.VariantTimed {
		return a.Timed
	}
	return a.Conditional
}

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// RecordAttempts bounds mirror writes after a mined transaction.
	RecordAttempts int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	// MirrorTimeout bounds the mirror phase, which outlives caller cancellation.
	MirrorTimeout time.Duration
	// PendingExpiry is how long a journaled transaction may stay unknown to
	// the ledger before it is resolved as dropped.
	PendingExpiry time.Duration

	Now func() time.Time
}

const (
	defaultRecordAttempts = 5
	defaultRetryInitial   = 100 * time.Millisecond
	defaultRetryMax       = 2 * time.Second
	defaultMirrorTimeout  = 30 * time.Second
	defaultPendingExpiry  = 24 * time.Hour
)

// Outcome reports a transition the ledger accepted.
type Outcome struct {
	Address  common.Address
	TxHash   common.Hash
	Block    uint64
	Mirrored bool
}

// Service treats the ledger as authoritative and the store as its cache.
type Service struct {
	ledger  Ledger
	store   contract.Store
	arts    Artifacts
	log     *slog.Logger
	metrics *Metrics
	locks   *addressLocks
	retry   retryPolicy

	mirrorTimeout time.Duration
	pendingExpiry time.Duration
	now           func() time.Time
}

// NewService wires the orchestrator.
func NewService(l Ledger, store contract.Store, arts Artifacts, opts Options) (*Service, error) {
	if l == nil {
		return nil, fmt.Errorf("escrow: nil ledger")
	}
	if store == nil {
		return nil, fmt.Errorf("escrow: nil store")
	}
	if arts.Conditional == nil || arts.Timed == nil {
		return nil, fmt.Errorf("escrow: both artifacts are required")
	}

	s := &Service{
		ledger:        l,
		store:         store,
		arts:          arts,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		locks:         newAddressLocks(),
		mirrorTimeout: opts.MirrorTimeout,
		pendingExpiry: opts.PendingExpiry,
		now:           opts.Now,
		retry: retryPolicy{
			attempts: opts.RecordAttempts,
			initial:  opts.RetryInitial,
			max:      opts.RetryMax,
		},
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.mirrorTimeout <= 0 {
		s.mirrorTimeout = defaultMirrorTimeout
	}
	if s.pendingExpiry <= 0 {
		s.pendingExpiry = defaultPendingExpiry
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retry.attempts <= 0 {
		s.retry.attempts = defaultRecordAttempts
	}
	if s.retry.initial <= 0 {
		s.retry.initial = defaultRetryInitial
	}
	if s.retry.max <= 0 {
		s.retry.max = defaultRetryMax
	}
	return s, nil
}

// Record returns the mirror record for address.
func (s *Service) Record(ctx context.Context, address string) (contract.Record, error) {
	addr, err := parseAddress("address", address)
	if err != nil {
		return contract.Record{}, err
	}
	rec, err := s.store.Get(ctx, addr)
	if err != nil {
		return contract.Record{}, fmt.Errorf("escrow: get record %s: %w", addr.Hex(), err)
	}
	return rec, nil
}

// List pages through mirror records.
func (s *Service) List(ctx context.Context, filters contract.ListFilters) ([]contract.Record, error) {
	recs, err := s.store.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("escrow: list records: %w", err)
	}
	return recs, nil
}

// parseAddress accepts only 0x-prefixed 20-byte hex.
func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, invalid(field, "required")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, invalid(field, "%q is not 0x-prefixed", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid(field, "%q is not a 20-byte hex address", s)
	}
	return common.HexToAddress(s), nil
}

// requireContract maps an address without code to ErrUnknownContract.
func (s *Service) requireContract(ctx context.Context, addr common.Address) error {
	has, err := s.ledger.HasCode(ctx, addr)
	if err != nil {
		return fmt.Errorf("escrow: check code at %s: %w", addr.Hex(), err)
	}
	if !has {
		return fmt.Errorf("escrow: %s: %w", addr.Hex(), ErrUnknownContract)
	}
	return nil
}

// mirrorContext outlives the caller: a mined transaction is recorded even if
// the request that caused it has gone away.
func (s *Service) mirrorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.mirrorTimeout)
}

// journal records a submitted transaction for the reconciler. It is best
// effort: a failure is logged and the caller's error stands.
func (s *Service) journal(ctx context.Context, op contract.PendingOp) {
	if op.TxHash == (common.Hash{}) {
		return
	}
	jctx, cancel := s.mirrorContext(ctx)
	defer cancel()
	if err := s.store.SavePending(jctx, op); err != nil {
		s.log.Error("journal ledger operation",
			slog.String("action", string(op.Action)),
			slog.String("address", op.Address.Hex()),
			slog.String("tx", op.TxHash.Hex()),
			slog.Any("err", err))
		return
	}
	s.metrics.journaled(op.Action)
	s.log.Warn("ledger operation journaled for reconciliation",
		slog.String("action", string(op.Action)),
		slog.String("address", op.Address.Hex()),
		slog.String("tx", op.TxHash.Hex()))
}
