// Package contracttest provides an in-memory contract.Store with fault
// injection for tests.
package contracttest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("contracttest: injected store failure")

// Store is a goroutine-safe in-memory contract.Store.
type Store struct {
	mu       sync.Mutex
	records  map[common.Address]contract.Record
	pending  map[common.Hash]*pendingRow
	failures map[string]int
	calls    map[string]int
	now      func() time.Time
}

type pendingRow struct {
	op       contract.PendingOp
	outcome  string
	resolved bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		records:  make(map[common.Address]contract.Record),
		pending:  make(map[common.Hash]*pendingRow),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// FailNext makes the next n calls of the named method ("Insert", "MarkPaid",
// ...) return ErrInjected without touching state.
func (s *Store) FailNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = n
}

// Calls reports how many times method was invoked, failures included.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Pending returns unresolved journal entries.
func (s *Store) Pending() []contract.PendingOp {
	ops, _ := s.ListPending(context.Background(), 500)
	return ops
}

// Outcome reports the resolution of a journaled hash.
func (s *Store) Outcome(txHash common.Hash) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pending[txHash]
	if !ok || !row.resolved {
		return "", false
	}
	return row.outcome, true
}

// enter must be called with mu held.
func (s *Store) enter(method string) error {
	s.calls[method]++
	if s.failures[method] > 0 {
		s.failures[method]--
		return ErrInjected
	}
	return nil
}

func (s *Store) Insert(_ context.Context, rec contract.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Insert"); err != nil {
		return err
	}
	if _, ok := s.records[rec.Address]; ok {
		return contract.ErrDuplicateAddress
	}
	now := s.now().UTC()
	rec.AmountWei = new(big.Int).Set(rec.AmountWei)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.Address] = rec
	return nil
}

func (s *Store) Get(_ context.Context, address common.Address) (contract.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get"); err != nil {
		return contract.Record{}, err
	}
	rec, ok := s.records[address]
	if !ok {
		return contract.Record{}, contract.ErrNotFound
	}
	return rec, nil
}

func (s *Store) List(_ context.Context, filters contract.ListFilters) ([]contract.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("List"); err != nil {
		return nil, err
	}
	out := []contract.Record{}
	for _, rec := range s.records {
		if filters.Variant != "" && rec.Variant != filters.Variant {
			continue
		}
		if filters.Unpaid && rec.Paid {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []contract.Record{}, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (s *Store) MarkConfirmed(_ context.Context, address common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MarkConfirmed"); err != nil {
		return err
	}
	rec, ok := s.records[address]
	if !ok {
		return contract.ErrNotFound
	}
	if rec.Variant != contract.VariantConditional {
		return contract.ErrVariantMismatch
	}
	if !rec.Confirmed {
		now := s.now().UTC()
		rec.Confirmed = true
		rec.ConfirmedAt = &now
		rec.UpdatedAt = now
		s.records[address] = rec
	}
	return nil
}

func (s *Store) MarkPaid(_ context.Context, address common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MarkPaid"); err != nil {
		return err
	}
	rec, ok := s.records[address]
	if !ok {
		return contract.ErrNotFound
	}
	if !rec.Paid {
		now := s.now().UTC()
		rec.Paid = true
		rec.PaidAt = &now
		rec.UpdatedAt = now
		s.records[address] = rec
	}
	return nil
}

func (s *Store) SavePending(_ context.Context, op contract.PendingOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SavePending"); err != nil {
		return err
	}
	if row, ok := s.pending[op.TxHash]; ok {
		row.op.Attempts++
		return nil
	}
	op.CreatedAt = s.now().UTC()
	s.pending[op.TxHash] = &pendingRow{op: op}
	return nil
}

func (s *Store) ListPending(_ context.Context, limit int) ([]contract.PendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListPending"); err != nil {
		return nil, err
	}
	out := []contract.PendingOp{}
	for _, row := range s.pending {
		if !row.resolved {
			out = append(out, row.op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TouchPending(_ context.Context, txHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("TouchPending"); err != nil {
		return err
	}
	if row, ok := s.pending[txHash]; ok && !row.resolved {
		row.op.Attempts++
	}
	return nil
}

func (s *Store) ResolvePending(_ context.Context, txHash common.Hash, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ResolvePending"); err != nil {
		return err
	}
	row, ok := s.pending[txHash]
	if !ok {
		return contract.ErrNotFound
	}
	if !row.resolved {
		row.resolved = true
		row.outcome = outcome
	}
	return nil
}

var _ contract.Store = (*Store)(nil)
