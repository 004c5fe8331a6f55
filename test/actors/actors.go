// Package actors drives the escrow service concurrently for stress runs.
// Every actor loops until stop closes or ctx is done, tolerating the ledger
// rejections that contention produces.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// Book is the set of deployed addresses the actors fight over.
type Book struct {
	mu    sync.Mutex
	cond  []common.Address
	timed []common.Address
}

func (b *Book) add(timed bool, addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timed {
		b.timed = append(b.timed, addr)
	} else {
		b.cond = append(b.cond, addr)
	}
}

func (b *Book) pick(timed bool) (common.Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.cond
	if timed {
		list = b.timed
	}
	if len(list) == 0 {
		return common.Address{}, false
	}
	return list[rand.Intn(len(list))], true
}

// All returns every deployed address.
func (b *Book) All() []common.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.Address, 0, len(b.cond)+len(b.timed))
	out = append(out, b.cond...)
	return append(out, b.timed...)
}

// expected reports whether err is an outcome contention can legitimately
// produce: a guard rejection, a transaction left unconfirmed, or a mirror
// write that will be reconciled later.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, ledger.ErrReverted) ||
		errors.Is(err, ledger.ErrUnconfirmed) ||
		errors.Is(err, ledger.ErrUnavailable) ||
		errors.Is(err, escrow.ErrMirrorBehind) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); !expected(err) {
			return err
		}
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rand.Intn(spread)) * time.Millisecond
	}
}

// Deployer keeps deploying both variants. Timed escrows fall due dueIn after
// the chain clock reading now returns.
func Deployer(ctx context.Context, svc *escrow.Service, book *Book, payee string, now func() time.Time, dueIn time.Duration, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(20, 30), func() error {
		amount := fmt.Sprintf("0.%03d", 1+rand.Intn(999))
		if rand.Intn(2) == 0 {
			rec, err := svc.DeployConditional(ctx, payee, amount)
			if err == nil {
				book.add(false, rec.Address)
			}
			return err
		}
		due := strconv.FormatInt(now().Add(dueIn).Unix(), 10)
		rec, err := svc.DeployTimed(ctx, payee, amount, due)
		if err == nil {
			book.add(true, rec.Address)
		}
		return err
	})
}

// Confirmer confirms delivery on random Conditional escrows, often twice.
func Confirmer(ctx context.Context, svc *escrow.Service, book *Book, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func() error {
		addr, ok := book.pick(false)
		if !ok {
			return nil
		}
		_, err := svc.ConfirmDelivery(ctx, addr.Hex())
		return err
	})
}

// Releaser races other releasers on random Conditional escrows.
func Releaser(ctx context.Context, svc *escrow.Service, book *Book, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func() error {
		addr, ok := book.pick(false)
		if !ok {
			return nil
		}
		_, err := svc.ReleasePayment(ctx, addr.Hex())
		return err
	})
}

// Triggerer fires payment on random Timed escrows, due or not.
func Triggerer(ctx context.Context, svc *escrow.Service, book *Book, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func() error {
		addr, ok := book.pick(true)
		if !ok {
			return nil
		}
		_, err := svc.TriggerPayment(ctx, addr.Hex())
		return err
	})
}

// StatusReader reads ledger status, which must never fail for a known address.
func StatusReader(ctx context.Context, svc *escrow.Service, book *Book, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(15, 25), func() error {
		timed := rand.Intn(2) == 0
		addr, ok := book.pick(timed)
		if !ok {
			return nil
		}
		read := svc.ConditionalStatus
		if timed {
			read = svc.TimedStatus
		}
		_, err := read(ctx, addr.Hex())
		if err != nil && !errors.Is(err, ledger.ErrUnavailable) && ctx.Err() == nil {
			return fmt.Errorf("status %s: %w", addr.Hex(), err)
		}
		return nil
	})
}

// Reconciler runs full reconciliation passes alongside the writers.
func Reconciler(ctx context.Context, svc *escrow.Service, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(200, 200), func() error {
		_, err := svc.ReconcileAll(ctx)
		return err
	})
}
