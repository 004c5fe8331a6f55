package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
)

type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initial
	eb.MaxInterval = p.max
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts-1)), ctx)
}

// permanentStoreErr reports store errors a retry cannot fix.
func permanentStoreErr(err error) bool {
	return errors.Is(err, contract.ErrNotFound) ||
		errors.Is(err, contract.ErrVariantMismatch) ||
		errors.Is(err, contract.ErrDuplicateAddress)
}

// applyWithRetry replays an idempotent mirror write until it succeeds, hits a
// permanent error, or runs out of attempts.
func (s *Service) applyWithRetry(ctx context.Context, action contract.Action, addr common.Address, write func(context.Context) error) error {
	op := func() error {
		err := write(ctx)
		if err != nil && permanentStoreErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.mirrorRetry(action)
		s.log.Warn("mirror write failed, retrying",
			slog.String("action", string(action)),
			slog.String("address", addr.Hex()),
			slog.Duration("wait", wait),
			slog.Any("err", err))
	}
	return backoff.RetryNotify(op, s.retry.backOff(ctx), notify)
}
