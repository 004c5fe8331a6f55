package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowflow/ledger"
)

func TestMetrics_CountOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(o *Options) { o.Metrics = m })
	ctx := context.Background()

	addr := f.deployConditional(t)
	if _, err := f.svc.ReleasePayment(ctx, addr.Hex()); !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	f.store.FailNext("MarkConfirmed", 1)
	if _, err := f.svc.ConfirmDelivery(ctx, addr.Hex()); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.operations.WithLabelValues("deploy", "ok")); got != 1 {
		t.Errorf("deploy ok = %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("release", "reverted")); got != 1 {
		t.Errorf("release reverted = %v", got)
	}
	if got := testutil.ToFloat64(m.mirrorRetries.WithLabelValues("confirm")); got != 1 {
		t.Errorf("confirm retries = %v", got)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observe("deploy", time.Time{}, nil)
	m.mirrorRetry("deploy")
	m.journaled("deploy")
	m.repaired("paid")
	m.setPending(3)
}
