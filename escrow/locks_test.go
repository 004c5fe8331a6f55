package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestAddressLocks_ExclusivePerAddress(t *testing.T) {
	locks := newAddressLocks()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	unlockA, err := locks.lock(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	unlockB, err := locks.lock(context.Background(), b)
	if err != nil {
		t.Fatalf("distinct address must not block: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, a); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while held, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		unlock, err := locks.lock(context.Background(), a)
		if err == nil {
			unlock()
		}
		close(acquired)
	}()
	unlockA()
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}

	unlockB()
	if n := locks.size(); n != 0 {
		t.Errorf("expected entries to be dropped, have %d", n)
	}
}
