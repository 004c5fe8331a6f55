package escrow

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// addressLocks hands out one mutex per contract address. Entries are dropped
// once nobody holds or waits for them, so the map tracks only live contention.
type addressLocks struct {
	mu      sync.Mutex
	entries map[common.Address]*addressLock
}

type addressLock struct {
	sem  chan struct{}
	refs int
}

func newAddressLocks() *addressLocks {
	return &addressLocks{entries: make(map[common.Address]*addressLock)}
}

// lock blocks until addr is free or ctx is done. The returned func releases it.
func (l *addressLocks) lock(ctx context.Context, addr common.Address) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[addr]
	if !ok {
		entry = &addressLock{sem: make(chan struct{}, 1)}
		l.entries[addr] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(addr, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(addr, entry)
		})
	}, nil
}

func (l *addressLocks) release(addr common.Address, entry *addressLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, addr)
	}
}

func (l *addressLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
