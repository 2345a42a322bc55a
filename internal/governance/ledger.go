package governance

import (
	"fmt"
	"sync"
)

// #region ledger

// Ledger abstracts token custody so the consensus logic can be tested
// without a live chain. A deployment backs it with an on-chain contract;
// tests back it with MemoryLedger.
type Ledger interface {
	Balance(addr string) uint64
	Transfer(from, to string, amount uint64) error
}

// #endregion ledger

// #region memory-ledger

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]uint64)}
}

// Mint credits addr out of thin air. Test and bootstrap helper.
func (l *MemoryLedger) Mint(addr string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

// Balance returns the current balance of addr.
func (l *MemoryLedger) Balance(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Transfer moves amount from one address to another.
func (l *MemoryLedger) Transfer(from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("ledger: %s holds %d, cannot transfer %d", from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// #endregion memory-ledger
