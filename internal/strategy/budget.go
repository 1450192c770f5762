package strategy

import "sync/atomic"

// Budget is the total number of operations a run may issue, shared by every
// worker. A nil *Budget is unlimited.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget returns a budget of n operations, or nil (unlimited) when n <= 0.
func NewBudget(n int64) *Budget {
	if n <= 0 {
		return nil
	}
	b := &Budget{}
	b.remaining.Store(n)
	return b
}

// Take consumes one operation. It returns false once the budget is spent and
// never lets the remaining count drop below zero.
func (b *Budget) Take() bool {
	if b == nil {
		return true
	}
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns the operations left, or -1 for an unlimited budget.
func (b *Budget) Remaining() int64 {
	if b == nil {
		return -1
	}
	return b.remaining.Load()
}
