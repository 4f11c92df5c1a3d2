package llmextract

import (
	"errors"
	"sync"
)

// ErrBudgetExceeded is returned by Allow once any configured ceiling is hit.
var ErrBudgetExceeded = errors.New("llmextract: budget exceeded")

// BudgetLimits are the call and spend ceilings one extractor run honors.
// Zero means unlimited for that dimension.
type BudgetLimits struct {
	MaxCallsPerRound   int
	MaxCallsPerProduct int
	PerProductUSD      float64
	MonthlyUSD         float64
	// Blended per-million-token rates used for spend estimation.
	USDPerMTokensIn  float64
	USDPerMTokensOut float64
}

// Budget tracks calls and estimated spend across rounds. The monthly spend
// counter is shared process-wide when the same Budget is handed to every
// product's extractor.
type Budget struct {
	mu           sync.Mutex
	limits       BudgetLimits
	callsRound   int
	callsProduct int
	spentProduct float64
	spentMonth   float64
}

// NewBudget builds a Budget with the given limits.
func NewBudget(limits BudgetLimits) *Budget {
	return &Budget{limits: limits}
}

// Allow reserves one call, or reports which ceiling is exhausted.
func (b *Budget) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.limits
	if l.MaxCallsPerRound > 0 && b.callsRound >= l.MaxCallsPerRound {
		return ErrBudgetExceeded
	}
	if l.MaxCallsPerProduct > 0 && b.callsProduct >= l.MaxCallsPerProduct {
		return ErrBudgetExceeded
	}
	if l.PerProductUSD > 0 && b.spentProduct >= l.PerProductUSD {
		return ErrBudgetExceeded
	}
	if l.MonthlyUSD > 0 && b.spentMonth >= l.MonthlyUSD {
		return ErrBudgetExceeded
	}
	b.callsRound++
	b.callsProduct++
	return nil
}

// Record accounts one call's token usage against the spend ceilings.
func (b *Budget) Record(promptTokens, completionTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cost := float64(promptTokens)/1e6*b.limits.USDPerMTokensIn +
		float64(completionTokens)/1e6*b.limits.USDPerMTokensOut
	b.spentProduct += cost
	b.spentMonth += cost
}

// NextRound resets the per-round call counter.
func (b *Budget) NextRound() {
	b.mu.Lock()
	b.callsRound = 0
	b.mu.Unlock()
}

// NextProduct resets the per-product counters, keeping monthly spend.
func (b *Budget) NextProduct() {
	b.mu.Lock()
	b.callsRound = 0
	b.callsProduct = 0
	b.spentProduct = 0
	b.mu.Unlock()
}

// SpentUSD reports the monthly spend estimate so far.
func (b *Budget) SpentUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spentMonth
}
