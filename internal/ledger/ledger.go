// Package ledger implements the pool arithmetic for two-sided flash markets.
//
// A market's two options each accumulate stake. Percentages are derived from
// the stakes and rounded independently per side, so the two percentages can
// sum to 99 or 101. That drift is intentional and callers must tolerate it.
//
// All monetary values use shopspring/decimal, never float64.
// Functions here are stateless; serialization of concurrent callers is the
// owner's job (see store.MemoryStore.UpdateActive).
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when a stake is zero or negative.
	ErrInvalidAmount = errors.New("ledger: stake amount must be positive")

	// ErrInvalidSide is returned when the side is neither A nor B.
	ErrInvalidSide = errors.New("ledger: side must be A or B")

	// ErrNotActive is returned when a stake is applied to a resolved market.
	ErrNotActive = errors.New("ledger: market is not active")
)

var hundred = decimal.NewFromInt(100)

// Percentage returns round(part / total * 100). Halves round up, matching
// the display rounding used for the pools. A zero total yields 0.
func Percentage(part, total decimal.Decimal) int {
	if !total.IsPositive() {
		return 0
	}
	return int(part.Mul(hundred).Div(total).Round(0).IntPart())
}

// Recompute sets TotalPool and both percentages from the option stakes.
func Recompute(m *model.Market) {
	total := m.OptionA.TotalBets.Add(m.OptionB.TotalBets)
	m.TotalPool = total
	m.OptionA.Percentage = Percentage(m.OptionA.TotalBets, total)
	m.OptionB.Percentage = Percentage(m.OptionB.TotalBets, total)
}

// Validate checks a stake request without touching any market.
func Validate(side model.Side, amount decimal.Decimal) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Apply adds amount to the chosen side of m, recomputes both percentages
// against the new combined total, grows TotalPool by exactly amount, and
// counts one more participant. m is left untouched when an error is returned.
func Apply(m *model.Market, side model.Side, amount decimal.Decimal) error {
	if err := Validate(side, amount); err != nil {
		return err
	}
	if m.Status != model.StatusActive {
		return ErrNotActive
	}

	opt := m.Option(side)
	opt.TotalBets = opt.TotalBets.Add(amount)
	m.TotalPool = m.TotalPool.Add(amount)
	m.OptionA.Percentage = Percentage(m.OptionA.TotalBets, m.TotalPool)
	m.OptionB.Percentage = Percentage(m.OptionB.TotalBets, m.TotalPool)
	m.Participants++
	return nil
}

// Balanced reports whether the pool invariant holds for m.
func Balanced(m *model.Market) bool {
	return m.TotalPool.Equal(m.OptionA.TotalBets.Add(m.OptionB.TotalBets))
}

// Drift returns |A% + B% - 100|. Independent rounding keeps it within 1.
func Drift(m *model.Market) int {
	d := m.OptionA.Percentage + m.OptionB.Percentage - 100
	if d < 0 {
		return -d
	}
	return d
}
