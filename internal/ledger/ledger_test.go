package ledger

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMarket(a, b float64) *model.Market {
	now := time.Now()
	m := &model.Market{
		ID:        "m1",
		Title:     "Next 3-pointer",
		Category:  model.CategoryBasketball,
		OptionA:   model.Option{Label: "Los Angeles Lakers", ShortLabel: "LAL", Odds: 1.85, TotalBets: d(a)},
		OptionB:   model.Option{Label: "Boston Celtics", ShortLabel: "BOS", Odds: 2.10, TotalBets: d(b)},
		CreatedAt: now,
		ExpiresAt: now.Add(12 * time.Second),
		Status:    model.StatusActive,
		Oracle:    model.OracleSimulated,
	}
	Recompute(m)
	return m
}

// --- Percentage tests ---

func TestPercentage(t *testing.T) {
	tests := []struct {
		name        string
		part, total float64
		want        int
	}{
		{"zero total", 0, 0, 0},
		{"half", 50, 100, 50},
		{"rounds down", 1800, 4300, 42},
		{"rounds up", 2500, 4300, 58},
		{"exact half rounds up", 1, 8, 13},
		{"whole", 10, 10, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentage(d(tt.part), d(tt.total)); got != tt.want {
				t.Errorf("Percentage(%v, %v) = %d, want %d", tt.part, tt.total, got, tt.want)
			}
		})
	}
}

func TestRecompute_IndependentRoundingMayDrift(t *testing.T) {
	// 1/8 = 12.5% and 7/8 = 87.5%: both round up.
	m := newMarket(1, 7)
	if m.OptionA.Percentage != 13 || m.OptionB.Percentage != 88 {
		t.Fatalf("expected 13/88, got %d/%d", m.OptionA.Percentage, m.OptionB.Percentage)
	}
	if Drift(m) != 1 {
		t.Errorf("expected drift 1, got %d", Drift(m))
	}
}

// --- Apply tests ---

func TestApply_PlaceOnA(t *testing.T) {
	m := newMarket(2500, 1800)
	poolBefore := m.TotalPool
	participantsBefore := m.Participants

	if err := Apply(m, model.SideA, d(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.OptionA.TotalBets.Equal(d(3000)) {
		t.Errorf("expected A total 3000, got %s", m.OptionA.TotalBets)
	}
	if !m.OptionB.TotalBets.Equal(d(1800)) {
		t.Errorf("B total should be unchanged, got %s", m.OptionB.TotalBets)
	}
	if !m.TotalPool.Sub(poolBefore).Equal(d(500)) {
		t.Errorf("pool should grow by exactly 500: before=%s after=%s", poolBefore, m.TotalPool)
	}
	if m.Participants != participantsBefore+1 {
		t.Errorf("expected participants %d, got %d", participantsBefore+1, m.Participants)
	}
	if m.OptionA.Percentage != 63 || m.OptionB.Percentage != 38 {
		t.Errorf("expected 63/38, got %d/%d", m.OptionA.Percentage, m.OptionB.Percentage)
	}
	if Drift(m) > 1 {
		t.Errorf("percentages drift too far: %d + %d", m.OptionA.Percentage, m.OptionB.Percentage)
	}
}

func TestApply_PlaceOnB(t *testing.T) {
	m := newMarket(2500, 1800)
	if err := Apply(m, model.SideB, d(700)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.OptionB.TotalBets.Equal(d(2500)) {
		t.Errorf("expected B total 2500, got %s", m.OptionB.TotalBets)
	}
	if m.OptionA.Percentage != 50 || m.OptionB.Percentage != 50 {
		t.Errorf("expected 50/50, got %d/%d", m.OptionA.Percentage, m.OptionB.Percentage)
	}
}

func TestApply_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		side   model.Side
		amount float64
		want   error
	}{
		{"zero amount", model.SideA, 0, ErrInvalidAmount},
		{"negative amount", model.SideB, -10, ErrInvalidAmount},
		{"unknown side", model.Side("C"), 10, ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(2500, 1800)
			before := m.Clone()
			if err := Apply(m, tt.side, d(tt.amount)); err != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !m.TotalPool.Equal(before.TotalPool) || m.Participants != before.Participants {
				t.Error("market must be untouched on error")
			}
		})
	}
}

func TestApply_ResolvedMarket(t *testing.T) {
	m := newMarket(2500, 1800)
	m.Status = model.StatusResolved
	if err := Apply(m, model.SideA, d(10)); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if !m.OptionA.TotalBets.Equal(d(2500)) {
		t.Error("resolved market pools must stay frozen")
	}
}

// --- Property tests ---

func TestApply_PoolInvariantHoldsForAnySequence(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for run := 0; run < 50; run++ {
		m := newMarket(float64(100+rng.IntN(5000)), float64(100+rng.IntN(5000)))
		for i := 0; i < 200; i++ {
			side := model.SideA
			if rng.IntN(2) == 1 {
				side = model.SideB
			}
			amount := decimal.NewFromInt(int64(1 + rng.IntN(1000))).Add(d(0.25))
			if err := Apply(m, side, amount); err != nil {
				t.Fatalf("run %d step %d: %v", run, i, err)
			}
			if !Balanced(m) {
				t.Fatalf("run %d step %d: pool %s != %s + %s",
					run, i, m.TotalPool, m.OptionA.TotalBets, m.OptionB.TotalBets)
			}
			if Drift(m) > 1 {
				t.Fatalf("run %d step %d: percentages %d + %d drift beyond 1",
					run, i, m.OptionA.Percentage, m.OptionB.Percentage)
			}
		}
	}
}
