// Package model defines the core domain types shared across the flash engine.
// All stake values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the fixed set of market categories.
type Category string

const (
	CategoryBasketball Category = "NBA"     // SportsA
	CategoryFootball   Category = "NFL"     // SportsB
	CategorySoccer     Category = "Soccer"  // SportsC
	CategoryEsports    Category = "Esports" // Esports
	CategoryCrypto     Category = "Crypto"  // Crypto
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryBasketball,
	CategoryFootball,
	CategorySoccer,
	CategoryEsports,
	CategoryCrypto,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Side identifies one of the two options of a market.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is A or B.
func (s Side) Valid() bool { return s == SideA || s == SideB }

// Status is the lifecycle state of a market. Transitions are active → resolved only.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Oracle records where a market's reference price came from.
type Oracle string

const (
	// OracleLiveFeed markets captured StartPrice from the price feed and
	// resolve by comparing it with the price at expiry.
	OracleLiveFeed Oracle = "LiveFeed"
	// OracleSimulated markets have no reference price and resolve by coin flip.
	OracleSimulated Oracle = "Simulated"
)

// Option is one side of a market.
type Option struct {
	Label      string          `json:"label"`
	ShortLabel string          `json:"short_label"`
	Odds       float64         `json:"odds"`       // display only
	TotalBets  decimal.Decimal `json:"total_bets"` // accumulated stake
	Percentage int             `json:"percentage"` // 0-100, derived from TotalBets
}

// Market is one time-boxed two-sided flash bet.
//
// Invariants: TotalPool == OptionA.TotalBets + OptionB.TotalBets;
// ExpiresAt is after CreatedAt; Winner and EndPrice are nil iff Status is active.
type Market struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Category     Category        `json:"category"`
	OptionA      Option          `json:"option_a"`
	OptionB      Option          `json:"option_b"`
	TotalPool    decimal.Decimal `json:"total_pool"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Status       Status          `json:"status"`
	Participants int             `json:"participants"`
	StartPrice   *float64        `json:"start_price,omitempty"`
	Oracle       Oracle          `json:"oracle"`
	Winner       *Side           `json:"winner,omitempty"`
	EndPrice     *float64        `json:"end_price,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// Option returns a pointer to the option for side s.
func (m *Market) Option(s Side) *Option {
	if s == SideB {
		return &m.OptionB
	}
	return &m.OptionA
}

// Duration is the betting window length.
func (m *Market) Duration() time.Duration {
	return m.ExpiresAt.Sub(m.CreatedAt)
}

// Expired reports whether the market's window has closed at now.
func (m *Market) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers can hand markets out without sharing
// the optional pointer fields.
func (m Market) Clone() Market {
	if m.StartPrice != nil {
		v := *m.StartPrice
		m.StartPrice = &v
	}
	if m.EndPrice != nil {
		v := *m.EndPrice
		m.EndPrice = &v
	}
	if m.Winner != nil {
		v := *m.Winner
		m.Winner = &v
	}
	if m.ResolvedAt != nil {
		v := *m.ResolvedAt
		m.ResolvedAt = &v
	}
	return m
}

// PriceSample is the latest observation for one asset. Only the newest sample
// per asset is kept.
type PriceSample struct {
	Asset      string    `json:"asset"`
	FeedID     string    `json:"feed_id"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
	Oracle     Oracle    `json:"oracle"`
}

// Snapshot maps an asset symbol to its current sample.
type Snapshot map[string]PriceSample

// Price returns the current price for asset, if any.
func (s Snapshot) Price(asset string) (float64, bool) {
	sample, ok := s[asset]
	if !ok || sample.Price <= 0 {
		return 0, false
	}
	return sample.Price, true
}

// Prices flattens the snapshot into asset → price.
func (s Snapshot) Prices() map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		out[k] = v.Price
	}
	return out
}
