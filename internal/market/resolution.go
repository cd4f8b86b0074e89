package market

import (
	"math/rand/v2"
	"time"

	"github.com/blinkmarket/flash-engine/internal/model"
)

// Resolver decides the winning side of expired markets.
// It is not safe for concurrent use.
type Resolver struct {
	assets []string
	rng    Rand
	now    func() time.Time
}

// NewResolver returns a Resolver that reads prices for the given tracked
// assets. A nil rng is seeded from the clock; a nil now uses time.Now.
func NewResolver(assets []string, rng Rand, now func() time.Time) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xc0f1))
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{assets: assets, rng: rng, now: now}
}

// Resolve returns m resolved against prices. LiveFeed markets with a start
// price compare it with the current price of the asset named in the title:
// A wins when the price held or rose, B when it fell. Every other market, and
// a LiveFeed market whose asset has no current price, is settled by an
// unweighted coin flip. Pools and all other fields are carried over as-is.
func (r *Resolver) Resolve(m model.Market, prices model.Snapshot) (model.Market, error) {
	if m.Status == model.StatusResolved {
		return m, ErrAlreadyResolved
	}

	out := m.Clone()
	winner, endPrice, ok := r.oracleOutcome(out, prices)
	if !ok {
		winner = r.coinFlip()
	}

	at := r.now()
	out.Status = model.StatusResolved
	out.Winner = &winner
	out.EndPrice = endPrice
	out.ResolvedAt = &at
	return out, nil
}

func (r *Resolver) oracleOutcome(m model.Market, prices model.Snapshot) (model.Side, *float64, bool) {
	if m.Oracle != model.OracleLiveFeed || m.StartPrice == nil {
		return "", nil, false
	}
	asset, ok := ReferencedAsset(m.Title, r.assets)
	if !ok {
		return "", nil, false
	}
	current, ok := prices.Price(asset)
	if !ok {
		return "", nil, false
	}
	if current >= *m.StartPrice {
		return model.SideA, &current, true
	}
	return model.SideB, &current, true
}

func (r *Resolver) coinFlip() model.Side {
	if r.rng.IntN(2) == 0 {
		return model.SideA
	}
	return model.SideB
}
