package feed

import (
	"math/rand/v2"
	"time"

	"github.com/blinkmarket/flash-engine/internal/model"
)

// Seed anchors the simulated price of one asset. Simulated prices wander
// within Base ± Spread/2.
type Seed struct {
	Base   float64 `toml:"base"`
	Spread float64 `toml:"spread"`
}

// DefaultSeeds are plausible resting prices for the default assets.
var DefaultSeeds = map[string]Seed{
	"BTC": {Base: 96500, Spread: 50},
	"ETH": {Base: 2750, Spread: 10},
	"SUI": {Base: 3.25, Spread: 0.05},
	"SOL": {Base: 145, Spread: 1},
}

// fallbackSeed is used for subscribed assets with no configured seed.
var fallbackSeed = Seed{Base: 100, Spread: 0.1}

// simulator produces a bounded random walk per asset.
type simulator struct {
	assets  []string
	seeds   map[string]Seed
	current map[string]float64
	rng     *rand.Rand
}

func newSimulator(assets []string, seeds map[string]Seed, rng *rand.Rand) *simulator {
	return &simulator{
		assets:  assets,
		seeds:   seeds,
		current: make(map[string]float64, len(assets)),
		rng:     rng,
	}
}

func (s *simulator) seed(asset string) Seed {
	if seed, ok := s.seeds[asset]; ok && seed.Base > 0 {
		return seed
	}
	return fallbackSeed
}

// next advances every asset one step and returns the new samples.
func (s *simulator) next(now time.Time) []model.PriceSample {
	out := make([]model.PriceSample, 0, len(s.assets))
	for _, asset := range s.assets {
		seed := s.seed(asset)
		lo, hi := seed.Base-seed.Spread/2, seed.Base+seed.Spread/2

		p, ok := s.current[asset]
		if !ok {
			p = seed.Base
		}
		p += (s.rng.Float64() - 0.5) * seed.Spread / 2
		p = max(lo, min(hi, p))
		s.current[asset] = p

		out = append(out, model.PriceSample{
			Asset:      asset,
			FeedID:     FeedID(asset),
			Price:      p,
			ObservedAt: now,
			Oracle:     model.OracleSimulated,
		})
	}
	return out
}
