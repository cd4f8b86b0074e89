package market

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/ledger"
	"github.com/blinkmarket/flash-engine/internal/model"
)

// Rand is the randomness a Generator or Resolver draws from.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Settings bounds the randomized parts of a generated market.
type Settings struct {
	MinDuration time.Duration // inclusive
	MaxDuration time.Duration // exclusive
	CryptoBias  float64       // chance of restricting to crypto templates when prices exist
	VarianceMin float64       // inclusive pool multiplier
	VarianceMax float64       // exclusive pool multiplier
	MinCrowd    int           // inclusive starting participants
	MaxCrowd    int           // exclusive starting participants
}

// DefaultSettings returns the standard flash-market bounds.
func DefaultSettings() Settings {
	return Settings{
		MinDuration: 10 * time.Second,
		MaxDuration: 18 * time.Second,
		CryptoBias:  0.6,
		VarianceMin: 0.7,
		VarianceMax: 1.3,
		MinCrowd:    50,
		MaxCrowd:    250,
	}
}

// Generator builds new active markets from a template catalog.
// It is not safe for concurrent use; the scheduler calls it from one goroutine.
type Generator struct {
	catalog  []Template
	crypto   []Template
	assets   []string
	settings Settings
	rng      Rand
	now      func() time.Time
	newID    func() string
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithRand sets the randomness source.
func WithRand(r Rand) GeneratorOption { return func(g *Generator) { g.rng = r } }

// WithClock sets the time source.
func WithClock(now func() time.Time) GeneratorOption { return func(g *Generator) { g.now = now } }

// WithIDs sets the market ID source.
func WithIDs(newID func() string) GeneratorOption { return func(g *Generator) { g.newID = newID } }

// NewGenerator validates the catalog and settings and returns a Generator
// that links crypto templates to the given tracked assets.
func NewGenerator(catalog []Template, assets []string, s Settings, opts ...GeneratorOption) (*Generator, error) {
	if err := ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	if s.MinDuration <= 0 || s.MaxDuration <= s.MinDuration {
		return nil, errors.New("market: duration range must be positive and non-empty")
	}
	if s.VarianceMin <= 0 || s.VarianceMax < s.VarianceMin {
		return nil, errors.New("market: variance range must be positive")
	}
	if s.MaxCrowd <= s.MinCrowd {
		return nil, errors.New("market: participant range must be non-empty")
	}

	g := &Generator{
		catalog:  catalog,
		assets:   assets,
		settings: s,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:      time.Now,
		newID:    func() string { return "bet-" + uuid.NewString() },
	}
	for _, t := range catalog {
		if t.Category == model.CategoryCrypto {
			g.crypto = append(g.crypto, t)
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate returns a new active market. With a non-empty price snapshot the
// generator favours crypto templates, and a crypto market whose title names a
// priced asset captures that price as its StartPrice.
func (g *Generator) Generate(prices model.Snapshot) model.Market {
	pool := g.catalog
	if len(prices) > 0 && len(g.crypto) > 0 && g.rng.Float64() < g.settings.CryptoBias {
		pool = g.crypto
	}
	t := pool[g.rng.IntN(len(pool))]

	s := g.settings
	now := g.now()
	duration := s.MinDuration + time.Duration(g.rng.Float64()*float64(s.MaxDuration-s.MinDuration))
	variance := decimal.NewFromFloat(s.VarianceMin + g.rng.Float64()*(s.VarianceMax-s.VarianceMin))

	m := model.Market{
		ID:           g.newID(),
		Title:        t.Title,
		Description:  t.Description,
		Category:     t.Category,
		OptionA:      scaledOption(t.OptionA, variance),
		OptionB:      scaledOption(t.OptionB, variance),
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
		Status:       model.StatusActive,
		Participants: s.MinCrowd + g.rng.IntN(s.MaxCrowd-s.MinCrowd),
		Oracle:       model.OracleSimulated,
	}
	ledger.Recompute(&m)

	if t.Category == model.CategoryCrypto {
		if asset, ok := ReferencedAsset(t.Title, g.assets); ok {
			if price, ok := prices.Price(asset); ok {
				m.StartPrice = &price
				m.Oracle = model.OracleLiveFeed
			}
		}
	}
	return m
}

func scaledOption(t TemplateOption, variance decimal.Decimal) model.Option {
	return model.Option{
		Label:      t.Label,
		ShortLabel: t.ShortLabel,
		Odds:       t.Odds,
		TotalBets:  t.BaseStake.Mul(variance).Floor(),
	}
}
