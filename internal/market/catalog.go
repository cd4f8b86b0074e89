// Package market generates flash markets from a static template catalog and
// resolves them at expiry, either against the price feed or by coin flip.
package market

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/model"
)

var (
	// ErrEmptyCatalog is returned when no templates are configured.
	ErrEmptyCatalog = errors.New("market: template catalog is empty")

	// ErrInvalidTemplate is returned for a template that cannot produce a market.
	ErrInvalidTemplate = errors.New("market: invalid template")

	// ErrAlreadyResolved is returned when resolving a market twice.
	ErrAlreadyResolved = errors.New("market: already resolved")
)

// TemplateOption is the static half of a market option. BaseStake is scaled
// by a per-market variance when a market is generated.
type TemplateOption struct {
	Label      string
	ShortLabel string
	Odds       float64
	BaseStake  decimal.Decimal
}

// Template describes a kind of flash market.
type Template struct {
	Title       string
	Description string
	Category    model.Category
	OptionA     TemplateOption
	OptionB     TemplateOption
}

func stake(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// DefaultCatalog is the built-in template set. Crypto templates name the
// asset they track in the title; option A is always "up".
var DefaultCatalog = []Template{
	{
		Title:       "Next 3-pointer",
		Description: "Which team scores the next three-pointer?",
		Category:    model.CategoryBasketball,
		OptionA:     TemplateOption{Label: "Los Angeles Lakers", ShortLabel: "LAL", Odds: 1.85, BaseStake: stake(2500)},
		OptionB:     TemplateOption{Label: "Boston Celtics", ShortLabel: "BOS", Odds: 2.10, BaseStake: stake(1800)},
	},
	{
		Title:       "Next touchdown",
		Description: "Which team gets the next TD?",
		Category:    model.CategoryFootball,
		OptionA:     TemplateOption{Label: "Kansas City Chiefs", ShortLabel: "KC", Odds: 1.75, BaseStake: stake(3200)},
		OptionB:     TemplateOption{Label: "San Francisco 49ers", ShortLabel: "SF", Odds: 2.25, BaseStake: stake(2100)},
	},
	{
		Title:       "Next goal scorer",
		Description: "Who scores the next goal in the match?",
		Category:    model.CategorySoccer,
		OptionA:     TemplateOption{Label: "Manchester City", ShortLabel: "MCI", Odds: 1.90, BaseStake: stake(4100)},
		OptionB:     TemplateOption{Label: "Real Madrid", ShortLabel: "RMA", Odds: 1.95, BaseStake: stake(3900)},
	},
	{
		Title:       "First blood",
		Description: "Which team gets first blood?",
		Category:    model.CategoryEsports,
		OptionA:     TemplateOption{Label: "Team Liquid", ShortLabel: "TL", Odds: 1.65, BaseStake: stake(1500)},
		OptionB:     TemplateOption{Label: "Fnatic", ShortLabel: "FNC", Odds: 2.40, BaseStake: stake(900)},
	},
	{
		Title:       "BTC 1-min candle",
		Description: "Will the next 1-minute candle be green or red?",
		Category:    model.CategoryCrypto,
		OptionA:     TemplateOption{Label: "Green (Up)", ShortLabel: "📈", Odds: 1.95, BaseStake: stake(5500)},
		OptionB:     TemplateOption{Label: "Red (Down)", ShortLabel: "📉", Odds: 1.90, BaseStake: stake(5800)},
	},
	{
		Title:       "Next free throw",
		Description: "Will the next free throw be made or missed?",
		Category:    model.CategoryBasketball,
		OptionA:     TemplateOption{Label: "Made", ShortLabel: "✓", Odds: 1.30, BaseStake: stake(4200)},
		OptionB:     TemplateOption{Label: "Missed", ShortLabel: "✗", Odds: 3.50, BaseStake: stake(1300)},
	},
	{
		Title:       "Next corner kick",
		Description: "Which team gets the next corner?",
		Category:    model.CategorySoccer,
		OptionA:     TemplateOption{Label: "Arsenal", ShortLabel: "ARS", Odds: 2.05, BaseStake: stake(2800)},
		OptionB:     TemplateOption{Label: "Liverpool", ShortLabel: "LIV", Odds: 1.85, BaseStake: stake(3200)},
	},
	{
		Title:       "ETH price direction",
		Description: "Will ETH go up or down in the next minute?",
		Category:    model.CategoryCrypto,
		OptionA:     TemplateOption{Label: "Bullish", ShortLabel: "🐂", Odds: 2.00, BaseStake: stake(3800)},
		OptionB:     TemplateOption{Label: "Bearish", ShortLabel: "🐻", Odds: 2.00, BaseStake: stake(3800)},
	},
}

// ValidateCatalog checks every template can produce a market.
func ValidateCatalog(templates []Template) error {
	if len(templates) == 0 {
		return ErrEmptyCatalog
	}
	for i, t := range templates {
		switch {
		case t.Title == "":
			return fmt.Errorf("%w: #%d has no title", ErrInvalidTemplate, i)
		case !t.Category.Valid():
			return fmt.Errorf("%w: %q has unknown category %q", ErrInvalidTemplate, t.Title, t.Category)
		case !t.OptionA.BaseStake.IsPositive() || !t.OptionB.BaseStake.IsPositive():
			return fmt.Errorf("%w: %q needs positive base stakes", ErrInvalidTemplate, t.Title)
		}
	}
	return nil
}

// ReferencedAsset returns the first tracked asset whose symbol appears as a
// word in title. Assets are checked in the order given.
func ReferencedAsset(title string, assets []string) (string, bool) {
	words := strings.FieldsFunc(strings.ToUpper(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, asset := range assets {
		want := strings.ToUpper(asset)
		for _, w := range words {
			if w == want {
				return asset, true
			}
		}
	}
	return "", false
}
