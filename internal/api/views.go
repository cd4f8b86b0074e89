package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/countdown"
	"github.com/blinkmarket/flash-engine/internal/model"
)

// MarketView is a market plus its countdown as of the response time.
type MarketView struct {
	model.Market
	Countdown countdown.State `json:"countdown"`
}

// PriceView is one asset row of the price board.
type PriceView struct {
	Asset      string       `json:"asset"`
	FeedID     string       `json:"feed_id"`
	Price      float64      `json:"price"`
	ObservedAt time.Time    `json:"observed_at"`
	Oracle     model.Oracle `json:"oracle"`
}

// PriceBoard is the feed snapshot ordered by asset symbol.
type PriceBoard struct {
	Connected bool        `json:"connected"`
	Prices    []PriceView `json:"prices"`
}

// Stats summarizes the current market set.
type Stats struct {
	LiveBets           int             `json:"live_bets"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	AvgDurationSeconds float64         `json:"avg_duration_seconds"`
}

func marketViews(ms []model.Market, now time.Time, duration time.Duration) []MarketView {
	out := make([]MarketView, len(ms))
	for i, m := range ms {
		out[i] = MarketView{Market: m, Countdown: countdown.Derive(m.ExpiresAt, now, duration)}
	}
	return out
}

func priceBoard(snap model.Snapshot, connected bool) PriceBoard {
	rows := make([]PriceView, 0, len(snap))
	for _, s := range snap {
		rows = append(rows, PriceView{
			Asset:      s.Asset,
			FeedID:     s.FeedID,
			Price:      s.Price,
			ObservedAt: s.ObservedAt,
			Oracle:     s.Oracle,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Asset < rows[j].Asset })
	return PriceBoard{Connected: connected, Prices: rows}
}

// stats counts volume across active and recent pools; the average duration
// covers both sets as well.
func stats(active, recent []model.Market) Stats {
	var (
		volume = decimal.Zero
		total  time.Duration
		n      int
	)
	for _, set := range [][]model.Market{active, recent} {
		for _, m := range set {
			volume = volume.Add(m.TotalPool)
			total += m.Duration()
			n++
		}
	}
	s := Stats{LiveBets: len(active), TotalVolume: volume}
	if n > 0 {
		avg := total.Seconds() / float64(n)
		s.AvgDurationSeconds = float64(int(avg*10+0.5)) / 10
	}
	return s
}

func filterCategory(ms []model.Market, c model.Category) []model.Market {
	out := make([]model.Market, 0, len(ms))
	for _, m := range ms {
		if m.Category == c {
			out = append(out, m)
		}
	}
	return out
}
