package selector

import (
	"context"
	"math"
	"sort"
	"time"

	"funding-sniper/internal/market"
	"funding-sniper/internal/spread"

	"go.uber.org/zap"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opportunity is an ephemeral candidate computed per selection call.
type Opportunity struct {
	Symbol         string
	FundingRate    float64
	NetProfit      float64
	Spread         float64
	NextSettlement time.Time
	Direction      Direction
}

// coarseFilterFactor keeps spread-fetch budget off symbols whose raw rate is
// clearly below profitability before costs.
const coarseFilterFactor = 0.8

// Selector ranks the live rate table against profitability thresholds. It is
// read-only except for the spread refreshes it triggers.
type Selector struct {
	feed           *market.Feed
	spreads        *spread.Cache
	minFundingRate float64
	maxSpread      float64
	log            *zap.Logger
}

func New(feed *market.Feed, spreads *spread.Cache, minFundingRate, maxSpread float64, log *zap.Logger) *Selector {
	return &Selector{
		feed:           feed,
		spreads:        spreads,
		minFundingRate: minFundingRate,
		maxSpread:      maxSpread,
		log:            log,
	}
}

// Select returns the single best opportunity, or ok=false when nothing
// clears the thresholds. Candidates are ordered by nearest settlement first:
// the engine can hold one position only and must act on the nearest deadline.
func (s *Selector) Select(ctx context.Context, now time.Time) (Opportunity, bool) {
	candidates := s.candidates(now)
	if len(candidates) == 0 {
		return Opportunity{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NextSettlement.Equal(candidates[j].NextSettlement) {
			return candidates[i].NextSettlement.Before(candidates[j].NextSettlement)
		}
		return math.Abs(candidates[i].FundingRate) > math.Abs(candidates[j].FundingRate)
	})
	for _, snap := range candidates {
		if s.spreads.ShouldRefresh(snap.Symbol, now) {
			if err := s.spreads.Refresh(ctx, snap.Symbol, now); err != nil {
				s.log.Debug("spread refresh failed", zap.String("symbol", snap.Symbol), zap.Error(err))
			}
		}
		spreadPct := s.spreads.Get(snap.Symbol)
		netProfit := math.Abs(snap.FundingRate) - spreadPct
		if netProfit < s.minFundingRate || spreadPct > s.maxSpread {
			continue
		}
		return Opportunity{
			Symbol:         snap.Symbol,
			FundingRate:    snap.FundingRate,
			NetProfit:      netProfit,
			Spread:         spreadPct,
			NextSettlement: snap.NextSettlement,
			Direction:      DirectionFor(snap.FundingRate),
		}, true
	}
	return Opportunity{}, false
}

// Validate re-checks an already-selected opportunity against the latest
// table and spread, for the final gate right before entry.
func (s *Selector) Validate(ctx context.Context, opp Opportunity, now time.Time) bool {
	snap, ok := s.feed.Snapshot(opp.Symbol)
	if !ok {
		return false
	}
	if s.spreads.ShouldRefresh(opp.Symbol, now) {
		if err := s.spreads.Refresh(ctx, opp.Symbol, now); err != nil {
			s.log.Debug("spread refresh failed", zap.String("symbol", opp.Symbol), zap.Error(err))
		}
	}
	spreadPct := s.spreads.Get(opp.Symbol)
	netProfit := math.Abs(snap.FundingRate) - spreadPct
	return netProfit >= s.minFundingRate && spreadPct <= s.maxSpread
}

func (s *Selector) candidates(now time.Time) []market.FundingSnapshot {
	table := s.feed.Table()
	out := table[:0]
	for _, snap := range table {
		if math.Abs(snap.FundingRate) < s.minFundingRate*coarseFilterFactor {
			continue
		}
		if snap.NextSettlement.IsZero() || !snap.NextSettlement.After(now) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// DirectionFor picks the side that collects the payment: shorts pay longs
// when the rate is negative, so negative rates are captured long.
func DirectionFor(fundingRate float64) Direction {
	if fundingRate < 0 {
		return DirectionLong
	}
	return DirectionShort
}
