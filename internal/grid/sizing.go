package grid

import (
	"fmt"
	"math"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/orders"
)

// CalculateOrderSize computes the quantity for an order at levelPrice under
// the full risk-factor stack.
//
// Base size is (equity * riskBudget * levelWeight / price) * leverage; each
// enabled factor contributes an independently clamped multiplier and the
// multipliers are simply multiplied together. Composition order matters only
// for the reported reason, which records the first hard block encountered.
//
// Never returns an error: a suppressed order comes back as size 0 with a
// machine-parseable reason, and the caller does nothing this bar.
func (m *Manager) CalculateOrderSize(direction orders.Direction, levelIndex int, levelPrice float64, in FactorInputs) (float64, ThrottleDecision) {
	if levelPrice <= 0 || in.Equity <= 0 {
		return 0, ThrottleDecision{Reason: "size_suppressed:no_equity"}
	}

	g := m.cfg.Grid
	s := m.cfg.Sizing
	f := m.cfg.Factors

	base := (in.Equity * s.RiskBudget * m.levelWeight(direction) / levelPrice) * float64(g.Leverage)

	multiplier := 1.0
	reason := "ok"
	blocked := false

	apply := func(name string, factor float64) {
		if blocked {
			return
		}
		if factor <= 0 {
			multiplier = 0
			reason = "size_suppressed:" + name
			blocked = true
			return
		}
		multiplier *= factor
	}

	apply("breakout", m.breakoutFactor(direction, in))
	apply("range_position", m.rangePositionFactor(direction, in))
	apply("funding", m.fundingFactor(direction, in))
	apply("volatility", m.volatilityFactor(in))
	apply("trend", m.trendFactor(direction, in))
	apply("mm_risk_zone", m.mmRiskZoneFactor(direction, in))
	apply("deleverage", m.deleverageFactor(direction, in))
	if direction == orders.DirectionBuy {
		apply("cost_basis", m.costBasisFactor(in))
	}

	size := roundQty(base * multiplier)

	if !blocked && f.Capacity.Enabled && size > 0 {
		if !m.capacityAllows(direction, size, levelPrice, in) {
			size = 0
			reason = "size_suppressed:capacity"
			blocked = true
		}
	}

	if !blocked && size*levelPrice < s.MinOrderNotional {
		size = 0
		reason = fmt.Sprintf("size_suppressed:min_notional_%.2f", s.MinOrderNotional)
		blocked = true
	}

	if blocked {
		return 0, ThrottleDecision{Reason: reason}
	}
	return size, ThrottleDecision{SizeMultiplier: multiplier, Reason: reason}
}

// levelWeight splits the risk budget between the two sides of the book
func (m *Manager) levelWeight(direction orders.Direction) float64 {
	ratio := m.cfg.Sizing.BuyBudgetRatio
	if direction == orders.DirectionBuy {
		return 2 * ratio
	}
	return 2 * (1 - ratio)
}

// breakoutFactor shrinks size near the adverse range boundary: buys near
// support face a downside breakout, sells near resistance an upside one.
func (m *Manager) breakoutFactor(direction orders.Direction, in FactorInputs) float64 {
	f := m.cfg.Factors.Breakout
	if !f.Enabled {
		return 1
	}
	g := m.cfg.Grid

	var dist float64
	if direction == orders.DirectionBuy {
		dist = (in.Price - g.Support) / in.Price
	} else {
		dist = (g.Resistance - in.Price) / in.Price
	}
	band := m.cfg.Factors.BreakoutBandPct
	if band <= 0 || dist >= band {
		return 1
	}
	if dist < 0 {
		dist = 0
	}
	// Linear taper from ceiling at the band edge to floor at the boundary
	raw := f.Floor + (f.Ceiling-f.Floor)*(dist/band)
	return clampFactor(raw, f)
}

// rangePositionFactor favors buying low in the range and selling high
func (m *Manager) rangePositionFactor(direction orders.Direction, in FactorInputs) float64 {
	f := m.cfg.Factors.RangePosition
	if !f.Enabled {
		return 1
	}
	var raw float64
	if direction == orders.DirectionBuy {
		raw = 1 - 0.5*in.RangePos
	} else {
		raw = 0.5 + 0.5*in.RangePos
	}
	return clampFactor(raw, f)
}

// fundingFactor throttles the side paying funding; an extreme rate blocks it
func (m *Manager) fundingFactor(direction orders.Direction, in FactorInputs) float64 {
	f := m.cfg.Factors.Funding
	if !f.Enabled {
		return 1
	}
	blockAbs := m.cfg.Factors.FundingBlockAbs

	// Positive funding punishes longs, negative punishes shorts
	adverse := (direction == orders.DirectionBuy && in.FundingRate > 0) ||
		(direction == orders.DirectionSell && in.FundingRate < 0)
	if !adverse {
		return 1
	}
	abs := math.Abs(in.FundingRate)
	if blockAbs > 0 && abs >= blockAbs {
		return 0
	}
	if blockAbs <= 0 {
		return 1
	}
	raw := 1 - (abs/blockAbs)*(1-f.Floor)
	return clampFactor(raw, f)
}

// volatilityFactor shrinks everything in a high-volatility regime. The regime
// reading takes whichever of ATR and realized close-to-close volatility is
// hotter, so a gap-driven spike registers even when ranges stay tight.
func (m *Manager) volatilityFactor(in FactorInputs) float64 {
	f := m.cfg.Factors.Volatility
	if !f.Enabled {
		return 1
	}
	high := m.cfg.Factors.HighVolATRPct
	vol := math.Max(in.ATRPct, in.RealizedVol)
	if high <= 0 || vol <= high {
		return 1
	}
	return clampFactor(high/vol, f)
}

// RSI bounds beyond which the with-trend boost is withheld: chasing a move
// that momentum already calls overextended adds size at the worst prices.
const (
	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// trendFactor throttles the counter-trend side and slightly boosts the
// with-trend side once EMA divergence exceeds the configured strength.
func (m *Manager) trendFactor(direction orders.Direction, in FactorInputs) float64 {
	f := m.cfg.Factors.Trend
	if !f.Enabled || in.EMASlow <= 0 {
		return 1
	}
	divergence := (in.EMAFast - in.EMASlow) / in.EMASlow
	strength := m.cfg.Factors.TrendStrength
	if strength <= 0 || math.Abs(divergence) < strength {
		return 1
	}

	trendingUp := divergence > 0
	withTrend := (trendingUp && direction == orders.DirectionBuy) ||
		(!trendingUp && direction == orders.DirectionSell)
	if withTrend {
		overextended := in.RSI > 0 &&
			((trendingUp && in.RSI >= rsiOverbought) || (!trendingUp && in.RSI <= rsiOversold))
		if overextended {
			return 1
		}
		return clampFactor(f.Ceiling, f)
	}
	return clampFactor(f.Floor, f)
}

// mmRiskZoneFactor applies the tiered market-maker risk zones. The zone input
// is the adverse extremity of the range: deep lows are risky for buys, highs
// for sells.
func (m *Manager) mmRiskZoneFactor(direction orders.Direction, in FactorInputs) float64 {
	zones := m.cfg.Factors.MMRiskZones
	if len(zones) == 0 {
		return 1
	}
	riskPos := in.RangePos
	if direction == orders.DirectionBuy {
		riskPos = 1 - in.RangePos
	}

	factor := 1.0
	for _, tier := range zones {
		if riskPos >= tier.FromRangePos {
			factor = tier.Multiplier
		}
	}
	return factor
}

// deleverageFactor forces buy-side de-risking on daily drawdown breaches:
// each breached level halves the size, and breaching every level blocks buys.
func (m *Manager) deleverageFactor(direction orders.Direction, in FactorInputs) float64 {
	f := m.cfg.Factors.Deleverage
	levels := m.cfg.Factors.DeleverageLevels
	if !f.Enabled || len(levels) == 0 || direction != orders.DirectionBuy {
		return 1
	}
	if in.DailyPnl >= 0 || in.Equity <= 0 {
		return 1
	}
	drawdown := -in.DailyPnl / in.Equity

	breaches := 0
	for _, lvl := range levels {
		if drawdown >= lvl {
			breaches++
		}
	}
	if breaches == 0 {
		return 1
	}
	if breaches >= len(levels) {
		return 0
	}
	return math.Pow(0.5, float64(breaches))
}

// costBasisFactor throttles buys once price falls into the risk zone below
// the ledger's average cost.
func (m *Manager) costBasisFactor(in FactorInputs) float64 {
	f := m.cfg.Factors.CostBasis
	if !f.Enabled {
		return 1
	}
	avgCost := m.AvgCost()
	if avgCost <= 0 {
		return 1
	}
	zone := avgCost * (1 - m.cfg.Sizing.CostBasisZonePct)
	if in.Price >= zone {
		return 1
	}
	return m.cfg.Sizing.CostBasisZoneFloor
}

// capacityAllows compares projected post-fill gross notional at max leverage
// against the regime-scaled capacity cap.
func (m *Manager) capacityAllows(direction orders.Direction, size, levelPrice float64, in FactorInputs) bool {
	s := m.cfg.Sizing
	g := m.cfg.Grid

	projected := m.GrossNotional(in.Price) + size*levelPrice

	ratio := s.BuyBudgetRatio / (1 - s.BuyBudgetRatio)
	if direction == orders.DirectionSell {
		ratio = 1 / ratio
	}
	regime := math.Pow(ratio, s.CapacityExponent)

	limit := s.EquityFloor * float64(g.Leverage) * s.CapacityThreshold * regime
	return projected <= limit
}

func clampFactor(raw float64, f config.FactorConfig) float64 {
	return math.Min(f.Ceiling, math.Max(f.Floor, raw))
}
