package backtest

import (
	"math"

	"github.com/shopspring/decimal"
)

// computeMetrics derives run statistics from the equity curve and trade
// list. Ratios use IEEE doubles; monetary sums stay decimal.
func computeMetrics(initial decimal.Decimal, curve []EquityPoint, trades []Trade, annualization int) Metrics {
	m := Metrics{
		InitialEquity: initial,
		FinalEquity:   initial,
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
	}
	m.TotalPnL = m.FinalEquity.Sub(m.InitialEquity)

	initialF := initial.InexactFloat64()
	if initialF != 0 {
		m.TotalReturnPct = (m.FinalEquity.InexactFloat64()/initialF - 1) * 100
	}
	m.MaxDrawdownPct = maxDrawdownPct(curve)
	m.SharpeRatio = sharpeRatio(curve, annualization)

	m.TotalTrades = len(trades)
	closing := 0
	for _, trade := range trades {
		m.TotalFees = m.TotalFees.Add(trade.Fees)
		if trade.PnL == nil {
			continue
		}
		closing++
		if trade.PnL.GreaterThan(decimal.Zero) {
			m.WinningTrades++
		}
	}
	if closing > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closing)
	}
	return m
}

// maxDrawdownPct is the worst peak-to-trough decline, with the peak seeded
// at the first equity point.
func maxDrawdownPct(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity.InexactFloat64()
	worst := 0.0
	for _, point := range curve {
		equity := point.Equity.InexactFloat64()
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst * 100
}

// sharpeRatio annualises the mean step return over its sample standard
// deviation (n-1 denominator).
func sharpeRatio(curve []EquityPoint, annualization int) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].Equity.InexactFloat64()/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(float64(annualization))
}
