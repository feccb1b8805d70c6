package strategy

import (
	"fmt"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

type bar struct {
	high, low, close decimal.Decimal
}

// ATR measures average true range over the last 2*period candles and signals
// Sell when volatility reaches the threshold
type ATR struct {
	id        string
	interval  core.Interval
	period    int
	threshold decimal.Decimal
	bars      *window[bar]
}

// NewATR creates an ATR strategy on the candle stream of interval
func NewATR(id string, interval core.Interval, period int, threshold float64) (*ATR, error) {
	if period < 1 {
		return nil, fmt.Errorf("atr %s: period must be at least 1", id)
	}
	return &ATR{
		id:        id,
		interval:  interval,
		period:    period,
		threshold: decimal.NewFromFloat(threshold),
		bars:      newWindow[bar](2 * period),
	}, nil
}

func (s *ATR) ID() string { return s.id }

func (s *ATR) Category() core.Category { return core.CandleCategory(s.interval) }

func (s *ATR) sealed() {}

// Value returns the mean true range once period+1 candles are available
func (s *ATR) Value() (decimal.Decimal, bool) {
	if s.bars.len() < s.period+1 {
		return decimal.Zero, false
	}

	items := s.bars.items
	sum := decimal.Zero
	for i := 1; i < len(items); i++ {
		prevClose := items[i-1].close
		tr := decimal.Max(
			items[i].high.Sub(items[i].low),
			items[i].high.Sub(prevClose).Abs(),
			items[i].low.Sub(prevClose).Abs(),
		)
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(len(items) - 1))), true
}

func (s *ATR) Evaluate(event core.MarketEvent) core.Signal {
	if event.Candle == nil {
		return core.SignalNothing
	}
	c := event.Candle
	s.bars.push(bar{high: c.High, low: c.Low, close: c.Close})

	atr, ok := s.Value()
	if ok && atr.GreaterThanOrEqual(s.threshold) {
		return core.SignalSell
	}
	return core.SignalNothing
}
