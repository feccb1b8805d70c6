package strategy

import (
	"fmt"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RSI keeps the last 2*period closes and compares the relative strength of gains
// against the configured thresholds once period+1 closes are available.
type RSI struct {
	id            string
	interval      core.Interval
	period        int
	buyThreshold  decimal.Decimal
	sellThreshold decimal.Decimal
	closes        *window[decimal.Decimal]
}

// NewRSI creates an RSI strategy on the candle stream of interval
func NewRSI(id string, interval core.Interval, period int, buy, sell float64) (*RSI, error) {
	if period < 1 {
		return nil, fmt.Errorf("rsi %s: period must be at least 1", id)
	}
	return &RSI{
		id:            id,
		interval:      interval,
		period:        period,
		buyThreshold:  decimal.NewFromFloat(buy),
		sellThreshold: decimal.NewFromFloat(sell),
		closes:        newWindow[decimal.Decimal](2 * period),
	}, nil
}

func (s *RSI) ID() string { return s.id }

func (s *RSI) Category() core.Category { return core.CandleCategory(s.interval) }

func (s *RSI) sealed() {}

// Value returns the current RSI and whether enough history exists
func (s *RSI) Value() (decimal.Decimal, bool) {
	if s.closes.len() < s.period+1 {
		return decimal.Zero, false
	}

	gain, loss := decimal.Zero, decimal.Zero
	items := s.closes.items
	for i := 1; i < len(items); i++ {
		diff := items[i].Sub(items[i-1])
		if diff.IsPositive() {
			gain = gain.Add(diff)
		} else {
			loss = loss.Sub(diff)
		}
	}

	total := gain.Add(loss)
	if total.IsZero() {
		return decimal.Zero, false
	}
	// the averaging divisor cancels: avgGain/(avgGain+avgLoss) == gain/(gain+loss)
	return gain.Div(total).Mul(hundred), true
}

// Evaluate records the close and emits Buy at or below the buy threshold,
// Sell at or above the sell threshold
func (s *RSI) Evaluate(event core.MarketEvent) core.Signal {
	if event.Candle == nil {
		return core.SignalNothing
	}
	s.closes.push(event.Candle.Close)

	rsi, ok := s.Value()
	if !ok {
		return core.SignalNothing
	}
	switch {
	case rsi.LessThanOrEqual(s.buyThreshold):
		return core.SignalBuy
	case rsi.GreaterThanOrEqual(s.sellThreshold):
		return core.SignalSell
	default:
		return core.SignalNothing
	}
}
