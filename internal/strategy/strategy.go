// Package strategy holds the signal-producing indicators run by strategy runners
package strategy

import (
	"fmt"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
)

// Strategy turns market events of one category into signals.
// Implementations are owned by a single runner goroutine and are not safe for concurrent use.
type Strategy interface {
	ID() string
	Category() core.Category
	Evaluate(event core.MarketEvent) core.Signal

	sealed()
}

// New builds the strategy described by cfg
func New(cfg config.StrategyConfig) (Strategy, error) {
	iv, err := core.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, err)
	}

	switch cfg.Type {
	case config.StrategyRSI:
		return NewRSI(cfg.ID, iv, cfg.Period, cfg.BuyThreshold, cfg.SellThreshold)
	case config.StrategyATR:
		return NewATR(cfg.ID, iv, cfg.Period, cfg.Threshold)
	default:
		return nil, fmt.Errorf("strategy %s: unknown type %q", cfg.ID, cfg.Type)
	}
}

// window is a bounded FIFO of the most recent values
type window[T any] struct {
	items []T
	limit int
}

func newWindow[T any](limit int) *window[T] {
	return &window[T]{items: make([]T, 0, limit), limit: limit}
}

func (w *window[T]) push(v T) {
	if len(w.items) == w.limit {
		copy(w.items, w.items[1:])
		w.items = w.items[:w.limit-1]
	}
	w.items = append(w.items, v)
}

func (w *window[T]) len() int { return len(w.items) }
