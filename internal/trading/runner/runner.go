// Package runner drives one strategy from its topic subscription
package runner

import (
	"context"
	"errors"
	"fmt"

	"trade_engine/internal/bus"
	"trade_engine/internal/core"
	"trade_engine/internal/strategy"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/telemetry"
)

// Source is the event feed of a runner
type Source interface {
	Recv(ctx context.Context) (core.MarketEvent, error)
	Key() core.TopicKey
}

// Runner evaluates every event of its topic and forwards the tagged signal.
// The strategy is owned by the runner goroutine.
type Runner struct {
	strategy strategy.Strategy
	source   Source
	out      chan<- core.StrategySignal
	symbol   core.Symbol
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// New creates a runner that forwards signals for symbol to out
func New(s strategy.Strategy, source Source, out chan<- core.StrategySignal, symbol core.Symbol, logger core.ILogger) *Runner {
	log := logger.WithFields(map[string]interface{}{
		"component": "runner",
		"strategy":  s.ID(),
		"topic":     source.Key().String(),
	})
	return &Runner{
		strategy: s,
		source:   source,
		out:      out,
		symbol:   symbol,
		logger:   log,
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// ID returns the strategy id
func (r *Runner) ID() string {
	return r.strategy.ID()
}

// Run blocks until ctx is done, the topic closes, or the subscription fails
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting strategy runner")
	topic := r.source.Key()

	for {
		event, err := r.source.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			switch {
			case errors.As(err, &lag):
				r.logger.Warn("Strategy runner lagged behind its topic", "missed", lag.Missed)
				r.metrics.RecordLag(ctx, topic.String(), r.strategy.ID(), lag.Missed)
				continue
			case errors.Is(err, apperrors.ErrTopicClosed):
				r.logger.Info("Topic closed, stopping strategy runner")
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				r.logger.Error("Strategy runner subscription failed", "error", err)
				return fmt.Errorf("runner %s: %w", r.strategy.ID(), err)
			}
		}

		sig := core.StrategySignal{
			StrategyID: r.strategy.ID(),
			Symbol:     r.symbol,
			Topic:      topic,
			Epoch:      event.Epoch(),
			Signal:     r.strategy.Evaluate(event),
			Price:      event.Price(),
		}
		r.metrics.RecordSignal(ctx, string(r.symbol), sig.StrategyID, sig.Signal.String())
		if sig.Signal != core.SignalNothing {
			r.logger.Debug("Strategy signal", "signal", sig.Signal.String(), "epoch", sig.Epoch)
		}

		select {
		case r.out <- sig:
		case <-ctx.Done():
			return nil
		}
	}
}
