// Package instance implements the per-instrument trading lifecycle: it combines
// strategy signals, places at most one order at a time and follows it to completion.
package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trade_engine/internal/bus"
	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config describes one trading instance
type Config struct {
	ID                string
	Symbol            core.Symbol
	Mode              core.Mode
	Principal         decimal.Decimal
	StopLoss          decimal.Decimal
	TakeProfit        decimal.Decimal
	PricePrecision    int32
	QuantityPrecision int32

	// Strategies maps strategy id to the topic it evaluates
	Strategies   map[string]core.TopicKey
	SignalBuffer int
}

// Submitter runs exchange requests off the instance goroutine
type Submitter interface {
	Submit(task func()) error
}

// BookSource delivers best bid/ask events of the instrument
type BookSource interface {
	Recv(ctx context.Context) (core.MarketEvent, error)
}

// Deps are the collaborators of an instance
type Deps struct {
	Ledger  core.IOrderLedger
	Gateway core.IGateway
	Pool    Submitter
	Book    BookSource
	Logger  core.ILogger

	// NewOrderID generates client order ids; defaults to a random 34-character id
	NewOrderID func() string
}

// position is the base asset held after a filled buy
type position struct {
	quantity     decimal.Decimal
	buyPrice     decimal.Decimal
	minSellPrice decimal.Decimal
}

type taskKind int

const (
	taskPlace taskKind = iota
	taskCancel
)

type taskResult struct {
	kind   taskKind
	order  core.Order
	placed *core.PlacedOrder
	err    error
}

// Instance owns the trading lifecycle of one instrument.
// All fields below mu are touched only by the Run goroutine; mu guards the
// published view read by State and Snapshot.
type Instance struct {
	cfg     Config
	ledger  core.IOrderLedger
	gateway core.IGateway
	pool    Submitter
	book    BookSource
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	tracer  trace.Tracer
	newID   func() string

	signals  chan core.StrategySignal
	outcomes chan core.OrderOutcome
	books    chan core.BookTicker
	results  chan taskResult

	epochs    *epochCache
	active    *core.Order
	pending   map[string]core.Side // placements awaiting the exchange response
	canceling map[string]bool
	// cancels requested before the exchange acknowledged the order
	deferred map[string]bool
	holding   *position
	// price to re-place the sell at once the resting sell is canceled
	replaceAt decimal.Decimal
	bid       decimal.Decimal
	ask       decimal.Decimal
	lastPrice decimal.Decimal

	mu   sync.RWMutex
	view Snapshot
}

// Snapshot is a read-only view of an instance
type Snapshot struct {
	ID           string      `json:"id"`
	Symbol       core.Symbol `json:"symbol"`
	State        string      `json:"state"`
	ActiveOrder  string      `json:"active_order,omitempty"`
	ActiveSide   core.Side   `json:"active_side,omitempty"`
	Holding      string      `json:"holding,omitempty"`
	BuyPrice     string      `json:"buy_price,omitempty"`
	PendingTasks int         `json:"pending_tasks"`
	CachedEpochs int         `json:"cached_epochs"`
	Bid          string      `json:"bid,omitempty"`
	Ask          string      `json:"ask,omitempty"`
}

// New creates an instance in WaitBuy
func New(cfg Config, deps Deps) (*Instance, error) {
	if cfg.Mode == "" {
		cfg.Mode = core.ModeOr
	}
	if cfg.Mode != core.ModeOr {
		return nil, fmt.Errorf("instance %s: unsupported mode %q: %w", cfg.Symbol, cfg.Mode, apperrors.ErrInvalidConfig)
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("instance %s: no strategies: %w", cfg.Symbol, apperrors.ErrInvalidConfig)
	}
	if deps.Ledger == nil || deps.Gateway == nil || deps.Pool == nil {
		return nil, fmt.Errorf("instance %s: ledger, gateway and pool are required", cfg.Symbol)
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 256
	}
	if deps.NewOrderID == nil {
		deps.NewOrderID = newClientOrderID
	}

	logger := deps.Logger.WithFields(map[string]interface{}{
		"component": "instance",
		"symbol":    string(cfg.Symbol),
	})

	i := &Instance{
		cfg:       cfg,
		ledger:    deps.Ledger,
		gateway:   deps.Gateway,
		pool:      deps.Pool,
		book:      deps.Book,
		logger:    logger,
		metrics:   telemetry.GetGlobalMetrics(),
		tracer:    telemetry.GetTracer("instance"),
		newID:     deps.NewOrderID,
		signals:   make(chan core.StrategySignal, cfg.SignalBuffer),
		outcomes:  make(chan core.OrderOutcome, 64),
		books:     make(chan core.BookTicker, 16),
		results:   make(chan taskResult, 16),
		epochs:    newEpochCache(cfg.Strategies),
		pending:   make(map[string]core.Side),
		canceling: make(map[string]bool),
		deferred:  make(map[string]bool),
	}
	i.publish()
	return i, nil
}

func newClientOrderID() string {
	return "bq" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Symbol returns the instrument of the instance
func (i *Instance) Symbol() core.Symbol {
	return i.cfg.Symbol
}

// Signals is where strategy runners deliver their signals
func (i *Instance) Signals() chan<- core.StrategySignal {
	return i.signals
}

// Outcomes is where the reconciler delivers status changes of this instance's orders
func (i *Instance) Outcomes() chan<- core.OrderOutcome {
	return i.outcomes
}

// State returns the current lifecycle state
func (i *Instance) State() core.State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.view.State == core.StateWaitSell.String() {
		return core.StateWaitSell
	}
	return core.StateWaitBuy
}

// Snapshot returns a copy of the published view
func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.view
}

// Run processes signals, order outcomes and book updates until ctx is done.
// It returns an error only when an invariant shared with the ledger is violated.
func (i *Instance) Run(ctx context.Context) error {
	i.logger.Info("Starting instance", "strategies", len(i.cfg.Strategies))

	g, gctx := errgroup.WithContext(ctx)
	if i.book != nil {
		g.Go(func() error { return i.pumpBook(gctx) })
	}
	g.Go(func() error { return i.loop(gctx) })
	return g.Wait()
}

func (i *Instance) loop(ctx context.Context) error {
	defer i.logger.Info("Instance stopped")

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case sig := <-i.signals:
			err = i.onSignal(ctx, sig)
		case outcome := <-i.outcomes:
			err = i.onOutcome(ctx, outcome)
		case bt := <-i.books:
			err = i.onBook(ctx, bt)
		case res := <-i.results:
			err = i.onResult(ctx, res)
		}
		i.publish()
		if err != nil {
			i.logger.Error("Instance invariant violated, stopping", "error", err)
			return err
		}
	}
}

func (i *Instance) pumpBook(ctx context.Context) error {
	for {
		ev, err := i.book.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			switch {
			case errors.As(err, &lag):
				i.logger.Warn("Book ticker subscription lagged", "missed", lag.Missed)
				i.metrics.RecordLag(ctx, lag.Topic.String(), i.cfg.ID, lag.Missed)
				continue
			case errors.Is(err, apperrors.ErrTopicClosed), ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("instance %s book ticker: %w", i.cfg.Symbol, err)
			}
		}
		if ev.BookTicker == nil {
			continue
		}
		select {
		case i.books <- *ev.BookTicker:
		case <-ctx.Done():
			return nil
		}
	}
}

func (i *Instance) onSignal(ctx context.Context, sig core.StrategySignal) error {
	if sig.Symbol != i.cfg.Symbol {
		i.logger.Warn("Signal for another instrument dropped", "signal_symbol", sig.Symbol, "strategy", sig.StrategyID)
		return nil
	}
	if topic, ok := i.cfg.Strategies[sig.StrategyID]; !ok || topic != sig.Topic {
		i.logger.Warn("Signal from unknown strategy dropped", "strategy", sig.StrategyID, "topic", sig.Topic.String())
		return nil
	}
	if !sig.Price.IsZero() {
		i.lastPrice = sig.Price
	}

	ready, late := i.epochs.add(sig)
	if late {
		if sig.Signal == core.SignalNothing {
			i.logger.Debug("Late signal dropped", "strategy", sig.StrategyID, "epoch", sig.Epoch)
			return nil
		}
		// its epoch is gone; under Or a single trigger is enough to act on
		ready = []resolvedEpoch{{
			key:     epochKey{topic: sig.Topic, epoch: sig.Epoch},
			signals: []core.Signal{sig.Signal},
			partial: true,
		}}
	}

	for _, r := range ready {
		decision := combineOr(i.state(), r.signals)
		i.metrics.RecordDecision(ctx, string(i.cfg.Symbol), decision.String())
		if decision == DecisionNone {
			continue
		}
		i.logger.Info("Epoch resolved",
			"topic", r.key.topic.String(),
			"epoch", r.key.epoch,
			"partial", r.partial,
			"decision", decision.String())

		var err error
		switch decision {
		case DecisionBuy:
			err = i.triggerBuy(ctx)
		case DecisionSell:
			err = i.triggerSell(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) onBook(ctx context.Context, bt core.BookTicker) error {
	if !bt.Bid.IsZero() {
		i.bid = bt.Bid
	}
	if !bt.Ask.IsZero() {
		i.ask = bt.Ask
	}
	i.checkStopLoss(ctx)
	return nil
}

// state is derived: an instance waits to sell while it has an open order or holds a position
func (i *Instance) state() core.State {
	if i.active != nil || i.holding != nil || len(i.pending) > 0 {
		return core.StateWaitSell
	}
	return core.StateWaitBuy
}

func (i *Instance) publish() {
	state := i.state()
	view := Snapshot{
		ID:           i.cfg.ID,
		Symbol:       i.cfg.Symbol,
		State:        state.String(),
		PendingTasks: len(i.pending),
		CachedEpochs: i.epochs.len(),
	}
	if i.active != nil {
		view.ActiveOrder = i.active.ID
		view.ActiveSide = i.active.Side
	}
	if i.holding != nil {
		view.Holding = i.holding.quantity.String()
		view.BuyPrice = i.holding.buyPrice.String()
	}
	if !i.bid.IsZero() {
		view.Bid = i.bid.String()
	}
	if !i.ask.IsZero() {
		view.Ask = i.ask.String()
	}

	i.mu.Lock()
	i.view = view
	i.mu.Unlock()

	i.metrics.SetInstanceState(string(i.cfg.Symbol), int64(state))
}
