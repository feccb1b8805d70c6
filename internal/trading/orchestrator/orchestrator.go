// Package orchestrator wires the data bus, strategies, instances and the order
// ledger together and runs them as one unit
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"trade_engine/internal/bus"
	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/strategy"
	"trade_engine/internal/trading/instance"
	"trade_engine/internal/trading/ledger"
	"trade_engine/internal/trading/runner"
	"trade_engine/pkg/concurrency"
	apperrors "trade_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Orchestrator owns every engine task. It performs no per-event work itself.
type Orchestrator struct {
	gateway core.IGateway
	logger  core.ILogger

	registry   *bus.Registry
	ledger     *ledger.Ledger
	reconciler *ledger.Reconciler
	pool       *concurrency.WorkerPool
	topics     []core.TopicKey
	runners    []*runner.Runner
	instances  []*instance.Instance

	running atomic.Bool
}

// Status is the read-only engine view served on /status
type Status struct {
	Gateway        string                `json:"gateway"`
	Topics         []string              `json:"topics"`
	Instances      []instance.Snapshot   `json:"instances"`
	OpenOrders     map[string]int        `json:"open_orders"`
	ArchivedOrders int                   `json:"archived_orders"`
	OrderPool      concurrency.PoolStats `json:"order_pool"`
}

// DeriveTopics returns one candle topic per distinct (symbol, interval) used by a
// strategy plus one book ticker topic per symbol, in a stable order
func DeriveTopics(cfg *config.Config) ([]core.TopicKey, error) {
	seen := make(map[core.TopicKey]bool)
	var topics []core.TopicKey
	add := func(k core.TopicKey) {
		if !seen[k] {
			seen[k] = true
			topics = append(topics, k)
		}
	}

	for _, ic := range cfg.Instances {
		symbol := core.NormalizeSymbol(ic.Symbol)
		add(core.TopicKey{Symbol: symbol, Category: core.BookTickerCategory()})
		for _, sc := range ic.Strategies {
			iv, err := core.ParseInterval(sc.Interval)
			if err != nil {
				return nil, fmt.Errorf("instance %s strategy %s: %w", symbol, sc.ID, err)
			}
			add(core.TopicKey{Symbol: symbol, Category: core.CandleCategory(iv)})
		}
	}

	sort.Slice(topics, func(i, j int) bool { return topics[i].String() < topics[j].String() })
	return topics, nil
}

// New validates the wiring and builds every task. Nothing runs until Run.
func New(cfg *config.Config, gateway core.IGateway, logger core.ILogger) (*Orchestrator, error) {
	log := logger.WithField("component", "orchestrator")

	topics, err := DeriveTopics(cfg)
	if err != nil {
		return nil, err
	}

	registry := bus.NewRegistry(cfg.Engine.BusCapacity, logger)
	for _, k := range topics {
		if err := registry.Register(k); err != nil {
			return nil, err
		}
	}
	registry.Seal()

	l := ledger.New(cfg.Engine.ArchiveLimit)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "orders",
		MaxWorkers:  cfg.Engine.OrderWorkers,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)
	reconciler := ledger.NewReconciler(l, gateway, pool, ledger.ReconcilerConfig{
		SweepInterval: cfg.Engine.SweepInterval,
		Policy: ledger.SweepPolicy{
			AckTimeout: cfg.Engine.AckTimeout,
			OrderTTL:   cfg.Engine.OrderTTL,
		},
	}, logger)

	o := &Orchestrator{
		gateway:    gateway,
		logger:     log,
		registry:   registry,
		ledger:     l,
		reconciler: reconciler,
		pool:       pool,
		topics:     topics,
	}

	for _, ic := range cfg.Instances {
		if err := o.addInstance(cfg, ic); err != nil {
			pool.Stop()
			return nil, err
		}
	}

	log.Info("Engine assembled",
		"topics", len(o.topics),
		"instances", len(o.instances),
		"runners", len(o.runners),
		"gateway", gateway.Name())
	return o, nil
}

func (o *Orchestrator) addInstance(cfg *config.Config, ic config.InstanceConfig) error {
	symbol := core.NormalizeSymbol(ic.Symbol)
	bookKey := core.TopicKey{Symbol: symbol, Category: core.BookTickerCategory()}

	strategies := make([]strategy.Strategy, 0, len(ic.Strategies))
	routes := make(map[string]core.TopicKey, len(ic.Strategies))
	required := []core.TopicKey{bookKey}
	for j, sc := range ic.Strategies {
		if sc.ID == "" {
			sc.ID = fmt.Sprintf("%s-%s-%s-%d", strings.ToLower(string(symbol)), sc.Type, sc.Interval, j)
			o.logger.Warn("Strategy without id, run inject to assign one", "symbol", symbol, "generated_id", sc.ID)
		}
		s, err := strategy.New(sc)
		if err != nil {
			return fmt.Errorf("instance %s: %w", symbol, err)
		}
		key := core.TopicKey{Symbol: symbol, Category: s.Category()}
		strategies = append(strategies, s)
		routes[s.ID()] = key
		required = append(required, key)
	}
	if err := o.registry.Require(required...); err != nil {
		return fmt.Errorf("instance %s: %w", symbol, err)
	}

	book, err := o.registry.Subscribe(bookKey)
	if err != nil {
		return err
	}
	id := ic.ID
	if id == "" {
		id = strings.ToLower(string(symbol))
	}
	inst, err := instance.New(instance.Config{
		ID:                id,
		Symbol:            symbol,
		Mode:              core.Mode(ic.Mode),
		Principal:         decimal.NewFromFloat(ic.Principal),
		StopLoss:          decimal.NewFromFloat(ic.StopLoss),
		TakeProfit:        decimal.NewFromFloat(ic.TakeProfit),
		PricePrecision:    ic.PricePrecision,
		QuantityPrecision: ic.QuantityPrecision,
		Strategies:        routes,
		SignalBuffer:      cfg.Engine.SignalBuffer,
	}, instance.Deps{
		Ledger:  o.ledger,
		Gateway: o.gateway,
		Pool:    o.pool,
		Book:    book,
		Logger:  o.logger,
	})
	if err != nil {
		return err
	}
	o.reconciler.Route(symbol, inst.Outcomes())
	o.instances = append(o.instances, inst)

	for _, s := range strategies {
		sub, err := o.registry.Subscribe(routes[s.ID()])
		if err != nil {
			return err
		}
		o.runners = append(o.runners, runner.New(s, sub, inst.Signals(), symbol, o.logger))
	}
	return nil
}

// Run starts every task and blocks until ctx is done or a task escalates an error.
// A failing strategy runner is contained; a gateway failure or an instance
// invariant violation stops the whole engine.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting engine")
	o.running.Store(true)
	defer o.running.Store(false)
	defer o.pool.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.reconciler.Run(gctx) })
	for _, inst := range o.instances {
		g.Go(func() error { return inst.Run(gctx) })
	}
	for _, r := range o.runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				o.logger.Error("Strategy runner stopped", "strategy", r.ID(), "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// closing the bus lets runners drain and exit once the gateway is gone
		defer o.registry.Close()
		err := o.gateway.Run(gctx, core.Streams{
			Topics:       o.Topics(),
			Publish:      o.publish,
			OrderUpdates: o.reconciler.Submit,
		})
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = apperrors.ErrGatewayClosed
		}
		o.logger.Error("Gateway stopped", "gateway", o.gateway.Name(), "error", err)
		return fmt.Errorf("gateway %s: %w", o.gateway.Name(), err)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("Engine stopped with error", "error", err)
		return err
	}
	o.logger.Info("Engine stopped")
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, event core.MarketEvent) error {
	if err := o.registry.Publish(ctx, event); err != nil {
		o.logger.Error("Event routed to an unregistered topic", "topic", event.Topic().String(), "error", err)
		return err
	}
	return nil
}

// Topics returns the registered topic keys
func (o *Orchestrator) Topics() []core.TopicKey {
	return append([]core.TopicKey(nil), o.topics...)
}

// Instances returns the trading instances in configuration order
func (o *Orchestrator) Instances() []*instance.Instance {
	return append([]*instance.Instance(nil), o.instances...)
}

// Ledger returns the order ledger
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.ledger
}

// Health reports whether the engine tasks are running
func (o *Orchestrator) Health() error {
	if !o.running.Load() {
		return errors.New("engine not running")
	}
	return nil
}

// Status returns a snapshot of instance states and order counts
func (o *Orchestrator) Status() Status {
	st := Status{
		Gateway:        o.gateway.Name(),
		OpenOrders:     make(map[string]int, len(o.instances)),
		ArchivedOrders: len(o.ledger.Archived()),
		OrderPool:      o.pool.Stats(),
	}
	for _, k := range o.topics {
		st.Topics = append(st.Topics, k.String())
	}
	for _, inst := range o.instances {
		st.Instances = append(st.Instances, inst.Snapshot())
		st.OpenOrders[string(inst.Symbol())] = len(o.ledger.OpenOrders(inst.Symbol()))
	}
	return st
}
