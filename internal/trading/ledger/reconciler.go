package ledger

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/telemetry"
)

// Submitter runs short tasks off the caller's goroutine
type Submitter interface {
	Submit(task func()) error
}

// ReconcilerConfig holds the reconciler timing
type ReconcilerConfig struct {
	SweepInterval time.Duration
	Policy        SweepPolicy
	BufferSize    int
}

// Reconciler is the single writer that feeds exchange order updates into the ledger
// and runs the periodic maintenance sweep. Owning instances are told about every
// status change of their orders.
type Reconciler struct {
	ledger  *Ledger
	gateway core.IGateway
	pool    Submitter
	cfg     ReconcilerConfig
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	updates chan core.OrderUpdate

	mu     sync.RWMutex
	routes map[core.Symbol]chan<- core.OrderOutcome

	// cancel requests issued by the sweep, keyed by order id
	cancelRequested map[string]time.Time
}

// NewReconciler creates a reconciler over ledger
func NewReconciler(ledger *Ledger, gateway core.IGateway, pool Submitter, cfg ReconcilerConfig, logger core.ILogger) *Reconciler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Reconciler{
		ledger:          ledger,
		gateway:         gateway,
		pool:            pool,
		cfg:             cfg,
		logger:          logger.WithField("component", "reconciler"),
		metrics:         telemetry.GetGlobalMetrics(),
		updates:         make(chan core.OrderUpdate, cfg.BufferSize),
		routes:          make(map[core.Symbol]chan<- core.OrderOutcome),
		cancelRequested: make(map[string]time.Time),
	}
}

// Route delivers outcomes for symbol's orders to ch
func (r *Reconciler) Route(symbol core.Symbol, ch chan<- core.OrderOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[symbol] = ch
}

// Submit queues an exchange update. It is the gateway's order update callback.
func (r *Reconciler) Submit(ctx context.Context, u core.OrderUpdate) {
	select {
	case r.updates <- u:
	case <-ctx.Done():
	}
}

// Run processes updates and sweeps until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "sweep_interval", r.cfg.SweepInterval)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case u := <-r.updates:
			r.apply(ctx, u)
		case now := <-ticker.C:
			r.sweep(ctx, now)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, u core.OrderUpdate) {
	result, outcome := r.ledger.ApplyUpdate(u)
	r.metrics.RecordOrderUpdate(ctx, string(u.Symbol), result.String())

	switch result {
	case ResultUnknown:
		r.logger.Warn("Order update does not belong to the engine", "order_id", u.OrderID, "symbol", u.Symbol, "status", u.Status)
		return
	case ResultStale:
		r.logger.Debug("Stale order update dropped", "order_id", u.OrderID, "status", u.Status, "event_time", u.EventTime)
		return
	case ResultIgnored:
		r.logger.Info("Order status has no engine equivalent", "order_id", u.OrderID, "status", u.Status)
		return
	}

	r.logger.Info("Order updated",
		"order_id", u.OrderID,
		"symbol", u.Symbol,
		"from", outcome.Previous.String(),
		"to", outcome.Order.Status.String())

	if outcome.Order.Status.IsTerminal() {
		delete(r.cancelRequested, u.OrderID)
	}
	r.refreshGauge(outcome.Order.Symbol)

	if outcome.Previous != outcome.Order.Status {
		r.notify(ctx, outcome)
	}
}

func (r *Reconciler) sweep(ctx context.Context, now time.Time) {
	report := r.ledger.Sweep(now, r.cfg.Policy)

	for _, outcome := range report.Abandoned {
		o := outcome.Order
		r.logger.Warn("Order never acknowledged, abandoning", "order_id", o.ID, "symbol", o.Symbol, "side", o.Side)
		r.requestCancel(ctx, o)
		r.refreshGauge(o.Symbol)
		r.notify(ctx, outcome)
	}

	for _, o := range report.Expired {
		if last, ok := r.cancelRequested[o.ID]; ok && now.Sub(last) < r.cfg.Policy.AckTimeout {
			continue
		}
		r.logger.Info("Order exceeded its time to live, canceling", "order_id", o.ID, "symbol", o.Symbol, "age", now.Sub(o.LastSeen))
		r.cancelRequested[o.ID] = now
		r.requestCancel(ctx, o)
	}

	r.metrics.RecordSweepAction(ctx, "abandoned", len(report.Abandoned))
	r.metrics.RecordSweepAction(ctx, "expired", len(report.Expired))
	r.metrics.RecordSweepAction(ctx, "trimmed", report.Trimmed)
}

func (r *Reconciler) requestCancel(ctx context.Context, o core.Order) {
	req := &core.CancelOrderRequest{Symbol: o.Symbol, OrderID: o.ID}
	err := r.pool.Submit(func() {
		if err := r.gateway.CancelOrder(ctx, req); err != nil {
			r.metrics.RecordOrderFailure(ctx, string(o.Symbol), "cancel")
			r.logger.Warn("Sweep cancel failed", "order_id", o.ID, "error", err)
		}
	})
	if err != nil {
		r.logger.Error("Failed to schedule sweep cancel", "order_id", o.ID, "error", err)
	}
}

func (r *Reconciler) notify(ctx context.Context, outcome core.OrderOutcome) {
	r.mu.RLock()
	ch, ok := r.routes[outcome.Order.Symbol]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("No instance routed for order outcome", "symbol", outcome.Order.Symbol, "order_id", outcome.Order.ID)
		return
	}

	select {
	case ch <- outcome:
	case <-ctx.Done():
	}
}

func (r *Reconciler) refreshGauge(symbol core.Symbol) {
	r.metrics.SetOpenOrders(string(symbol), int64(len(r.ledger.OpenOrders(symbol))))
}
