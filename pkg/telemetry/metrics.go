package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsPublishedTotal = "trade_engine_events_published_total"
	MetricPublishErrorsTotal   = "trade_engine_publish_errors_total"
	MetricSubscriberLagTotal   = "trade_engine_subscriber_lag_events_total"
	MetricSignalsTotal         = "trade_engine_signals_total"
	MetricDecisionsTotal       = "trade_engine_decisions_total"
	MetricOrdersPlacedTotal    = "trade_engine_orders_placed_total"
	MetricOrderFailuresTotal   = "trade_engine_order_failures_total"
	MetricOrderUpdatesTotal    = "trade_engine_order_updates_total"
	MetricSweepActionsTotal    = "trade_engine_sweep_actions_total"
	MetricPnLRealizedTotal     = "trade_engine_pnl_realized_total"
	MetricOrdersOpen           = "trade_engine_orders_open"
	MetricInstanceState        = "trade_engine_instance_state"
)

// MetricsHolder holds initialized instruments.
// Record helpers are no-ops until InitMetrics has run.
type MetricsHolder struct {
	EventsPublishedTotal metric.Int64Counter
	PublishErrorsTotal   metric.Int64Counter
	SubscriberLagTotal   metric.Int64Counter
	SignalsTotal         metric.Int64Counter
	DecisionsTotal       metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrderFailuresTotal   metric.Int64Counter
	OrderUpdatesTotal    metric.Int64Counter
	SweepActionsTotal    metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	OrdersOpen           metric.Int64ObservableGauge
	InstanceState        metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	openOrdersMap    map[string]int64
	instanceStateMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = NewMetricsHolder()
	})
	return globalMetrics
}

// NewMetricsHolder returns a holder with no instruments bound
func NewMetricsHolder() *MetricsHolder {
	return &MetricsHolder{
		openOrdersMap:    make(map[string]int64),
		instanceStateMap: make(map[string]int64),
	}
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EventsPublishedTotal, MetricEventsPublishedTotal, "Market events published onto the data bus"},
		{&m.PublishErrorsTotal, MetricPublishErrorsTotal, "Market events dropped because their topic was not registered"},
		{&m.SubscriberLagTotal, MetricSubscriberLagTotal, "Events skipped by lagging subscribers"},
		{&m.SignalsTotal, MetricSignalsTotal, "Strategy signals produced"},
		{&m.DecisionsTotal, MetricDecisionsTotal, "Aggregated trade decisions taken by instances"},
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Orders accepted by the gateway"},
		{&m.OrderFailuresTotal, MetricOrderFailuresTotal, "Order requests rejected or failed"},
		{&m.OrderUpdatesTotal, MetricOrderUpdatesTotal, "Order updates seen by the reconciler, by result"},
		{&m.SweepActionsTotal, MetricSweepActionsTotal, "Actions taken by the ledger maintenance sweep"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
		*c.dst = inst
	}

	var err error
	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in quote asset"))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.InstanceState, err = meter.Int64ObservableGauge(MetricInstanceState, metric.WithDescription("Instance state (0=WaitBuy, 1=WaitSell)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.instanceStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

func addCounter(c metric.Int64Counter, ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *MetricsHolder) RecordEventPublished(ctx context.Context, topic string) {
	addCounter(m.EventsPublishedTotal, ctx, 1, attribute.String("topic", topic))
}

func (m *MetricsHolder) RecordPublishError(ctx context.Context, topic string) {
	addCounter(m.PublishErrorsTotal, ctx, 1, attribute.String("topic", topic))
}

func (m *MetricsHolder) RecordLag(ctx context.Context, topic, strategyID string, missed uint64) {
	addCounter(m.SubscriberLagTotal, ctx, int64(missed), attribute.String("topic", topic), attribute.String("strategy", strategyID))
}

func (m *MetricsHolder) RecordSignal(ctx context.Context, symbol, strategyID, signal string) {
	addCounter(m.SignalsTotal, ctx, 1,
		attribute.String("symbol", symbol), attribute.String("strategy", strategyID), attribute.String("signal", signal))
}

func (m *MetricsHolder) RecordDecision(ctx context.Context, symbol, action string) {
	addCounter(m.DecisionsTotal, ctx, 1, attribute.String("symbol", symbol), attribute.String("action", action))
}

func (m *MetricsHolder) RecordOrderPlaced(ctx context.Context, symbol, side string) {
	addCounter(m.OrdersPlacedTotal, ctx, 1, attribute.String("symbol", symbol), attribute.String("side", side))
}

func (m *MetricsHolder) RecordOrderFailure(ctx context.Context, symbol, op string) {
	addCounter(m.OrderFailuresTotal, ctx, 1, attribute.String("symbol", symbol), attribute.String("op", op))
}

func (m *MetricsHolder) RecordOrderUpdate(ctx context.Context, symbol, result string) {
	addCounter(m.OrderUpdatesTotal, ctx, 1, attribute.String("symbol", symbol), attribute.String("result", result))
}

func (m *MetricsHolder) RecordSweepAction(ctx context.Context, action string, n int) {
	if n == 0 {
		return
	}
	addCounter(m.SweepActionsTotal, ctx, int64(n), attribute.String("action", action))
}

func (m *MetricsHolder) RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) {
	if m.PnLRealizedTotal == nil {
		return
	}
	// counters only accept non-negative increments; losses are tracked with a sign attribute
	sign := "profit"
	if pnl < 0 {
		sign = "loss"
		pnl = -pnl
	}
	m.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("sign", sign)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetInstanceState(symbol string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instanceStateMap[symbol] = state
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.openOrdersMap))
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetInstanceStates() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.instanceStateMap))
	for k, v := range m.instanceStateMap {
		res[k] = v
	}
	return res
}
