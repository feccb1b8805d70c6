package instance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"trade_engine/internal/bus"
	"trade_engine/internal/core"
	"trade_engine/internal/mock"
	"trade_engine/internal/strategy"
	"trade_engine/internal/trading/ledger"
	"trade_engine/internal/trading/runner"
	"trade_engine/pkg/concurrency"
	apperrors "trade_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	core.ILogger
}

func (m *mockLogger) Info(msg string, args ...interface{})                  {}
func (m *mockLogger) Error(msg string, args ...interface{})                 {}
func (m *mockLogger) Warn(msg string, args ...interface{})                  {}
func (m *mockLogger) Debug(msg string, args ...interface{})                 {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

var btcBook = core.TopicKey{Symbol: "BTCUSDT", Category: core.BookTickerCategory()}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	t      *testing.T
	ctx    context.Context
	reg    *bus.Registry
	ledger *ledger.Ledger
	gw     *mock.MockGateway
	inst   *Instance
	done   chan error
}

func testConfig(strategies map[string]core.TopicKey) Config {
	return Config{
		ID:                "btc",
		Symbol:            "BTCUSDT",
		Mode:              core.ModeOr,
		Principal:         decimal.NewFromInt(100),
		StopLoss:          decimal.NewFromFloat(0.05),
		TakeProfit:        decimal.NewFromFloat(0.01),
		PricePrecision:    2,
		QuantityPrecision: 5,
		Strategies:        strategies,
	}
}

func newHarness(t *testing.T, cfg Config, newID func() string) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, newID, nil)
}

// newHarnessWith lets a test put its own gateway in front of the mock exchange
func newHarnessWith(t *testing.T, cfg Config, newID func() string, wrap func(*mock.MockGateway) core.IGateway) *harness {
	t.Helper()
	log := &mockLogger{}

	reg := bus.NewRegistry(64, log)
	require.NoError(t, reg.Register(btcBook))
	for _, topic := range cfg.Strategies {
		require.NoError(t, reg.Register(topic))
	}
	reg.Seal()
	book, err := reg.Subscribe(btcBook)
	require.NoError(t, err)

	l := ledger.New(100)
	gw := mock.NewMockGateway("paper")
	var exchange core.IGateway = gw
	if wrap != nil {
		exchange = wrap(gw)
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "orders", MaxWorkers: 2, MaxCapacity: 16, NonBlocking: true}, log)
	rec := ledger.NewReconciler(l, exchange, pool, ledger.ReconcilerConfig{SweepInterval: time.Hour}, log)

	inst, err := New(cfg, Deps{Ledger: l, Gateway: exchange, Pool: pool, Book: book, Logger: log, NewOrderID: newID})
	require.NoError(t, err)
	rec.Route(cfg.Symbol, inst.Outcomes())

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, ctx: ctx, reg: reg, ledger: l, gw: gw, inst: inst, done: make(chan error, 1)}

	go func() { _ = rec.Run(ctx) }()
	go func() { _ = exchange.Run(ctx, core.Streams{Publish: reg.Publish, OrderUpdates: rec.Submit}) }()
	go func() { h.done <- inst.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	select {
	case <-gw.Started():
	case <-time.After(waitFor):
		t.Fatal("gateway did not start")
	}
	return h
}

func (h *harness) book(bid, ask int64, id int64) {
	h.t.Helper()
	require.NoError(h.t, h.gw.Feed(h.ctx, core.NewBookTickerEvent(core.BookTicker{
		Symbol: "BTCUSDT", Bid: decimal.NewFromInt(bid), Ask: decimal.NewFromInt(ask), UpdateID: id,
	})))
	want := decimal.NewFromInt(ask).String()
	require.Eventually(h.t, func() bool { return h.inst.Snapshot().Ask == want }, waitFor, tick)
}

func (h *harness) send(sig core.StrategySignal) {
	h.t.Helper()
	select {
	case h.inst.Signals() <- sig:
	case <-time.After(waitFor):
		h.t.Fatal("signal not accepted")
	}
}

func (h *harness) waitPlaced(n int) []core.PlaceOrderRequest {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.gw.Placed()) == n }, waitFor, tick)
	return h.gw.Placed()
}

func (h *harness) waitState(s core.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.inst.State() == s }, waitFor, tick)
}

func (h *harness) waitOrderStatus(id string, status core.OrderStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		o, ok := h.ledger.Get(id)
		return ok && o.Status == status
	}, waitFor, tick)
}

// assertSingleOpenOrder checks WaitSell against the ledger once the instance is idle
func (h *harness) assertSingleOpenOrder() {
	h.t.Helper()
	open := h.ledger.OpenOrders("BTCUSDT")
	assert.LessOrEqual(h.t, len(open), 1)
	snap := h.inst.Snapshot()
	if len(open) == 1 {
		assert.Equal(h.t, core.StateWaitSell.String(), snap.State)
		assert.Equal(h.t, open[0].ID, snap.ActiveOrder)
	}
	if snap.State == core.StateWaitBuy.String() {
		assert.Empty(h.t, open)
	}
}

func TestNew_Validation(t *testing.T) {
	l := ledger.New(10)
	gw := mock.NewMockGateway("paper")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "orders"}, &mockLogger{})
	defer pool.Stop()
	deps := Deps{Ledger: l, Gateway: gw, Pool: pool, Logger: &mockLogger{}}

	cfg := testConfig(map[string]core.TopicKey{"rsi": btc1h})
	cfg.Mode = "and"
	_, err := New(cfg, deps)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = New(testConfig(nil), deps)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = New(testConfig(map[string]core.TopicKey{"rsi": btc1h}), Deps{Logger: &mockLogger{}})
	assert.Error(t, err)

	inst, err := New(testConfig(map[string]core.TopicKey{"rsi": btc1h}), deps)
	require.NoError(t, err)
	assert.Equal(t, core.StateWaitBuy, inst.State())
	assert.Equal(t, core.Symbol("BTCUSDT"), inst.Symbol())

	id := newClientOrderID()
	assert.Len(t, id, 34)
	assert.NotEqual(t, id, newClientOrderID())
}

func TestInstance_RSIDescentPlacesBuy(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"btc-rsi": btc1h}), nil)

	rsi, err := strategy.NewRSI("btc-rsi", core.Interval1h, 14, 30, 70)
	require.NoError(t, err)
	sub, err := h.reg.Subscribe(btc1h)
	require.NoError(t, err)
	r := runner.New(rsi, sub, h.inst.Signals(), "BTCUSDT", &mockLogger{})
	go func() { _ = r.Run(h.ctx) }()

	for i := int64(0); i < 14; i++ {
		c := decimal.NewFromInt(200 - i)
		require.NoError(t, h.gw.Feed(h.ctx, core.NewCandleEvent(core.Candle{
			Symbol: "BTCUSDT", Interval: core.Interval1h, Open: c, High: c, Low: c, Close: c, EventTime: 1000 + i,
		})))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.gw.Placed(), "no buy before the 15th close")
	assert.Equal(t, core.StateWaitBuy, h.inst.State())

	last := decimal.NewFromInt(186)
	require.NoError(t, h.gw.Feed(h.ctx, core.NewCandleEvent(core.Candle{
		Symbol: "BTCUSDT", Interval: core.Interval1h, Open: last, High: last, Low: last, Close: last, EventTime: 1014,
	})))

	placed := h.waitPlaced(1)
	assert.Equal(t, core.SideBuy, placed[0].Side)
	assert.True(t, last.Equal(placed[0].Price), "no book yet: last close is the reference")
	assert.Equal(t, "0.53763", placed[0].Quantity.String())

	h.waitState(core.StateWaitSell)
	h.waitOrderStatus(placed[0].ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()

	o, _ := h.ledger.Get(placed[0].ClientOrderID)
	assert.Equal(t, "1001", o.ExchangeID)
	assert.Equal(t, "187.86", o.MinSellPrice.String())
}

func TestInstance_NothingSignalsLeaveNoCache(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"a": btc1h, "b": btc1h}), nil)
	h.book(99, 100, 1)

	for epoch := int64(1); epoch <= 200; epoch++ {
		h.send(signal("a", btc1h, epoch, core.SignalNothing))
		h.send(signal("b", btc1h, epoch, core.SignalNothing))
	}
	assert.Equal(t, core.StateWaitBuy, h.inst.State())

	// a final Buy flushes through the same loop, so everything before it is processed
	h.send(signal("a", btc1h, 201, core.SignalBuy))
	h.send(signal("b", btc1h, 201, core.SignalNothing))
	h.waitPlaced(1)

	assert.Equal(t, 0, h.inst.Snapshot().CachedEpochs)
}

func TestInstance_FullCycle(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	assert.Equal(t, "100", buy.Price.String())
	assert.Equal(t, "1", buy.Quantity.String())
	h.waitOrderStatus(buy.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()

	// a second Buy while waiting to sell changes nothing
	h.send(signal("rsi", btc1h, 2, core.SignalBuy))

	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	placed := h.waitPlaced(2)
	sell := placed[1]
	assert.Equal(t, core.SideSell, sell.Side)
	assert.Equal(t, "101", sell.Price.String(), "bid below take profit: sell at the floor")
	assert.True(t, buy.Quantity.Equal(sell.Quantity))
	h.waitOrderStatus(sell.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()
	assert.Equal(t, core.StateWaitSell, h.inst.State())

	require.NoError(t, h.gw.Fill(h.ctx, sell.ClientOrderID))
	h.waitState(core.StateWaitBuy)
	h.assertSingleOpenOrder()
	assert.Empty(t, h.inst.Snapshot().Holding)
	assert.Len(t, h.gw.Placed(), 2)
}

func TestInstance_StopLossReplacesSell(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	sell := h.waitPlaced(2)[1]
	h.waitOrderStatus(sell.ClientOrderID, core.OrderStatusAccepted)

	// 96 is above the 95 stop
	h.book(96, 97, 2)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.gw.Canceled())

	h.book(94, 95, 3)
	require.Eventually(t, func() bool { return len(h.gw.Canceled()) == 1 }, waitFor, tick)
	assert.Equal(t, sell.ClientOrderID, h.gw.Canceled()[0])

	replacement := h.waitPlaced(3)[2]
	assert.Equal(t, core.SideSell, replacement.Side)
	assert.Equal(t, "94", replacement.Price.String())
	h.waitOrderStatus(replacement.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()
}

// gatedSellGateway holds sell placements until open is closed and, like the
// live gateway, treats a cancel of an order the exchange does not know as done
type gatedSellGateway struct {
	*mock.MockGateway
	open     chan struct{}
	failNext atomic.Int32
}

func gateSells(gw *mock.MockGateway) *gatedSellGateway {
	return &gatedSellGateway{MockGateway: gw, open: make(chan struct{})}
}

func (g *gatedSellGateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.PlacedOrder, error) {
	if req.Side == core.SideSell {
		select {
		case <-g.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if g.failNext.Load() > 0 {
			g.failNext.Add(-1)
			return nil, fmt.Errorf("place %s: %w", req.ClientOrderID, apperrors.ErrNetwork)
		}
	}
	return g.MockGateway.PlaceOrder(ctx, req)
}

func (g *gatedSellGateway) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	err := g.MockGateway.CancelOrder(ctx, req)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil
	}
	return err
}

// committedSell waits for the position's sell to be recorded while its placement is still out
func (h *harness) committedSell() core.Order {
	h.t.Helper()
	var sell core.Order
	require.Eventually(h.t, func() bool {
		for _, o := range h.ledger.OpenOrders("BTCUSDT") {
			if o.Side == core.SideSell && o.Status == core.OrderStatusCommitted {
				sell = o
				return true
			}
		}
		return false
	}, waitFor, tick)
	return sell
}

func TestInstance_StopLossWhileSellInFlight(t *testing.T) {
	var gate *gatedSellGateway
	h := newHarnessWith(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil,
		func(gw *mock.MockGateway) core.IGateway {
			gate = gateSells(gw)
			return gate
		})
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	sell := h.committedSell()

	// the stop trips before the exchange has seen the sell
	h.book(90, 91, 2)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.gw.Canceled())

	close(gate.open)
	require.Eventually(t, func() bool { return len(h.gw.Canceled()) == 1 }, waitFor, tick)
	assert.Equal(t, sell.ID, h.gw.Canceled()[0])

	replacement := h.waitPlaced(3)[2]
	assert.Equal(t, core.SideSell, replacement.Side)
	assert.Equal(t, "90", replacement.Price.String())
	h.waitOrderStatus(replacement.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()
}

func TestInstance_UnacknowledgedSellCancelForgetsStopPrice(t *testing.T) {
	var gate *gatedSellGateway
	h := newHarnessWith(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil,
		func(gw *mock.MockGateway) core.IGateway {
			gate = gateSells(gw)
			return gate
		})
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	sell := h.committedSell()
	h.book(90, 91, 2)

	// the exchange drops the sell before acknowledging it and the placement times out
	gate.failNext.Store(1)
	h.gw.EmitUpdate(h.ctx, core.OrderUpdate{
		OrderID: sell.ID, Symbol: "BTCUSDT", Status: "CANCELED", EventTime: time.Now().UnixMilli(),
	})
	h.waitOrderStatus(sell.ID, core.OrderStatusCanceled)
	close(gate.open)
	require.Eventually(t, func() bool { return h.inst.Snapshot().PendingTasks == 0 }, waitFor, tick)
	h.waitState(core.StateWaitSell)
	assert.Len(t, h.gw.Placed(), 1)

	// the bid recovered, so the next sell goes back to the take-profit price
	h.book(99, 100, 3)
	h.send(signal("rsi", btc1h, 2, core.SignalSell))
	resting := h.waitPlaced(2)[1]
	assert.Equal(t, "101", resting.Price.String())
	h.waitOrderStatus(resting.ClientOrderID, core.OrderStatusAccepted)

	// a later cancel re-places at the take-profit floor, not the old stop price
	require.NoError(t, h.gw.CancelOrder(h.ctx, &core.CancelOrderRequest{Symbol: "BTCUSDT", OrderID: resting.ClientOrderID}))
	replacement := h.waitPlaced(3)[2]
	assert.Equal(t, "101", replacement.Price.String())
	h.waitOrderStatus(replacement.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()
}

func TestInstance_SellAfterFailedPlacementHonoursStop(t *testing.T) {
	var gate *gatedSellGateway
	h := newHarnessWith(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil,
		func(gw *mock.MockGateway) core.IGateway {
			gate = gateSells(gw)
			return gate
		})
	gate.failNext.Store(1)
	close(gate.open)
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	require.Eventually(t, func() bool {
		snap := h.inst.Snapshot()
		return snap.Holding != "" && snap.ActiveOrder == "" && snap.PendingTasks == 0
	}, waitFor, tick)

	h.book(92, 93, 2)
	h.send(signal("rsi", btc1h, 2, core.SignalSell))
	sell := h.waitPlaced(2)[1]
	assert.Equal(t, core.SideSell, sell.Side)
	assert.Equal(t, "92", sell.Price.String())
}

func TestInstance_SellSignalCancelsUnfilledBuy(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	h.waitOrderStatus(buy.ClientOrderID, core.OrderStatusAccepted)

	h.send(signal("rsi", btc1h, 2, core.SignalSell))
	h.waitOrderStatus(buy.ClientOrderID, core.OrderStatusCanceled)
	h.waitState(core.StateWaitBuy)
	h.assertSingleOpenOrder()
	assert.Len(t, h.gw.Placed(), 1)
}

func TestInstance_PlacementFailureReturnsToWaitBuy(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)
	h.gw.SetPlaceError(apperrors.ErrOrderRejected)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	require.Eventually(t, func() bool {
		archived := h.ledger.Archived()
		return len(archived) == 1 && archived[0].Status == core.OrderStatusCanceled
	}, waitFor, tick)
	h.waitState(core.StateWaitBuy)
	h.assertSingleOpenOrder()

	h.gw.SetPlaceError(nil)
	h.send(signal("rsi", btc1h, 2, core.SignalBuy))
	h.waitPlaced(1)
	h.waitState(core.StateWaitSell)
}

func TestInstance_LateFillMergesIntoPosition(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	h.gw.SetPlaceError(fmt.Errorf("timeout: %w", apperrors.ErrNetwork))
	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	require.Eventually(t, func() bool { return len(h.ledger.Archived()) == 1 }, waitFor, tick)
	abandoned := h.ledger.Archived()[0]
	h.waitState(core.StateWaitBuy)

	h.gw.SetPlaceError(nil)
	h.send(signal("rsi", btc1h, 2, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	sell := h.waitPlaced(2)[1]
	h.waitOrderStatus(sell.ClientOrderID, core.OrderStatusAccepted)

	// the timed out buy reached the exchange after all
	h.gw.EmitUpdate(h.ctx, core.OrderUpdate{
		OrderID: abandoned.ID, Symbol: "BTCUSDT", Status: "FILLED", EventTime: 1 << 40,
	})

	require.Eventually(t, func() bool { return len(h.gw.Canceled()) == 1 }, waitFor, tick)
	assert.Equal(t, sell.ClientOrderID, h.gw.Canceled()[0])

	merged := h.waitPlaced(3)[2]
	assert.Equal(t, core.SideSell, merged.Side)
	assert.Equal(t, "2", merged.Quantity.String())
	assert.Equal(t, "101", merged.Price.String())
	h.waitOrderStatus(merged.ClientOrderID, core.OrderStatusAccepted)
	h.assertSingleOpenOrder()
	assert.Equal(t, "2", h.inst.Snapshot().Holding)
}

func TestInstance_LateSignals(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"a": btc1h, "b": btc1h}), nil)
	h.book(99, 100, 1)

	// epoch 5 is superseded with only a's Nothing; b's Nothing for it is late and dropped
	h.send(signal("a", btc1h, 5, core.SignalNothing))
	h.send(signal("a", btc1h, 6, core.SignalNothing))
	h.send(signal("b", btc1h, 5, core.SignalNothing))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.gw.Placed())
	assert.Equal(t, 1, h.inst.Snapshot().CachedEpochs, "only epoch 6 stays cached")

	// a late Buy still triggers on its own
	h.send(signal("b", btc1h, 4, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	assert.Equal(t, core.SideBuy, buy.Side)
	h.waitState(core.StateWaitSell)

	// and a late Buy while waiting to sell changes nothing
	h.send(signal("b", btc1h, 3, core.SignalBuy))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.gw.Placed(), 1)
}

func TestInstance_DuplicateOrderIDStopsInstance(t *testing.T) {
	var calls atomic.Int32
	newID := func() string {
		calls.Add(1)
		return "fixed-id"
	}
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), newID)
	h.book(99, 100, 1)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
	case <-time.After(waitFor):
		t.Fatal("instance kept running after an id collision")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestInstance_UnknownStrategySignalIgnored(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	h.send(signal("other", btc1h, 1, core.SignalBuy))
	h.send(signal("rsi", btc4h, 1, core.SignalBuy))
	eth := signal("rsi", btc1h, 1, core.SignalBuy)
	eth.Symbol = "ETHUSDT"
	h.send(eth)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.gw.Placed())
	assert.Equal(t, 0, h.inst.Snapshot().CachedEpochs)
}

func TestInstance_SnapshotView(t *testing.T) {
	h := newHarness(t, testConfig(map[string]core.TopicKey{"rsi": btc1h}), nil)
	h.book(99, 100, 1)

	snap := h.inst.Snapshot()
	assert.Equal(t, "btc", snap.ID)
	assert.Equal(t, "99", snap.Bid)
	assert.Equal(t, core.StateWaitBuy.String(), snap.State)

	h.send(signal("rsi", btc1h, 1, core.SignalBuy))
	buy := h.waitPlaced(1)[0]
	require.NoError(t, h.gw.Fill(h.ctx, buy.ClientOrderID))
	h.waitPlaced(2)

	require.Eventually(t, func() bool {
		s := h.inst.Snapshot()
		return s.Holding == "1" && s.ActiveSide == core.SideSell
	}, waitFor, tick)
	assert.Equal(t, "100", h.inst.Snapshot().BuyPrice)
	assert.Equal(t, fmt.Sprint(core.StateWaitSell), h.inst.Snapshot().State)
}
