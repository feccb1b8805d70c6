package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

// MockOrder is an order resting in the mock gateway
type MockOrder struct {
	Request    core.PlaceOrderRequest
	ExchangeID string
	Status     string
}

// MockGateway implements core.IGateway in memory. It backs both tests and paper trading:
// fed market events are published to the engine, placements and cancels answer
// synchronously and emit exchange-style order updates, and with auto fill enabled
// resting orders fill when the book crosses their price.
type MockGateway struct {
	name string

	mu             sync.Mutex
	orders         map[string]*MockOrder // by client order id
	orderIDCounter int64
	lastEventTime  int64
	placeErr       error
	cancelErr      error
	autoFill       bool
	placed         []core.PlaceOrderRequest
	canceled       []string
	streams        core.Streams

	feed    chan core.MarketEvent
	started chan struct{}
	once    sync.Once
}

// NewMockGateway creates an empty mock gateway
func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		name:           name,
		orders:         make(map[string]*MockOrder),
		orderIDCounter: 1000,
		feed:           make(chan core.MarketEvent),
		started:        make(chan struct{}),
	}
}

func (m *MockGateway) Name() string {
	return m.name
}

// SetAutoFill makes resting orders fill against incoming book tickers
func (m *MockGateway) SetAutoFill(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = on
}

// SetPlaceError makes subsequent placements fail with err (nil clears it)
func (m *MockGateway) SetPlaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

// SetCancelError makes subsequent cancels fail with err (nil clears it)
func (m *MockGateway) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// Started is closed once Run has received its streams
func (m *MockGateway) Started() <-chan struct{} {
	return m.started
}

// Run publishes fed events until ctx is done
func (m *MockGateway) Run(ctx context.Context, streams core.Streams) error {
	m.mu.Lock()
	m.streams = streams
	m.mu.Unlock()
	m.once.Do(func() { close(m.started) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.feed:
			if streams.Publish != nil {
				// unknown topics are reported by the publish function itself
				_ = streams.Publish(ctx, ev)
			}
			if ev.BookTicker != nil {
				m.matchBook(ctx, ev.BookTicker)
			}
		}
	}
}

// Feed hands an event to the running gateway
func (m *MockGateway) Feed(ctx context.Context, ev core.MarketEvent) error {
	select {
	case m.feed <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlaceOrder accepts a limit order and emits NEW
func (m *MockGateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.PlacedOrder, error) {
	m.mu.Lock()
	if m.placeErr != nil {
		err := m.placeErr
		m.mu.Unlock()
		return nil, err
	}

	// Idempotency: a repeated client order id returns the existing order
	if existing, ok := m.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		m.mu.Unlock()
		return &core.PlacedOrder{OrderID: existing.ExchangeID, ClientOrderID: req.ClientOrderID}, nil
	}

	m.orderIDCounter++
	order := &MockOrder{
		Request:    *req,
		ExchangeID: strconv.FormatInt(m.orderIDCounter, 10),
		Status:     "NEW",
	}
	m.orders[req.ClientOrderID] = order
	m.placed = append(m.placed, *req)
	ts := m.nextEventTimeLocked()
	update := m.updateLocked(order, ts)
	m.mu.Unlock()

	m.emit(ctx, update)
	return &core.PlacedOrder{OrderID: order.ExchangeID, ClientOrderID: req.ClientOrderID, TransactTime: ts}, nil
}

// CancelOrder cancels a resting order and emits CANCELED
func (m *MockGateway) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	m.mu.Lock()
	if m.cancelErr != nil {
		err := m.cancelErr
		m.mu.Unlock()
		return err
	}

	order, ok := m.orders[req.OrderID]
	if !ok || order.Status != "NEW" {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", req.OrderID, apperrors.ErrOrderNotFound)
	}
	order.Status = "CANCELED"
	m.canceled = append(m.canceled, req.OrderID)
	update := m.updateLocked(order, m.nextEventTimeLocked())
	m.mu.Unlock()

	m.emit(ctx, update)
	return nil
}

// Fill fills a resting order completely and emits FILLED
func (m *MockGateway) Fill(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	order, ok := m.orders[clientOrderID]
	if !ok || order.Status != "NEW" {
		m.mu.Unlock()
		return fmt.Errorf("fill %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	order.Status = "FILLED"
	update := m.updateLocked(order, m.nextEventTimeLocked())
	m.mu.Unlock()

	m.emit(ctx, update)
	return nil
}

// EmitUpdate pushes an arbitrary update, e.g. to replay out-of-order delivery
func (m *MockGateway) EmitUpdate(ctx context.Context, u core.OrderUpdate) {
	m.emit(ctx, u)
}

// Placed returns the placement requests seen so far
func (m *MockGateway) Placed() []core.PlaceOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.PlaceOrderRequest(nil), m.placed...)
}

// Canceled returns the client order ids canceled so far
func (m *MockGateway) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

// Order returns a copy of a resting or finished order
func (m *MockGateway) Order(clientOrderID string) (MockOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return MockOrder{}, false
	}
	return *o, true
}

func (m *MockGateway) matchBook(ctx context.Context, bt *core.BookTicker) {
	m.mu.Lock()
	if !m.autoFill {
		m.mu.Unlock()
		return
	}
	var updates []core.OrderUpdate
	for _, o := range m.orders {
		if o.Status != "NEW" || o.Request.Symbol != bt.Symbol {
			continue
		}
		crossed := o.Request.Side == core.SideBuy && !bt.Ask.IsZero() && bt.Ask.LessThanOrEqual(o.Request.Price) ||
			o.Request.Side == core.SideSell && !bt.Bid.IsZero() && bt.Bid.GreaterThanOrEqual(o.Request.Price)
		if crossed {
			o.Status = "FILLED"
			updates = append(updates, m.updateLocked(o, m.nextEventTimeLocked()))
		}
	}
	m.mu.Unlock()

	for _, u := range updates {
		m.emit(ctx, u)
	}
}

func (m *MockGateway) nextEventTimeLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= m.lastEventTime {
		ts = m.lastEventTime + 1
	}
	m.lastEventTime = ts
	return ts
}

func (m *MockGateway) updateLocked(o *MockOrder, ts int64) core.OrderUpdate {
	return core.OrderUpdate{
		OrderID:    o.Request.ClientOrderID,
		ExchangeID: o.ExchangeID,
		Symbol:     o.Request.Symbol,
		Status:     o.Status,
		EventTime:  ts,
	}
}

func (m *MockGateway) emit(ctx context.Context, u core.OrderUpdate) {
	m.mu.Lock()
	sink := m.streams.OrderUpdates
	m.mu.Unlock()
	if sink != nil {
		sink(ctx, u)
	}
}
