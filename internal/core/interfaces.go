// Package core defines the core types and interfaces of the trading engine
package core

import (
	"context"
)

// PublishFunc hands a normalized market event to the data bus
type PublishFunc func(ctx context.Context, event MarketEvent) error

// OrderUpdateFunc hands an exchange order update to the reconciler
type OrderUpdateFunc func(ctx context.Context, update OrderUpdate)

// Streams is what the engine hands to a gateway when it starts receiving
type Streams struct {
	// Topics lists every registered topic; the gateway subscribes upstream to exactly these
	Topics       []TopicKey
	Publish      PublishFunc
	OrderUpdates OrderUpdateFunc
}

// IGateway defines the exchange boundary.
// Run is the sole publisher onto the data bus and blocks until ctx is done or the
// connection fails for good.
type IGateway interface {
	Name() string
	Run(ctx context.Context, streams Streams) error
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) error
}

// IOrderLedger is the instance-facing view of the order table
type IOrderLedger interface {
	RecordOpen(order Order) error
	Acknowledge(id, exchangeID string) error
	Abandon(id string) (OrderOutcome, bool)
	Get(id string) (Order, bool)
	OpenOrders(symbol Symbol) []Order
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
