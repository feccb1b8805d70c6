package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an exchange instrument identifier such as BTCUSDT
type Symbol string

// NormalizeSymbol upper-cases and trims a configured symbol
func NormalizeSymbol(s string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(s)))
}

func (s Symbol) String() string { return string(s) }

// Interval is a candle granularity
type Interval string

const (
	Interval1h Interval = "1h"
	Interval2h Interval = "2h"
	Interval4h Interval = "4h"
	Interval6h Interval = "6h"
	Interval1d Interval = "1d"
)

var validIntervals = []Interval{Interval1h, Interval2h, Interval4h, Interval6h, Interval1d}

// ParseInterval validates an interval string
func ParseInterval(s string) (Interval, error) {
	for _, iv := range validIntervals {
		if string(iv) == s {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unsupported interval %q", s)
}

// ValidIntervals lists the supported candle intervals
func ValidIntervals() []string {
	out := make([]string, len(validIntervals))
	for i, iv := range validIntervals {
		out[i] = string(iv)
	}
	return out
}

// CategoryKind distinguishes stream families
type CategoryKind int

const (
	KindBookTicker CategoryKind = iota
	KindCandle
)

// Category identifies a stream family within an instrument.
// Interval is empty for book ticker categories.
type Category struct {
	Kind     CategoryKind
	Interval Interval
}

// BookTickerCategory returns the best bid/ask category
func BookTickerCategory() Category {
	return Category{Kind: KindBookTicker}
}

// CandleCategory returns the candle category for an interval
func CandleCategory(iv Interval) Category {
	return Category{Kind: KindCandle, Interval: iv}
}

func (c Category) String() string {
	if c.Kind == KindBookTicker {
		return "bookTicker"
	}
	return "kline_" + string(c.Interval)
}

// TopicKey is the routing key of the data bus
type TopicKey struct {
	Symbol   Symbol
	Category Category
}

func (k TopicKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.Category)
}

// Candle is a closed OHLC bar
type Candle struct {
	Symbol    Symbol
	Interval  Interval
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	EventTime int64 // ms
}

// BookTicker is a best bid/ask snapshot
type BookTicker struct {
	Symbol   Symbol
	Bid      decimal.Decimal
	BidQty   decimal.Decimal
	Ask      decimal.Decimal
	AskQty   decimal.Decimal
	UpdateID int64
}

// MarketEvent carries exactly one of Candle or BookTicker
type MarketEvent struct {
	Candle     *Candle
	BookTicker *BookTicker
}

// NewCandleEvent wraps a candle
func NewCandleEvent(c Candle) MarketEvent {
	return MarketEvent{Candle: &c}
}

// NewBookTickerEvent wraps a book ticker
func NewBookTickerEvent(b BookTicker) MarketEvent {
	return MarketEvent{BookTicker: &b}
}

// Epoch is the ordering stamp used to group signals produced from the same event
func (e MarketEvent) Epoch() int64 {
	switch {
	case e.Candle != nil:
		return e.Candle.EventTime
	case e.BookTicker != nil:
		return e.BookTicker.UpdateID
	}
	return 0
}

// Topic derives the routing key of the event
func (e MarketEvent) Topic() TopicKey {
	switch {
	case e.Candle != nil:
		return TopicKey{Symbol: e.Candle.Symbol, Category: CandleCategory(e.Candle.Interval)}
	case e.BookTicker != nil:
		return TopicKey{Symbol: e.BookTicker.Symbol, Category: BookTickerCategory()}
	}
	return TopicKey{}
}

// Price is the reference price carried by the event: the close of a candle,
// the best ask of a book ticker
func (e MarketEvent) Price() decimal.Decimal {
	switch {
	case e.Candle != nil:
		return e.Candle.Close
	case e.BookTicker != nil:
		return e.BookTicker.Ask
	}
	return decimal.Zero
}

// Signal is a strategy recommendation
type Signal int

const (
	SignalNothing Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "Buy"
	case SignalSell:
		return "Sell"
	default:
		return "Nothing"
	}
}

// StrategySignal is a signal tagged with its origin
type StrategySignal struct {
	StrategyID string
	Symbol     Symbol
	Topic      TopicKey
	Epoch      int64
	Signal     Signal
	Price      decimal.Decimal // reference price of the evaluated event
}

// Mode is the signal combination mode of an instance
type Mode string

const ModeOr Mode = "or"

// State is the lifecycle state of an instance
type State int

const (
	StateWaitBuy State = iota
	StateWaitSell
)

func (s State) String() string {
	if s == StateWaitSell {
		return "WaitSell"
	}
	return "WaitBuy"
}

// Side is an order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the engine-side order lifecycle
type OrderStatus int

const (
	OrderStatusCommitted OrderStatus = iota
	OrderStatusAccepted
	OrderStatusSuccess
	OrderStatusCanceled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCommitted:
		return "Committed"
	case OrderStatusAccepted:
		return "Accepted"
	case OrderStatusSuccess:
		return "Success"
	case OrderStatusCanceled:
		return "Canceled"
	}
	return "Unknown"
}

// IsTerminal reports whether no further transitions are expected
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSuccess || s == OrderStatusCanceled
}

// Order is an engine-tracked exchange order.
// ID is the client order id assigned by the engine before submission and echoed by
// the exchange on every update; ExchangeID is filled once the placement is acknowledged.
type Order struct {
	ID           string
	ExchangeID   string
	Symbol       Symbol
	Side         Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	BuyPrice     decimal.Decimal
	MinSellPrice decimal.Decimal
	Status       OrderStatus
	UpdateTime   int64 // exchange event time, ms
	CreatedAt    time.Time
	LastSeen     time.Time
}

// IsOpen reports whether the order still counts against the single-open-order limit
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// OrderUpdate is an exchange-originated status change in exchange vocabulary.
// OrderID is the client order id of the order the update refers to.
type OrderUpdate struct {
	OrderID    string
	ExchangeID string
	Symbol     Symbol
	Status     string
	EventTime  int64
}

// OrderOutcome notifies an instance that one of its orders changed status
type OrderOutcome struct {
	Order    Order
	Previous OrderStatus
}

// OrderType is the exchange order type
type OrderType string

const OrderTypeLimit OrderType = "LIMIT"

// PlaceOrderRequest is a new order submission
type PlaceOrderRequest struct {
	Symbol        Symbol
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// CancelOrderRequest cancels a resting order by its client order id
type CancelOrderRequest struct {
	Symbol  Symbol
	OrderID string
}

// PlacedOrder is the exchange acknowledgement of a placement
type PlacedOrder struct {
	OrderID       string
	ClientOrderID string
	TransactTime  int64
}
