package instance

import (
	"context"
	"fmt"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var one = decimal.NewFromInt(1)

// triggerBuy sizes and places a limit buy at the reference price
func (i *Instance) triggerBuy(ctx context.Context) error {
	if i.state() != core.StateWaitBuy {
		return nil
	}

	price := i.ask
	if price.IsZero() {
		price = i.lastPrice
	}
	if !price.IsPositive() {
		i.logger.Warn("Buy trigger without a reference price, skipping")
		return nil
	}
	price = price.RoundFloor(i.cfg.PricePrecision)
	if !price.IsPositive() {
		i.logger.Warn("Reference price rounds to zero, skipping", "precision", i.cfg.PricePrecision)
		return nil
	}

	qty := i.cfg.Principal.Div(price).RoundFloor(i.cfg.QuantityPrecision)
	if !qty.IsPositive() {
		i.logger.Warn("Principal too small for one lot, skipping", "principal", i.cfg.Principal.String(), "price", price.String())
		return nil
	}

	return i.place(ctx, core.Order{
		Side:         core.SideBuy,
		Quantity:     qty,
		Price:        price,
		BuyPrice:     price,
		MinSellPrice: price.Mul(one.Add(i.cfg.TakeProfit)).RoundCeil(i.cfg.PricePrecision),
	})
}

// triggerSell closes the cycle: an unfilled buy is canceled, a resting sell is
// checked against the stop loss, a held position without an order gets one
func (i *Instance) triggerSell(ctx context.Context) error {
	switch {
	case i.active != nil && i.active.Side == core.SideBuy:
		i.logger.Info("Sell trigger with an unfilled buy, canceling it", "order_id", i.active.ID)
		i.requestCancel(ctx, *i.active)
	case i.active != nil && i.active.Side == core.SideSell:
		i.checkStopLoss(ctx)
	case i.active == nil && i.holding != nil:
		return i.placeSell(ctx, i.exitPrice())
	}
	return nil
}

// exitPrice prices a sell for a position with nothing resting: the bid once
// the stop is breached, the take-profit price otherwise
func (i *Instance) exitPrice() decimal.Decimal {
	if i.stopBreached() {
		return i.bid.RoundFloor(i.cfg.PricePrecision)
	}
	return i.sellPrice()
}

func (i *Instance) stopBreached() bool {
	if i.holding == nil || !i.cfg.StopLoss.IsPositive() || i.bid.IsZero() {
		return false
	}
	return i.bid.LessThanOrEqual(i.holding.buyPrice.Mul(one.Sub(i.cfg.StopLoss)))
}

// sellPrice is the best bid, never below the take-profit floor
func (i *Instance) sellPrice() decimal.Decimal {
	floor := i.holding.minSellPrice
	if i.bid.GreaterThan(floor) {
		return i.bid.RoundFloor(i.cfg.PricePrecision)
	}
	return floor
}

func (i *Instance) placeSell(ctx context.Context, price decimal.Decimal) error {
	return i.place(ctx, core.Order{
		Side:         core.SideSell,
		Quantity:     i.holding.quantity,
		Price:        price,
		BuyPrice:     i.holding.buyPrice,
		MinSellPrice: i.holding.minSellPrice,
	})
}

// checkStopLoss cancels the resting sell once the bid falls to
// BuyPrice*(1-StopLoss); the sell is re-placed at the bid when the cancel lands
func (i *Instance) checkStopLoss(ctx context.Context) {
	if !i.stopBreached() {
		return
	}
	if i.active == nil || i.active.Side != core.SideSell || i.canceling[i.active.ID] {
		return
	}
	if i.active.Price.LessThanOrEqual(i.bid) {
		return
	}

	i.replaceAt = i.bid.RoundFloor(i.cfg.PricePrecision)
	i.logger.Warn("Stop loss triggered, replacing sell at the bid",
		"order_id", i.active.ID,
		"buy_price", i.holding.buyPrice.String(),
		"bid", i.bid.String(),
		"resting_price", i.active.Price.String())
	i.metrics.RecordDecision(ctx, string(i.cfg.Symbol), "stop_loss")
	i.requestCancel(ctx, *i.active)
}

// place records the order in the ledger before it is sent, so exchange updates
// that overtake the placement response always find it
func (i *Instance) place(ctx context.Context, order core.Order) error {
	order.ID = i.newID()
	order.Symbol = i.cfg.Symbol
	order.Status = core.OrderStatusCommitted

	if err := i.ledger.RecordOpen(order); err != nil {
		return fmt.Errorf("instance %s: %w", i.cfg.Symbol, err)
	}
	i.active = &order
	i.pending[order.ID] = order.Side

	i.logger.Info("Placing order",
		"order_id", order.ID,
		"side", order.Side,
		"price", order.Price.String(),
		"quantity", order.Quantity.String())

	req := &core.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          core.OrderTypeLimit,
		Price:         order.Price,
		Quantity:      order.Quantity,
		ClientOrderID: order.ID,
	}
	err := i.pool.Submit(func() {
		sctx, span := i.startSpan(ctx, "place_order", order)
		placed, err := i.gateway.PlaceOrder(sctx, req)
		endSpan(span, err)
		i.deliver(ctx, taskResult{kind: taskPlace, order: order, placed: placed, err: err})
	})
	if err != nil {
		return i.onResult(ctx, taskResult{kind: taskPlace, order: order, err: err})
	}
	return nil
}

// requestCancel cancels order once. An order the exchange has not acknowledged
// yet cannot be canceled there, so the cancel waits for the acknowledgement.
func (i *Instance) requestCancel(ctx context.Context, order core.Order) {
	if i.canceling[order.ID] {
		return
	}
	i.canceling[order.ID] = true

	if _, inFlight := i.pending[order.ID]; inFlight && order.Status == core.OrderStatusCommitted {
		i.deferred[order.ID] = true
		i.logger.Info("Cancel deferred until the order is acknowledged", "order_id", order.ID)
		return
	}
	i.submitCancel(ctx, order)
}

// releaseCancel sends a deferred cancel now that the exchange knows the order
func (i *Instance) releaseCancel(ctx context.Context, id string) {
	if !i.deferred[id] {
		return
	}
	delete(i.deferred, id)
	if i.active == nil || i.active.ID != id {
		delete(i.canceling, id)
		return
	}
	i.submitCancel(ctx, *i.active)
}

func (i *Instance) submitCancel(ctx context.Context, order core.Order) {
	req := &core.CancelOrderRequest{Symbol: order.Symbol, OrderID: order.ID}
	err := i.pool.Submit(func() {
		sctx, span := i.startSpan(ctx, "cancel_order", order)
		err := i.gateway.CancelOrder(sctx, req)
		endSpan(span, err)
		i.deliver(ctx, taskResult{kind: taskCancel, order: order, err: err})
	})
	if err != nil {
		delete(i.canceling, order.ID)
		i.logger.Warn("Failed to schedule cancel", "order_id", order.ID, "error", err)
	}
}

func (i *Instance) startSpan(ctx context.Context, name string, order core.Order) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.symbol", string(order.Symbol)),
		attribute.String("order.side", string(order.Side)),
		attribute.String("order.price", order.Price.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (i *Instance) deliver(ctx context.Context, res taskResult) {
	select {
	case i.results <- res:
	case <-ctx.Done():
	}
}

func (i *Instance) onResult(ctx context.Context, res taskResult) error {
	id := res.order.ID
	symbol := string(i.cfg.Symbol)

	if res.kind == taskCancel {
		if res.err != nil {
			delete(i.canceling, id)
			i.metrics.RecordOrderFailure(ctx, symbol, "cancel")
			i.logger.Warn("Cancel failed", "order_id", id, "error", res.err)
		}
		return nil
	}

	delete(i.pending, id)
	if res.err == nil {
		i.metrics.RecordOrderPlaced(ctx, symbol, string(res.order.Side))
		if res.placed != nil {
			if err := i.ledger.Acknowledge(id, res.placed.OrderID); err != nil {
				i.logger.Warn("Placed order no longer in ledger", "order_id", id, "error", err)
			}
		}
		i.logger.Info("Order placed", "order_id", id, "side", res.order.Side)
		i.releaseCancel(ctx, id)
		return nil
	}

	i.metrics.RecordOrderFailure(ctx, symbol, "place")
	i.logger.Warn("Order placement failed", "order_id", id, "side", res.order.Side, "error", res.err)

	delete(i.deferred, id)
	delete(i.canceling, id)
	if _, ok := i.ledger.Abandon(id); !ok {
		// the exchange already reported on it; outcomes come through the reconciler
		return nil
	}
	if i.active != nil && i.active.ID == id {
		i.active = nil
	}
	if res.order.Side == core.SideSell {
		i.logger.Warn("Holding position until the next sell trigger", "quantity", res.order.Quantity.String())
	}
	return nil
}

func (i *Instance) onOutcome(ctx context.Context, outcome core.OrderOutcome) error {
	o := outcome.Order
	if o.Symbol != i.cfg.Symbol {
		return nil
	}

	isActive := i.active != nil && i.active.ID == o.ID
	if !o.Status.IsTerminal() {
		if isActive {
			i.active.Status = o.Status
			i.active.ExchangeID = o.ExchangeID
		}
		i.logger.Info("Order accepted", "order_id", o.ID, "side", o.Side, "exchange_id", o.ExchangeID)
		i.releaseCancel(ctx, o.ID)
		return nil
	}

	delete(i.canceling, o.ID)
	delete(i.deferred, o.ID)
	if isActive {
		i.active = nil
	}

	switch {
	case o.Side == core.SideBuy && o.Status == core.OrderStatusSuccess:
		return i.onBuyFilled(ctx, o)

	case o.Side == core.SideBuy:
		i.logger.Info("Buy canceled", "order_id", o.ID, "previous", outcome.Previous.String())
		if i.holding != nil && i.active == nil {
			return i.placeSell(ctx, i.sellPrice())
		}
		return nil

	case o.Status == core.OrderStatusSuccess:
		pnl := o.Price.Sub(o.BuyPrice).Mul(o.Quantity)
		pnlF, _ := pnl.Float64()
		i.metrics.RecordRealizedPnL(ctx, string(i.cfg.Symbol), pnlF)
		i.logger.Info("Sell filled, cycle complete",
			"order_id", o.ID,
			"buy_price", o.BuyPrice.String(),
			"sell_price", o.Price.String(),
			"quantity", o.Quantity.String(),
			"realized_pnl", pnl.String())
		i.holding = nil
		i.replaceAt = decimal.Zero
		return nil

	default:
		if i.holding == nil || (!isActive && i.active != nil) {
			return nil
		}
		if outcome.Previous == core.OrderStatusCommitted {
			i.replaceAt = decimal.Zero
			i.logger.Warn("Sell never acknowledged, holding until the next sell trigger", "order_id", o.ID)
			return nil
		}
		price := i.replaceAt
		i.replaceAt = decimal.Zero
		if price.IsZero() {
			price = i.holding.minSellPrice
		}
		i.logger.Info("Sell canceled, re-placing", "order_id", o.ID, "price", price.String())
		return i.placeSell(ctx, price)
	}
}

// onBuyFilled opens the position and puts up its sell. A fill of an earlier,
// abandoned buy is merged into the position and the resting order is replaced.
func (i *Instance) onBuyFilled(ctx context.Context, o core.Order) error {
	if i.holding == nil {
		i.holding = &position{quantity: o.Quantity, buyPrice: o.BuyPrice, minSellPrice: o.MinSellPrice}
	} else {
		i.logger.Warn("Buy filled while already holding, merging position", "order_id", o.ID)
		i.holding.quantity = i.holding.quantity.Add(o.Quantity)
		i.holding.buyPrice = decimal.Max(i.holding.buyPrice, o.BuyPrice)
		i.holding.minSellPrice = decimal.Max(i.holding.minSellPrice, o.MinSellPrice)
	}
	i.logger.Info("Buy filled",
		"order_id", o.ID,
		"quantity", o.Quantity.String(),
		"buy_price", o.BuyPrice.String(),
		"min_sell_price", o.MinSellPrice.String())

	if i.active == nil {
		return i.placeSell(ctx, i.sellPrice())
	}
	// the resting order no longer matches the position
	i.replaceAt = decimal.Zero
	i.requestCancel(ctx, *i.active)
	return nil
}
