// Package paper trades against live market data with a simulated order book
package paper

import (
	"context"
	"fmt"

	"trade_engine/internal/core"
	"trade_engine/internal/mock"
	apperrors "trade_engine/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// Gateway takes market data from a real gateway and routes orders to an in-memory
// book that fills them when the market crosses their price
type Gateway struct {
	market core.IGateway
	book   *mock.MockGateway
	logger core.ILogger
}

// New wraps market. Orders never reach the market gateway.
func New(market core.IGateway, logger core.ILogger) *Gateway {
	book := mock.NewMockGateway("paper")
	book.SetAutoFill(true)
	return &Gateway{
		market: market,
		book:   book,
		logger: logger.WithField("component", "paper"),
	}
}

func (g *Gateway) Name() string {
	return "paper/" + g.market.Name()
}

// Book exposes the simulated order book
func (g *Gateway) Book() *mock.MockGateway {
	return g.book
}

// Run relays market events through the simulated book until ctx is done or the
// market gateway stops
func (g *Gateway) Run(ctx context.Context, streams core.Streams) error {
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.book.Run(ectx, streams) })
	eg.Go(func() error {
		err := g.market.Run(ectx, core.Streams{
			Topics:  streams.Topics,
			Publish: g.book.Feed,
			OrderUpdates: func(ctx context.Context, u core.OrderUpdate) {
				g.logger.Warn("Ignoring exchange order update in paper mode", "order_id", u.OrderID)
			},
		})
		if ectx.Err() != nil {
			return nil
		}
		if err == nil {
			err = apperrors.ErrGatewayClosed
		}
		return fmt.Errorf("market data %s: %w", g.market.Name(), err)
	})
	return eg.Wait()
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.PlacedOrder, error) {
	return g.book.PlaceOrder(ctx, req)
}

func (g *Gateway) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	return g.book.CancelOrder(ctx, req)
}
