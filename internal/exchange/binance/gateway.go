// Package binance implements the engine gateway for Binance Spot: combined market
// streams and the user data stream over websocket, order entry over REST.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/retry"
	"trade_engine/pkg/websocket"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultRESTURL    = "https://api.binance.com"
	defaultStreamURL  = "wss://stream.binance.com:9443"
	testnetRESTURL    = "https://testnet.binance.vision"
	testnetStreamURL  = "wss://stream.testnet.binance.vision"
	closeUserStreamIn = 5 * time.Second
)

// ErrListenKeyExpired is returned by Run when the user data session ends
var ErrListenKeyExpired = errors.New("listen key expired")

// Gateway implements core.IGateway for Binance Spot
type Gateway struct {
	client     *binance.Client
	streamURL  string
	refresh    time.Duration
	marketOnly bool
	logger     core.ILogger

	limiter  *rate.Limiter
	pipeline failsafe.Executor[any]
	// session calls are retried by retry.Do and only share the breaker
	session failsafe.Executor[any]
}

// New creates a gateway. Nothing connects until Run. Without an API key the
// gateway only streams public market data.
func New(cfg config.ExchangeConfig, creds config.Credentials, logger core.ILogger) *Gateway {
	restURL, streamURL := defaultRESTURL, defaultStreamURL
	if cfg.Testnet {
		restURL, streamURL = testnetRESTURL, testnetStreamURL
	}
	if cfg.RESTURL != "" {
		restURL = cfg.RESTURL
	}
	if cfg.StreamURL != "" {
		streamURL = cfg.StreamURL
	}

	client := binance.NewClient(string(creds.APIKey), string(creds.SecretKey))
	client.BaseURL = restURL

	// only transport failures are retried; the exchange rejects a resent client id
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return retry.IsNetworkError(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return retry.IsNetworkError(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Gateway{
		client:     client,
		streamURL:  streamURL,
		refresh:    cfg.ListenKeyRefresh,
		marketOnly: creds.APIKey == "",
		logger:     logger.WithField("component", "binance"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		pipeline:   failsafe.With[any](retryPolicy, breaker),
		session:    failsafe.With[any](breaker),
	}
}

func (g *Gateway) Name() string {
	return "binance_spot"
}

// Run opens the user data session and both websocket streams, and blocks until
// ctx is done or the session can no longer be kept alive
func (g *Gateway) Run(ctx context.Context, streams core.Streams) error {
	marketURL, err := marketStreamURL(g.streamURL, streams.Topics)
	if err != nil {
		return err
	}

	market := websocket.NewClient(marketURL, func(ctx context.Context, msg []byte) {
		g.onMarketMessage(ctx, msg, streams.Publish)
	}, g.logger)

	if g.marketOnly {
		g.logger.Info("Connecting market streams only", "topics", len(streams.Topics), "url", marketURL)
		return market.Run(ctx)
	}

	var listenKey string
	err = retry.Do(ctx, retry.DefaultPolicy, retry.IsNetworkError, func() error {
		key, err := g.callVia(ctx, g.session, func(ctx context.Context) (any, error) {
			return g.client.NewStartUserStreamService().Do(ctx)
		})
		if err == nil {
			listenKey = key.(string)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("start user data stream: %w", err)
	}
	defer g.closeUserStream(listenKey)

	g.logger.Info("Connecting streams", "topics", len(streams.Topics), "url", marketURL)

	expired := make(chan struct{})
	user := websocket.NewClient(userStreamURL(g.streamURL, listenKey), func(ctx context.Context, msg []byte) {
		g.onUserMessage(ctx, msg, streams.OrderUpdates, expired)
	}, g.logger)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return market.Run(ectx) })
	eg.Go(func() error { return user.Run(ectx) })
	eg.Go(func() error { return g.keepAlive(ectx, listenKey, expired) })
	return eg.Wait()
}

func (g *Gateway) onMarketMessage(ctx context.Context, msg []byte, publish core.PublishFunc) {
	ev, ok, err := parseMarketMessage(msg)
	if err != nil {
		g.logger.Warn("Dropping malformed market frame", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := publish(ctx, ev); err != nil {
		g.logger.Debug("Market event not published", "topic", ev.Topic().String(), "error", err)
	}
}

func (g *Gateway) onUserMessage(ctx context.Context, msg []byte, updates core.OrderUpdateFunc, expired chan struct{}) {
	update, event, err := parseUserMessage(msg)
	if err != nil {
		g.logger.Warn("Dropping malformed user data frame", "error", err)
		return
	}
	switch event {
	case eventExecutionReport:
		updates(ctx, update)
	case eventListenKeyExpired:
		select {
		case <-expired:
		default:
			close(expired)
		}
	}
}

func (g *Gateway) keepAlive(ctx context.Context, listenKey string, expired <-chan struct{}) error {
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expired:
			g.logger.Error("User data session expired", "listen_key", listenKey)
			return ErrListenKeyExpired
		case <-ticker.C:
			err := retry.Do(ctx, retry.DefaultPolicy, retry.IsNetworkError, func() error {
				_, err := g.callVia(ctx, g.session, func(ctx context.Context) (any, error) {
					return nil, g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
				})
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				g.logger.Error("Failed to refresh listen key", "error", err)
				return fmt.Errorf("refresh listen key: %w", err)
			}
			g.logger.Debug("Listen key refreshed")
		}
	}
}

func (g *Gateway) closeUserStream(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeUserStreamIn)
	defer cancel()
	if err := g.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		g.logger.Warn("Failed to close user data stream", "error", err)
	}
}

// PlaceOrder submits a GTC limit order under the engine's client order id
func (g *Gateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.PlacedOrder, error) {
	side := binance.SideTypeBuy
	if req.Side == core.SideSell {
		side = binance.SideTypeSell
	}

	res, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.client.NewCreateOrderService().
			Symbol(string(req.Symbol)).
			Side(side).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Quantity.String()).
			Price(req.Price.String()).
			NewClientOrderID(req.ClientOrderID).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	resp := res.(*binance.CreateOrderResponse)
	return &core.PlacedOrder{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		TransactTime:  resp.TransactTime,
	}, nil
}

// CancelOrder cancels by client order id. An order the exchange no longer knows
// is treated as already gone.
func (g *Gateway) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.client.NewCancelOrderService().
			Symbol(string(req.Symbol)).
			OrigClientOrderID(req.OrderID).
			Do(ctx)
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		g.logger.Info("Order already gone, skipping cancel", "order_id", req.OrderID)
		return nil
	}
	return err
}

// call runs one REST request through the rate limiter and the resilience pipeline
func (g *Gateway) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return g.callVia(ctx, g.pipeline, fn)
}

func (g *Gateway) callVia(ctx context.Context, exec failsafe.Executor[any], fn func(ctx context.Context) (any, error)) (any, error) {
	return exec.WithContext(ctx).Get(func() (any, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, mapError(ctx, err)
		}
		return res, nil
	})
}

// mapError translates exchange error codes into engine errors
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch apiErr.Code {
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1001:
		return fmt.Errorf("%w: %s", apperrors.ErrNetwork, apiErr.Message)
	case -2010, -1013, -1111, -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Message)
	}
	return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
}
