// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(ctx context.Context, message []byte)

// Client is a resilient WebSocket client
type Client struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	onConnected func()

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		logger:        logger.WithField("component", "ws_client"),
	}
}

// SetPingConfig sets the ping/pong configuration
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetReconnectWait sets the delay between reconnect attempts
func (c *Client) SetReconnectWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectWait = d
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Run connects and dispatches messages until ctx is done, reconnecting on failure
func (c *Client) Run(ctx context.Context) error {
	defer c.closeConn()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			onConnected()
		}

		connCtx, connCancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		if pingInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.heartbeat(connCtx)
			}()
		}
		// unblock ReadMessage on shutdown
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-connCtx.Done()
			c.closeConn()
		}()

		c.readLoop(ctx)
		connCancel()
		wg.Wait()

		c.logger.Warn("WebSocket connection lost", "url", c.url)
		if !c.wait(ctx) {
			return nil
		}
	}
}

func (c *Client) wait(ctx context.Context) bool {
	c.mu.Lock()
	d := c.reconnectWait
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait))
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pongWait := c.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(ctx, message)
		}
	}
}
