// Package wsfeed provides the reconnecting WebSocket transport that exchange
// feed adapters build on. The client owns the connection lifecycle; adapters
// own wire-format parsing and subscription payloads.
package wsfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"strategy_engine/internal/core"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("strategy_engine/wsfeed")

var (
	messagesTotal, _ = meter.Int64Counter("ws_messages_total",
		metric.WithDescription("WebSocket messages received"))
	connectionsTotal, _ = meter.Int64Counter("ws_connections_total",
		metric.WithDescription("WebSocket connection attempts"))
)

// MessageHandler consumes one raw inbound frame.
type MessageHandler func(message []byte)

// Client is a WebSocket connection that reconnects with exponential backoff
// and keeps itself alive with ping/pong heartbeats.
type Client struct {
	url     string
	handler MessageHandler
	retry   *backoff.Backoff

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onConnected runs after every successful dial, before the read loop.
	// Adapters use it to (re)send subscriptions.
	onConnected func()

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.ILogger
	attrs  metric.MeasurementOption
}

// NewClient builds a client for one endpoint. Start must be called to dial.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		handler: handler,
		retry: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		pingInterval: 30 * time.Second,
		pingWait:     10 * time.Second,
		pongWait:     60 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.WithField("component", "wsfeed").WithField("url", url),
		attrs:        metric.WithAttributes(attribute.String("url", url)),
	}
}

// SetPingConfig overrides the heartbeat timing.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected registers the post-dial callback.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes one JSON message to the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start dials and begins the read loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop tears the connection down and waits for the loops to exit.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("ws client stop: goroutines did not exit within timeout")
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			wait := c.retry.Duration()
			c.logger.Error("ws connect failed", "error", err, "retry_in", wait)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		c.retry.Reset()

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.retry.Duration()):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
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
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				// failed ping closes the connection to trigger a reconnect
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	connectionsTotal.Add(c.ctx, 1, c.attrs)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
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

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		messagesTotal.Add(c.ctx, 1, c.attrs)
		if c.handler != nil {
			c.handler(message)
		}
	}
}
