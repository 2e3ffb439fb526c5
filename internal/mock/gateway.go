// Package mock provides in-memory fakes of the external collaborators for
// tests: the trading gateway and the market data feed.
package mock

import (
	"context"
	"sync"

	"strategy_engine/internal/core"
)

// GatewayCall records one outbound gateway invocation.
type GatewayCall struct {
	Method string
	Orders []*core.ClientOrder
	Token  core.Token
}

// Gateway is a recording core.GatewayConn. Safe for concurrent use.
type Gateway struct {
	mu    sync.Mutex
	calls []GatewayCall

	// Err, when set, is returned by every method.
	Err error

	// AckCreates, when set, immediately transitions created orders to OPEN.
	AckCreates bool
}

// NewGateway builds an empty recording gateway.
func NewGateway() *Gateway {
	return &Gateway{}
}

func (g *Gateway) record(method string, orders []*core.ClientOrder, token core.Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, GatewayCall{Method: method, Orders: orders, Token: token})
	if g.Err != nil {
		return g.Err
	}
	if g.AckCreates && (method == "create" || method == "bulk_create") {
		for _, o := range orders {
			o.State = core.OrderStateOpen
		}
	}
	return nil
}

func (g *Gateway) CreateOrder(_ context.Context, order *core.ClientOrder) error {
	return g.record("create", []*core.ClientOrder{order}, "")
}

func (g *Gateway) BulkCreateOrders(_ context.Context, orders []*core.ClientOrder) error {
	return g.record("bulk_create", orders, "")
}

func (g *Gateway) CancelOrder(_ context.Context, order *core.ClientOrder, token core.Token) error {
	return g.record("cancel", []*core.ClientOrder{order}, token)
}

func (g *Gateway) BulkCancelOrders(_ context.Context, orders []*core.ClientOrder, token core.Token) error {
	return g.record("bulk_cancel", orders, token)
}

// Calls returns a copy of everything recorded so far.
func (g *Gateway) Calls() []GatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GatewayCall(nil), g.calls...)
}

// CallsTo filters recorded calls by method.
func (g *Gateway) CallsTo(method string) []GatewayCall {
	var out []GatewayCall
	for _, c := range g.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call log.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}
