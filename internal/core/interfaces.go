package core

import "context"

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

// GatewayConn is the outbound half of the trading gateway collaborator. The
// session hands it fully validated, quantized client orders; the connection
// owns serialization and delivery. Implementations must not mutate orders.
type GatewayConn interface {
	CreateOrder(ctx context.Context, order *ClientOrder) error
	BulkCreateOrders(ctx context.Context, orders []*ClientOrder) error
	CancelOrder(ctx context.Context, order *ClientOrder, token Token) error
	BulkCancelOrders(ctx context.Context, orders []*ClientOrder, token Token) error
}

// MarketDataConn is the inbound market-data collaborator: a per-exchange
// transport shim that converts vendor wire formats into the canonical
// variants and delivers them on Events. The channel carries Snapshot, Diff,
// Ticker, Trade and KlineBar values.
type MarketDataConn interface {
	Subscribe(ctx context.Context, globalSymbols []string) error
	Events() <-chan interface{}
}

// ResnapshotFunc requests a fresh depth snapshot for a symbol. The order
// book engine calls it when a sequence gap cannot be closed from its replay
// buffer.
type ResnapshotFunc func(exchange, globalSymbol string)

// ExecutionCallback consumes one incremental fill. Invoked synchronously on
// every execution report, from the engine's single event goroutine.
type ExecutionCallback func(exec Execution)

// ExchangeStateCallback consumes gateway rate-limit / risk alerts.
type ExchangeStateCallback func(state ExchangeState)
