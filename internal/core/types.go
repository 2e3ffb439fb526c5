// Package core defines the canonical data types and interfaces the engine
// operates on. Transport collaborators translate vendor wire formats into
// these variants at the boundary; nothing inside the engine touches raw
// payloads.
package core

import (
	"github.com/shopspring/decimal"
)

// PriceLevel is one (price, size) rung of an order book ladder. A zero size
// on a diff means "remove this level".
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a full order book replacement.
type Snapshot struct {
	Exchange     string
	GlobalSymbol string
	Bids         []PriceLevel
	Asks         []PriceLevel
	Seq          int64
	Token        Token
}

// Diff is an incremental order book update. PrevSeq is the sequence the diff
// applies on top of; gateways that do not provide it send zero.
type Diff struct {
	Exchange     string
	GlobalSymbol string
	Bids         []PriceLevel
	Asks         []PriceLevel
	PrevSeq      int64
	Seq          int64
	Token        Token
}

// Ticker is a top-of-book restatement for both sides.
type Ticker struct {
	Exchange     string
	GlobalSymbol string
	Bid1P        decimal.Decimal
	Bid1S        decimal.Decimal
	Ask1P        decimal.Decimal
	Ask1S        decimal.Decimal
	Seq          int64
	Token        Token
}

// Trade is a public trade print.
type Trade struct {
	Exchange     string
	GlobalSymbol string
	Price        decimal.Decimal
	Size         decimal.Decimal
	Side         Side
	Seq          int64
	Token        Token
	MoreComing   bool
}

// KlineBar is an exchange-published finalized candle.
type KlineBar struct {
	Exchange     string
	GlobalSymbol string
	FreqSeconds  int
	StartMicros  int64
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	Amount       decimal.Decimal
	Count        int64
	Token        Token
}

// OrderUpdate is a gateway-reported change to an order. ExecutedSize and
// AvgPrice are cumulative; the session converts them into incremental fills
// before dispatching executions. HasExec/HasAvgPrice distinguish "absent"
// from "zero" on the wire.
type OrderUpdate struct {
	SessionID       int
	StrategyOrderID string
	ClientOrderID   string
	State           OrderState
	ExecutedSize    decimal.Decimal
	AvgPrice        decimal.Decimal
	HasExec         bool
	HasAvgPrice     bool
	Liquidation     bool
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	OrderType       OrderType
	Token           Token
}

// OrderError is a gateway rejection referencing a client order.
type OrderError struct {
	SessionID       int
	StrategyOrderID string
	Reason          string
	Token           Token
}

// ExchangeStateUpdate is a gateway alert affecting whether quoting or taking
// is currently permitted.
type ExchangeStateUpdate struct {
	State ExchangeState
	Token Token
}

// Execution is one incremental fill, as dispatched to position accounting.
// Size is the newly executed delta, never the cumulative amount, and Price
// is the blended price of just that delta.
type Execution struct {
	Order  *ClientOrder
	Side   Side
	Price  decimal.Decimal
	Size   decimal.Decimal
	Offset Offset
}
