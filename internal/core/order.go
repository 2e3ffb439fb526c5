package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClientOrder is the exchange-independent order representation. It is owned
// exclusively by its TradingSession; position and inventory managers only see
// it through execution callbacks.
type ClientOrder struct {
	StrategyOrderID string
	Exchange        string
	GlobalSymbol    string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	Type            OrderType
	Offset          Offset
	MarginTrade     string
	Remark          string
	Priority        int

	ExecutedSize  decimal.Decimal
	RemainingSize decimal.Decimal
	AvgPrice      decimal.Decimal
	HasAvgPrice   bool
	State         OrderState

	CreatedTime    time.Time
	LastUpdateTime time.Time
	LastCancelAt   time.Time
	Token          Token

	updateCh chan struct{}
}

// NewClientOrder builds an order in PENDING state with remaining == size.
func NewClientOrder(strategyOrderID, exchange, globalSymbol, symbol string, side Side, price, size decimal.Decimal, typ OrderType) *ClientOrder {
	now := time.Now()
	return &ClientOrder{
		StrategyOrderID: strategyOrderID,
		Exchange:        exchange,
		GlobalSymbol:    globalSymbol,
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Size:            size,
		Type:            typ,
		RemainingSize:   size,
		State:           OrderStatePending,
		CreatedTime:     now,
		LastUpdateTime:  now,
		updateCh:        make(chan struct{}, 1),
	}
}

// AtMarket reports whether the order has been acknowledged by the exchange.
func (o *ClientOrder) AtMarket() bool {
	return o.State == OrderStateOpen || o.State == OrderStateClosed
}

// IsClosed reports whether the order is in a terminal state.
func (o *ClientOrder) IsClosed() bool {
	return o.State.Terminal()
}

// ApplyUpdate folds a gateway update into the order and signals waiters.
// Executed size drives remaining size; the state moves wholesale to whatever
// the exchange reports, since the exchange's view is authoritative.
func (o *ClientOrder) ApplyUpdate(u OrderUpdate) {
	if u.HasExec {
		o.ExecutedSize = u.ExecutedSize
		o.RemainingSize = o.Size.Sub(u.ExecutedSize)
	}
	if u.HasAvgPrice {
		o.AvgPrice = u.AvgPrice
		o.HasAvgPrice = true
	}
	if u.State != 0 {
		o.State = u.State
	}
	o.LastUpdateTime = time.Now()
	o.SignalUpdate()
}

// SignalUpdate wakes anything blocked on Updates without blocking the caller.
func (o *ClientOrder) SignalUpdate() {
	select {
	case o.updateCh <- struct{}{}:
	default:
	}
}

// Updates is a size-1 notification channel pulsed on every order change,
// including validation drops that never reach the gateway. Callers must not
// close it.
func (o *ClientOrder) Updates() <-chan struct{} {
	return o.updateCh
}
