package core

// Side is the direction of an order or trade.
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Offset disambiguates whether a derivative order increases or reduces a
// directional position bucket. Required on dual-side accounts.
type Offset int

const (
	OffsetNone Offset = iota
	OffsetOpen
	OffsetClose
)

func (o Offset) String() string {
	switch o {
	case OffsetOpen:
		return "OPEN"
	case OffsetClose:
		return "CLOSE"
	default:
		return "NONE"
	}
}

// OrderType is the time-in-force / execution style of a client order.
type OrderType int

const (
	OrderTypeGTC OrderType = iota + 1
	OrderTypeIOC
	OrderTypePostOnly
	OrderTypeOpponentIOC
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeGTC:
		return "GTC"
	case OrderTypeIOC:
		return "IOC"
	case OrderTypePostOnly:
		return "POST_ONLY"
	case OrderTypeOpponentIOC:
		return "OPPONENT_IOC"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType maps the wire representation to an OrderType.
func ParseOrderType(s string) (OrderType, bool) {
	switch s {
	case "GTC":
		return OrderTypeGTC, true
	case "IOC":
		return OrderTypeIOC, true
	case "POST_ONLY":
		return OrderTypePostOnly, true
	case "OPPONENT_IOC":
		return OrderTypeOpponentIOC, true
	default:
		return 0, false
	}
}

// OrderState is the client-side order lifecycle state.
// PENDING -> OPEN -> {CLOSING -> CLOSED} | INTERNAL_CLOSED
type OrderState int

const (
	OrderStatePending OrderState = iota + 1
	OrderStateOpen
	OrderStateClosing
	OrderStateClosed
	OrderStateInternalClosed
)

func (s OrderState) String() string {
	switch s {
	case OrderStatePending:
		return "pending"
	case OrderStateOpen:
		return "open"
	case OrderStateClosing:
		return "closing"
	case OrderStateClosed:
		return "closed"
	case OrderStateInternalClosed:
		return "internal_closed"
	default:
		return "unknown"
	}
}

// ParseOrderState maps the wire representation to an OrderState. The empty
// string is treated as OPEN, matching what some gateways send for a freshly
// acknowledged order.
func ParseOrderState(s string) (OrderState, bool) {
	switch s {
	case "", "open":
		return OrderStateOpen, true
	case "pending":
		return OrderStatePending, true
	case "closing":
		return OrderStateClosing, true
	case "closed":
		return OrderStateClosed, true
	case "internal_closed":
		return OrderStateInternalClosed, true
	default:
		return 0, false
	}
}

// Terminal reports whether no further exchange updates are expected.
func (s OrderState) Terminal() bool {
	return s == OrderStateClosed || s == OrderStateInternalClosed
}

// UpdateKind tags which feed kind last mutated an order book.
type UpdateKind int

const (
	UpdateKindNone UpdateKind = iota
	UpdateKindSnapshot
	UpdateKindDiff
	UpdateKindTicker
	UpdateKindTrade
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateKindSnapshot:
		return "snapshot"
	case UpdateKindDiff:
		return "diff"
	case UpdateKindTicker:
		return "ticker"
	case UpdateKindTrade:
		return "trade"
	default:
		return "none"
	}
}

// ExchangeState is the gateway-reported rate-limit / risk alert state.
type ExchangeState int

const (
	ExchangeStateNoAlert ExchangeState = iota
	ExchangeStateWithdrawalOrderRateWarning
	ExchangeStateWithdrawalOrderLimitReached
	ExchangeStateAPIEndpointLimitReached
	ExchangeStateUsedWeightWarning
	ExchangeStateOrderCountWarning
	ExchangeStateUsedWeightBreached
	ExchangeStateOrderCountBreached
	ExchangeStateUnrecognized
)

var exchangeStateNames = map[string]ExchangeState{
	"NO_ALERT":                       ExchangeStateNoAlert,
	"WITHDRAWAL_ORDER_RATE_WARNING":  ExchangeStateWithdrawalOrderRateWarning,
	"WITHDRAWAL_ORDER_LIMIT_REACHED": ExchangeStateWithdrawalOrderLimitReached,
	"API_END_POINT_LIMIT_REACHED":    ExchangeStateAPIEndpointLimitReached,
	"USED_WEIGHT_WARNING":            ExchangeStateUsedWeightWarning,
	"ORDER_COUNT_WARNING":            ExchangeStateOrderCountWarning,
	"USED_WEIGHT_BREACHED":           ExchangeStateUsedWeightBreached,
	"ORDER_COUNT_BREACHED":           ExchangeStateOrderCountBreached,
}

// ParseExchangeState maps the wire representation to an ExchangeState.
// Unknown states come back as ExchangeStateUnrecognized, which disables both
// quoting and taking.
func ParseExchangeState(s string) ExchangeState {
	if st, ok := exchangeStateNames[s]; ok {
		return st
	}
	return ExchangeStateUnrecognized
}

// QuotingEnabled reports whether passive quoting is still permitted.
func (s ExchangeState) QuotingEnabled() bool {
	return s == ExchangeStateNoAlert
}

// TakingEnabled reports whether aggressive (taking) orders are still
// permitted. Warnings allow taking; breaches do not.
func (s ExchangeState) TakingEnabled() bool {
	switch s {
	case ExchangeStateWithdrawalOrderLimitReached,
		ExchangeStateAPIEndpointLimitReached,
		ExchangeStateUsedWeightBreached,
		ExchangeStateOrderCountBreached,
		ExchangeStateUnrecognized:
		return false
	default:
		return true
	}
}

// SymbolType classifies an instrument.
type SymbolType int

const (
	SymbolTypeSpot SymbolType = iota + 1
	SymbolTypeFutures
	SymbolTypePerpetualSwap
	SymbolTypeIndex
)

func (t SymbolType) String() string {
	switch t {
	case SymbolTypeSpot:
		return "SPOT"
	case SymbolTypeFutures:
		return "FUTURES"
	case SymbolTypePerpetualSwap:
		return "PERPETUAL SWAP"
	case SymbolTypeIndex:
		return "INDEX"
	default:
		return "UNKNOWN"
	}
}

// ParseSymbolType maps the reference-table representation to a SymbolType.
func ParseSymbolType(s string) (SymbolType, bool) {
	switch s {
	case "SPOT":
		return SymbolTypeSpot, true
	case "FUTURES", "CONTRACT":
		return SymbolTypeFutures, true
	case "PERPETUAL SWAP", "PERPETUAL_SWAP":
		return SymbolTypePerpetualSwap, true
	case "INDEX":
		return SymbolTypeIndex, true
	default:
		return 0, false
	}
}

// Derivative reports whether the type carries a position (not spot/index).
func (t SymbolType) Derivative() bool {
	return t == SymbolTypeFutures || t == SymbolTypePerpetualSwap
}
