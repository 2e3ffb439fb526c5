package apperrors

import "errors"

// Standardized engine errors
var (
	ErrOrderTooSmall        = errors.New("order below minimum size or notional")
	ErrMissingOffset        = errors.New("offset required for dual-side derivative order")
	ErrInvalidMarginTrade   = errors.New("invalid margin trade flag")
	ErrOrderNotFound        = errors.New("order not found")
	ErrCancelThrottled      = errors.New("cancel suppressed by throttle")
	ErrCancelIOC            = errors.New("IOC orders are not cancelable")
	ErrBookInvalid          = errors.New("order book invalid")
	ErrStaleUpdate          = errors.New("stale market data update")
	ErrSequenceGap          = errors.New("sequence gap in diff stream")
	ErrInstrumentNotFound   = errors.New("instrument reference not found")
	ErrUnsupportedExchange  = errors.New("unsupported exchange")
	ErrIntervalNotSupported = errors.New("kline interval not supported")
	ErrNetwork              = errors.New("network error")
)
