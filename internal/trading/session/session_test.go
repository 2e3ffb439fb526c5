package session

import (
	"context"
	"testing"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	"strategy_engine/internal/mock"
	apperrors "strategy_engine/pkg/errors"
	"strategy_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() core.ILogger {
	l, _ := logging.NewZapLogger("error")
	return l
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func spotInst() *instrument.Instrument {
	return &instrument.Instrument{
		Exchange:       "binance",
		GlobalSymbol:   "BTC_USDT",
		Symbol:         "BTCUSDT",
		SymbolType:     core.SymbolTypeSpot,
		TickSize:       d(0.01),
		LotSize:        d(0.001),
		MinOrderSize:   d(0.001),
		MinOrderValue:  d(10),
		SizeMultiplier: decimal.NewFromInt(1),
		Base:           "BTC",
		Quote:          "USDT",
		SizeCcy:        "BTC",
	}
}

func inverseTwoWayInst() *instrument.Instrument {
	return &instrument.Instrument{
		Exchange:       "okx",
		GlobalSymbol:   "BTC_USD_SWAP",
		Symbol:         "BTC-USD-SWAP",
		SymbolType:     core.SymbolTypePerpetualSwap,
		TickSize:       d(0.1),
		LotSize:        decimal.NewFromInt(1),
		MinOrderSize:   decimal.NewFromInt(1),
		SizeMultiplier: decimal.NewFromInt(100),
		Base:           "BTC",
		Quote:          "USD",
		SizeCcy:        "USD",
		BaseAsMargin:   true,
		TwoWay:         true,
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time              { return c.now }
func (c *fakeClock) Advance(delta time.Duration) { c.now = c.now.Add(delta) }

func newSession(t *testing.T, inst *instrument.Instrument, gw core.GatewayConn, opts Options) *Session {
	t.Helper()
	return New(1, inst, gw, testLogger(), opts)
}

func buyReq(price, size float64) OrderRequest {
	return OrderRequest{
		Side:  core.SideBuy,
		Price: d(price),
		Size:  d(size),
		Type:  core.OrderTypeGTC,
	}
}

func TestCreateOrderQuantizesTowardBook(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	order, err := s.CreateOrder(context.Background(), buyReq(100.127, 1))
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(d(100.12)), "buy price floors to tick")

	sellReq := OrderRequest{Side: core.SideSell, Price: d(100.121), Size: d(1), Type: core.OrderTypeGTC}
	order, err = s.CreateOrder(context.Background(), sellReq)
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(d(100.13)), "sell price ceils to tick")

	// size floors to lot
	order, err = s.CreateOrder(context.Background(), buyReq(100, 1.23456))
	require.NoError(t, err)
	assert.True(t, order.Size.Equal(d(1.234)))
}

func TestCreateOrderDropsBelowMinimum(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	// below min size after quantization
	_, err := s.CreateOrder(context.Background(), buyReq(100, 0.0004))
	assert.ErrorIs(t, err, apperrors.ErrOrderTooSmall)

	// below min notional
	_, err = s.CreateOrder(context.Background(), buyReq(100, 0.05))
	assert.ErrorIs(t, err, apperrors.ErrOrderTooSmall)

	assert.Empty(t, gw.Calls(), "dropped orders never reach the gateway")

	// the drop still pulses the update event so strategies re-plan
	select {
	case <-s.UpdateEvents():
	default:
		t.Fatal("validation drop did not signal the update event")
	}
}

func TestCreateOrderRequiresOffsetOnTwoWay(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, inverseTwoWayInst(), gw, Options{})

	req := OrderRequest{Side: core.SideBuy, Price: d(10000), Size: decimal.NewFromInt(5), Type: core.OrderTypeGTC}
	_, err := s.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrMissingOffset)

	req.Offset = core.OffsetOpen
	_, err = s.CreateOrder(context.Background(), req)
	assert.NoError(t, err)
}

func TestCreateOrderRejectsUnknownMarginFlag(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	req := buyReq(100, 1)
	req.MarginTrade = "isolated"
	_, err := s.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidMarginTrade)

	req.MarginTrade = "cross-margin"
	_, err = s.CreateOrder(context.Background(), req)
	assert.NoError(t, err)
}

func TestMinValueSkippedWhenSizeIsValue(t *testing.T) {
	gw := mock.NewGateway()
	inst := inverseTwoWayInst()
	inst.MinOrderValue = d(1000000)
	s := newSession(t, inst, gw, Options{})

	// notional-sized contract: the value floor does not apply
	req := OrderRequest{Side: core.SideBuy, Price: d(10000), Size: decimal.NewFromInt(5), Type: core.OrderTypeGTC, Offset: core.OffsetOpen}
	_, err := s.CreateOrder(context.Background(), req)
	assert.NoError(t, err)
}

func TestBulkCreateDropsOnlyInvalid(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	orders, err := s.BulkCreateOrders(context.Background(), []OrderRequest{
		buyReq(100, 1),
		buyReq(100, 0.0001), // too small
		buyReq(100, 2),
	})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	calls := gw.CallsTo("bulk_create")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Orders, 2)
}

func TestCancelThrottle(t *testing.T) {
	gw := mock.NewGateway()
	clock := &fakeClock{now: time.Now()}
	s := newSession(t, spotInst(), gw, Options{Clock: clock.Now})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(context.Background(), order.StrategyOrderID, ""))

	// 50ms later: suppressed
	clock.Advance(50 * time.Millisecond)
	err = s.CancelOrder(context.Background(), order.StrategyOrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrCancelThrottled)

	// past the interval: allowed again
	clock.Advance(60 * time.Millisecond)
	assert.NoError(t, s.CancelOrder(context.Background(), order.StrategyOrderID, ""))

	assert.Len(t, gw.CallsTo("cancel"), 2)
}

func TestCancelThrottleSlowerWhileClosing(t *testing.T) {
	gw := mock.NewGateway()
	clock := &fakeClock{now: time.Now()}
	s := newSession(t, spotInst(), gw, Options{Clock: clock.Now})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)
	require.NoError(t, s.CancelOrder(context.Background(), order.StrategyOrderID, ""))

	s.OnOrderUpdate(core.OrderUpdate{
		SessionID:       1,
		StrategyOrderID: order.StrategyOrderID,
		State:           core.OrderStateClosing,
	})

	// 500ms would clear the normal throttle but not the closing one
	clock.Advance(500 * time.Millisecond)
	err = s.CancelOrder(context.Background(), order.StrategyOrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrCancelThrottled)

	clock.Advance(600 * time.Millisecond)
	assert.NoError(t, s.CancelOrder(context.Background(), order.StrategyOrderID, ""))
}

func TestCancelIOCIgnored(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	req := buyReq(100, 1)
	req.Type = core.OrderTypeIOC
	order, err := s.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	err = s.CancelOrder(context.Background(), order.StrategyOrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrCancelIOC)
	assert.Empty(t, gw.CallsTo("cancel"))
}

func TestCancelRetriesTransientSendFailure(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)

	gw.Err = apperrors.ErrNetwork
	err = s.CancelOrder(context.Background(), order.StrategyOrderID, "")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Len(t, gw.CallsTo("cancel"), 3, "transient failures are retried before giving up")
}

func TestCancelUnknownOrder(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})
	err := s.CancelOrder(context.Background(), "nope", "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestIncrementalExecLinearBlend(t *testing.T) {
	gw := mock.NewGateway()
	var execs []core.Execution
	s := newSession(t, spotInst(), gw, Options{
		OnExec: func(e core.Execution) { execs = append(execs, e) },
	})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 2))
	require.NoError(t, err)

	// first fill: 0.5 at avg 100
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateOpen,
		ExecutedSize: d(0.5), AvgPrice: d(100), HasExec: true, HasAvgPrice: true,
	})
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Size.Equal(d(0.5)))
	assert.True(t, execs[0].Price.Equal(d(100)))

	// cumulative 1.5 at avg 101: delta 1.0 at (1.5*101 - 0.5*100)/1.0 = 101.5
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateOpen,
		ExecutedSize: d(1.5), AvgPrice: d(101), HasExec: true, HasAvgPrice: true,
	})
	require.Len(t, execs, 2)
	assert.True(t, execs[1].Size.Equal(d(1)))
	assert.True(t, execs[1].Price.Equal(d(101.5)))

	assert.True(t, order.ExecutedSize.Equal(d(1.5)))
	assert.True(t, order.RemainingSize.Equal(d(0.5)))
}

func TestIncrementalExecValueBlendForInverse(t *testing.T) {
	gw := mock.NewGateway()
	var execs []core.Execution
	s := newSession(t, inverseTwoWayInst(), gw, Options{
		OnExec: func(e core.Execution) { execs = append(execs, e) },
	})

	req := OrderRequest{Side: core.SideBuy, Price: d(10000), Size: decimal.NewFromInt(300), Type: core.OrderTypeGTC, Offset: core.OffsetOpen}
	order, err := s.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateOpen,
		ExecutedSize: d(100), AvgPrice: d(10000), HasExec: true, HasAvgPrice: true,
	})
	require.Len(t, execs, 1)

	// cumulative 300 at harmonic avg of 100@10000 + 200@12000:
	// avg = 300/(100/10000 + 200/12000) = 300/(0.01+0.0166..)
	newAvg := d(300).Div(d(100).Div(d(10000)).Add(d(200).Div(d(12000))))
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateOpen,
		ExecutedSize: d(300), AvgPrice: newAvg, HasExec: true, HasAvgPrice: true,
	})
	require.Len(t, execs, 2)
	assert.True(t, execs[1].Size.Equal(d(200)))
	// value blend recovers the delta's own price, about 12000
	diff := execs[1].Price.Sub(d(12000)).Abs()
	assert.True(t, diff.LessThan(d(0.01)), "blended price %s", execs[1].Price)
}

func TestDuplicateUpdateIsNoOp(t *testing.T) {
	gw := mock.NewGateway()
	var execs []core.Execution
	s := newSession(t, spotInst(), gw, Options{
		OnExec: func(e core.Execution) { execs = append(execs, e) },
	})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 2))
	require.NoError(t, err)

	u := core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateOpen,
		ExecutedSize: d(1), AvgPrice: d(100), HasExec: true, HasAvgPrice: true,
	}
	s.OnOrderUpdate(u)
	s.OnOrderUpdate(u)

	assert.Len(t, execs, 1, "replayed cumulative report produces no second fill")
	assert.True(t, order.ExecutedSize.Equal(d(1)))
}

func TestFillArrivingAfterClose(t *testing.T) {
	gw := mock.NewGateway()
	var execs []core.Execution
	s := newSession(t, spotInst(), gw, Options{
		OnExec: func(e core.Execution) { execs = append(execs, e) },
	})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 2))
	require.NoError(t, err)

	// cancel acknowledged: order goes terminal
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateClosed,
	})
	assert.NotContains(t, s.ActiveOrders(), order.StrategyOrderID)

	// a racing fill still lands on the inactive order
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateClosed,
		ExecutedSize: d(2), AvgPrice: d(100), HasExec: true, HasAvgPrice: true,
	})
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Size.Equal(d(2)))
	assert.True(t, order.ExecutedSize.Equal(d(2)))
}

func TestExecQueueWhenNoCallback(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)

	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateClosed,
		ExecutedSize: d(1), AvgPrice: d(100), HasExec: true, HasAvgPrice: true,
	})

	select {
	case e := <-s.Executions():
		assert.True(t, e.Size.Equal(d(1)))
	default:
		t.Fatal("expected a queued execution")
	}
}

func TestOrderErrorsQueued(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, spotInst(), gw, Options{ReceiveErrors: true})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)

	s.OnOrderError(core.OrderError{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID, Reason: "rejected",
	})

	select {
	case e := <-s.Errors():
		assert.Equal(t, "rejected", e.Reason)
	default:
		t.Fatal("expected a queued error")
	}
}

func TestLiquidationOrderDeduplicatedByClientID(t *testing.T) {
	gw := mock.NewGateway()
	s := newSession(t, inverseTwoWayInst(), gw, Options{})

	o1 := s.LiquidationOrder("cloid-1", core.SideSell, d(10000), decimal.NewFromInt(50), core.OrderTypeIOC, "")
	o2 := s.LiquidationOrder("cloid-1", core.SideSell, d(10000), decimal.NewFromInt(50), core.OrderTypeIOC, "")
	assert.Same(t, o1, o2)
	assert.Equal(t, "liquidation", o1.Remark)
	assert.Contains(t, s.ActiveOrders(), o1.StrategyOrderID)
}

func TestPurgeInactive(t *testing.T) {
	gw := mock.NewGateway()
	clock := &fakeClock{now: time.Now()}
	s := newSession(t, spotInst(), gw, Options{Clock: clock.Now})

	order, err := s.CreateOrder(context.Background(), buyReq(100, 1))
	require.NoError(t, err)
	s.OnOrderUpdate(core.OrderUpdate{
		SessionID: 1, StrategyOrderID: order.StrategyOrderID,
		State: core.OrderStateClosed,
	})

	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, s.PurgeInactive(18*time.Minute))
	assert.Nil(t, s.Order(order.StrategyOrderID))
}
