package position

import (
	"testing"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	"strategy_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() core.ILogger {
	l, _ := logging.NewZapLogger("error")
	return l
}

func linearInst() *instrument.Instrument {
	return &instrument.Instrument{
		Exchange:       "binance",
		GlobalSymbol:   "BTC_USDT",
		SymbolType:     core.SymbolTypeSpot,
		SizeMultiplier: decimal.NewFromInt(1),
		Base:           "BTC",
		Quote:          "USDT",
		SizeCcy:        "BTC",
	}
}

func inverseInst() *instrument.Instrument {
	return &instrument.Instrument{
		Exchange:       "okx",
		GlobalSymbol:   "BTC_USD_SWAP",
		SymbolType:     core.SymbolTypePerpetualSwap,
		SizeMultiplier: decimal.NewFromInt(100),
		Base:           "BTC",
		Quote:          "USD",
		SizeCcy:        "USD",
		BaseAsMargin:   true,
	}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestNetOpenAndBlendLinear(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(2), false)
	entry, ok := m.EntryPrice()
	require.True(t, ok)
	assert.True(t, entry.Equal(d(100)))
	assert.True(t, m.Position().Equal(d(2)))

	// weighted average: (100*2 + 110*2)/4 = 105
	m.AddTrade(core.SideBuy, d(110), d(2), false)
	entry, _ = m.EntryPrice()
	assert.True(t, entry.Equal(d(105)))
	assert.True(t, m.Position().Equal(d(4)))
}

func TestNetRoundTripAtSamePriceRealizesNothing(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(3), false)
	m.AddTrade(core.SideSell, d(100), d(3), false)

	assert.True(t, m.Position().IsZero())
	assert.True(t, m.RealizedPnl().IsZero())
	assert.True(t, m.UnrealizedPnl(d(123)).IsZero())
}

func TestNetCloseRealizesPnl(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(2), false)
	m.AddTrade(core.SideSell, d(110), d(1), false)

	assert.True(t, m.Position().Equal(d(1)))
	assert.True(t, m.RealizedPnl().Equal(d(10)))
	// entry unchanged by a partial close
	entry, _ := m.EntryPrice()
	assert.True(t, entry.Equal(d(100)))
}

func TestNetFlipThroughZero(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(2), false)
	// sell 5: close 2 at +20, open short 3 at 110
	m.AddTrade(core.SideSell, d(110), d(5), false)

	assert.True(t, m.Position().Equal(d(-3)))
	assert.True(t, m.RealizedPnl().Equal(d(20)))
	entry, _ := m.EntryPrice()
	assert.True(t, entry.Equal(d(110)))
}

func TestNetInverseHarmonicBlend(t *testing.T) {
	m := NewNetManager(inverseInst(), nil, testLogger())

	// blending at the same price must not move the entry
	m.AddTrade(core.SideBuy, d(10000), d(100), false)
	m.AddTrade(core.SideBuy, d(10000), d(100), false)
	entry, _ := m.EntryPrice()
	assert.True(t, entry.Equal(d(10000)))

	// harmonic blend: 200+200 contracts at 10000 and 20000
	// entry = 400 / (200/20000 + 200/10000) ≈ 13333.33
	m.AddTrade(core.SideBuy, d(20000), d(200), false)
	entry, _ = m.EntryPrice()
	expected := d(400).Div(d(200).Div(d(20000)).Add(d(200).Div(d(10000))))
	assert.True(t, entry.Equal(expected))
}

func TestNetInverseClosePnl(t *testing.T) {
	m := NewNetManager(inverseInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(10000), d(100), false)
	// close at 12500: 100/10000*12500 - 100 = 25 (quote notional)
	m.AddTrade(core.SideSell, d(12500), d(100), false)

	assert.True(t, m.RealizedPnl().Equal(d(25)))
	// margin currency: 25/12500 = 0.002 BTC
	assert.True(t, m.RealizedPnlMargin().Equal(d(0.002)))
}

func TestNetHitRateRetroactiveCorrection(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(2), false)
	// first close wins: round 1 counted as winning
	m.AddTrade(core.SideSell, d(110), d(1), false)
	assert.Equal(t, 1.0, m.HitRate())

	// same-side close at a loss drags the round negative: correction
	m.AddTrade(core.SideSell, d(80), d(1), false)
	assert.Equal(t, 0.0, m.HitRate())
}

func TestNetHitRateNewRoundPerDirectionChange(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(1), false)
	m.AddTrade(core.SideSell, d(110), d(1), false) // round 1, win
	m.AddTrade(core.SideSell, d(110), d(1), false) // opens short
	m.AddTrade(core.SideBuy, d(120), d(1), false)  // round 2, loss

	assert.Equal(t, 0.5, m.HitRate())
}

func TestNetExposureQueries(t *testing.T) {
	m := NewNetManager(linearInst(), nil, testLogger())
	m.AddTrade(core.SideBuy, d(100), d(2), false)

	assert.True(t, m.PositionBase().Equal(d(2)))
	assert.True(t, m.PositionQuote().Equal(d(-200)))
	// spot settles PnL in quote
	assert.True(t, m.DeltaQuote().Equal(d(-200)))
	assert.True(t, m.DeltaBase().Equal(d(2)))

	assert.True(t, m.LongSize().Equal(d(2)))
	assert.True(t, m.ShortSize().IsZero())
}

func TestNetInverseExposure(t *testing.T) {
	m := NewNetManager(inverseInst(), nil, testLogger())
	m.AddTrade(core.SideBuy, d(10000), d(100), false)

	// base: 100/10000 = 0.01
	assert.True(t, m.PositionBase().Equal(d(0.01)))
	assert.True(t, m.PositionQuote().Equal(d(-100)))
}

type recordingSink struct {
	calls []struct {
		side   core.Side
		size   decimal.Decimal
		offset core.Offset
	}
}

func (r *recordingSink) UpdateExec(_ string, side core.Side, _, size decimal.Decimal, offset core.Offset) {
	r.calls = append(r.calls, struct {
		side   core.Side
		size   decimal.Decimal
		offset core.Offset
	}{side, size, offset})
}

func TestNetRoutesOpenAndCloseToInventory(t *testing.T) {
	sink := &recordingSink{}
	m := NewNetManager(linearInst(), sink, testLogger())

	m.AddTrade(core.SideBuy, d(100), d(2), true)
	// sell 5 = close 2 + open 3
	m.AddTrade(core.SideSell, d(110), d(5), true)

	require.Len(t, sink.calls, 3)
	assert.Equal(t, core.OffsetOpen, sink.calls[0].offset)
	assert.Equal(t, core.OffsetOpen, sink.calls[1].offset)
	assert.True(t, sink.calls[1].size.Equal(d(3)))
	assert.Equal(t, core.OffsetClose, sink.calls[2].offset)
	assert.True(t, sink.calls[2].size.Equal(d(2)))
}
