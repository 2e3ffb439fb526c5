package position

import (
	"testing"

	"strategy_engine/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDualSide(t *testing.T) *DualSideManager {
	t.Helper()
	return NewDualSideManager(inverseInst(), nil, nil, testLogger())
}

func TestDualSideBucketsAreIndependent(t *testing.T) {
	m := newDualSide(t)

	m.AddTrade(core.SideBuy, d(10000), d(50), core.OffsetOpen, false)
	m.AddTrade(core.SideSell, d(11000), d(20), core.OffsetOpen, false)

	assert.True(t, m.LongSize().Equal(d(50)))
	assert.True(t, m.ShortSize().Equal(d(20)))
	assert.True(t, m.Position().Equal(d(30)))

	entry, ok := m.EntryPrice()
	require.True(t, ok)
	assert.True(t, entry.Equal(d(10000)), "net long, entry follows the long bucket")
}

func TestDualSideCloseRealizesPnl(t *testing.T) {
	m := newDualSide(t)

	m.AddTrade(core.SideBuy, d(10000), d(100), core.OffsetOpen, false)
	// sell close at 12500: 100/10000*12500 - 100 = 25
	m.AddTrade(core.SideSell, d(12500), d(100), core.OffsetClose, false)

	assert.True(t, m.LongSize().IsZero())
	assert.True(t, m.RealizedPnl().Equal(d(25)))
	assert.True(t, m.RealizedPnlMargin().Equal(d(0.002)))
}

func TestDualSideCloseOverflowOpensDefensively(t *testing.T) {
	m := newDualSide(t)

	m.AddTrade(core.SideSell, d(10000), d(30), core.OffsetOpen, false)
	// buy close of 50 against a short of 30: 30 closed, 20 re-opened long
	m.AddTrade(core.SideBuy, d(10000), d(50), core.OffsetClose, false)

	assert.True(t, m.ShortSize().IsZero())
	assert.True(t, m.LongSize().Equal(d(20)))
	assert.True(t, m.Position().Equal(d(20)))
}

func TestDualSideUnrealizedBothBuckets(t *testing.T) {
	m := newDualSide(t)

	m.AddTrade(core.SideBuy, d(10000), d(100), core.OffsetOpen, false)
	m.AddTrade(core.SideSell, d(10000), d(100), core.OffsetOpen, false)

	// long gains what the short loses at any mark
	assert.True(t, m.UnrealizedPnl(d(12500)).IsZero())
	assert.True(t, m.UnrealizedPnl(d(8000)).IsZero())
}

func TestOrdersFromSizeClosesFirst(t *testing.T) {
	m := newDualSide(t)
	m.AddTrade(core.SideSell, d(10000), d(5), core.OffsetOpen, false)

	// buy 8 against short 5: close 5, open 3
	orders := m.OrdersFromSize(core.SideBuy, d(10000), d(8))
	require.Len(t, orders, 2)
	assert.Equal(t, core.OffsetClose, orders[0].Offset)
	assert.True(t, orders[0].Size.Equal(d(5)))
	assert.Equal(t, core.OffsetOpen, orders[1].Offset)
	assert.True(t, orders[1].Size.Equal(d(3)))

	// buy 4 fits entirely within the short
	orders = m.OrdersFromSize(core.SideBuy, d(10000), d(4))
	require.Len(t, orders, 1)
	assert.Equal(t, core.OffsetClose, orders[0].Offset)

	// no opposing bucket: single open
	orders = m.OrdersFromSize(core.SideSell, d(10000), d(4))
	require.Len(t, orders, 1)
	assert.Equal(t, core.OffsetOpen, orders[0].Offset)
}

func TestOrdersFromSizeAggressivelyPrefersSingleSlice(t *testing.T) {
	maxPos := d(100)
	m := NewDualSideManager(inverseInst(), nil, &maxPos, testLogger())
	m.AddTrade(core.SideSell, d(10000), d(5), core.OffsetOpen, false)

	// whole size fits under the cap: one open order instead of a split
	orders := m.OrdersFromSizeAggressively(core.SideBuy, d(10000), d(8))
	require.Len(t, orders, 1)
	assert.Equal(t, core.OffsetOpen, orders[0].Offset)
	assert.True(t, orders[0].Size.Equal(d(8)))

	// cap exhausted: falls back to the close+open split
	m.AddTrade(core.SideBuy, d(10000), d(95), core.OffsetOpen, false)
	orders = m.OrdersFromSizeAggressively(core.SideBuy, d(10000), d(8))
	require.Len(t, orders, 2)
	assert.Equal(t, core.OffsetClose, orders[0].Offset)
	assert.True(t, orders[0].Size.Equal(d(5)))
	assert.Equal(t, core.OffsetOpen, orders[1].Offset)
	assert.True(t, orders[1].Size.Equal(d(3)))
}

func TestOrdersFromMultipleConsumesBucketsByAggression(t *testing.T) {
	m := newDualSide(t)
	m.AddTrade(core.SideSell, d(10000), d(6), core.OffsetOpen, false)

	intents := []OrderIntent{
		{Side: core.SideBuy, Price: d(9990), Size: d(4)},
		{Side: core.SideBuy, Price: d(10000), Size: d(4)},
	}
	out := m.OrdersFromMultiple(intents)
	require.Len(t, out, 3)

	// highest buy consumes the short first
	assert.True(t, out[0].Price.Equal(d(10000)))
	assert.Equal(t, core.OffsetClose, out[0].Offset)
	assert.True(t, out[0].Size.Equal(d(4)))

	// second buy closes the remaining 2 and opens 2
	assert.True(t, out[1].Price.Equal(d(9990)))
	assert.Equal(t, core.OffsetClose, out[1].Offset)
	assert.True(t, out[1].Size.Equal(d(2)))
	assert.Equal(t, core.OffsetOpen, out[2].Offset)
	assert.True(t, out[2].Size.Equal(d(2)))

	// local buckets are untouched by planning
	assert.True(t, m.ShortSize().Equal(d(6)))
}

func TestDualSideHitRateOnlyOnCloses(t *testing.T) {
	m := newDualSide(t)

	m.AddTrade(core.SideBuy, d(10000), d(10), core.OffsetOpen, false)
	assert.Equal(t, 0.0, m.HitRate())

	m.AddTrade(core.SideSell, d(12500), d(10), core.OffsetClose, false)
	assert.Equal(t, 1.0, m.HitRate())
}

func TestDualSideMissingOffsetDropped(t *testing.T) {
	m := newDualSide(t)
	m.AddTrade(core.SideBuy, d(10000), d(10), core.OffsetNone, false)
	assert.True(t, m.LongSize().IsZero())
	assert.True(t, m.Turnover().IsZero())
}
