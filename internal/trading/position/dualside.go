package position

import (
	"context"
	"sort"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	"strategy_engine/internal/trading/inventory"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrderIntent is one sized, offset-tagged slice of a desired order.
type OrderIntent struct {
	Side   core.Side
	Price  decimal.Decimal
	Size   decimal.Decimal
	Offset core.Offset
}

// DualSideManager keeps separate long and short buckets for venues where
// every order carries an explicit open/close offset. Net position and entry
// are derived views over the two buckets.
type DualSideManager struct {
	inst       *instrument.Instrument
	pnlInQuote bool

	longPosition  decimal.Decimal
	shortPosition decimal.Decimal
	entryLong     decimal.Decimal
	hasEntryLong  bool
	entryShort    decimal.Decimal
	hasEntryShort bool

	// derived
	position decimal.Decimal
	entry    decimal.Decimal
	hasEntry bool

	turnover          decimal.Decimal
	realizedPnl       decimal.Decimal
	realizedPnlMargin decimal.Decimal

	hits hitRate

	openPositionTime   time.Time
	maxAccountPosition decimal.Decimal
	hasMaxPosition     bool

	inventory InventorySink
	sizer     inventory.Manager
	logger    core.ILogger
	attrs     metric.MeasurementOption
}

// NewDualSideManager builds a dual-side manager. inv may be nil;
// maxAccountPosition caps the aggressive order splitter and may be nil too.
func NewDualSideManager(inst *instrument.Instrument, inv InventorySink, maxAccountPosition *decimal.Decimal, logger core.ILogger) *DualSideManager {
	m := &DualSideManager{
		inst:       inst,
		pnlInQuote: inst.QuoteAsMargin || !inst.IsDerivative(),
		inventory:  inv,
		logger: logger.WithField("component", "position").
			WithField("exchange", inst.Exchange).
			WithField("symbol", inst.GlobalSymbol),
		attrs: metric.WithAttributes(
			attribute.String("exchange", inst.Exchange),
			attribute.String("symbol", inst.GlobalSymbol),
		),
	}
	if maxAccountPosition != nil {
		m.maxAccountPosition = *maxAccountPosition
		m.hasMaxPosition = true
	}
	if sizer, ok := inv.(inventory.Manager); ok {
		m.sizer = sizer
	}
	return m
}

// AddTrade folds one offset-tagged fill into the matching bucket.
func (m *DualSideManager) AddTrade(side core.Side, price, size decimal.Decimal, offset core.Offset, affectInventory bool) {
	switch offset {
	case core.OffsetOpen:
		m.open(price, size, side)
	case core.OffsetClose:
		m.close(price, size, side)
	default:
		m.logger.Error("fill without offset dropped", "side", side, "price", price, "size", size)
		return
	}

	m.turnover = m.turnover.Add(size)
	m.logger.Info("execution applied",
		"side", side, "offset", offset, "price", price, "size", size,
		"long", m.longPosition, "short", m.shortPosition,
		"realized_pnl", m.realizedPnl, "turnover", m.turnover,
		"hit_rate", m.hits.value())
	m.record()

	if m.inventory != nil && affectInventory {
		m.inventory.UpdateExec(m.inst.GlobalSymbol, side, price, size, offset)
	}

	if offset == core.OffsetOpen {
		m.hits.hasLastSide = false
	} else {
		m.hits.lastSide = side
		m.hits.hasLastSide = true
	}
}

func (m *DualSideManager) blend(price, size, position, entry decimal.Decimal) decimal.Decimal {
	if m.inst.IsInverse() {
		return size.Add(position).Div(size.Div(price).Add(position.Div(entry)))
	}
	return price.Mul(size).Add(position.Mul(entry)).Div(size.Add(position))
}

func (m *DualSideManager) open(price, size decimal.Decimal, side core.Side) {
	if side == core.SideBuy {
		if m.longPosition.IsZero() {
			m.entryLong = price
		} else {
			m.entryLong = m.blend(price, size, m.longPosition, m.entryLong)
		}
		m.hasEntryLong = true
		m.longPosition = m.longPosition.Add(size)
	} else {
		if m.shortPosition.IsZero() {
			m.entryShort = price
		} else {
			m.entryShort = m.blend(price, size, m.shortPosition, m.entryShort)
		}
		m.hasEntryShort = true
		m.shortPosition = m.shortPosition.Add(size)
	}

	if m.longPosition.IsPositive() && m.shortPosition.IsPositive() {
		m.logger.Warn("both sides hold positive positions",
			"long", m.longPosition, "short", m.shortPosition)
	}

	m.refreshNet()
	if (m.position.IsPositive() && side == core.SideBuy) ||
		(m.position.IsNegative() && side == core.SideSell) {
		m.openPositionTime = time.Now()
	}
}

// close reduces the opposing bucket. A close larger than the bucket is a
// reconciliation fault: the overlap is closed, the excess is re-opened on the
// taken side so the local book stays usable, and the event is logged loudly.
func (m *DualSideManager) close(price, size decimal.Decimal, side core.Side) {
	var pnl decimal.Decimal
	realized := false

	if side == core.SideBuy {
		extra := decimal.Zero
		if size.GreaterThan(m.shortPosition) {
			m.logger.Error("buy close exceeds local short position",
				"short", m.shortPosition, "close_size", size)
			extra = size.Sub(m.shortPosition)
			size = m.shortPosition
		}
		if size.IsPositive() {
			if m.inst.IsInverse() {
				pnl = size.Div(m.entryShort).Mul(price).Sub(size).Neg()
			} else {
				pnl = size.Mul(m.entryShort.Sub(price))
			}
			realized = true
		}
		m.shortPosition = m.shortPosition.Sub(size)
		if m.shortPosition.IsZero() {
			m.hasEntryShort = false
		}
		if extra.IsPositive() {
			m.open(price, extra, side)
		}
	} else {
		extra := decimal.Zero
		if size.GreaterThan(m.longPosition) {
			m.logger.Error("sell close exceeds local long position",
				"long", m.longPosition, "close_size", size)
			extra = size.Sub(m.longPosition)
			size = m.longPosition
		}
		if size.IsPositive() {
			if m.inst.IsInverse() {
				pnl = size.Div(m.entryLong).Mul(price).Sub(size)
			} else {
				pnl = size.Mul(price.Sub(m.entryLong))
			}
			realized = true
		}
		m.longPosition = m.longPosition.Sub(size)
		if m.longPosition.IsZero() {
			m.hasEntryLong = false
		}
		if extra.IsPositive() {
			m.open(price, extra, side)
		}
	}

	if realized {
		m.realizedPnl = m.realizedPnl.Add(pnl)
		m.hits.update(side, pnl)
		if m.inst.IsInverse() {
			m.realizedPnlMargin = m.realizedPnlMargin.Add(pnl.Div(price))
		} else {
			m.realizedPnlMargin = m.realizedPnlMargin.Add(pnl)
		}
	}
	m.refreshNet()
}

func (m *DualSideManager) refreshNet() {
	m.position = m.longPosition.Sub(m.shortPosition)
	switch {
	case m.position.IsPositive():
		m.entry = m.entryLong
		m.hasEntry = m.hasEntryLong
	case m.position.IsNegative():
		m.entry = m.entryShort
		m.hasEntry = m.hasEntryShort
	}
}

func (m *DualSideManager) record() {
	ctx := context.Background()
	pos, _ := m.position.Float64()
	pnl, _ := m.realizedPnl.Float64()
	positionGauge.Record(ctx, pos, m.attrs)
	realizedPnlGauge.Record(ctx, pnl, m.attrs)
	hitRateGauge.Record(ctx, m.hits.value(), m.attrs)
}

// Position is long minus short.
func (m *DualSideManager) Position() decimal.Decimal { return m.position }

// LongSize is the long bucket size.
func (m *DualSideManager) LongSize() decimal.Decimal { return m.longPosition }

// ShortSize is the short bucket size.
func (m *DualSideManager) ShortSize() decimal.Decimal { return m.shortPosition }

// EntryPrice is the entry of whichever bucket dominates the net position.
func (m *DualSideManager) EntryPrice() (decimal.Decimal, bool) { return m.entry, m.hasEntry }

// RealizedPnl is cumulative realized PnL.
func (m *DualSideManager) RealizedPnl() decimal.Decimal { return m.realizedPnl }

// RealizedPnlMargin is realized PnL restated in the margin currency.
func (m *DualSideManager) RealizedPnlMargin() decimal.Decimal { return m.realizedPnlMargin }

// Turnover is cumulative traded size.
func (m *DualSideManager) Turnover() decimal.Decimal { return m.turnover }

// HitRate is the fraction of realized rounds that were profitable.
func (m *DualSideManager) HitRate() float64 { return m.hits.value() }

// UnrealizedPnl marks both buckets against price.
func (m *DualSideManager) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	pnl := decimal.Zero
	if !m.longPosition.IsZero() {
		if m.inst.IsInverse() {
			pnl = pnl.Add(m.longPosition.Div(m.entryLong).Mul(price).Sub(m.longPosition))
		} else {
			pnl = pnl.Add(m.longPosition.Mul(price.Sub(m.entryLong)))
		}
	}
	if !m.shortPosition.IsZero() {
		if m.inst.IsInverse() {
			pnl = pnl.Sub(m.shortPosition.Div(m.entryShort).Mul(price).Sub(m.shortPosition))
		} else {
			pnl = pnl.Sub(m.shortPosition.Mul(price.Sub(m.entryShort)))
		}
	}
	return pnl
}

// PositionQuote is the quote currency exposure of the net position.
func (m *DualSideManager) PositionQuote() decimal.Decimal {
	if m.position.IsZero() {
		return decimal.Zero
	}
	if m.inst.IsInverse() {
		return m.position.Neg()
	}
	return m.position.Mul(m.entry).Neg()
}

// PositionBase is the net position in base currency units, scaled by the
// contract multiplier.
func (m *DualSideManager) PositionBase() decimal.Decimal {
	if m.inst.IsInverse() {
		switch {
		case m.position.IsPositive():
			return m.position.Div(m.entryLong).Mul(m.inst.SizeMultiplier)
		case m.position.IsNegative():
			return m.position.Div(m.entryShort).Mul(m.inst.SizeMultiplier)
		default:
			return decimal.Zero
		}
	}
	return m.position.Mul(m.inst.SizeMultiplier)
}

// OrdersFromSize splits a desired order into close-first slices: the
// opposing bucket is consumed before anything new is opened.
func (m *DualSideManager) OrdersFromSize(side core.Side, price, size decimal.Decimal) []OrderIntent {
	opposing := m.shortPosition
	if side == core.SideSell {
		opposing = m.longPosition
	}

	if !opposing.IsPositive() {
		return []OrderIntent{{Side: side, Price: price, Size: size, Offset: core.OffsetOpen}}
	}

	orders := []OrderIntent{{Side: side, Price: price, Size: decimal.Min(size, opposing), Offset: core.OffsetClose}}
	if opposing.LessThan(size) {
		orders = append(orders, OrderIntent{Side: side, Price: price, Size: size.Sub(opposing), Offset: core.OffsetOpen})
	}
	return orders
}

// OrdersFromSizeAggressively prefers a single slice: close-only when the
// opposing bucket covers the whole size, open-only when the account position
// cap leaves room, and the two-slice split only as a last resort. Fewer
// slices mean fewer orders and less fee drag.
func (m *DualSideManager) OrdersFromSizeAggressively(side core.Side, price, size decimal.Decimal) []OrderIntent {
	if !m.hasMaxPosition {
		return m.OrdersFromSize(side, price, size)
	}
	return m.ordersAggressively(side, price, size, m.maxAccountPosition)
}

// OrdersFromSizeAggressivelyInv is the aggressive splitter with the cap taken
// from live inventory sizing instead of a static limit.
func (m *DualSideManager) OrdersFromSizeAggressivelyInv(side core.Side, price, size decimal.Decimal) []OrderIntent {
	if m.sizer == nil {
		return m.OrdersFromSize(side, price, size)
	}
	maxPos := m.sizer.AvailableSize(m.inst.GlobalSymbol, side, price, false)
	return m.ordersAggressively(side, price, size, maxPos)
}

func (m *DualSideManager) ordersAggressively(side core.Side, price, size, maxPosition decimal.Decimal) []OrderIntent {
	opposing, same := m.shortPosition, m.longPosition
	if side == core.SideSell {
		opposing, same = m.longPosition, m.shortPosition
	}

	if !opposing.IsPositive() {
		return []OrderIntent{{Side: side, Price: price, Size: size, Offset: core.OffsetOpen}}
	}
	if opposing.GreaterThanOrEqual(size) {
		return []OrderIntent{{Side: side, Price: price, Size: size, Offset: core.OffsetClose}}
	}
	if size.LessThanOrEqual(maxPosition.Sub(same)) {
		return []OrderIntent{{Side: side, Price: price, Size: size, Offset: core.OffsetOpen}}
	}

	orders := []OrderIntent{{Side: side, Price: price, Size: opposing, Offset: core.OffsetClose}}
	orders = append(orders, OrderIntent{Side: side, Price: price, Size: size.Sub(opposing), Offset: core.OffsetOpen})
	return orders
}

// OrdersFromMultiple assigns offsets across a batch of desired orders,
// consuming the opposing buckets most-aggressive price first: buys descending,
// sells ascending. The local buckets are not mutated; the split reflects what
// would happen if every order filled.
func (m *DualSideManager) OrdersFromMultiple(intents []OrderIntent) []OrderIntent {
	longLeft := m.longPosition
	shortLeft := m.shortPosition

	var buys, sells []OrderIntent
	for _, it := range intents {
		switch it.Side {
		case core.SideBuy:
			buys = append(buys, it)
		case core.SideSell:
			sells = append(sells, it)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price.GreaterThan(buys[j].Price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Price.LessThan(sells[j].Price) })

	var out []OrderIntent
	split := func(it OrderIntent, opposing *decimal.Decimal) {
		size := it.Size
		if opposing.IsPositive() {
			closeSize := decimal.Min(size, *opposing)
			*opposing = opposing.Sub(closeSize)
			size = size.Sub(closeSize)
			it.Size = closeSize
			it.Offset = core.OffsetClose
			out = append(out, it)
			if size.IsPositive() {
				it.Size = size
				it.Offset = core.OffsetOpen
				out = append(out, it)
			}
			return
		}
		it.Offset = core.OffsetOpen
		out = append(out, it)
	}

	for _, it := range buys {
		split(it, &shortLeft)
	}
	for _, it := range sells {
		split(it, &longLeft)
	}
	return out
}
