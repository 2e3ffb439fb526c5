// Package position tracks executed position, entry price, realized PnL and
// hit rate per (exchange, symbol). Two accounting models: a single net
// position for one-way venues and separate long/short buckets for two-way
// venues that route every order with an explicit offset.
package position

import (
	"context"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("strategy_engine/trading/position")

var (
	positionGauge, _    = meter.Float64Gauge("position_size")
	realizedPnlGauge, _ = meter.Float64Gauge("realized_pnl")
	hitRateGauge, _     = meter.Float64Gauge("hit_rate")
)

// InventorySink is the slice of inventory accounting positions feed fills
// into. Satisfied by the inventory managers.
type InventorySink interface {
	UpdateExec(globalSymbol string, side core.Side, price, size decimal.Decimal, offset core.Offset)
}

// hitRate tracks winning rounds of realized PnL. Consecutive closes on the
// same side belong to one round; a later fill can flip an already-counted
// round between winning and losing, so the last round is corrected
// retroactively.
type hitRate struct {
	rounds        int
	winningRounds int
	lastPnl       decimal.Decimal
	lastSide      core.Side
	hasLastSide   bool
}

func (h *hitRate) update(side core.Side, pnl decimal.Decimal) {
	if h.hasLastSide && side == h.lastSide {
		if h.lastPnl.IsPositive() {
			h.winningRounds--
		}
		h.lastPnl = h.lastPnl.Add(pnl)
		if h.lastPnl.IsPositive() {
			h.winningRounds++
		}
		return
	}
	h.rounds++
	if pnl.IsPositive() {
		h.winningRounds++
	}
	h.lastPnl = pnl
}

func (h *hitRate) value() float64 {
	if h.rounds == 0 {
		return 0
	}
	return float64(h.winningRounds) / float64(h.rounds)
}

// NetManager keeps one signed position with a blended entry price. A fill
// against the position realizes PnL for the overlapping size and opens a new
// position with any remainder.
type NetManager struct {
	inst       *instrument.Instrument
	pnlInQuote bool

	position decimal.Decimal
	entry    decimal.Decimal
	hasEntry bool

	turnover          decimal.Decimal
	realizedPnl       decimal.Decimal
	realizedPnlMargin decimal.Decimal

	hits hitRate

	openPositionTime time.Time

	inventory InventorySink
	logger    core.ILogger
	attrs     metric.MeasurementOption
}

// NewNetManager builds a net position manager. inventory may be nil.
func NewNetManager(inst *instrument.Instrument, inv InventorySink, logger core.ILogger) *NetManager {
	return &NetManager{
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
}

// AddTrade folds one fill into the position. A fill in the direction of the
// current position opens more; an opposing fill closes the overlap and opens
// any remainder on the other side. affectInventory mirrors the fill into the
// bound inventory manager.
func (m *NetManager) AddTrade(side core.Side, price, size decimal.Decimal, affectInventory bool) {
	openSize := decimal.Zero
	closeSize := decimal.Zero

	switch {
	case m.position.IsZero():
		m.open(price, size, side)
		openSize = size
	case (m.position.IsPositive() && side == core.SideBuy) ||
		(m.position.IsNegative() && side == core.SideSell):
		m.open(price, size, side)
		openSize = size
	default:
		closeSize = m.close(price, size, side)
		if remainder := size.Sub(closeSize); remainder.IsPositive() {
			m.open(price, remainder, side)
			openSize = remainder
		}
	}

	if m.inst.IsInverse() {
		m.turnover = m.turnover.Add(size)
	} else {
		m.turnover = m.turnover.Add(size.Mul(price))
	}

	m.logger.Info("execution applied",
		"side", side, "price", price, "size", size,
		"position", m.position, "entry", m.entry,
		"realized_pnl", m.realizedPnl, "turnover", m.turnover,
		"hit_rate", m.hits.value())
	m.record()

	if m.inventory != nil && affectInventory {
		if openSize.IsPositive() {
			m.inventory.UpdateExec(m.inst.GlobalSymbol, side, price, openSize, core.OffsetOpen)
		}
		if closeSize.IsPositive() {
			m.inventory.UpdateExec(m.inst.GlobalSymbol, side, price, closeSize, core.OffsetClose)
		}
	}

	m.hits.lastSide = side
	m.hits.hasLastSide = true
}

// open blends the fill into the entry price: arithmetic weighting for linear
// contracts, harmonic for inverse ones where PnL is linear in 1/price.
func (m *NetManager) open(price, size decimal.Decimal, side core.Side) {
	if m.position.IsZero() {
		m.entry = price
		m.hasEntry = true
		if side == core.SideBuy {
			m.position = size
		} else {
			m.position = size.Neg()
		}
		m.openPositionTime = time.Now()
		return
	}

	if side == core.SideBuy {
		if m.inst.IsInverse() {
			m.entry = size.Add(m.position).
				Div(size.Div(price).Add(m.position.Div(m.entry)))
		} else {
			m.entry = price.Mul(size).Add(m.position.Mul(m.entry)).
				Div(size.Add(m.position))
		}
		m.position = m.position.Add(size)
	} else {
		if m.inst.IsInverse() {
			m.entry = size.Sub(m.position).
				Div(size.Div(price).Sub(m.position.Div(m.entry)))
		} else {
			m.entry = price.Mul(size).Sub(m.position.Mul(m.entry)).
				Div(size.Sub(m.position))
		}
		m.position = m.position.Sub(size)
	}
	m.openPositionTime = time.Now()
}

// close realizes PnL on the overlap between the fill and the position,
// returning the size actually closed.
func (m *NetManager) close(price, size decimal.Decimal, side core.Side) decimal.Decimal {
	closeSize := decimal.Min(size, m.position.Abs())
	var pnl decimal.Decimal

	if m.position.IsPositive() {
		if m.inst.IsInverse() {
			pnl = closeSize.Div(m.entry).Mul(price).Sub(closeSize)
		} else {
			pnl = closeSize.Mul(price.Sub(m.entry))
		}
		m.position = m.position.Sub(closeSize)
	} else {
		if m.inst.IsInverse() {
			pnl = closeSize.Div(m.entry).Mul(price).Sub(closeSize).Neg()
		} else {
			pnl = closeSize.Mul(m.entry.Sub(price))
		}
		m.position = m.position.Add(closeSize)
	}

	m.hits.update(side, pnl)
	m.realizedPnl = m.realizedPnl.Add(pnl)
	if m.inst.IsInverse() {
		m.realizedPnlMargin = m.realizedPnlMargin.Add(pnl.Div(price))
	} else {
		m.realizedPnlMargin = m.realizedPnlMargin.Add(pnl)
	}
	return closeSize
}

func (m *NetManager) record() {
	ctx := context.Background()
	pos, _ := m.position.Float64()
	pnl, _ := m.realizedPnl.Float64()
	positionGauge.Record(ctx, pos, m.attrs)
	realizedPnlGauge.Record(ctx, pnl, m.attrs)
	hitRateGauge.Record(ctx, m.hits.value(), m.attrs)
}

// Position is the signed net position in order size units.
func (m *NetManager) Position() decimal.Decimal { return m.position }

// EntryPrice is the blended entry. ok is false while flat and never opened.
func (m *NetManager) EntryPrice() (decimal.Decimal, bool) { return m.entry, m.hasEntry }

// RealizedPnl is cumulative, in the quote currency for linear contracts and
// in quote-notional terms for inverse ones.
func (m *NetManager) RealizedPnl() decimal.Decimal { return m.realizedPnl }

// RealizedPnlMargin is realized PnL restated in the margin currency.
func (m *NetManager) RealizedPnlMargin() decimal.Decimal { return m.realizedPnlMargin }

// Turnover is cumulative traded notional (contract count for inverse).
func (m *NetManager) Turnover() decimal.Decimal { return m.turnover }

// HitRate is the fraction of realized rounds that were profitable.
func (m *NetManager) HitRate() float64 { return m.hits.value() }

// OpenPositionTime is when the position was last increased.
func (m *NetManager) OpenPositionTime() time.Time { return m.openPositionTime }

// UnrealizedPnl marks the open position against price.
func (m *NetManager) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	if m.position.IsZero() {
		return decimal.Zero
	}
	if m.inst.IsInverse() {
		return m.position.Div(m.entry).Mul(price).Sub(m.position)
	}
	return m.position.Mul(price.Sub(m.entry))
}

// PositionBase is the position expressed in base currency units.
func (m *NetManager) PositionBase() decimal.Decimal {
	if m.position.IsZero() {
		return decimal.Zero
	}
	if m.inst.IsInverse() {
		return m.position.Div(m.entry)
	}
	return m.position
}

// PositionQuote is the quote currency exposure of the position, negative
// when long.
func (m *NetManager) PositionQuote() decimal.Decimal {
	if m.position.IsZero() {
		return decimal.Zero
	}
	if m.inst.IsInverse() {
		return m.position.Neg()
	}
	return m.position.Mul(m.entry).Neg()
}

// DeltaQuote is quote exposure including realized PnL when PnL settles in
// quote.
func (m *NetManager) DeltaQuote() decimal.Decimal {
	if m.pnlInQuote {
		return m.PositionQuote().Add(m.realizedPnl)
	}
	return m.PositionQuote()
}

// DeltaBase is base exposure including realized PnL when PnL settles in base.
func (m *NetManager) DeltaBase() decimal.Decimal {
	if m.pnlInQuote {
		return m.position
	}
	if m.inst.IsInverse() {
		if m.position.IsZero() {
			return decimal.Zero
		}
		return m.position.Div(m.entry).Add(m.realizedPnlMargin)
	}
	return m.position
}

// LongSize and ShortSize expose the net position as one-sided amounts for
// inventory sizing.
func (m *NetManager) LongSize() decimal.Decimal {
	if m.position.IsPositive() {
		return m.position
	}
	return decimal.Zero
}

func (m *NetManager) ShortSize() decimal.Decimal {
	if m.position.IsNegative() {
		return m.position.Neg()
	}
	return decimal.Zero
}
