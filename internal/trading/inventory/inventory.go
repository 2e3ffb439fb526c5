// Package inventory tracks per-currency balances and answers how much can
// still be ordered. Three managers cover the account models: plain spot
// balances, inverse-margin derivatives where the base currency collateralizes
// notional-sized contracts, and mixed-margin venues carrying both linear and
// inverse contracts.
package inventory

import (
	"strings"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"

	"github.com/shopspring/decimal"
)

// leverageHaircut keeps a safety buffer below the venue's maximum leverage.
var leverageHaircut = decimal.NewFromFloat(0.95)

// PositionSource exposes open position size so that available size on one
// side can be augmented by the position it would close on the other.
// Implemented by position managers; kept as an interface here so inventory
// never depends on position accounting.
type PositionSource interface {
	LongSize() decimal.Decimal
	ShortSize() decimal.Decimal
}

// Manager answers sizing questions and mirrors order lifecycle into frozen
// balances. Implementations are not safe for concurrent use.
type Manager interface {
	// AvailableSize is how much could be ordered on side at price, in order
	// size units. useEmergent includes the reserve normally held back.
	AvailableSize(globalSymbol string, side core.Side, price decimal.Decimal, useEmergent bool) decimal.Decimal
	// RequiredInventory is the extra margin currency needed to place an order
	// of newOrderSize, zero when current balances already cover it.
	RequiredInventory(newOrderSize decimal.Decimal, globalSymbol string, side core.Side, price decimal.Decimal) decimal.Decimal

	Freeze(order *core.ClientOrder)
	Release(order *core.ClientOrder)
	UpdateExec(globalSymbol string, side core.Side, price, size decimal.Decimal, offset core.Offset)

	AppendBalance(ccy string, size decimal.Decimal)
	SetBalance(ccy string, size decimal.Decimal)
	SetEmergentBalance(ccy string, size decimal.Decimal)
	Delta(ccy string) decimal.Decimal
	ExchangeInventoryUpdateTo(ccy string, size decimal.Decimal)

	Available(ccy string) decimal.Decimal
	Frozen(ccy string) decimal.Decimal
}

// book is the balance bookkeeping shared by every manager flavor.
type book struct {
	exchange string
	ref      *instrument.Reference

	initial        map[string]decimal.Decimal
	available      map[string]decimal.Decimal
	frozen         map[string]decimal.Decimal
	exchangeFrozen map[string]decimal.Decimal
	emergent       map[string]decimal.Decimal

	logger core.ILogger
}

func newBook(exchange string, ref *instrument.Reference, balances, emergent map[string]decimal.Decimal, logger core.ILogger) book {
	b := book{
		exchange:       exchange,
		ref:            ref,
		initial:        make(map[string]decimal.Decimal),
		available:      make(map[string]decimal.Decimal),
		frozen:         make(map[string]decimal.Decimal),
		exchangeFrozen: make(map[string]decimal.Decimal),
		emergent:       make(map[string]decimal.Decimal),
		logger:         logger.WithField("component", "inventory").WithField("exchange", exchange),
	}
	for ccy, size := range balances {
		b.initial[ccy] = size
		b.available[ccy] = size
	}
	for ccy, size := range emergent {
		b.emergent[ccy] = size
	}
	return b
}

func (b *book) inst(globalSymbol string) (*instrument.Instrument, bool) {
	inst, err := b.ref.Get(b.exchange, globalSymbol)
	if err != nil {
		b.logger.Error("unknown instrument", "symbol", globalSymbol, "error", err)
		return nil, false
	}
	return inst, true
}

func (b *book) get(m map[string]decimal.Decimal, ccy string) decimal.Decimal {
	return m[ccy] // zero value is decimal zero
}

func (b *book) add(m map[string]decimal.Decimal, ccy string, delta decimal.Decimal) {
	m[ccy] = m[ccy].Add(delta)
}

// moveToFrozen shifts amount from available to frozen without clamping; a
// negative available balance surfaces over-commitment instead of hiding it.
func (b *book) moveToFrozen(ccy string, amount decimal.Decimal) {
	b.add(b.available, ccy, amount.Neg())
	b.add(b.frozen, ccy, amount)
}

// releaseFrozen returns up to amount from frozen back to available, clamped
// so the frozen balance never goes negative.
func (b *book) releaseFrozen(ccy string, amount decimal.Decimal) {
	release := decimal.Min(amount, b.get(b.frozen, ccy))
	if !release.IsPositive() {
		return
	}
	b.add(b.frozen, ccy, release.Neg())
	b.add(b.available, ccy, release)
}

func (b *book) AppendBalance(ccy string, size decimal.Decimal) {
	b.add(b.available, ccy, size)
	b.logger.Info("balance appended", "ccy", ccy, "delta", size, "available", b.get(b.available, ccy))
}

func (b *book) SetBalance(ccy string, size decimal.Decimal) {
	b.available[ccy] = size
	b.logger.Info("balance set", "ccy", ccy, "available", size)
}

func (b *book) SetEmergentBalance(ccy string, size decimal.Decimal) {
	if size.IsNegative() {
		b.logger.Error("negative emergent balance ignored", "ccy", ccy, "size", size)
		return
	}
	b.emergent[ccy] = size
	b.logger.Info("emergent balance set", "ccy", ccy, "size", size)
}

// Delta is the available balance drift since construction.
func (b *book) Delta(ccy string) decimal.Decimal {
	return b.get(b.available, ccy).Sub(b.get(b.initial, ccy))
}

// ExchangeInventoryUpdateTo reconciles the local available balance toward the
// exchange-reported one: a surplus is parked in a separate exchange-frozen
// bucket, a deficit released from it. Only previously parked funds can be
// released, so strategy frozen balances are never touched.
func (b *book) ExchangeInventoryUpdateTo(ccy string, size decimal.Decimal) {
	avail := b.get(b.available, ccy)
	switch {
	case avail.GreaterThan(size):
		toFreeze := avail.Sub(size)
		b.add(b.exchangeFrozen, ccy, toFreeze)
		b.add(b.available, ccy, toFreeze.Neg())
		b.logger.Info("inventory frozen down to exchange-reported level",
			"ccy", ccy, "frozen", toFreeze, "available", size, "locked", b.get(b.exchangeFrozen, ccy))
	case avail.LessThan(size):
		toRelease := decimal.Min(size.Sub(avail), b.get(b.exchangeFrozen, ccy))
		if toRelease.IsPositive() {
			b.add(b.exchangeFrozen, ccy, toRelease.Neg())
			b.add(b.available, ccy, toRelease)
			b.logger.Info("inventory released up toward exchange-reported level",
				"ccy", ccy, "released", toRelease, "available", b.get(b.available, ccy), "locked", b.get(b.exchangeFrozen, ccy))
		}
	}
}

func (b *book) Available(ccy string) decimal.Decimal { return b.get(b.available, ccy) }
func (b *book) Frozen(ccy string) decimal.Decimal    { return b.get(b.frozen, ccy) }

func (b *book) logBalances() {
	var parts []string
	for ccy, size := range b.available {
		parts = append(parts, ccy+"="+size.String())
	}
	b.logger.Debug("available balances", "balances", strings.Join(parts, ", "))
}

// Spot tracks real base and quote currency holdings. Buys spend quote and
// acquire base; there is no leverage and no position.
type Spot struct {
	book
}

// NewSpot builds a spot manager seeded with the given available balances.
func NewSpot(exchange string, ref *instrument.Reference, balances, emergent map[string]decimal.Decimal, logger core.ILogger) *Spot {
	return &Spot{book: newBook(exchange, ref, balances, emergent, logger)}
}

func (s *Spot) AvailableSize(globalSymbol string, side core.Side, price decimal.Decimal, useEmergent bool) decimal.Decimal {
	inst, ok := s.inst(globalSymbol)
	if !ok {
		return decimal.Zero
	}

	var bal decimal.Decimal
	ccy := inst.Base
	if side == core.SideBuy {
		ccy = inst.Quote
	}
	bal = s.get(s.available, ccy)
	if !useEmergent {
		bal = bal.Sub(s.get(s.emergent, ccy))
	}
	if bal.IsNegative() {
		bal = decimal.Zero
	}

	if side == core.SideBuy {
		if !price.IsPositive() {
			return decimal.Zero
		}
		return bal.Div(price).Div(inst.SizeMultiplier)
	}
	return bal.Div(inst.SizeMultiplier)
}

func (s *Spot) RequiredInventory(newOrderSize decimal.Decimal, globalSymbol string, side core.Side, price decimal.Decimal) decimal.Decimal {
	available := s.AvailableSize(globalSymbol, side, price, false)
	if newOrderSize.LessThanOrEqual(available) {
		return decimal.Zero
	}
	inst, ok := s.inst(globalSymbol)
	if !ok {
		return decimal.Zero
	}
	short := newOrderSize.Sub(available).Mul(inst.SizeMultiplier)
	if side == core.SideBuy {
		return short.Mul(price)
	}
	return short
}

func (s *Spot) Freeze(order *core.ClientOrder) {
	inst, ok := s.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	if order.Side == core.SideBuy {
		s.moveToFrozen(inst.Quote, order.Size.Mul(order.Price))
	} else {
		s.moveToFrozen(inst.Base, order.Size)
	}
}

func (s *Spot) Release(order *core.ClientOrder) {
	inst, ok := s.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	if order.Side == core.SideBuy {
		s.releaseFrozen(inst.Quote, order.RemainingSize.Mul(order.Price))
	} else {
		s.releaseFrozen(inst.Base, order.RemainingSize)
	}
}

// UpdateExec settles one fill: the traded base and quote amounts move between
// the two real holdings and the matching frozen reservation is released.
func (s *Spot) UpdateExec(globalSymbol string, side core.Side, price, size decimal.Decimal, _ core.Offset) {
	inst, ok := s.inst(globalSymbol)
	if !ok {
		return
	}
	notional := size.Mul(price)
	if side == core.SideBuy {
		s.add(s.available, inst.Base, size)
		s.add(s.available, inst.Quote, notional.Neg())
		s.releaseFrozen(inst.Quote, notional)
	} else {
		s.add(s.available, inst.Base, size.Neg())
		s.add(s.available, inst.Quote, notional)
		s.releaseFrozen(inst.Base, size)
	}
	s.logBalances()
}

// marginFor computes the collateral an order of size at price requires.
// Quote-margined linear contracts scale with notional, base-margined inverse
// contracts with notional over price.
func marginFor(inst *instrument.Instrument, size, price, leverage decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero
	}
	if inst.QuoteAsMargin {
		return inst.SizeMultiplier.Mul(size).Mul(price).Div(leverage)
	}
	return inst.SizeMultiplier.Mul(size).Div(price).Div(leverage)
}

// InverseMargin manages derivative venues where every contract is inverse and
// collateralized by its base currency. A single dual-side position source may
// be bound so closable size is offered back.
type InverseMargin struct {
	book
	leverage decimal.Decimal
	position PositionSource
}

// NewInverseMargin builds an inverse-margin manager. maxLeverage is reduced
// by a small haircut so sizing never reaches the venue's hard limit.
func NewInverseMargin(exchange string, ref *instrument.Reference, balances, emergent map[string]decimal.Decimal, maxLeverage decimal.Decimal, logger core.ILogger) *InverseMargin {
	return &InverseMargin{
		book:     newBook(exchange, ref, balances, emergent, logger),
		leverage: maxLeverage.Mul(leverageHaircut),
	}
}

// BindPositionSource attaches the dual-side position used to augment
// available size with the closable amount.
func (m *InverseMargin) BindPositionSource(src PositionSource) {
	m.position = src
}

func (m *InverseMargin) AvailableSize(globalSymbol string, side core.Side, price decimal.Decimal, useEmergent bool) decimal.Decimal {
	inst, ok := m.inst(globalSymbol)
	if !ok {
		return decimal.Zero
	}
	bal := m.get(m.available, inst.Base)
	if !useEmergent {
		bal = bal.Sub(m.get(m.emergent, inst.Base))
	}
	if bal.IsNegative() {
		bal = decimal.Zero
	}
	size := bal.Mul(m.leverage).Mul(price).Div(inst.SizeMultiplier)

	if m.position != nil {
		if side == core.SideBuy {
			size = size.Add(m.position.ShortSize())
		} else {
			size = size.Add(m.position.LongSize())
		}
	}
	return size
}

func (m *InverseMargin) RequiredInventory(newOrderSize decimal.Decimal, globalSymbol string, side core.Side, price decimal.Decimal) decimal.Decimal {
	available := m.AvailableSize(globalSymbol, side, price, false)
	if newOrderSize.LessThanOrEqual(available) {
		return decimal.Zero
	}
	inst, ok := m.inst(globalSymbol)
	if !ok || !price.IsPositive() {
		return decimal.Zero
	}
	return newOrderSize.Sub(available).Mul(inst.SizeMultiplier).Div(price).Div(m.leverage)
}

func (m *InverseMargin) Freeze(order *core.ClientOrder) {
	inst, ok := m.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	m.moveToFrozen(inst.Base, marginFor(inst, order.Size, order.Price, m.leverage))
}

func (m *InverseMargin) Release(order *core.ClientOrder) {
	inst, ok := m.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	m.releaseFrozen(inst.Base, marginFor(inst, order.RemainingSize, order.Price, m.leverage))
}

// UpdateExec moves margin for a fill: opens lock collateral, closes free it.
// Both directions are clamped so neither bucket goes negative.
func (m *InverseMargin) UpdateExec(globalSymbol string, side core.Side, price, size decimal.Decimal, offset core.Offset) {
	inst, ok := m.inst(globalSymbol)
	if !ok {
		return
	}
	applyMarginExec(&m.book, inst.Base, marginFor(inst, size, price, m.leverage), offset)
}

// MixedMargin manages venues that list linear and inverse contracts side by
// side; the margin currency follows each instrument's own flags. Position
// sources are bound per symbol.
type MixedMargin struct {
	book
	leverage  decimal.Decimal
	positions map[string]PositionSource
}

// NewMixedMargin builds a mixed-margin manager with the same leverage haircut
// as the inverse flavor.
func NewMixedMargin(exchange string, ref *instrument.Reference, balances, emergent map[string]decimal.Decimal, maxLeverage decimal.Decimal, logger core.ILogger) *MixedMargin {
	return &MixedMargin{
		book:      newBook(exchange, ref, balances, emergent, logger),
		leverage:  maxLeverage.Mul(leverageHaircut),
		positions: make(map[string]PositionSource),
	}
}

// BindPositionSource attaches the per-symbol position used to augment
// available size with the closable amount.
func (m *MixedMargin) BindPositionSource(globalSymbol string, src PositionSource) {
	m.positions[globalSymbol] = src
}

func (m *MixedMargin) AvailableSize(globalSymbol string, side core.Side, price decimal.Decimal, useEmergent bool) decimal.Decimal {
	inst, ok := m.inst(globalSymbol)
	if !ok || !price.IsPositive() {
		return decimal.Zero
	}

	ccy := inst.Base
	if inst.QuoteAsMargin {
		ccy = inst.Quote
	}
	bal := m.get(m.available, ccy)
	if !useEmergent {
		bal = bal.Sub(m.get(m.emergent, ccy))
	}
	if bal.IsNegative() {
		bal = decimal.Zero
	}

	var size decimal.Decimal
	if inst.QuoteAsMargin {
		size = bal.Mul(m.leverage).Div(price).Div(inst.SizeMultiplier)
	} else {
		size = bal.Mul(m.leverage).Mul(price).Div(inst.SizeMultiplier)
	}

	if src, ok := m.positions[globalSymbol]; ok && src != nil {
		if side == core.SideBuy {
			size = size.Add(src.ShortSize())
		} else {
			size = size.Add(src.LongSize())
		}
	}
	return size
}

func (m *MixedMargin) RequiredInventory(newOrderSize decimal.Decimal, globalSymbol string, side core.Side, price decimal.Decimal) decimal.Decimal {
	available := m.AvailableSize(globalSymbol, side, price, false)
	if newOrderSize.LessThanOrEqual(available) {
		return decimal.Zero
	}
	inst, ok := m.inst(globalSymbol)
	if !ok || !price.IsPositive() {
		return decimal.Zero
	}
	short := newOrderSize.Sub(available).Mul(inst.SizeMultiplier)
	if inst.QuoteAsMargin {
		return short.Mul(price).Div(m.leverage)
	}
	return short.Div(price).Div(m.leverage)
}

func (m *MixedMargin) Freeze(order *core.ClientOrder) {
	inst, ok := m.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	m.moveToFrozen(inst.PnlCcy, marginFor(inst, order.Size, order.Price, m.leverage))
}

func (m *MixedMargin) Release(order *core.ClientOrder) {
	inst, ok := m.inst(order.GlobalSymbol)
	if !ok {
		return
	}
	m.releaseFrozen(inst.PnlCcy, marginFor(inst, order.RemainingSize, order.Price, m.leverage))
}

func (m *MixedMargin) UpdateExec(globalSymbol string, side core.Side, price, size decimal.Decimal, offset core.Offset) {
	inst, ok := m.inst(globalSymbol)
	if !ok {
		return
	}
	applyMarginExec(&m.book, inst.PnlCcy, marginFor(inst, size, price, m.leverage), offset)
}

// applyMarginExec settles fill margin in one currency: opens move collateral
// into frozen, closes move it back, both clamped to what the source bucket
// actually holds.
func applyMarginExec(b *book, ccy string, margin decimal.Decimal, offset core.Offset) {
	switch offset {
	case core.OffsetOpen:
		margin = clampNonNegative(decimal.Min(margin, b.get(b.available, ccy)))
		b.add(b.available, ccy, margin.Neg())
		b.add(b.frozen, ccy, margin)
	case core.OffsetClose:
		margin = clampNonNegative(decimal.Min(margin, b.get(b.frozen, ccy)))
		b.add(b.available, ccy, margin)
		b.add(b.frozen, ccy, margin.Neg())
	}
	b.logger.Debug("margin settled", "ccy", ccy, "available", b.get(b.available, ccy), "frozen", b.get(b.frozen, ccy))
}

func clampNonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
