// Package instrument holds static per-exchange contract metadata, loaded
// once at startup from a reference file and shared read-only by reference.
package instrument

import (
	"fmt"
	"os"

	"strategy_engine/internal/core"
	apperrors "strategy_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Instrument is immutable reference data for one tradable symbol.
type Instrument struct {
	Exchange     string
	GlobalSymbol string
	Symbol       string // exchange-native
	SymbolType   core.SymbolType

	TickSize       decimal.Decimal
	LotSize        decimal.Decimal
	MinOrderSize   decimal.Decimal
	MinOrderValue  decimal.Decimal
	SizeMultiplier decimal.Decimal

	Base          string // price currency
	Quote         string // price quote currency
	SizeCcy       string
	BaseAsMargin  bool
	QuoteAsMargin bool
	PnlCcy        string
	TwoWay        bool
}

// IsDerivative reports whether the instrument carries a position.
func (i *Instrument) IsDerivative() bool {
	return i.SymbolType.Derivative()
}

// IsInverse reports whether the contract is priced in the quote currency but
// sized in it too, making PnL harmonic in price.
func (i *Instrument) IsInverse() bool {
	return i.IsDerivative() && i.Quote == i.SizeCcy
}

// SizeIsValue reports whether order size is denominated in notional rather
// than base units. True for inverse contracts.
func (i *Instrument) SizeIsValue() bool {
	return i.IsInverse()
}

// row is the reference-file schema. The schema is an external contract owned
// by the reference store, not by this engine.
type row struct {
	Exchange       string `yaml:"exchange"`
	GlobalSymbol   string `yaml:"global_symbol"`
	ExchangeSymbol string `yaml:"exchange_symbol"`
	SymbolType     string `yaml:"symbol_type"`
	TickSize       string `yaml:"tick_size"`
	LotSize        string `yaml:"order_size_incremental"`
	MinOrderSize   string `yaml:"min_order_size"`
	MinOrderValue  string `yaml:"min_order_size_in_value"`
	SizeMultiplier string `yaml:"size_multiplier"`
	PriceCcy       string `yaml:"price_ccy"`
	PriceQuoteCcy  string `yaml:"price_quote_ccy"`
	SizeCcy        string `yaml:"size_ccy"`
	BaseAsMargin   bool   `yaml:"base_as_margin"`
	QuoteAsMargin  bool   `yaml:"quote_as_margin"`
	TwoWay         bool   `yaml:"two_way"`
}

// Reference indexes instruments by (exchange, global symbol) and by
// (exchange, exchange-native symbol).
type Reference struct {
	byGlobal map[string]map[string]*Instrument
	bySymbol map[string]map[string]*Instrument
}

// NewReference builds an empty reference.
func NewReference() *Reference {
	return &Reference{
		byGlobal: make(map[string]map[string]*Instrument),
		bySymbol: make(map[string]map[string]*Instrument),
	}
}

// LoadFile reads the YAML reference table. Any malformed row is fatal: a
// broken instrument reference is a startup configuration fault, never a
// runtime one.
func LoadFile(path string) (*Reference, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol reference: %w", err)
	}
	var rows []row
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse symbol reference: %w", err)
	}

	ref := NewReference()
	for i := range rows {
		inst, err := rows[i].toInstrument()
		if err != nil {
			return nil, fmt.Errorf("symbol reference row %d: %w", i, err)
		}
		ref.Add(inst)
	}
	return ref, nil
}

func (r row) toInstrument() (*Instrument, error) {
	st, ok := core.ParseSymbolType(r.SymbolType)
	if !ok {
		return nil, fmt.Errorf("unknown symbol_type %q", r.SymbolType)
	}

	parse := func(name, s, fallback string) (decimal.Decimal, error) {
		if s == "" {
			s = fallback
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad %s %q", name, s)
		}
		return d, nil
	}

	tick, err := parse("tick_size", r.TickSize, "")
	if err != nil {
		return nil, err
	}
	lot, err := parse("order_size_incremental", r.LotSize, "")
	if err != nil {
		return nil, err
	}
	minSize, err := parse("min_order_size", r.MinOrderSize, "0")
	if err != nil {
		return nil, err
	}
	minValue, err := parse("min_order_size_in_value", r.MinOrderValue, "0")
	if err != nil {
		return nil, err
	}
	mult, err := parse("size_multiplier", r.SizeMultiplier, "1")
	if err != nil {
		return nil, err
	}

	inst := &Instrument{
		Exchange:       r.Exchange,
		GlobalSymbol:   r.GlobalSymbol,
		Symbol:         r.ExchangeSymbol,
		SymbolType:     st,
		TickSize:       tick,
		LotSize:        lot,
		MinOrderSize:   minSize,
		MinOrderValue:  minValue,
		SizeMultiplier: mult,
		Base:           r.PriceCcy,
		Quote:          r.PriceQuoteCcy,
		SizeCcy:        r.SizeCcy,
		BaseAsMargin:   r.BaseAsMargin,
		QuoteAsMargin:  r.QuoteAsMargin,
		TwoWay:         r.TwoWay,
	}

	switch {
	case inst.QuoteAsMargin:
		inst.PnlCcy = inst.Quote
	case inst.BaseAsMargin:
		inst.PnlCcy = inst.Base
	default:
		inst.PnlCcy = inst.Quote
	}
	return inst, nil
}

// Add registers an instrument under both indexes.
func (r *Reference) Add(inst *Instrument) {
	if r.byGlobal[inst.Exchange] == nil {
		r.byGlobal[inst.Exchange] = make(map[string]*Instrument)
		r.bySymbol[inst.Exchange] = make(map[string]*Instrument)
	}
	r.byGlobal[inst.Exchange][inst.GlobalSymbol] = inst
	r.bySymbol[inst.Exchange][inst.Symbol] = inst
}

// Get looks up by global symbol.
func (r *Reference) Get(exchange, globalSymbol string) (*Instrument, error) {
	m, ok := r.byGlobal[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedExchange, exchange)
	}
	inst, ok := m[globalSymbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrInstrumentNotFound, exchange, globalSymbol)
	}
	return inst, nil
}

// GetBySymbol looks up by exchange-native symbol.
func (r *Reference) GetBySymbol(exchange, symbol string) (*Instrument, error) {
	m, ok := r.bySymbol[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedExchange, exchange)
	}
	inst, ok := m[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrInstrumentNotFound, exchange, symbol)
	}
	return inst, nil
}

// SymbolsInQuote lists global symbols quoted in the given currency.
func (r *Reference) SymbolsInQuote(exchange, quoteCcy string) []string {
	var out []string
	for sym, inst := range r.byGlobal[exchange] {
		if inst.Quote == quoteCcy {
			out = append(out, sym)
		}
	}
	return out
}
