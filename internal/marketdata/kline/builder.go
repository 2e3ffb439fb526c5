// Package kline builds fixed-interval OHLCV bars from a trade stream, with
// periodic REST-sourced correction of already-finalized bars.
package kline

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	apperrors "strategy_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// restSupportedFreqs are the bar intervals the REST collaborator serves
// natively, in seconds. Other intervals are downsampled from the largest
// supported divisor.
var restSupportedFreqs = []int{60, 300, 900, 1800, 3600, 4 * 3600, 24 * 3600}

// Bar is one OHLCV window. Time is the window start.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Amount decimal.Decimal
	Count  int64

	hasTrades bool
}

// Empty reports whether no trade has touched the window yet.
func (b Bar) Empty() bool { return !b.hasTrades }

// RestSource fetches authoritative recent bars for reconciliation. An
// external collaborator; failures are transient and never block the
// trade-driven path.
type RestSource interface {
	FetchBars(ctx context.Context, inst *instrument.Instrument, freqSeconds, limit int) ([]Bar, error)
}

// Builder maintains the current open window plus a bounded history of
// finalized windows for one (exchange, symbol, interval, phase-shift).
// Not safe for concurrent mutation.
type Builder struct {
	inst         *instrument.Instrument
	freqSeconds  int
	shiftSeconds int
	maxLength    int

	curr Bar
	bars []Bar // finalized, ascending by Time

	restFreqSeconds int // 0 when REST reconciliation is unavailable
	rest            RestSource

	logger core.ILogger
}

// NewBuilder starts a window covering now. initBars seed the history the way
// a REST preload would.
func NewBuilder(inst *instrument.Instrument, freqSeconds, shiftSeconds, maxLength int, initBars []Bar, rest RestSource, logger core.ILogger, now time.Time) *Builder {
	b := &Builder{
		inst:         inst,
		freqSeconds:  freqSeconds,
		shiftSeconds: shiftSeconds,
		maxLength:    maxLength,
		rest:         rest,
		logger: logger.WithField("component", "kline").
			WithField("symbol", inst.GlobalSymbol).
			WithField("freq_seconds", freqSeconds),
	}
	b.resetWindow(b.RecentWindowStart(now))
	b.restFreqSeconds = resolveRestFreq(freqSeconds, shiftSeconds)
	if b.restFreqSeconds == 0 {
		b.logger.Warn("no supported REST interval, reconciliation disabled")
	}
	if len(initBars) > 0 {
		b.MergeBars(initBars, true)
	}
	return b
}

// Instrument returns the builder's instrument reference.
func (b *Builder) Instrument() *instrument.Instrument { return b.inst }

// FreqSeconds returns the bar interval.
func (b *Builder) FreqSeconds() int { return b.freqSeconds }

// ShiftSeconds returns the phase offset.
func (b *Builder) ShiftSeconds() int { return b.shiftSeconds }

// RestEnabled reports whether REST reconciliation is configured and the
// interval can be served.
func (b *Builder) RestEnabled() bool { return b.rest != nil && b.restFreqSeconds != 0 }

// RecentWindowStart floors t to the interval, shifted by the phase offset.
func (b *Builder) RecentWindowStart(t time.Time) time.Time {
	freq := time.Duration(b.freqSeconds) * time.Second
	start := t.UTC().Truncate(freq).Add(time.Duration(b.shiftSeconds) * time.Second)
	if start.After(t) {
		start = start.Add(-freq)
	}
	return start
}

// NextBoundary is when the current window ends; the rollover timer sleeps
// exactly until then rather than running a fixed-period loop.
func (b *Builder) NextBoundary() time.Time {
	return b.curr.Time.Add(time.Duration(b.freqSeconds) * time.Second)
}

// RestJitterInterval randomizes the REST reconciliation period to about
// 0.8x-1.2x of the bar interval, avoiding synchronized upstream load.
func (b *Builder) RestJitterInterval() time.Duration {
	lo := b.freqSeconds * 8 / 10
	if lo < 1 {
		lo = 1
	}
	hi := b.freqSeconds * 12 / 10
	if hi <= lo {
		hi = lo + 1
	}
	return time.Duration(lo+rand.Intn(hi-lo)) * time.Second
}

func (b *Builder) resetWindow(start time.Time) {
	b.curr = Bar{
		Time:   start,
		Volume: decimal.Zero,
		Amount: decimal.Zero,
	}
}

// UpdateTrade folds one trade into the open window. For inverse contracts
// size is notional, so base volume is derived as size/price*multiplier and
// amount accumulates the notional itself.
func (b *Builder) UpdateTrade(t core.Trade) {
	if !b.curr.hasTrades {
		b.curr.Open = t.Price
		b.curr.High = t.Price
		b.curr.Low = t.Price
		b.curr.hasTrades = true
	} else {
		if t.Price.GreaterThan(b.curr.High) {
			b.curr.High = t.Price
		}
		if t.Price.LessThan(b.curr.Low) {
			b.curr.Low = t.Price
		}
	}
	b.curr.Close = t.Price

	if b.inst.IsInverse() {
		b.curr.Volume = b.curr.Volume.Add(t.Size.Div(t.Price).Mul(b.inst.SizeMultiplier))
		b.curr.Amount = b.curr.Amount.Add(t.Size)
	} else {
		b.curr.Volume = b.curr.Volume.Add(t.Size)
		b.curr.Amount = b.curr.Amount.Add(t.Size.Mul(t.Price))
	}
	b.curr.Count++
}

// FinalizeAndRoll moves the current window into history and opens a fresh
// one starting at nextStart.
func (b *Builder) FinalizeAndRoll(nextStart time.Time) {
	b.storeBar(b.curr)
	b.logger.Info("window finalized",
		"time", b.curr.Time,
		"open", b.curr.Open, "high", b.curr.High, "low", b.curr.Low, "close", b.curr.Close,
		"volume", b.curr.Volume, "count", b.curr.Count)
	b.resetWindow(nextStart)
	b.evict()
}

// Current returns the open window accumulator.
func (b *Builder) Current() Bar { return b.curr }

// Bars returns the finalized history, oldest first.
func (b *Builder) Bars() []Bar {
	return append([]Bar(nil), b.bars...)
}

// MergeBars backfills or corrects finalized bars. The currently open window
// is replaced only when replaceCurrent is set (used for init preloads, never
// for REST reconciliation).
func (b *Builder) MergeBars(bars []Bar, replaceCurrent bool) {
	for _, bar := range bars {
		switch {
		case bar.Time.Before(b.curr.Time):
			b.storeBar(bar)
		case bar.Time.Equal(b.curr.Time) && replaceCurrent:
			bar.hasTrades = true
			b.curr = bar
		}
	}
	b.evict()
}

// OnKlineBar merges one exchange-pushed finalized bar. Pushed bars never
// affect the open window, and bars older than the whole retained history are
// ignored once the ring is full.
func (b *Builder) OnKlineBar(k core.KlineBar) {
	if b.shiftSeconds != 0 {
		b.logger.Warn("exchange bars ignored with non-zero phase shift")
		return
	}
	start := time.UnixMicro(k.StartMicros).UTC()
	if !start.Before(b.curr.Time) {
		return
	}
	if _, exists := b.findBar(start); !exists {
		if len(b.bars) >= b.maxLength && len(b.bars) > 0 && !start.After(b.bars[0].Time) {
			return
		}
	}
	b.storeBar(Bar{
		Time:      start,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Amount:    k.Amount,
		Count:     k.Count,
		hasTrades: true,
	})
	b.evict()
}

func (b *Builder) findBar(t time.Time) (int, bool) {
	i := sort.Search(len(b.bars), func(i int) bool { return !b.bars[i].Time.Before(t) })
	if i < len(b.bars) && b.bars[i].Time.Equal(t) {
		return i, true
	}
	return i, false
}

func (b *Builder) storeBar(bar Bar) {
	bar.hasTrades = true
	i, exists := b.findBar(bar.Time)
	if exists {
		b.bars[i] = bar
		return
	}
	b.bars = append(b.bars, Bar{})
	copy(b.bars[i+1:], b.bars[i:])
	b.bars[i] = bar
}

func (b *Builder) evict() {
	for len(b.bars) > b.maxLength {
		b.bars = b.bars[1:]
	}
}

// SyncFromRest fetches authoritative recent bars and merges them in,
// downsampling when the configured interval is not natively served. Only
// bars fully closed before now are merged; the open window is never touched.
func (b *Builder) SyncFromRest(ctx context.Context, now time.Time) error {
	if b.rest == nil || b.restFreqSeconds == 0 {
		return apperrors.ErrIntervalNotSupported
	}

	limit := 5 * (b.freqSeconds / b.restFreqSeconds)
	if limit < 5 {
		limit = 5
	}
	bars, err := b.rest.FetchBars(ctx, b.inst, b.restFreqSeconds, limit)
	if err != nil {
		return err
	}

	if b.restFreqSeconds != b.freqSeconds {
		bars = Resample(bars, b.freqSeconds, b.shiftSeconds)
	}
	if len(bars) > 0 {
		bars = bars[1:] // first resampled bucket may be partial
	}

	freq := time.Duration(b.freqSeconds) * time.Second
	closed := bars[:0]
	for _, bar := range bars {
		if bar.Time.Add(freq).Before(now) {
			closed = append(closed, bar)
		}
	}
	b.MergeBars(closed, false)
	b.logger.Info("bars reconciled from REST", "rest_freq_seconds", b.restFreqSeconds, "merged", len(closed))
	return nil
}

// Resample downsamples bars to a coarser interval: open=first, high=max,
// low=min, close=last, volume/amount/count summed. Input must be ascending.
func Resample(bars []Bar, freqSeconds, shiftSeconds int) []Bar {
	if len(bars) == 0 {
		return nil
	}
	freq := time.Duration(freqSeconds) * time.Second
	shift := time.Duration(shiftSeconds) * time.Second

	var out []Bar
	var cur *Bar
	for _, bar := range bars {
		bucket := bar.Time.Add(-shift).Truncate(freq).Add(shift)
		if cur == nil || !cur.Time.Equal(bucket) {
			if cur != nil {
				out = append(out, *cur)
			}
			c := bar
			c.Time = bucket
			c.hasTrades = true
			cur = &c
			continue
		}
		if bar.High.GreaterThan(cur.High) {
			cur.High = bar.High
		}
		if bar.Low.LessThan(cur.Low) {
			cur.Low = bar.Low
		}
		cur.Close = bar.Close
		cur.Volume = cur.Volume.Add(bar.Volume)
		cur.Amount = cur.Amount.Add(bar.Amount)
		cur.Count += bar.Count
	}
	out = append(out, *cur)
	return out
}

// resolveRestFreq picks the REST interval to fetch: the interval itself when
// natively supported, otherwise the largest supported divisor. Zero when the
// interval cannot be served.
func resolveRestFreq(freqSeconds, shiftSeconds int) int {
	if shiftSeconds%60 != 0 {
		return 0
	}
	best := 0
	for _, s := range restSupportedFreqs {
		if s == freqSeconds {
			return s
		}
		if s < freqSeconds && freqSeconds%s == 0 && s > best {
			best = s
		}
	}
	return best
}
