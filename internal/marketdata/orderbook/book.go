// Package orderbook maintains a sequence-consistent local order book from a
// mix of full snapshots, incremental diffs, top-of-book tickers and inferred
// depletion from trade prints. None of the feeds is individually reliable;
// sequence numbers, not arrival order, decide what is applied.
package orderbook

import (
	"strategy_engine/internal/core"

	"github.com/shopspring/decimal"
)

// maxGapBuffer bounds the diff replay buffer. When a sequence gap cannot be
// closed within this many buffered diffs the book is invalidated and a fresh
// snapshot is requested.
const maxGapBuffer = 64

// Book is the per-(exchange, symbol) order book. Not safe for concurrent
// mutation; the engine touches it from a single goroutine only.
type Book struct {
	exchange     string
	globalSymbol string

	bids []core.PriceLevel // descending by price
	asks []core.PriceLevel // ascending by price

	seq      int64
	hasSeq   bool
	lastKind core.UpdateKind
	token    core.Token

	corrupt   bool
	gapBuffer []core.Diff

	resnapshot core.ResnapshotFunc
	logger     core.ILogger
}

// New creates an empty book. It is unusable until the first snapshot.
func New(exchange, globalSymbol string, logger core.ILogger) *Book {
	return &Book{
		exchange:     exchange,
		globalSymbol: globalSymbol,
		logger: logger.WithField("component", "orderbook").
			WithField("exchange", exchange).
			WithField("symbol", globalSymbol),
	}
}

// OnResnapshotNeeded registers the callback invoked when a sequence gap
// cannot be closed from the replay buffer.
func (b *Book) OnResnapshotNeeded(fn core.ResnapshotFunc) {
	b.resnapshot = fn
}

// ApplySnapshot replaces the whole book and clears any buffered diffs.
func (b *Book) ApplySnapshot(s core.Snapshot) {
	b.bids = append(b.bids[:0], s.Bids...)
	b.asks = append(b.asks[:0], s.Asks...)
	b.seq = s.Seq
	b.hasSeq = true
	b.lastKind = core.UpdateKindSnapshot
	b.token = s.Token
	b.corrupt = false
	b.gapBuffer = b.gapBuffer[:0]

	if !b.levelsWellFormed(s.Bids) || !b.levelsWellFormed(s.Asks) {
		b.markCorrupt("malformed snapshot levels")
		return
	}
	b.logger.Debug("snapshot applied", "seq", s.Seq, "bids", len(b.bids), "asks", len(b.asks))
}

// ApplyDiff folds an incremental update into the book. Stale diffs
// (seq <= local seq) are dropped. A diff whose PrevSeq does not extend the
// local sequence is buffered and replayed once the gap closes; if the gap
// cannot be closed within the buffer bound, the book is invalidated and a
// resnapshot is requested.
func (b *Book) ApplyDiff(d core.Diff) {
	if b.hasSeq && d.Seq <= b.seq {
		b.logger.Debug("stale diff dropped", "seq", d.Seq, "local_seq", b.seq)
		return
	}

	if b.hasSeq && d.PrevSeq != 0 && d.PrevSeq != b.seq {
		b.bufferDiff(d)
		return
	}

	b.applyDiffLevels(d)
	b.drainGapBuffer()
}

func (b *Book) bufferDiff(d core.Diff) {
	if len(b.gapBuffer) >= maxGapBuffer {
		b.logger.Warn("gap buffer overflow, requesting snapshot",
			"local_seq", b.seq, "diff_seq", d.Seq, "diff_prev_seq", d.PrevSeq)
		b.markCorrupt("unclosable sequence gap")
		b.gapBuffer = b.gapBuffer[:0]
		if b.resnapshot != nil {
			b.resnapshot(b.exchange, b.globalSymbol)
		}
		return
	}
	b.gapBuffer = append(b.gapBuffer, d)
	b.logger.Debug("diff buffered on gap",
		"local_seq", b.seq, "diff_seq", d.Seq, "diff_prev_seq", d.PrevSeq, "buffered", len(b.gapBuffer))
}

func (b *Book) drainGapBuffer() {
	progress := true
	for progress && len(b.gapBuffer) > 0 {
		progress = false
		for i := range b.gapBuffer {
			d := b.gapBuffer[i]
			if d.Seq <= b.seq {
				// superseded while buffered
				b.gapBuffer = append(b.gapBuffer[:i], b.gapBuffer[i+1:]...)
				progress = true
				break
			}
			if d.PrevSeq == b.seq {
				b.gapBuffer = append(b.gapBuffer[:i], b.gapBuffer[i+1:]...)
				b.applyDiffLevels(d)
				progress = true
				break
			}
		}
	}
}

func (b *Book) applyDiffLevels(d core.Diff) {
	if !b.levelsWellFormed(d.Bids) || !b.levelsWellFormed(d.Asks) {
		b.markCorrupt("malformed diff levels")
		return
	}

	for _, lvl := range d.Bids {
		b.bids = upsertLevel(b.bids, lvl, func(incoming, local decimal.Decimal) bool {
			return incoming.GreaterThan(local)
		})
	}
	for _, lvl := range d.Asks {
		b.asks = upsertLevel(b.asks, lvl, func(incoming, local decimal.Decimal) bool {
			return incoming.LessThan(local)
		})
	}

	b.seq = d.Seq
	b.hasSeq = true
	b.lastKind = core.UpdateKindDiff
	b.token = d.Token
}

// upsertLevel inserts, updates or removes one ladder level, preserving sort
// order. before reports whether the incoming price sorts ahead of the local
// one on this side.
func upsertLevel(ladder []core.PriceLevel, lvl core.PriceLevel, before func(incoming, local decimal.Decimal) bool) []core.PriceLevel {
	for i := range ladder {
		if before(lvl.Price, ladder[i].Price) {
			if lvl.Size.IsPositive() {
				ladder = append(ladder, core.PriceLevel{})
				copy(ladder[i+1:], ladder[i:])
				ladder[i] = lvl
			}
			return ladder
		}
		if lvl.Price.Equal(ladder[i].Price) {
			if lvl.Size.IsPositive() {
				ladder[i].Size = lvl.Size
			} else {
				ladder = append(ladder[:i], ladder[i+1:]...)
			}
			return ladder
		}
	}
	if lvl.Size.IsPositive() {
		ladder = append(ladder, lvl)
	}
	return ladder
}

// ApplyTicker trims and restates the top of book on both sides. Accepted
// with seq >= local seq, not strict >, because tickers commonly restate the
// same top level.
func (b *Book) ApplyTicker(t core.Ticker) {
	if b.hasSeq && t.Seq < b.seq {
		b.logger.Debug("stale ticker dropped", "seq", t.Seq, "local_seq", b.seq)
		return
	}
	if t.Bid1P.Sign() <= 0 || t.Ask1P.Sign() <= 0 || t.Bid1S.Sign() < 0 || t.Ask1S.Sign() < 0 {
		b.markCorrupt("malformed ticker")
		return
	}

	b.asks = applyTopOfBook(b.asks, t.Ask1P, t.Ask1S, func(p, top decimal.Decimal) bool {
		return p.LessThan(top)
	})
	b.bids = applyTopOfBook(b.bids, t.Bid1P, t.Bid1S, func(p, top decimal.Decimal) bool {
		return p.GreaterThan(top)
	})

	b.seq = t.Seq
	b.hasSeq = true
	b.lastKind = core.UpdateKindTicker
	b.token = t.Token
}

// applyTopOfBook removes levels more aggressive than the new top, then
// restates or inserts the top level itself.
func applyTopOfBook(ladder []core.PriceLevel, price, size decimal.Decimal, moreAggressive func(p, top decimal.Decimal) bool) []core.PriceLevel {
	drop := 0
	for drop < len(ladder) && moreAggressive(ladder[drop].Price, price) {
		drop++
	}
	ladder = ladder[drop:]
	if len(ladder) > 0 && ladder[0].Price.Equal(price) {
		ladder[0].Size = size
		return ladder
	}
	out := make([]core.PriceLevel, 0, len(ladder)+1)
	out = append(out, core.PriceLevel{Price: price, Size: size})
	return append(out, ladder...)
}

// ApplyTrade infers depletion on the side opposite the trade: a BUY print
// consumes asks from the best level up to the trade price, a SELL print
// consumes bids down to it. Applied only when the trade's sequence is ahead
// of the book, or equal while the previous update was itself a trade. That
// admits same-sequence consecutive prints but rejects a late trade racing a
// fresher diff.
func (b *Book) ApplyTrade(t core.Trade) {
	if b.hasSeq {
		if t.Seq < b.seq || (t.Seq == b.seq && b.lastKind != core.UpdateKindTrade) {
			b.logger.Debug("stale trade dropped", "seq", t.Seq, "local_seq", b.seq)
			return
		}
	}

	remaining := t.Size
	switch t.Side {
	case core.SideBuy:
		b.asks = depleteLadder(b.asks, t.Price, remaining, func(p, trade decimal.Decimal) int {
			return p.Cmp(trade)
		})
	case core.SideSell:
		b.bids = depleteLadder(b.bids, t.Price, remaining, func(p, trade decimal.Decimal) int {
			return trade.Cmp(p)
		})
	default:
		b.logger.Warn("trade with unknown side dropped")
		return
	}

	b.seq = t.Seq
	b.hasSeq = true
	b.lastKind = core.UpdateKindTrade
	b.token = t.Token
}

// depleteLadder walks from the best level inward. cmp orders the level price
// against the trade price in walk direction: negative means the level is
// more aggressive than the print and is consumed entirely.
func depleteLadder(ladder []core.PriceLevel, price, size decimal.Decimal, cmp func(levelPrice, tradePrice decimal.Decimal) int) []core.PriceLevel {
	out := ladder[:0]
	i := 0
	for ; i < len(ladder); i++ {
		c := cmp(ladder[i].Price, price)
		if c < 0 {
			continue // swept level, drop it
		}
		if c == 0 {
			consumed := decimal.Min(size, ladder[i].Size)
			left := ladder[i].Size.Sub(consumed)
			if left.IsPositive() {
				out = append(out, core.PriceLevel{Price: ladder[i].Price, Size: left})
			}
			i++
		}
		break
	}
	return append(out, ladder[i:]...)
}

func (b *Book) markCorrupt(reason string) {
	b.corrupt = true
	b.logger.Warn("book marked invalid", "reason", reason)
}

// IsValid reports whether the book is usable for decisions: both sides
// populated, uncrossed, and no malformed feed seen since the last snapshot.
func (b *Book) IsValid() bool {
	if b.corrupt || len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price.LessThan(b.asks[0].Price)
}

// BestBid returns the top bid level. ok is false on an empty side.
func (b *Book) BestBid() (core.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return core.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the top ask level. ok is false on an empty side.
func (b *Book) BestAsk() (core.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return core.PriceLevel{}, false
	}
	return b.asks[0], true
}

// MidPrice is the arithmetic mid of the top of book.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, false
	}
	return b.bids[0].Price.Add(b.asks[0].Price).Div(decimal.NewFromInt(2)), true
}

// Seq returns the last applied sequence and whether one has been seen.
func (b *Book) Seq() (int64, bool) { return b.seq, b.hasSeq }

// LastKind returns which feed kind last mutated the book.
func (b *Book) LastKind() core.UpdateKind { return b.lastKind }

// Token returns the correlation token of the last applied update.
func (b *Book) Token() core.Token { return b.token }

// TakingPriceForSize walks the book on the side a taker of the given side
// would hit, accumulating size until the target is reached. Returns the last
// touched price and the cumulative size actually available.
func (b *Book) TakingPriceForSize(side core.Side, size decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	ladder := b.asks
	if side == core.SideSell {
		ladder = b.bids
	}

	cumu := decimal.Zero
	price := decimal.Zero
	for _, lvl := range ladder {
		take := decimal.Min(lvl.Size, size.Sub(cumu))
		cumu = cumu.Add(take)
		if cumu.GreaterThanOrEqual(size) {
			return lvl.Price, size
		}
		price = lvl.Price
	}
	return price, cumu
}

// TakingPriceForValue is the notional-accumulating variant: it walks until
// the target quote value is consumed and returns the last touched price and
// the cumulative base size acquired.
func (b *Book) TakingPriceForValue(side core.Side, value decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	ladder := b.asks
	if side == core.SideSell {
		ladder = b.bids
	}

	cumuValue := decimal.Zero
	cumuSize := decimal.Zero
	price := decimal.Zero
	for _, lvl := range ladder {
		levelValue := lvl.Size.Mul(lvl.Price)
		take := decimal.Min(levelValue, value.Sub(cumuValue))
		cumuSize = cumuSize.Add(take.Div(lvl.Price))
		cumuValue = cumuValue.Add(take)
		if cumuValue.GreaterThanOrEqual(value) {
			return lvl.Price, cumuSize
		}
		price = lvl.Price
	}
	return price, cumuSize
}

// CleanedBook returns up to levels rungs per side with the strategy's own
// resting size subtracted out, so the decision layer never reacts to its own
// liquidity as if it were market interest. Levels fully explained by own
// orders are omitted.
func (b *Book) CleanedBook(ownOrders []*core.ClientOrder, levels int) (bids, asks []core.PriceLevel) {
	remaining := make([]*core.ClientOrder, len(ownOrders))
	copy(remaining, ownOrders)

	clean := func(ladder []core.PriceLevel, side core.Side) []core.PriceLevel {
		out := make([]core.PriceLevel, 0, levels)
		for _, lvl := range ladder {
			ownSize := decimal.Zero
			kept := remaining[:0]
			for _, o := range remaining {
				if o != nil && o.Side == side && o.Price.Equal(lvl.Price) {
					ownSize = ownSize.Add(o.RemainingSize)
					continue
				}
				kept = append(kept, o)
			}
			remaining = kept

			if lvl.Size.GreaterThan(ownSize) {
				out = append(out, core.PriceLevel{Price: lvl.Price, Size: lvl.Size.Sub(ownSize)})
				if len(out) >= levels {
					break
				}
			}
		}
		return out
	}

	bids = clean(b.bids, core.SideBuy)
	asks = clean(b.asks, core.SideSell)
	return bids, asks
}

// Depth returns copies of both ladders, bids descending and asks ascending.
func (b *Book) Depth() (bids, asks []core.PriceLevel) {
	bids = append([]core.PriceLevel(nil), b.bids...)
	asks = append([]core.PriceLevel(nil), b.asks...)
	return bids, asks
}

func (b *Book) levelsWellFormed(levels []core.PriceLevel) bool {
	for _, lvl := range levels {
		if lvl.Price.Sign() <= 0 || lvl.Size.Sign() < 0 {
			return false
		}
	}
	return true
}
