// Package engine runs the single-goroutine event loop that owns all mutable
// market data and trading state. Order books, kline builders, sessions and
// position managers are not concurrency-safe; every touch goes through the
// loop, either as a feed event or as a posted closure.
package engine

import (
	"context"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	"strategy_engine/internal/marketdata/kline"
	"strategy_engine/internal/marketdata/orderbook"
	"strategy_engine/internal/trading/session"

	"golang.org/x/sync/errgroup"
)

const (
	defaultOpsBuffer = 256
	restSyncTimeout  = 10 * time.Second
)

// Options tune engine behavior.
type Options struct {
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// OpsBuffer sizes the posted-closure channel.
	OpsBuffer int
}

// Engine fuses feed events, gateway callbacks and timers into one consumer
// goroutine. Registration (TrackBook, AddKlineBuilder, AddDispatcher) must
// finish before Run is called.
type Engine struct {
	feed core.MarketDataConn

	books       map[string]*orderbook.Book
	builders    map[string][]*kline.Builder
	dispatchers []*session.Dispatcher

	resnapshot core.ResnapshotFunc

	ops   chan func()
	clock func() time.Time

	logger core.ILogger
}

// New builds an engine consuming one market data connection.
func New(feed core.MarketDataConn, logger core.ILogger, opts Options) *Engine {
	buffer := opts.OpsBuffer
	if buffer <= 0 {
		buffer = defaultOpsBuffer
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		feed:     feed,
		books:    make(map[string]*orderbook.Book),
		builders: make(map[string][]*kline.Builder),
		ops:      make(chan func(), buffer),
		clock:    clock,
		logger:   logger.WithField("component", "engine"),
	}
}

// SetResnapshot registers the depth-snapshot request hook wired into every
// tracked book.
func (e *Engine) SetResnapshot(fn core.ResnapshotFunc) {
	e.resnapshot = fn
	for _, b := range e.books {
		b.OnResnapshotNeeded(fn)
	}
}

// TrackBook registers an order book for one symbol and returns it.
func (e *Engine) TrackBook(inst *instrument.Instrument) *orderbook.Book {
	if b, ok := e.books[inst.GlobalSymbol]; ok {
		return b
	}
	b := orderbook.New(inst.Exchange, inst.GlobalSymbol, e.logger)
	if e.resnapshot != nil {
		b.OnResnapshotNeeded(e.resnapshot)
	}
	e.books[inst.GlobalSymbol] = b
	return b
}

// Book returns the tracked book for a symbol, or nil.
func (e *Engine) Book(globalSymbol string) *orderbook.Book {
	return e.books[globalSymbol]
}

// AddKlineBuilder registers a builder for trade routing, rollover timing and
// REST reconciliation.
func (e *Engine) AddKlineBuilder(b *kline.Builder) {
	sym := b.Instrument().GlobalSymbol
	e.builders[sym] = append(e.builders[sym], b)
}

// Builders returns the registered builders for a symbol.
func (e *Engine) Builders(globalSymbol string) []*kline.Builder {
	return e.builders[globalSymbol]
}

// AddDispatcher attaches a gateway dispatcher so its purge sweep runs under
// the engine lifecycle.
func (e *Engine) AddDispatcher(d *session.Dispatcher) {
	e.dispatchers = append(e.dispatchers, d)
}

// Do posts a closure into the event loop. This is how anything outside the
// loop (gateway transports, strategy timers) touches loop-owned state.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	select {
	case e.ops <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call posts a closure and waits for the loop to run it, so callers can read
// loop-owned state with plain returns.
func (e *Engine) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.Do(ctx, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run subscribes and consumes until the context ends or the feed closes.
func (e *Engine) Run(ctx context.Context) error {
	symbols := make([]string, 0, len(e.books))
	for sym := range e.books {
		symbols = append(symbols, sym)
	}
	if len(symbols) > 0 {
		if err := e.feed.Subscribe(ctx, symbols); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// loop exit (feed closed or cancellation) takes the timers down too
		defer cancel()
		return e.loop(ctx)
	})

	for _, builders := range e.builders {
		for _, b := range builders {
			b := b
			g.Go(func() error { return e.runRollover(ctx, b) })
			if b.RestEnabled() {
				g.Go(func() error { return e.runRestSync(ctx, b) })
			}
		}
	}
	for _, d := range e.dispatchers {
		d := d
		g.Go(func() error {
			d.RunPurge(ctx)
			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.ops:
			fn()
		case ev, ok := <-e.feed.Events():
			if !ok {
				e.logger.Warn("market data feed closed")
				return nil
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev interface{}) {
	switch v := ev.(type) {
	case core.Snapshot:
		if b := e.books[v.GlobalSymbol]; b != nil {
			b.ApplySnapshot(v)
		}
	case core.Diff:
		if b := e.books[v.GlobalSymbol]; b != nil {
			b.ApplyDiff(v)
		}
	case core.Ticker:
		if b := e.books[v.GlobalSymbol]; b != nil {
			b.ApplyTicker(v)
		}
	case core.Trade:
		if b := e.books[v.GlobalSymbol]; b != nil {
			b.ApplyTrade(v)
		}
		for _, kb := range e.builders[v.GlobalSymbol] {
			kb.UpdateTrade(v)
		}
	case core.KlineBar:
		for _, kb := range e.builders[v.GlobalSymbol] {
			if kb.FreqSeconds() == v.FreqSeconds {
				kb.OnKlineBar(v)
			}
		}
	default:
		e.logger.Warn("unknown feed event dropped", "event", ev)
	}
}

// runRollover finalizes the builder's window exactly at each interval
// boundary. Boundaries are derived from the wall clock, never from builder
// state, so the timer goroutine does not touch the loop-owned accumulator.
func (e *Engine) runRollover(ctx context.Context, b *kline.Builder) error {
	freq := time.Duration(b.FreqSeconds()) * time.Second
	next := b.RecentWindowStart(e.clock()).Add(freq)

	for {
		wait := next.Sub(e.clock())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		start := next
		if err := e.Do(ctx, func() { b.FinalizeAndRoll(start) }); err != nil {
			return nil
		}
		next = next.Add(freq)
	}
}

// runRestSync periodically reconciles finalized bars against REST, on a
// jittered interval. The merge runs on the loop; the fetch timeout bounds
// how long the loop can stall on it.
func (e *Engine) runRestSync(ctx context.Context, b *kline.Builder) error {
	for {
		timer := time.NewTimer(b.RestJitterInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		err := e.Do(ctx, func() {
			syncCtx, cancel := context.WithTimeout(ctx, restSyncTimeout)
			defer cancel()
			if err := b.SyncFromRest(syncCtx, e.clock()); err != nil {
				e.logger.Warn("kline REST sync failed",
					"symbol", b.Instrument().GlobalSymbol,
					"freq_seconds", b.FreqSeconds(), "error", err)
			}
		})
		if err != nil {
			return nil
		}
	}
}
