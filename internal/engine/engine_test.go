package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	"strategy_engine/internal/marketdata/kline"
	"strategy_engine/internal/mock"
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
		SizeMultiplier: decimal.NewFromInt(1),
		Base:           "BTC",
		Quote:          "USDT",
		SizeCcy:        "BTC",
	}
}

type harness struct {
	feed   *mock.Feed
	engine *Engine
	cancel context.CancelFunc
	done   chan error
}

func startEngine(t *testing.T, setup func(e *Engine)) *harness {
	t.Helper()
	feed := mock.NewFeed(64)
	e := New(feed, testLogger(), Options{})
	setup(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	h := &harness{feed: feed, engine: e, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

// call runs fn on the event loop and waits for it, so reads observe every
// previously pushed event.
func (h *harness) call(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Call(ctx, fn))
}

func lvls(pairs ...int64) []core.PriceLevel {
	var out []core.PriceLevel
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, core.PriceLevel{
			Price: decimal.NewFromInt(pairs[i]),
			Size:  decimal.NewFromInt(pairs[i+1]),
		})
	}
	return out
}

func TestEngineRoutesDepthEvents(t *testing.T) {
	inst := spotInst()
	h := startEngine(t, func(e *Engine) { e.TrackBook(inst) })

	// the loop answering proves Subscribe already ran
	h.call(t, func() {})
	assert.Equal(t, []string{"BTC_USDT"}, h.feed.Subscribed())

	h.feed.Push(core.Snapshot{
		Exchange: "binance", GlobalSymbol: "BTC_USDT",
		Bids: lvls(100, 1), Asks: lvls(101, 1), Seq: 10,
	})
	h.feed.Push(core.Diff{
		Exchange: "binance", GlobalSymbol: "BTC_USDT",
		Bids: lvls(100, 2), Seq: 11,
	})

	var mid decimal.Decimal
	var ok bool
	h.call(t, func() {
		mid, ok = h.engine.Book("BTC_USDT").MidPrice()
	})
	require.True(t, ok)
	assert.True(t, mid.Equal(d(100.5)))
}

func TestEngineRoutesTradesToBookAndBuilders(t *testing.T) {
	inst := spotInst()
	var builder *kline.Builder
	h := startEngine(t, func(e *Engine) {
		e.TrackBook(inst)
		builder = kline.NewBuilder(inst, 60, 0, 10, nil, nil, testLogger(), time.Now())
		e.AddKlineBuilder(builder)
	})

	h.feed.Push(core.Snapshot{
		Exchange: "binance", GlobalSymbol: "BTC_USDT",
		Bids: lvls(100, 1), Asks: lvls(101, 3), Seq: 10,
	})
	h.feed.Push(core.Trade{
		Exchange: "binance", GlobalSymbol: "BTC_USDT",
		Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(2),
		Side: core.SideBuy, Seq: 11,
	})

	var askSize decimal.Decimal
	var bar kline.Bar
	h.call(t, func() {
		ask, _ := h.engine.Book("BTC_USDT").BestAsk()
		askSize = ask.Size
		bar = builder.Current()
	})
	assert.True(t, askSize.Equal(d(1)), "trade depletes the ask level")
	assert.True(t, bar.Close.Equal(d(101)))
	assert.True(t, bar.Volume.Equal(d(2)))
}

func TestEngineRoutesKlineBarsByInterval(t *testing.T) {
	inst := spotInst()
	var oneMin, fiveMin *kline.Builder
	h := startEngine(t, func(e *Engine) {
		e.TrackBook(inst)
		now := time.Now()
		oneMin = kline.NewBuilder(inst, 60, 0, 10, nil, nil, testLogger(), now)
		fiveMin = kline.NewBuilder(inst, 300, 0, 10, nil, nil, testLogger(), now)
		e.AddKlineBuilder(oneMin)
		e.AddKlineBuilder(fiveMin)
	})

	start := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute)
	h.feed.Push(core.KlineBar{
		Exchange: "binance", GlobalSymbol: "BTC_USDT", FreqSeconds: 60,
		StartMicros: start.UnixMicro(),
		Open:        d(100), High: d(102), Low: d(99), Close: d(101),
		Volume: d(5), Amount: d(500), Count: 7,
	})

	var oneMinBars, fiveMinBars int
	h.call(t, func() {
		oneMinBars = len(oneMin.Bars())
		fiveMinBars = len(fiveMin.Bars())
	})
	assert.Equal(t, 1, oneMinBars)
	assert.Equal(t, 0, fiveMinBars, "bar for another interval is not folded in")
}

func TestEngineIgnoresUntrackedSymbols(t *testing.T) {
	h := startEngine(t, func(e *Engine) { e.TrackBook(spotInst()) })

	h.feed.Push(core.Trade{
		Exchange: "binance", GlobalSymbol: "ETH_USDT",
		Price: decimal.NewFromInt(2000), Size: decimal.NewFromInt(1), Side: core.SideBuy,
	})
	h.feed.Push("garbage")

	// loop is still alive
	h.call(t, func() {})
}

func TestEngineStopsWhenFeedCloses(t *testing.T) {
	feed := mock.NewFeed(1)
	e := New(feed, testLogger(), Options{})
	e.TrackBook(spotInst())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	feed.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after feed close")
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	feed := mock.NewFeed(1)
	e := New(feed, testLogger(), Options{})
	e.TrackBook(spotInst())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestEngineRollsWindowsOnBoundary(t *testing.T) {
	inst := spotInst()
	var builder *kline.Builder
	h := startEngine(t, func(e *Engine) {
		e.TrackBook(inst)
		builder = kline.NewBuilder(inst, 1, 0, 10, nil, nil, testLogger(), time.Now())
		e.AddKlineBuilder(builder)
	})

	h.feed.Push(core.Trade{
		Exchange: "binance", GlobalSymbol: "BTC_USDT",
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), Side: core.SideBuy,
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var bars int
		h.call(t, func() { bars = len(builder.Bars()) })
		if bars > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("window was never rolled")
}
