package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strategy_engine/internal/config"
	"strategy_engine/internal/core"
	"strategy_engine/internal/engine"
	"strategy_engine/internal/instrument"
	"strategy_engine/internal/marketdata/kline"
	"strategy_engine/internal/mock"
	"strategy_engine/internal/trading/inventory"
	"strategy_engine/internal/trading/position"
	"strategy_engine/internal/trading/session"
	"strategy_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting engine",
		"version", version,
		"exchange", cfg.Exchange.Name,
		"symbols", cfg.Trading.Symbols,
	)

	ref, err := instrument.LoadFile(cfg.Exchange.ReferencePath)
	if err != nil {
		logger.Fatal("Failed to load instrument reference", "error", err)
	}

	feed, gateway, err := buildConns(cfg)
	if err != nil {
		logger.Fatal("Failed to build exchange connections", "error", err)
	}

	var limiter *rate.Limiter
	if cfg.Exchange.OrderRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Exchange.OrderRateLimit), cfg.Exchange.OrderRateBurst)
	}

	inv, err := buildInventory(cfg, ref, logger)
	if err != nil {
		logger.Fatal("Failed to build inventory manager", "error", err)
	}

	dispatcher := session.NewDispatcher(cfg.Exchange.Name, gateway, ref, limiter, logger)
	eng := engine.New(feed, logger, engine.Options{})
	eng.AddDispatcher(dispatcher)

	if err := wireSymbols(cfg, ref, inv, dispatcher, eng, logger); err != nil {
		logger.Fatal("Failed to wire symbols", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Engine stopped")
}

// buildConns resolves the market data and gateway transports for the
// configured venue. Concrete venue adapters register here; the in-memory pair
// backs dry runs.
func buildConns(cfg *config.Config) (core.MarketDataConn, core.GatewayConn, error) {
	switch cfg.Exchange.Name {
	case "mock":
		return mock.NewFeed(1024), mock.NewGateway(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}
}

func buildInventory(cfg *config.Config, ref *instrument.Reference, logger core.ILogger) (inventory.Manager, error) {
	balances := toDecimalMap(cfg.Trading.Balances)
	emergent := toDecimalMap(cfg.Trading.EmergentBalances)
	leverage := decimal.NewFromFloat(cfg.Trading.Leverage)

	switch cfg.Trading.AccountType {
	case "spot":
		return inventory.NewSpot(cfg.Exchange.Name, ref, balances, emergent, logger), nil
	case "inverse-margin":
		return inventory.NewInverseMargin(cfg.Exchange.Name, ref, balances, emergent, leverage, logger), nil
	case "mixed-margin":
		return inventory.NewMixedMargin(cfg.Exchange.Name, ref, balances, emergent, leverage, logger), nil
	default:
		return nil, fmt.Errorf("unknown account type %q", cfg.Trading.AccountType)
	}
}

// wireSymbols builds the per-symbol stack: order book, kline builders,
// position manager and trading session, with fills flowing synchronously from
// the session into position and inventory accounting.
func wireSymbols(cfg *config.Config, ref *instrument.Reference, inv inventory.Manager,
	dispatcher *session.Dispatcher, eng *engine.Engine, logger core.ILogger) error {

	var maxPos *decimal.Decimal
	if cfg.Trading.MaxAccountPosition > 0 {
		v := decimal.NewFromFloat(cfg.Trading.MaxAccountPosition)
		maxPos = &v
	}

	for _, sym := range cfg.Trading.Symbols {
		inst, err := ref.Get(cfg.Exchange.Name, sym)
		if err != nil {
			return err
		}

		eng.TrackBook(inst)
		for _, k := range cfg.Klines {
			eng.AddKlineBuilder(kline.NewBuilder(inst, k.FreqSeconds, k.ShiftSeconds, k.MaxLength,
				nil, nil, logger, time.Now()))
		}

		var onExec core.ExecutionCallback
		if cfg.Trading.DualSide {
			pm := position.NewDualSideManager(inst, inv, maxPos, logger)
			bindPositionSource(inv, sym, pm)
			onExec = func(e core.Execution) {
				pm.AddTrade(e.Side, e.Price, e.Size, e.Offset, true)
			}
		} else {
			pm := position.NewNetManager(inst, inv, logger)
			bindPositionSource(inv, sym, pm)
			onExec = func(e core.Execution) {
				pm.AddTrade(e.Side, e.Price, e.Size, true)
			}
		}

		if _, err := dispatcher.OpenSession(sym, session.Options{OnExec: onExec}); err != nil {
			return err
		}
	}
	return nil
}

// bindPositionSource lets margin inventory models augment sellable size with
// the open position. Spot has no position to bind.
func bindPositionSource(inv inventory.Manager, globalSymbol string, src inventory.PositionSource) {
	switch m := inv.(type) {
	case *inventory.InverseMargin:
		m.BindPositionSource(src)
	case *inventory.MixedMargin:
		m.BindPositionSource(globalSymbol, src)
	}
}

func toDecimalMap(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for ccy, v := range in {
		out[ccy] = decimal.NewFromFloat(v)
	}
	return out
}
