package session

import (
	"context"
	"strings"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"

	"golang.org/x/time/rate"
)

// purgeInterval is how often terminal orders are swept out of session memory,
// and also how long they are retained.
const purgeInterval = 18 * time.Minute

// Dispatcher fans gateway traffic out to sessions by session id. It owns
// session id allocation and the shared outbound rate limit; one dispatcher
// corresponds to one gateway connection.
type Dispatcher struct {
	exchange string
	gateway  core.GatewayConn
	ref      *instrument.Reference
	limiter  *rate.Limiter

	nextSessionID int
	sessions      map[int]*Session
	liqSessions   map[string]*Session // lowercased exchange symbol

	onExchangeState core.ExchangeStateCallback

	logger core.ILogger
}

// NewDispatcher builds a dispatcher for one gateway connection. limiter may
// be nil for unlimited outbound traffic.
func NewDispatcher(exchange string, gateway core.GatewayConn, ref *instrument.Reference, limiter *rate.Limiter, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		exchange:      exchange,
		gateway:       gateway,
		ref:           ref,
		limiter:       limiter,
		nextSessionID: 1,
		sessions:      make(map[int]*Session),
		liqSessions:   make(map[string]*Session),
		logger:        logger.WithField("component", "dispatcher").WithField("exchange", exchange),
	}
}

// OnExchangeState registers the callback for gateway trading-state alerts.
func (d *Dispatcher) OnExchangeState(fn core.ExchangeStateCallback) {
	d.onExchangeState = fn
}

// OpenSession creates and registers a session for one symbol.
func (d *Dispatcher) OpenSession(globalSymbol string, opts Options) (*Session, error) {
	inst, err := d.ref.Get(d.exchange, globalSymbol)
	if err != nil {
		return nil, err
	}
	if opts.Limiter == nil {
		opts.Limiter = d.limiter
	}

	s := New(d.nextSessionID, inst, d.gateway, d.logger, opts)
	d.sessions[d.nextSessionID] = s
	d.logger.Info("session opened", "session_id", d.nextSessionID, "symbol", globalSymbol)
	d.nextSessionID++
	return s, nil
}

// OpenLiquidationSession is OpenSession plus registration for liquidation
// routing, which arrives keyed by exchange symbol rather than session id.
func (d *Dispatcher) OpenLiquidationSession(globalSymbol string, opts Options) (*Session, error) {
	s, err := d.OpenSession(globalSymbol, opts)
	if err != nil {
		return nil, err
	}
	d.liqSessions[strings.ToLower(s.Instrument().Symbol)] = s
	d.logger.Info("liquidation session registered", "session_id", s.ID(), "symbol", globalSymbol)
	return s, nil
}

// Session returns a registered session by id.
func (d *Dispatcher) Session(id int) (*Session, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

// DispatchOrderUpdate routes a gateway order report to its session.
func (d *Dispatcher) DispatchOrderUpdate(u core.OrderUpdate) {
	s, ok := d.sessions[u.SessionID]
	if !ok {
		d.logger.Warn("order update without known session dropped",
			"session_id", u.SessionID, "order_id", u.StrategyOrderID)
		return
	}
	s.OnOrderUpdate(u)
}

// DispatchOrderError routes a gateway rejection to its session.
func (d *Dispatcher) DispatchOrderError(e core.OrderError) {
	s, ok := d.sessions[e.SessionID]
	if !ok {
		d.logger.Warn("order error without known session dropped",
			"session_id", e.SessionID, "order_id", e.StrategyOrderID)
		return
	}
	s.OnOrderError(e)
}

// DispatchLiquidation resolves the liquidation session for the exchange
// symbol, materializes the shadow order and folds the update in as a normal
// order report.
func (d *Dispatcher) DispatchLiquidation(exchangeSymbol string, u core.OrderUpdate) {
	s, ok := d.liqSessions[strings.ToLower(exchangeSymbol)]
	if !ok {
		d.logger.Warn("liquidation for unregistered symbol dropped", "symbol", exchangeSymbol)
		return
	}
	order := s.LiquidationOrder(u.ClientOrderID, u.Side, u.Price, u.Size, u.OrderType, u.Token)
	u.SessionID = s.ID()
	u.StrategyOrderID = order.StrategyOrderID
	s.OnOrderUpdate(u)
}

// DispatchExchangeState forwards a trading-state alert to the registered
// callback.
func (d *Dispatcher) DispatchExchangeState(u core.ExchangeStateUpdate) {
	if !u.State.QuotingEnabled() {
		d.logger.Warn("exchange state alert",
			"state", u.State, "taking_enabled", u.State.TakingEnabled(), "token", u.Token)
	}
	if d.onExchangeState != nil {
		d.onExchangeState(u.State)
	}
}

// RunPurge sweeps long-terminal orders out of every session until the context
// ends.
func (d *Dispatcher) RunPurge(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, s := range d.sessions {
				if n := s.PurgeInactive(purgeInterval); n > 0 {
					d.logger.Info("inactive orders purged", "session_id", id, "count", n)
				}
			}
		}
	}
}
