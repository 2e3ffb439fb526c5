// Package session owns the order lifecycle for one (exchange, symbol) pair:
// validation and quantization on the way out, state folding and incremental
// execution extraction on the way back. Sessions are driven from the engine's
// single event goroutine and are not safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategy_engine/internal/core"
	"strategy_engine/internal/instrument"
	apperrors "strategy_engine/pkg/errors"
	"strategy_engine/pkg/retry"
	"strategy_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	// intervalBetweenCancels throttles repeated cancels of the same order.
	intervalBetweenCancels = 100 * time.Millisecond
	// intervalBetweenCancelsClosing is the longer throttle once the exchange
	// already acknowledged the cancel.
	intervalBetweenCancelsClosing = time.Second

	defaultExecQueueSize  = 1024
	defaultErrorQueueSize = 256
)

var meter = otel.Meter("strategy_engine/trading/session")

var (
	ordersCreated, _    = meter.Int64Counter("orders_created")
	ordersDropped, _    = meter.Int64Counter("orders_dropped")
	cancelsSent, _      = meter.Int64Counter("cancels_sent")
	cancelsThrottled, _ = meter.Int64Counter("cancels_throttled")
	execsDispatched, _  = meter.Int64Counter("executions_dispatched")
)

// OrderRequest is a strategy's desired order before validation and
// quantization.
type OrderRequest struct {
	Side        core.Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	Type        core.OrderType
	Offset      core.Offset
	MarginTrade string
	Remark      string
	Priority    int
	Token       core.Token
}

// Options tune optional session behavior.
type Options struct {
	// OnExec receives incremental fills synchronously. When nil, fills are
	// buffered on the Executions channel instead; the callback is preferred
	// because it keeps order and position state consistent at every step.
	OnExec core.ExecutionCallback
	// ReceiveErrors enables the Errors channel for gateway rejections.
	ReceiveErrors bool
	// Limiter paces outbound gateway traffic. nil means unlimited.
	Limiter *rate.Limiter
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Session is the per-symbol order book of record on the strategy side.
type Session struct {
	id      int
	inst    *instrument.Instrument
	gateway core.GatewayConn

	activeOrders   map[string]*core.ClientOrder
	inactiveOrders map[string]*core.ClientOrder
	liqOrders      map[string]*core.ClientOrder // exchange client order id -> shadow

	updateCh chan struct{}
	onExec   core.ExecutionCallback
	execCh   chan core.Execution
	errCh    chan core.OrderError

	limiter *rate.Limiter
	now     func() time.Time

	logger core.ILogger
	attrs  metric.MeasurementOption
}

// New builds a session. id must be unique within its dispatcher.
func New(id int, inst *instrument.Instrument, gateway core.GatewayConn, logger core.ILogger, opts Options) *Session {
	s := &Session{
		id:             id,
		inst:           inst,
		gateway:        gateway,
		activeOrders:   make(map[string]*core.ClientOrder),
		inactiveOrders: make(map[string]*core.ClientOrder),
		liqOrders:      make(map[string]*core.ClientOrder),
		updateCh:       make(chan struct{}, 1),
		onExec:         opts.OnExec,
		limiter:        opts.Limiter,
		now:            opts.Clock,
		logger: logger.WithField("component", "session").
			WithField("exchange", inst.Exchange).
			WithField("symbol", inst.GlobalSymbol).
			WithField("session_id", id),
		attrs: metric.WithAttributes(
			attribute.String("exchange", inst.Exchange),
			attribute.String("symbol", inst.GlobalSymbol),
		),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.onExec == nil {
		s.logger.Warn("no execution callback; fills are queued, which can lag position accounting behind order state")
		s.execCh = make(chan core.Execution, defaultExecQueueSize)
	}
	if opts.ReceiveErrors {
		s.errCh = make(chan core.OrderError, defaultErrorQueueSize)
	}
	return s
}

// ID is the dispatcher-scoped session id carried on every gateway message.
func (s *Session) ID() int { return s.id }

// Instrument returns the session's instrument reference.
func (s *Session) Instrument() *instrument.Instrument { return s.inst }

// UpdateEvents pulses whenever any order changes, including validation drops
// that never reach the gateway; strategies block on it instead of polling.
func (s *Session) UpdateEvents() <-chan struct{} { return s.updateCh }

// Executions delivers buffered fills when no callback was configured.
func (s *Session) Executions() <-chan core.Execution { return s.execCh }

// Errors delivers gateway rejections when enabled.
func (s *Session) Errors() <-chan core.OrderError { return s.errCh }

func (s *Session) signalUpdate() {
	select {
	case s.updateCh <- struct{}{}:
	default:
	}
}

// validate quantizes a request in place and rejects what the exchange would
// bounce anyway. Rejections signal the update event so a strategy blocked on
// it re-plans instead of waiting for an acknowledgment that will never come.
func (s *Session) validate(req *OrderRequest) error {
	req.Size = tradingutils.QuantizeSize(req.Size, s.inst.LotSize)
	req.Price = tradingutils.QuantizePrice(req.Price, s.inst.TickSize, req.Side)

	if req.Size.LessThan(s.inst.MinOrderSize) ||
		(!s.inst.SizeIsValue() && req.Price.Mul(req.Size).LessThan(s.inst.MinOrderValue)) {
		s.logger.Warn("order below minimum, dropped",
			"side", req.Side, "price", req.Price, "size", req.Size)
		return apperrors.ErrOrderTooSmall
	}
	if s.inst.TwoWay && req.Offset == core.OffsetNone {
		s.logger.Warn("order without offset on a two-way account, dropped",
			"side", req.Side, "price", req.Price, "size", req.Size)
		return apperrors.ErrMissingOffset
	}
	if req.MarginTrade != "" && req.MarginTrade != "margin" && req.MarginTrade != "cross-margin" {
		s.logger.Warn("unknown margin trade flag, dropped", "margin_trade", req.MarginTrade)
		return apperrors.ErrInvalidMarginTrade
	}
	return nil
}

func (s *Session) buildOrder(req OrderRequest) *core.ClientOrder {
	order := core.NewClientOrder(uuid.NewString(), s.inst.Exchange, s.inst.GlobalSymbol, s.inst.Symbol,
		req.Side, req.Price, req.Size, req.Type)
	order.Offset = req.Offset
	order.MarginTrade = req.MarginTrade
	order.Remark = req.Remark
	order.Priority = req.Priority
	order.Token = req.Token
	return order
}

func isTransientSendErr(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork)
}

func (s *Session) waitLimiter(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// CreateOrder validates, registers and sends one order. A validation failure
// returns the typed error with no order; gateway failures return the order so
// the caller can track its eventual fate.
func (s *Session) CreateOrder(ctx context.Context, req OrderRequest) (*core.ClientOrder, error) {
	if err := s.validate(&req); err != nil {
		ordersDropped.Add(ctx, 1, s.attrs)
		s.signalUpdate()
		return nil, err
	}

	order := s.buildOrder(req)
	s.activeOrders[order.StrategyOrderID] = order

	if err := s.waitLimiter(ctx); err != nil {
		return order, err
	}
	if err := s.gateway.CreateOrder(ctx, order); err != nil {
		return order, fmt.Errorf("create order %s: %w", order.StrategyOrderID, err)
	}
	ordersCreated.Add(ctx, 1, s.attrs)
	s.logger.Info("new order",
		"side", order.Side, "price", order.Price, "size", order.Size,
		"type", order.Type, "order_id", order.StrategyOrderID,
		"token", order.Token, "remark", order.Remark)
	return order, nil
}

// BulkCreateOrders validates every request, drops the invalid ones and sends
// the rest in a single gateway message.
func (s *Session) BulkCreateOrders(ctx context.Context, reqs []OrderRequest) ([]*core.ClientOrder, error) {
	var orders []*core.ClientOrder
	for i := range reqs {
		if err := s.validate(&reqs[i]); err != nil {
			ordersDropped.Add(ctx, 1, s.attrs)
			s.signalUpdate()
			continue
		}
		orders = append(orders, s.buildOrder(reqs[i]))
	}
	if len(orders) == 0 {
		return nil, nil
	}

	for _, order := range orders {
		s.activeOrders[order.StrategyOrderID] = order
		s.logger.Info("new order (bulk)",
			"side", order.Side, "price", order.Price, "size", order.Size,
			"order_id", order.StrategyOrderID, "token", order.Token)
	}
	if err := s.waitLimiter(ctx); err != nil {
		return orders, err
	}
	if err := s.gateway.BulkCreateOrders(ctx, orders); err != nil {
		return orders, fmt.Errorf("bulk create %d orders: %w", len(orders), err)
	}
	ordersCreated.Add(ctx, int64(len(orders)), s.attrs)
	return orders, nil
}

// cancelEligible applies the IOC guard and the per-order cancel throttle.
func (s *Session) cancelEligible(ctx context.Context, order *core.ClientOrder, now time.Time) error {
	if order.Type == core.OrderTypeIOC {
		s.logger.Warn("cancel ignored for IOC order", "order_id", order.StrategyOrderID)
		return apperrors.ErrCancelIOC
	}

	throttle := intervalBetweenCancels
	if order.State == core.OrderStateClosing {
		throttle = intervalBetweenCancelsClosing
	}
	if !order.LastCancelAt.IsZero() && now.Sub(order.LastCancelAt) < throttle {
		cancelsThrottled.Add(ctx, 1, s.attrs)
		s.logger.Warn("cancel throttled",
			"order_id", order.StrategyOrderID, "state", order.State,
			"last_cancel", order.LastCancelAt)
		return apperrors.ErrCancelThrottled
	}
	return nil
}

// CancelOrder requests cancellation of an active order. Repeat cancels are
// throttled per order, more slowly once the order is already CLOSING.
func (s *Session) CancelOrder(ctx context.Context, strategyOrderID string, token core.Token) error {
	order, ok := s.activeOrders[strategyOrderID]
	if !ok {
		s.logger.Warn("cancel ignored for inactive order", "order_id", strategyOrderID)
		return apperrors.ErrOrderNotFound
	}
	now := s.now()
	if err := s.cancelEligible(ctx, order, now); err != nil {
		return err
	}

	order.LastCancelAt = now
	if err := s.waitLimiter(ctx); err != nil {
		return err
	}
	// cancels are idempotent, so transient send failures are retried
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientSendErr, func() error {
		return s.gateway.CancelOrder(ctx, order, token)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", strategyOrderID, err)
	}
	cancelsSent.Add(ctx, 1, s.attrs)
	s.logger.Info("cancel sent", "order_id", strategyOrderID, "token", token)
	return nil
}

// BulkCancelOrders cancels a batch in one gateway message, skipping orders
// the single-order guards would reject.
func (s *Session) BulkCancelOrders(ctx context.Context, strategyOrderIDs []string, token core.Token) error {
	now := s.now()
	var toCancel []*core.ClientOrder
	for _, id := range strategyOrderIDs {
		order, ok := s.activeOrders[id]
		if !ok {
			s.logger.Warn("cancel ignored for inactive order", "order_id", id)
			continue
		}
		if err := s.cancelEligible(ctx, order, now); err != nil {
			continue
		}
		order.LastCancelAt = now
		toCancel = append(toCancel, order)
	}
	if len(toCancel) == 0 {
		return nil
	}

	if err := s.waitLimiter(ctx); err != nil {
		return err
	}
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientSendErr, func() error {
		return s.gateway.BulkCancelOrders(ctx, toCancel, token)
	})
	if err != nil {
		return fmt.Errorf("bulk cancel %d orders: %w", len(toCancel), err)
	}
	cancelsSent.Add(ctx, int64(len(toCancel)), s.attrs)
	for _, order := range toCancel {
		s.logger.Info("cancel sent (bulk)", "order_id", order.StrategyOrderID, "token", token)
	}
	return nil
}

// extractExec converts a cumulative gateway report into the incremental fill
// since the last update. The delta's blended price is derived from the two
// cumulative averages; for notional-sized contracts the blend is value based.
func (s *Session) extractExec(order *core.ClientOrder, u core.OrderUpdate) (core.Execution, bool) {
	if !u.HasExec || !u.HasAvgPrice {
		return core.Execution{}, false
	}
	if u.ExecutedSize.LessThanOrEqual(order.ExecutedSize) {
		return core.Execution{}, false
	}

	newSize := u.ExecutedSize.Sub(order.ExecutedSize)
	var price decimal.Decimal
	if order.ExecutedSize.IsZero() {
		price = u.AvgPrice
	} else if s.inst.SizeIsValue() {
		price = newSize.Div(
			u.ExecutedSize.Div(u.AvgPrice).Sub(order.ExecutedSize.Div(order.AvgPrice)))
	} else {
		price = u.ExecutedSize.Mul(u.AvgPrice).Sub(order.ExecutedSize.Mul(order.AvgPrice)).
			Div(newSize)
	}

	return core.Execution{
		Order:  order,
		Side:   order.Side,
		Price:  price,
		Size:   newSize,
		Offset: order.Offset,
	}, true
}

// OnOrderUpdate folds a gateway report into the referenced order, moves it
// between the active and inactive sets, and dispatches any incremental fill.
// Duplicate reports are no-ops by construction: the executed size delta is
// zero and the state does not move.
func (s *Session) OnOrderUpdate(u core.OrderUpdate) {
	order, active := s.activeOrders[u.StrategyOrderID]
	if !active {
		var known bool
		order, known = s.inactiveOrders[u.StrategyOrderID]
		if !known {
			s.logger.Warn("update for unknown order dropped", "order_id", u.StrategyOrderID)
			return
		}
	}

	exec, hasExec := s.extractExec(order, u)
	order.ApplyUpdate(u)

	if active && order.IsClosed() {
		delete(s.activeOrders, u.StrategyOrderID)
		s.inactiveOrders[u.StrategyOrderID] = order
		s.logger.Info("order closed",
			"order_id", u.StrategyOrderID, "state", order.State,
			"executed", order.ExecutedSize)
	} else if !active && !order.IsClosed() {
		s.logger.Warn("closed order reopened by gateway", "order_id", u.StrategyOrderID)
		delete(s.inactiveOrders, u.StrategyOrderID)
		s.activeOrders[u.StrategyOrderID] = order
	}

	s.signalUpdate()

	if hasExec {
		execsDispatched.Add(context.Background(), 1, s.attrs)
		if s.onExec != nil {
			s.onExec(exec)
			return
		}
		select {
		case s.execCh <- exec:
		default:
			s.logger.Error("execution queue full, fill dropped",
				"order_id", u.StrategyOrderID, "size", exec.Size)
		}
	}
}

// OnOrderError attaches the referenced order and queues the rejection when
// error delivery is enabled.
func (s *Session) OnOrderError(e core.OrderError) {
	order := s.Order(e.StrategyOrderID)
	if order == nil {
		s.logger.Warn("error for unknown order dropped", "order_id", e.StrategyOrderID)
		return
	}
	s.logger.Warn("gateway rejected order",
		"order_id", e.StrategyOrderID, "reason", e.Reason, "token", e.Token)
	if s.errCh == nil {
		return
	}
	select {
	case s.errCh <- e:
	default:
		s.logger.Warn("error queue full, rejection dropped", "order_id", e.StrategyOrderID)
	}
}

// LiquidationOrder returns the shadow order tracking an exchange-initiated
// liquidation, creating and registering it on first sight of the exchange
// client order id.
func (s *Session) LiquidationOrder(clientOrderID string, side core.Side, price, size decimal.Decimal, typ core.OrderType, token core.Token) *core.ClientOrder {
	if order, ok := s.liqOrders[clientOrderID]; ok {
		return order
	}

	order := s.buildOrder(OrderRequest{
		Side:   side,
		Price:  price,
		Size:   size,
		Type:   typ,
		Remark: "liquidation",
		Token:  token,
	})
	s.activeOrders[order.StrategyOrderID] = order
	s.liqOrders[clientOrderID] = order
	s.logger.Info("liquidation order tracked",
		"client_order_id", clientOrderID, "order_id", order.StrategyOrderID,
		"side", side, "price", price, "size", size)
	return order
}

// ActiveOrders returns the live order set keyed by strategy order id. The map
// is the session's own; callers must not mutate it.
func (s *Session) ActiveOrders() map[string]*core.ClientOrder {
	return s.activeOrders
}

// Order looks an order up in either set.
func (s *Session) Order(strategyOrderID string) *core.ClientOrder {
	if order, ok := s.activeOrders[strategyOrderID]; ok {
		return order
	}
	return s.inactiveOrders[strategyOrderID]
}

// PurgeInactive drops terminal orders untouched for longer than maxAge and
// returns how many were removed.
func (s *Session) PurgeInactive(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	purged := 0
	for id, order := range s.inactiveOrders {
		if order.LastUpdateTime.Before(cutoff) {
			delete(s.inactiveOrders, id)
			purged++
			s.logger.Debug("inactive order purged", "order_id", id)
		}
	}
	return purged
}
