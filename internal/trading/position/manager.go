// Package position monitors POSITION_OPEN slots: closure detection via the
// protective orders, loss-recovery accounting, and the missing-stop alert.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	"bbtrader/internal/infrastructure/metrics"
	apperrors "bbtrader/pkg/errors"
	"bbtrader/pkg/tradingutils"
)

const (
	// Account-trade lookup window around the closing order's update time.
	closureLookbackBefore = time.Minute
	closureLookbackAfter  = 5 * time.Minute
	closureTradeLimit     = 100
)

// Options carries cross-symbol settings.
type Options struct {
	HedgeMode bool

	// Martingale enables loss-recovery accounting on closures.
	Martingale bool
}

// Manager drives POSITION_OPEN slots.
type Manager struct {
	exchange core.IExchange
	store    core.IStateStore
	notifier core.INotifier
	journal  core.ITradeJournal
	metrics  *metrics.Metrics
	logger   core.ILogger
	opts     Options
}

func NewManager(exchange core.IExchange, store core.IStateStore, notifier core.INotifier,
	journal core.ITradeJournal, m *metrics.Metrics, opts Options, logger core.ILogger) *Manager {
	return &Manager{
		exchange: exchange,
		store:    store,
		notifier: notifier,
		journal:  journal,
		metrics:  m,
		logger:   logger.WithField("component", "position_manager"),
		opts:     opts,
	}
}

func (m *Manager) orderPositionSide(ps core.PositionSide) core.PositionSide {
	if m.opts.HedgeMode {
		return ps
	}
	return ""
}

func entrySideFor(ps core.PositionSide) core.Side {
	if ps == core.PositionLong {
		return core.SideBuy
	}
	return core.SideSell
}

// Process runs one monitoring pass over an open slot. Checks run in a
// fixed order: stop loss fill, take profit fill, position existence, and
// finally the missing-stop alert.
func (m *Manager) Process(ctx context.Context, slot *core.TradeSlot) error {
	if slot.Status != core.SlotOpen || slot.Open == nil {
		return nil
	}
	log := m.logger.WithField("key", slot.Key)
	open := slot.Open

	slWorking, closed, err := m.checkProtectiveOrder(ctx, slot, open.SLOrderID, "SL", log)
	if err != nil || closed {
		return err
	}

	_, closed, err = m.checkProtectiveOrder(ctx, slot, open.TPOrderID, "TP", log)
	if err != nil || closed {
		return err
	}

	pos, err := m.exchange.GetPosition(ctx, slot.Symbol, open.PositionSide)
	if err != nil {
		return fmt.Errorf("failed to query position for %s: %w", slot.Key, err)
	}
	if pos == nil {
		return m.handleVanishedPosition(ctx, slot, log)
	}

	if open.TPOrderID == nil {
		m.retryTakeProfit(ctx, slot, log)
	}

	return m.checkStopLossPresence(ctx, slot, slWorking, log)
}

// checkProtectiveOrder inspects one protective order. Only a FILLED status
// counts as a closure; a cancelled or expired protective order just loses
// its reference and falls through to the presence checks.
func (m *Manager) checkProtectiveOrder(ctx context.Context, slot *core.TradeSlot, orderID *int64, kind string, log core.ILogger) (working bool, closed bool, err error) {
	if orderID == nil {
		return false, false, nil
	}

	order, err := m.exchange.GetOrder(ctx, slot.Symbol, *orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			log.Warn("Protective order not found at exchange", "kind", kind, "order_id", *orderID)
			m.clearOrderRef(slot, kind)
			return false, false, m.store.PutSlot(slot)
		}
		return false, false, err
	}

	switch {
	case order.Status == core.OrderStatusFilled:
		return false, true, m.handleClosure(ctx, slot, order, kind, log)
	case order.Status.IsTerminal():
		log.Warn("Protective order ended without fill", "kind", kind, "order_id", order.OrderID, "status", order.Status)
		m.clearOrderRef(slot, kind)
		return false, false, m.store.PutSlot(slot)
	}
	return true, false, nil
}

func (m *Manager) clearOrderRef(slot *core.TradeSlot, kind string) {
	if kind == "SL" {
		slot.Open.SLOrderID = nil
	} else {
		slot.Open.TPOrderID = nil
	}
}

// handleClosure settles a slot closed by a filled protective order:
// accounting, journaling, notification, slot teardown.
func (m *Manager) handleClosure(ctx context.Context, slot *core.TradeSlot, order *core.Order, reason string, log core.ILogger) error {
	open := slot.Open
	closure := m.fetchClosureDetails(ctx, slot, order, reason, log)

	switch {
	case reason == "SL" && m.opts.Martingale && closure.RealizedPnL.Sign() < 0:
		loss := closure.RealizedPnL.Neg()
		if err := m.store.AddAccumulatedLoss(slot.Key, loss); err != nil {
			return err
		}
		m.metrics.SetAccumulatedLoss(slot.Key, m.store.AccumulatedLoss(slot.Key).InexactFloat64())
		log.Info("Loss accrued for recovery",
			"loss", loss, "accumulated", m.store.AccumulatedLoss(slot.Key))
	case reason == "TP" && closure.RealizedPnL.Sign() >= 0 && open.AccumulatedLossAtEntry.Sign() > 0:
		// A losing TP fill (entry slipped past the target) must not wipe
		// the recovery ledger.
		if err := m.store.ResetAccumulatedLoss(slot.Key); err != nil {
			return err
		}
		m.metrics.SetAccumulatedLoss(slot.Key, 0)
		log.Info("Accumulated loss reset after take profit")
	}

	m.cancelLeftoverOrders(ctx, slot, order.OrderID, log)

	if err := m.journal.RecordClosure(ctx, closure); err != nil {
		log.Error("Failed to journal closure", "error", err)
	}
	m.metrics.IncClosure(slot.Symbol, reason)

	if err := m.store.DeleteSlot(slot.Key); err != nil {
		return err
	}
	m.store.ClearSentinel(slot.Key)

	level := core.AlertInfo
	title := "Take profit hit"
	if reason == "SL" {
		level = core.AlertWarning
		title = "Stop loss hit"
	}
	fields := map[string]string{
		"slot":        slot.Key,
		"entry":       open.EntryPriceActual.String(),
		"close_price": closure.AvgClosePrice.String(),
		"qty":         closure.ClosedQuantity.String(),
		"pnl":         closure.RealizedPnL.String(),
	}
	if balance, ok := m.quoteBalance(ctx, slot.Symbol); ok {
		fields["balance"] = balance.String()
	}
	m.notifier.Alert(ctx, title,
		fmt.Sprintf("%s %s closed.", slot.Symbol, open.PositionSide), level, fields)

	log.Info("Position closed", "reason", reason,
		"pnl", closure.RealizedPnL, "close_price", closure.AvgClosePrice)
	return nil
}

// fetchClosureDetails prefers the account fills for exact realized PnL and
// commission, falling back to a manual computation from the order's
// average price.
func (m *Manager) fetchClosureDetails(ctx context.Context, slot *core.TradeSlot, order *core.Order, reason string, log core.ILogger) core.TradeClosure {
	open := slot.Open
	closure := core.TradeClosure{
		SlotKey:      slot.Key,
		Symbol:       slot.Symbol,
		PositionSide: open.PositionSide,
		Reason:       reason,
		EntryPrice:   open.EntryPriceActual,
		ClosedAtUTC:  order.UpdateTime,
	}

	trades, err := m.exchange.GetAccountTrades(ctx, slot.Symbol,
		order.UpdateTime.Add(-closureLookbackBefore),
		order.UpdateTime.Add(closureLookbackAfter),
		closureTradeLimit)
	if err == nil {
		var pnl, commission, qty, notional decimal.Decimal
		for _, t := range trades {
			if t.OrderID != order.OrderID {
				continue
			}
			pnl = pnl.Add(t.RealizedPnL)
			commission = commission.Add(t.Commission)
			qty = qty.Add(t.Quantity)
			notional = notional.Add(t.Price.Mul(t.Quantity))
		}
		if qty.Sign() > 0 {
			closure.RealizedPnL = pnl
			closure.Commission = commission
			closure.ClosedQuantity = qty
			closure.AvgClosePrice = notional.Div(qty)
			return closure
		}
	} else {
		log.Warn("Account trade lookup failed, using order average price", "error", err)
	}

	closePrice := order.AvgPrice
	if closePrice.IsZero() {
		closePrice = order.StopPrice
	}
	qty := order.ExecutedQty
	if qty.IsZero() {
		qty = open.Quantity
	}
	closure.AvgClosePrice = closePrice
	closure.ClosedQuantity = qty
	closure.RealizedPnL = tradingutils.RealizedPnL(open.EntryPriceActual, closePrice, qty,
		open.PositionSide == core.PositionLong)
	return closure
}

// cancelLeftoverOrders removes the surviving protective order after one of
// the pair filled.
func (m *Manager) cancelLeftoverOrders(ctx context.Context, slot *core.TradeSlot, filledOrderID int64, log core.ILogger) {
	open := slot.Open
	for _, id := range []*int64{open.SLOrderID, open.TPOrderID} {
		if id == nil || *id == filledOrderID {
			continue
		}
		if err := m.exchange.CancelOrder(ctx, slot.Symbol, *id); err != nil {
			log.Warn("Failed to cancel leftover protective order", "order_id", *id, "error", err)
			continue
		}
		m.metrics.IncOrderCancelled()
	}
}

// handleVanishedPosition settles a slot whose position disappeared without
// either protective order filling (manual close, liquidation, ADL). No
// recovery accounting happens for unknown closures.
func (m *Manager) handleVanishedPosition(ctx context.Context, slot *core.TradeSlot, log core.ILogger) error {
	open := slot.Open
	log.Warn("Position no longer exists at exchange, closing slot as unknown")

	m.cancelLeftoverOrders(ctx, slot, 0, log)

	closure := core.TradeClosure{
		SlotKey:        slot.Key,
		Symbol:         slot.Symbol,
		PositionSide:   open.PositionSide,
		Reason:         "UNKNOWN",
		EntryPrice:     open.EntryPriceActual,
		ClosedQuantity: open.Quantity,
		ClosedAtUTC:    time.Now().UTC(),
	}
	if err := m.journal.RecordClosure(ctx, closure); err != nil {
		log.Error("Failed to journal closure", "error", err)
	}
	m.metrics.IncClosure(slot.Symbol, "UNKNOWN")

	if err := m.store.DeleteSlot(slot.Key); err != nil {
		return err
	}
	m.store.ClearSentinel(slot.Key)

	m.notifier.Alert(ctx, "Position closed externally",
		fmt.Sprintf("%s %s disappeared without SL/TP fill. Accumulated loss untouched.",
			slot.Symbol, open.PositionSide),
		core.AlertWarning, map[string]string{"slot": slot.Key})
	return nil
}

// retryTakeProfit re-attempts the best-effort take profit for a position
// opened without one.
func (m *Manager) retryTakeProfit(ctx context.Context, slot *core.TradeSlot, log core.ILogger) {
	open := slot.Open
	side := entrySideFor(open.PositionSide).Opposite()
	order, err := m.exchange.PlaceTakeProfitMarketClose(ctx, slot.Symbol, side,
		open.TargetTPPrice, m.orderPositionSide(open.PositionSide))
	if err != nil {
		log.Warn("Take profit retry failed", "error", err)
		return
	}
	m.metrics.IncOrderPlaced(slot.Symbol, "TAKE_PROFIT_MARKET")
	open.TPOrderID = &order.OrderID
	if err := m.store.PutSlot(slot); err != nil {
		log.Error("Failed to persist restored take profit", "error", err)
	}
	log.Info("Take profit restored", "order_id", order.OrderID, "tp", open.TargetTPPrice)
}

// checkStopLossPresence raises a one-shot critical alert when an open
// position has no working stop loss. The sentinel survives restarts so the
// alert fires exactly once per slot.
func (m *Manager) checkStopLossPresence(ctx context.Context, slot *core.TradeSlot, slWorking bool, log core.ILogger) error {
	if slWorking {
		// A working stop clears the way for a future alert if it vanishes.
		if _, alerted := m.store.Sentinel(slot.Key); alerted {
			return m.store.ClearSentinel(slot.Key)
		}
		return nil
	}
	if slot.Open.SLOrderID != nil {
		// Reference exists but the order is not confirmed working yet;
		// wait for the next pass rather than alert early.
		return nil
	}

	if _, alerted := m.store.Sentinel(slot.Key); alerted {
		return nil
	}
	log.Error("Open position has no stop loss")
	m.notifier.Alert(ctx, "POSITION WITHOUT STOP LOSS",
		fmt.Sprintf("%s %s is open with no working stop loss. Intervene manually.",
			slot.Symbol, slot.Open.PositionSide),
		core.AlertCritical, map[string]string{
			"slot":      slot.Key,
			"entry":     slot.Open.EntryPriceActual.String(),
			"qty":       slot.Open.Quantity.String(),
			"target_sl": slot.Open.TargetSLPrice.String(),
		})
	return m.store.SetSentinel(slot.Key, time.Now().UTC())
}

// ForceClose market-exits a slot on operator request. Works for both slot
// states: pending slots just lose their working order.
func (m *Manager) ForceClose(ctx context.Context, slot *core.TradeSlot) error {
	log := m.logger.WithField("key", slot.Key)

	switch slot.Status {
	case core.SlotPending:
		if p := slot.Pending; p != nil && p.CurrentEntryOrderID != nil {
			if err := m.exchange.CancelOrder(ctx, slot.Symbol, *p.CurrentEntryOrderID); err != nil {
				return err
			}
			m.metrics.IncOrderCancelled()
		}

	case core.SlotOpen:
		open := slot.Open
		m.cancelLeftoverOrders(ctx, slot, 0, log)

		pos, err := m.exchange.GetPosition(ctx, slot.Symbol, open.PositionSide)
		if err != nil {
			return err
		}
		if pos != nil {
			side := entrySideFor(open.PositionSide).Opposite()
			if _, err := m.exchange.PlaceMarketClose(ctx, slot.Symbol, side,
				pos.Quantity, m.orderPositionSide(open.PositionSide)); err != nil {
				return fmt.Errorf("failed to force close %s: %w", slot.Key, err)
			}
		}

		closure := core.TradeClosure{
			SlotKey:        slot.Key,
			Symbol:         slot.Symbol,
			PositionSide:   open.PositionSide,
			Reason:         "FORCED",
			EntryPrice:     open.EntryPriceActual,
			ClosedQuantity: open.Quantity,
			ClosedAtUTC:    time.Now().UTC(),
		}
		if err := m.journal.RecordClosure(ctx, closure); err != nil {
			log.Error("Failed to journal closure", "error", err)
		}
		m.metrics.IncClosure(slot.Symbol, "FORCED")
	}

	if err := m.store.DeleteSlot(slot.Key); err != nil {
		return err
	}
	m.store.ClearSentinel(slot.Key)

	log.Warn("Slot force closed by operator")
	m.notifier.Alert(ctx, "Slot force closed",
		fmt.Sprintf("%s closed on operator request.", slot.Key),
		core.AlertWarning, map[string]string{"slot": slot.Key})
	return nil
}

// quoteBalance fetches the wallet balance in the symbol's quote asset for
// closure notifications. Best effort.
func (m *Manager) quoteBalance(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	filters, err := m.exchange.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, false
	}
	balance, err := m.exchange.GetBalance(ctx, filters.QuoteAsset)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return balance, true
}
