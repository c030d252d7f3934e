// Package pending manages trade slots in the dynamic-limit-entry state:
// target refresh, precondition re-verification, trigger-zone gating of the
// working limit order, and the fill-to-position transition.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bbtrader/internal/config"
	"bbtrader/internal/core"
	"bbtrader/internal/infrastructure/metrics"
	"bbtrader/internal/risk"
	apperrors "bbtrader/pkg/errors"
)

const (
	// refreshMargin pulls the periodic target refresh ahead of the primary
	// candle close so new targets are in place before the next candle.
	refreshMargin = 30 * time.Second

	// newCandleGrace is the window after a primary candle opens during
	// which a refresh is forced even if the periodic deadline is not due.
	newCandleGrace = 45 * time.Second
)

// Options carries the cross-symbol settings the manager needs.
type Options struct {
	SLRefInterval string
	HedgeMode     bool
}

// Manager drives PENDING_DYNAMIC_LIMIT slots through their lifecycle.
type Manager struct {
	exchange   core.IExchange
	marketData core.IMarketData
	sizer      *risk.Sizer
	store      core.IStateStore
	notifier   core.INotifier
	metrics    *metrics.Metrics
	logger     core.ILogger
	opts       Options
}

func NewManager(exchange core.IExchange, marketData core.IMarketData, sizer *risk.Sizer,
	store core.IStateStore, notifier core.INotifier, m *metrics.Metrics,
	opts Options, logger core.ILogger) *Manager {
	return &Manager{
		exchange:   exchange,
		marketData: marketData,
		sizer:      sizer,
		store:      store,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.WithField("component", "pending_order_manager"),
		opts:       opts,
	}
}

func (m *Manager) orderPositionSide(side core.Side) core.PositionSide {
	if m.opts.HedgeMode {
		return core.PositionSideFor(side)
	}
	return ""
}

// CreateFromSignal sizes a fresh signal candidate and, if it validates,
// persists a new pending slot. No order is placed yet; the gating phase of
// the next tick decides that.
func (m *Manager) CreateFromSignal(ctx context.Context, candidate *core.SignalCandidate, sc core.SymbolConfig) error {
	key := core.SlotKey(candidate.Symbol, core.PositionSideFor(candidate.Side))
	if _, exists := m.store.GetSlot(key); exists {
		return nil
	}

	filters, err := m.exchange.GetSymbolFilters(ctx, candidate.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load filters for %s: %w", candidate.Symbol, err)
	}

	accLoss := m.store.AccumulatedLoss(key)
	trade, err := m.sizer.SizeAndValidate(ctx, *candidate, accLoss, filters)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidSizing) {
			m.logger.Warn("Signal rejected by sizing", "key", key, "error", err)
			return nil
		}
		return err
	}

	primary, ok := m.marketData.ContextualBands(candidate.Symbol, sc.PrimaryInterval)
	if !ok {
		return nil
	}
	slRef, ok := m.marketData.ContextualBands(candidate.Symbol, m.opts.SLRefInterval)
	if !ok {
		return nil
	}

	pending := &core.PendingTrade{
		SignalType:       candidate.Side,
		TargetEntryPrice: trade.Entry,
		TargetSLPrice:    trade.StopLoss,
		TargetTPPrice:    trade.TakeProfit,
		Quantity:         trade.Quantity,
		Leverage:         sc.Leverage,

		PreCheckBBLOrigPrimary: primary.BBLOrig,
		PreCheckBBUOrigPrimary: primary.BBUOrig,
		PreCheckBBMSLRef:       slRef.BBMOrig,

		LastPrimaryUpdateUTC: time.Now().UTC(),
		SignalTimeUTC:        candidate.TriggerTimeUTC,

		TargetMonetaryRisk:     trade.REffective,
		AccumulatedLossAtEntry: accLoss,
	}
	setGateBands(pending, candidate.Side, primary)

	slot := &core.TradeSlot{
		Key:     key,
		Symbol:  candidate.Symbol,
		Status:  core.SlotPending,
		Pending: pending,
	}
	if err := m.store.PutSlot(slot); err != nil {
		return fmt.Errorf("failed to persist new slot %s: %w", key, err)
	}

	m.metrics.IncSignal(candidate.Symbol, string(candidate.Side))
	m.logger.Info("Pending slot created",
		"key", key, "side", candidate.Side,
		"entry", trade.Entry, "sl", trade.StopLoss, "tp", trade.TakeProfit,
		"qty", trade.Quantity, "risk", trade.REffective)
	return nil
}

// setGateBands stores the trigger-gating zone: [BBL_orig, BBM_orig] for a
// BUY, [BBM_orig, BBU_orig] for a SELL.
func setGateBands(p *core.PendingTrade, side core.Side, primary core.BollingerBands) {
	p.GatingBBMOrigPrimary = primary.BBMOrig
	if side == core.SideBuy {
		p.GateBandPrimaryLower = primary.BBLOrig
		p.GateBandPrimaryUpper = primary.BBMOrig
	} else {
		p.GateBandPrimaryLower = primary.BBMOrig
		p.GateBandPrimaryUpper = primary.BBUOrig
	}
}

// Process runs one management pass over a pending slot: fill detection,
// target refresh, precondition re-verification, and entry-order gating.
func (m *Manager) Process(ctx context.Context, slot *core.TradeSlot, sc core.SymbolConfig) error {
	if slot.Status != core.SlotPending || slot.Pending == nil {
		return nil
	}
	log := m.logger.WithField("key", slot.Key)

	// Fill check comes first: a filled entry must become a position before
	// anything cancels or reprices it.
	filled, err := m.checkEntryFill(ctx, slot, log)
	if err != nil {
		return err
	}
	if filled {
		return nil
	}

	if m.refreshDue(slot.Pending, sc) {
		if done, err := m.refreshTargets(ctx, slot, sc, log); err != nil || done {
			return err
		}
	}

	if reaped, err := m.recheckPrecondition(ctx, slot, sc, log); err != nil || reaped {
		return err
	}

	return m.gateEntryOrder(ctx, slot, sc, log)
}

// refreshDue reports whether the periodic or new-candle refresh applies.
func (m *Manager) refreshDue(p *core.PendingTrade, sc core.SymbolConfig) bool {
	primaryDur, err := config.IntervalDuration(sc.PrimaryInterval)
	if err != nil {
		return false
	}
	now := time.Now().UTC()
	if now.Sub(p.LastPrimaryUpdateUTC) >= primaryDur-refreshMargin {
		return true
	}
	candleOpen := now.Truncate(primaryDur)
	return candleOpen.After(p.LastPrimaryUpdateUTC) && now.Sub(candleOpen) < newCandleGrace
}

// checkEntryFill queries the working entry order and transitions the slot
// to POSITION_OPEN if it filled. Returns true when the slot changed state
// or was destroyed.
func (m *Manager) checkEntryFill(ctx context.Context, slot *core.TradeSlot, log core.ILogger) (bool, error) {
	p := slot.Pending
	if p.CurrentEntryOrderID == nil {
		return false, nil
	}

	order, err := m.exchange.GetOrder(ctx, slot.Symbol, *p.CurrentEntryOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			log.Warn("Working entry order vanished, clearing reference", "order_id", *p.CurrentEntryOrderID)
			p.CurrentEntryOrderID = nil
			return false, m.store.PutSlot(slot)
		}
		return false, err
	}

	switch {
	case order.Status == core.OrderStatusFilled:
		return true, m.openPosition(ctx, slot, order, log)
	case order.Status.IsTerminal():
		log.Warn("Entry order ended without fill", "order_id", order.OrderID, "status", order.Status)
		p.CurrentEntryOrderID = nil
		return false, m.store.PutSlot(slot)
	}
	return false, nil
}

// refreshTargets reprices the bracket from fresh bands. A working order at
// a stale price is cancelled so gating can re-place it. Returns done=true
// when the slot was destroyed.
func (m *Manager) refreshTargets(ctx context.Context, slot *core.TradeSlot, sc core.SymbolConfig, log core.ILogger) (bool, error) {
	p := slot.Pending

	// Unavailable bands still consume this refresh window; without the
	// timestamp bump the refresh would re-fire every tick.
	primary, ok := m.marketData.ContextualBands(slot.Symbol, sc.PrimaryInterval)
	if !ok {
		p.LastPrimaryUpdateUTC = time.Now().UTC()
		return false, m.store.PutSlot(slot)
	}
	slRef, ok := m.marketData.ContextualBands(slot.Symbol, m.opts.SLRefInterval)
	if !ok {
		p.LastPrimaryUpdateUTC = time.Now().UTC()
		return false, m.store.PutSlot(slot)
	}

	entryTarget := primary.BBLNew
	if p.SignalType == core.SideSell {
		entryTarget = primary.BBUNew
	}
	candidate := core.SignalCandidate{
		Symbol:      slot.Symbol,
		Side:        p.SignalType,
		EntryTarget: entryTarget,
		StopLossRef: slRef.BBMOrig,
	}

	filters, err := m.exchange.GetSymbolFilters(ctx, slot.Symbol)
	if err != nil {
		return false, err
	}
	trade, err := m.sizer.SizeAndValidate(ctx, candidate, p.AccumulatedLossAtEntry, filters)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidSizing) {
			log.Warn("Refreshed targets no longer size, destroying slot", "error", err)
			return true, m.destroySlot(ctx, slot, "refresh sizing failed", log)
		}
		return false, err
	}

	slChanged := !trade.StopLoss.Equal(p.TargetSLPrice)
	entryChanged := !trade.Entry.Equal(p.TargetEntryPrice)

	p.TargetEntryPrice = trade.Entry
	p.TargetSLPrice = trade.StopLoss
	p.TargetTPPrice = trade.TakeProfit
	p.Quantity = trade.Quantity
	p.TargetMonetaryRisk = trade.REffective
	p.PreCheckBBLOrigPrimary = primary.BBLOrig
	p.PreCheckBBUOrigPrimary = primary.BBUOrig
	p.PreCheckBBMSLRef = slRef.BBMOrig
	p.LastPrimaryUpdateUTC = time.Now().UTC()
	setGateBands(p, p.SignalType, primary)

	if entryChanged && p.CurrentEntryOrderID != nil {
		log.Info("Entry target moved, cancelling working order",
			"order_id", *p.CurrentEntryOrderID, "new_entry", trade.Entry)
		if err := m.exchange.CancelOrder(ctx, slot.Symbol, *p.CurrentEntryOrderID); err != nil {
			return false, err
		}
		m.metrics.IncOrderCancelled()
		p.CurrentEntryOrderID = nil
	}

	if slChanged {
		m.notifier.Alert(ctx, "Stop loss target updated",
			fmt.Sprintf("%s %s pending bracket repriced.", slot.Symbol, p.SignalType),
			core.AlertInfo, map[string]string{
				"slot":  slot.Key,
				"entry": trade.Entry.String(),
				"sl":    trade.StopLoss.String(),
				"tp":    trade.TakeProfit.String(),
			})
	}

	log.Info("Pending targets refreshed",
		"entry", trade.Entry, "sl", trade.StopLoss, "tp", trade.TakeProfit, "qty", trade.Quantity)
	return false, m.store.PutSlot(slot)
}

// recheckPrecondition re-verifies the signal precondition on the stored
// band snapshot and reaps the slot when it broke.
func (m *Manager) recheckPrecondition(ctx context.Context, slot *core.TradeSlot, sc core.SymbolConfig, log core.ILogger) (bool, error) {
	p := slot.Pending

	var holds bool
	if p.SignalType == core.SideBuy {
		holds = p.PreCheckBBLOrigPrimary.GreaterThan(p.PreCheckBBMSLRef)
	} else {
		holds = p.PreCheckBBUOrigPrimary.LessThan(p.PreCheckBBMSLRef)
	}
	if holds {
		return false, nil
	}

	log.Warn("Signal precondition no longer holds, reaping slot",
		"side", p.SignalType,
		"bbl_orig", p.PreCheckBBLOrigPrimary,
		"bbu_orig", p.PreCheckBBUOrigPrimary,
		"bbm_sl_ref", p.PreCheckBBMSLRef)
	if err := m.destroySlot(ctx, slot, "precondition invalidated", log); err != nil {
		return true, err
	}
	m.notifier.Alert(ctx, "Pending trade cancelled",
		fmt.Sprintf("%s %s precondition no longer holds.", slot.Symbol, p.SignalType),
		core.AlertInfo, map[string]string{"slot": slot.Key})
	return true, nil
}

// gateEntryOrder places or cancels the limit entry based on whether the
// current trigger candle probes the gating zone.
func (m *Manager) gateEntryOrder(ctx context.Context, slot *core.TradeSlot, sc core.SymbolConfig, log core.ILogger) error {
	p := slot.Pending

	trigger, ok := m.marketData.LatestCandle(slot.Symbol, sc.TriggerInterval)
	if !ok {
		return nil
	}

	probe := trigger.Low
	if p.SignalType == core.SideSell {
		probe = trigger.High
	}
	inZone := probe.GreaterThanOrEqual(p.GateBandPrimaryLower) &&
		probe.LessThanOrEqual(p.GateBandPrimaryUpper)

	switch {
	case inZone && p.CurrentEntryOrderID == nil:
		order, err := m.exchange.PlaceLimitEntry(ctx, slot.Symbol, p.SignalType,
			p.Quantity, p.TargetEntryPrice, m.orderPositionSide(p.SignalType))
		if err != nil {
			return fmt.Errorf("failed to place entry order for %s: %w", slot.Key, err)
		}
		m.metrics.IncOrderPlaced(slot.Symbol, "LIMIT")
		p.CurrentEntryOrderID = &order.OrderID
		log.Info("Entry order placed in gating zone",
			"order_id", order.OrderID, "probe", probe,
			"zone_low", p.GateBandPrimaryLower, "zone_high", p.GateBandPrimaryUpper)
		return m.store.PutSlot(slot)

	case !inZone && p.CurrentEntryOrderID != nil:
		log.Info("Probe left gating zone, cancelling entry order",
			"order_id", *p.CurrentEntryOrderID, "probe", probe,
			"zone_low", p.GateBandPrimaryLower, "zone_high", p.GateBandPrimaryUpper)
		if err := m.exchange.CancelOrder(ctx, slot.Symbol, *p.CurrentEntryOrderID); err != nil {
			return err
		}
		m.metrics.IncOrderCancelled()
		p.CurrentEntryOrderID = nil
		return m.store.PutSlot(slot)
	}
	return nil
}

// openPosition converts a filled entry into a POSITION_OPEN slot: validate
// the fill against the bracket, install the mandatory stop loss, attempt
// the take profit.
func (m *Manager) openPosition(ctx context.Context, slot *core.TradeSlot, entryOrder *core.Order, log core.ILogger) error {
	p := slot.Pending
	side := p.SignalType
	posSide := core.PositionSideFor(side)

	entryActual := entryOrder.AvgPrice
	if entryActual.Sign() <= 0 {
		entryActual = p.TargetEntryPrice
	}
	quantity := entryOrder.ExecutedQty
	if quantity.IsZero() {
		quantity = p.Quantity
	}
	if entryActual.Sign() <= 0 {
		log.Error("No usable entry price for filled order", "order_id", entryOrder.OrderID)
		return m.emergencyClose(ctx, slot, side, quantity, "no usable entry price", log)
	}

	log.Info("Entry order filled", "order_id", entryOrder.OrderID,
		"entry_actual", entryActual, "qty", quantity)

	// The stored stop must still make sense against the actual fill, and
	// the market must not already be through it.
	valid := slValidAgainstEntry(side, entryActual, p.TargetSLPrice)
	if valid {
		if mark, err := m.exchange.GetMarkPrice(ctx, slot.Symbol); err == nil {
			valid = !marketThroughSL(side, mark, p.TargetSLPrice)
			if !valid {
				log.Error("Market already through stop after fill", "mark", mark, "sl", p.TargetSLPrice)
			}
		}
	} else {
		log.Error("Stop loss invalid against actual entry", "entry_actual", entryActual, "sl", p.TargetSLPrice)
	}
	if !valid {
		return m.emergencyClose(ctx, slot, side, quantity, "stop loss unplaceable after fill", log)
	}

	slOrder, err := m.exchange.PlaceStopMarketClose(ctx, slot.Symbol, side.Opposite(),
		p.TargetSLPrice, m.orderPositionSide(side))
	if err != nil {
		log.Error("Mandatory stop loss placement failed", "error", err)
		return m.emergencyClose(ctx, slot, side, quantity, "stop loss placement failed", log)
	}
	m.metrics.IncOrderPlaced(slot.Symbol, "STOP_MARKET")

	open := &core.OpenPosition{
		PositionSide:           posSide,
		Quantity:               quantity,
		EntryPriceActual:       entryActual,
		TargetSLPrice:          p.TargetSLPrice,
		TargetTPPrice:          p.TargetTPPrice,
		Leverage:               p.Leverage,
		SLOrderID:              &slOrder.OrderID,
		OpenedAtUTC:            time.Now().UTC(),
		TargetMonetaryRisk:     p.TargetMonetaryRisk,
		AccumulatedLossAtEntry: p.AccumulatedLossAtEntry,
	}

	// Take profit is best effort: a miss leaves the position protected by
	// the stop and is retried by the position manager's no-TP handling.
	tpOrder, err := m.exchange.PlaceTakeProfitMarketClose(ctx, slot.Symbol, side.Opposite(),
		p.TargetTPPrice, m.orderPositionSide(side))
	if err != nil {
		log.Warn("Take profit placement failed, position remains SL-protected", "error", err)
	} else {
		m.metrics.IncOrderPlaced(slot.Symbol, "TAKE_PROFIT_MARKET")
		open.TPOrderID = &tpOrder.OrderID
	}

	slot.Status = core.SlotOpen
	slot.Pending = nil
	slot.Open = open
	if err := m.store.PutSlot(slot); err != nil {
		return fmt.Errorf("failed to persist open slot %s: %w", slot.Key, err)
	}

	m.notifier.Alert(ctx, "Position opened",
		fmt.Sprintf("%s %s filled.", slot.Symbol, side),
		core.AlertInfo, map[string]string{
			"slot":  slot.Key,
			"entry": entryActual.String(),
			"qty":   quantity.String(),
			"sl":    p.TargetSLPrice.String(),
			"tp":    p.TargetTPPrice.String(),
		})
	return nil
}

func slValidAgainstEntry(side core.Side, entry, sl decimal.Decimal) bool {
	if side == core.SideBuy {
		return sl.LessThan(entry)
	}
	return sl.GreaterThan(entry)
}

func marketThroughSL(side core.Side, mark, sl decimal.Decimal) bool {
	if side == core.SideBuy {
		return mark.LessThanOrEqual(sl)
	}
	return mark.GreaterThanOrEqual(sl)
}

// emergencyClose market-exits an unprotectable position and destroys the
// slot. No loss accounting happens here; the accumulated loss is only fed
// by confirmed SL closures.
func (m *Manager) emergencyClose(ctx context.Context, slot *core.TradeSlot, side core.Side, quantity decimal.Decimal, reason string, log core.ILogger) error {
	log.Error("Emergency close", "reason", reason, "qty", quantity)
	m.metrics.IncEmergencyClose()

	// The slot is destroyed no matter how the close goes; a failed close is
	// manual intervention territory, not a slot the engine keeps managing.
	if _, err := m.exchange.PlaceMarketClose(ctx, slot.Symbol, side.Opposite(),
		quantity, m.orderPositionSide(side)); err != nil {
		m.notifier.Alert(ctx, "EMERGENCY CLOSE FAILED",
			fmt.Sprintf("%s %s could not be closed: %v. Close manually.", slot.Symbol, side, err),
			core.AlertCritical, map[string]string{"slot": slot.Key})
		if derr := m.store.DeleteSlot(slot.Key); derr != nil {
			return derr
		}
		return fmt.Errorf("emergency close failed for %s: %w", slot.Key, err)
	}

	if err := m.store.DeleteSlot(slot.Key); err != nil {
		return err
	}
	m.notifier.Alert(ctx, "Emergency close executed",
		fmt.Sprintf("%s %s was market-closed: %s.", slot.Symbol, side, reason),
		core.AlertCritical, map[string]string{"slot": slot.Key, "qty": quantity.String()})
	return nil
}

// destroySlot cancels any working entry order and removes the slot.
func (m *Manager) destroySlot(ctx context.Context, slot *core.TradeSlot, reason string, log core.ILogger) error {
	if p := slot.Pending; p != nil && p.CurrentEntryOrderID != nil {
		if err := m.exchange.CancelOrder(ctx, slot.Symbol, *p.CurrentEntryOrderID); err != nil {
			return err
		}
		m.metrics.IncOrderCancelled()
	}
	log.Info("Pending slot destroyed", "reason", reason)
	return m.store.DeleteSlot(slot.Key)
}
