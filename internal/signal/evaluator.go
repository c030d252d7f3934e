// Package signal evaluates the tri-timeframe Bollinger entry trigger.
package signal

import (
	"bbtrader/internal/core"
)

// Evaluator derives directional entry candidates from the market data
// cache. Missing or stale data always means "no signal", never an error.
type Evaluator struct {
	marketData core.IMarketData
	logger     core.ILogger
}

func NewEvaluator(marketData core.IMarketData, logger core.ILogger) *Evaluator {
	return &Evaluator{
		marketData: marketData,
		logger:     logger.WithField("component", "signal_evaluator"),
	}
}

// Evaluate checks the side-specific precondition on the primary and
// SL-reference bands and the trigger-close condition. The first side whose
// precondition and trigger both hold wins; BUY is checked first.
//
// BUY:  BBL_orig(P) > BBM_orig(S) and close(T) < BBM_orig(P), entry = BBL_new(P).
// SELL: BBU_orig(P) < BBM_orig(S) and close(T) > BBM_orig(P), entry = BBU_new(P).
//
// Equality never triggers.
func (e *Evaluator) Evaluate(symbol string, sc core.SymbolConfig, slRefInterval string) *core.SignalCandidate {
	trigger, ok := e.marketData.LatestCandle(symbol, sc.TriggerInterval)
	if !ok {
		return nil
	}
	primary, ok := e.marketData.ContextualBands(symbol, sc.PrimaryInterval)
	if !ok {
		return nil
	}
	slRef, ok := e.marketData.ContextualBands(symbol, slRefInterval)
	if !ok {
		return nil
	}

	price := trigger.Close

	if primary.BBLOrig.GreaterThan(slRef.BBMOrig) && price.LessThan(primary.BBMOrig) {
		e.logger.Info("BUY signal",
			"symbol", symbol,
			"price", price,
			"bbl_orig_primary", primary.BBLOrig,
			"bbm_orig_sl_ref", slRef.BBMOrig,
			"entry_target", primary.BBLNew)
		return &core.SignalCandidate{
			Symbol:         symbol,
			Side:           core.SideBuy,
			EntryTarget:    primary.BBLNew,
			StopLossRef:    slRef.BBMOrig,
			TriggerTimeUTC: trigger.OpenTime,
		}
	}

	if primary.BBUOrig.LessThan(slRef.BBMOrig) && price.GreaterThan(primary.BBMOrig) {
		e.logger.Info("SELL signal",
			"symbol", symbol,
			"price", price,
			"bbu_orig_primary", primary.BBUOrig,
			"bbm_orig_sl_ref", slRef.BBMOrig,
			"entry_target", primary.BBUNew)
		return &core.SignalCandidate{
			Symbol:         symbol,
			Side:           core.SideSell,
			EntryTarget:    primary.BBUNew,
			StopLossRef:    slRef.BBMOrig,
			TriggerTimeUTC: trigger.OpenTime,
		}
	}

	return nil
}
