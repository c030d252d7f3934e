// Package risk sizes trade candidates against the effective monetary risk
// budget and the symbol's trading filters.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	apperrors "bbtrader/pkg/errors"
	"bbtrader/pkg/tradingutils"
)

// Config selects the base-risk source and the martingale behavior.
// Exactly one of UseFixedMonetaryRisk / UsePercentageRisk must be set.
type Config struct {
	UseFixedMonetaryRisk bool
	FixedMonetaryRisk    decimal.Decimal
	UsePercentageRisk    bool
	RiskPercentage       decimal.Decimal
	UseMartingale        bool
	RiskRewardMultiplier decimal.Decimal
}

// Sizer implements the effective-risk quantity derivation and bracket
// validation.
type Sizer struct {
	cfg      Config
	exchange core.IExchange
	logger   core.ILogger
}

func NewSizer(cfg Config, exchange core.IExchange, logger core.ILogger) *Sizer {
	return &Sizer{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger.WithField("component", "risk_sizer"),
	}
}

// EffectiveRisk resolves the monetary risk budget for the next trade.
// With martingale enabled and a positive accumulated loss, the budget grows
// by loss/K so a winning trade at reward K recovers the loss.
func (s *Sizer) EffectiveRisk(ctx context.Context, filters *core.SymbolFilters, accumulatedLoss decimal.Decimal) (decimal.Decimal, error) {
	var base decimal.Decimal
	switch {
	case s.cfg.UseFixedMonetaryRisk:
		base = s.cfg.FixedMonetaryRisk
	case s.cfg.UsePercentageRisk:
		balance, err := s.exchange.GetBalance(ctx, filters.QuoteAsset)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %v", apperrors.ErrBalanceUnavailable, err)
		}
		base = balance.Mul(s.cfg.RiskPercentage).Div(decimal.NewFromInt(100))
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: no risk source configured", apperrors.ErrInvalidSizing)
	}
	if base.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: base risk %s is not positive", apperrors.ErrInvalidSizing, base)
	}

	if s.cfg.UseMartingale && accumulatedLoss.Sign() > 0 && s.cfg.RiskRewardMultiplier.Sign() > 0 {
		recovery := accumulatedLoss.Div(s.cfg.RiskRewardMultiplier)
		effective := base.Add(recovery)
		s.logger.Info("Martingale recovery applied",
			"base_risk", base, "accumulated_loss", accumulatedLoss, "effective_risk", effective)
		return effective, nil
	}
	return base, nil
}

// SizeAndValidate turns a signal candidate into a fully validated bracket,
// or fails with apperrors.ErrInvalidSizing.
func (s *Sizer) SizeAndValidate(ctx context.Context, candidate core.SignalCandidate, accumulatedLoss decimal.Decimal, filters *core.SymbolFilters) (*core.ValidatedTrade, error) {
	rEffective, err := s.EffectiveRisk(ctx, filters, accumulatedLoss)
	if err != nil {
		return nil, err
	}

	entry := tradingutils.FloorToTick(candidate.EntryTarget, filters.PriceTick)
	sl := tradingutils.FloorToTick(candidate.StopLossRef, filters.PriceTick)

	if err := checkSLDirection(candidate.Side, entry, sl); err != nil {
		return nil, err
	}

	d := entry.Sub(sl).Abs()
	if d.LessThan(filters.PriceTick) {
		return nil, fmt.Errorf("%w: sl distance %s below tick %s", apperrors.ErrInvalidSizing, d, filters.PriceTick)
	}

	qty := tradingutils.FloorToStep(rEffective.Div(d), filters.QtyStep)
	if qty.LessThan(filters.MinQty) {
		return nil, fmt.Errorf("%w: quantity %s below min qty %s", apperrors.ErrInvalidSizing, qty, filters.MinQty)
	}
	if notional := qty.Mul(entry); notional.LessThan(filters.MinNotional) {
		return nil, fmt.Errorf("%w: notional %s below min notional %s", apperrors.ErrInvalidSizing, notional, filters.MinNotional)
	}

	tp, err := TakeProfitFor(candidate.Side, entry, sl, s.cfg.RiskRewardMultiplier, filters.PriceTick)
	if err != nil {
		return nil, err
	}

	return &core.ValidatedTrade{
		Side:       candidate.Side,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Quantity:   qty,
		REffective: rEffective,
	}, nil
}

// TakeProfitFor derives the tick-rounded take-profit at reward K times the
// SL distance, validating direction. Shared with the pending-order reprice
// path.
func TakeProfitFor(side core.Side, entry, sl, k, tick decimal.Decimal) (decimal.Decimal, error) {
	d := entry.Sub(sl).Abs()
	var tp decimal.Decimal
	if side == core.SideBuy {
		tp = entry.Add(k.Mul(d))
	} else {
		tp = entry.Sub(k.Mul(d))
	}
	tp = tradingutils.FloorToTick(tp, tick)

	if side == core.SideBuy && !tp.GreaterThan(entry) {
		return decimal.Decimal{}, fmt.Errorf("%w: tp %s not above entry %s", apperrors.ErrInvalidSizing, tp, entry)
	}
	if side == core.SideSell && !tp.LessThan(entry) {
		return decimal.Decimal{}, fmt.Errorf("%w: tp %s not below entry %s", apperrors.ErrInvalidSizing, tp, entry)
	}
	return tp, nil
}

func checkSLDirection(side core.Side, entry, sl decimal.Decimal) error {
	if side == core.SideBuy && !sl.LessThan(entry) {
		return fmt.Errorf("%w: sl %s not below entry %s for BUY", apperrors.ErrInvalidSizing, sl, entry)
	}
	if side == core.SideSell && !sl.GreaterThan(entry) {
		return fmt.Errorf("%w: sl %s not above entry %s for SELL", apperrors.ErrInvalidSizing, sl, entry)
	}
	return nil
}

// MartingaleEnabled reports whether loss-recovery accounting is active.
func (s *Sizer) MartingaleEnabled() bool {
	return s.cfg.UseMartingale
}
