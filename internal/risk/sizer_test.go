package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/core"
	"bbtrader/internal/mock"
	apperrors "bbtrader/pkg/errors"
	"bbtrader/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testFilters() *core.SymbolFilters {
	return &core.SymbolFilters{
		PriceTick:   dec("0.1"),
		QtyStep:     dec("0.01"),
		MinQty:      dec("0.01"),
		MinNotional: dec("5"),
		QuoteAsset:  "USDT",
	}
}

func fixedSizer(t *testing.T, ex core.IExchange) *Sizer {
	t.Helper()
	return NewSizer(Config{
		UseFixedMonetaryRisk: true,
		FixedMonetaryRisk:    dec("1.00"),
		UseMartingale:        true,
		RiskRewardMultiplier: dec("10"),
	}, ex, logging.NewNop())
}

func TestSizeAndValidateBuy(t *testing.T) {
	s := fixedSizer(t, mock.NewExchange())
	candidate := core.SignalCandidate{
		Symbol:      "BTCUSDT",
		Side:        core.SideBuy,
		EntryTarget: dec("100.8"),
		StopLossRef: dec("100.0"),
	}

	trade, err := s.SizeAndValidate(context.Background(), candidate, decimal.Zero, testFilters())
	require.NoError(t, err)

	assert.True(t, trade.Entry.Equal(dec("100.8")), "entry = %s", trade.Entry)
	assert.True(t, trade.StopLoss.Equal(dec("100.0")), "sl = %s", trade.StopLoss)
	assert.True(t, trade.Quantity.Equal(dec("1.25")), "qty = %s", trade.Quantity)
	assert.True(t, trade.TakeProfit.Equal(dec("108.8")), "tp = %s", trade.TakeProfit)
	assert.True(t, trade.REffective.Equal(dec("1.00")))
}

func TestEffectiveRiskMartingale(t *testing.T) {
	s := fixedSizer(t, mock.NewExchange())

	r, err := s.EffectiveRisk(context.Background(), testFilters(), dec("0.975"))
	require.NoError(t, err)
	assert.True(t, r.Equal(dec("1.0975")), "effective risk = %s", r)
}

func TestEffectiveRiskFromBalancePercentage(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("USDT", dec("2000"))
	s := NewSizer(Config{
		UsePercentageRisk:    true,
		RiskPercentage:       dec("0.5"),
		RiskRewardMultiplier: dec("10"),
	}, ex, logging.NewNop())

	r, err := s.EffectiveRisk(context.Background(), testFilters(), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, r.Equal(dec("10")), "effective risk = %s", r)
}

func TestEffectiveRiskBalanceUnavailable(t *testing.T) {
	ex := mock.NewExchange() // no balance installed
	s := NewSizer(Config{
		UsePercentageRisk:    true,
		RiskPercentage:       dec("1"),
		RiskRewardMultiplier: dec("10"),
	}, ex, logging.NewNop())

	_, err := s.EffectiveRisk(context.Background(), testFilters(), decimal.Zero)
	require.ErrorIs(t, err, apperrors.ErrBalanceUnavailable)
}

func TestSizeAndValidateRejections(t *testing.T) {
	s := fixedSizer(t, mock.NewExchange())
	ctx := context.Background()

	// SL on the wrong side of entry.
	_, err := s.SizeAndValidate(ctx, core.SignalCandidate{
		Side: core.SideBuy, EntryTarget: dec("100.0"), StopLossRef: dec("100.8"),
	}, decimal.Zero, testFilters())
	require.ErrorIs(t, err, apperrors.ErrInvalidSizing)

	// SL distance collapses below one tick after rounding.
	_, err = s.SizeAndValidate(ctx, core.SignalCandidate{
		Side: core.SideBuy, EntryTarget: dec("100.05"), StopLossRef: dec("100.01"),
	}, decimal.Zero, testFilters())
	require.ErrorIs(t, err, apperrors.ErrInvalidSizing)

	// Quantity below the minimum.
	wide := testFilters()
	wide.MinQty = dec("5")
	_, err = s.SizeAndValidate(ctx, core.SignalCandidate{
		Side: core.SideBuy, EntryTarget: dec("100.8"), StopLossRef: dec("100.0"),
	}, decimal.Zero, wide)
	require.ErrorIs(t, err, apperrors.ErrInvalidSizing)

	// Notional below the minimum.
	notional := testFilters()
	notional.MinNotional = dec("1000")
	_, err = s.SizeAndValidate(ctx, core.SignalCandidate{
		Side: core.SideBuy, EntryTarget: dec("100.8"), StopLossRef: dec("100.0"),
	}, decimal.Zero, notional)
	require.ErrorIs(t, err, apperrors.ErrInvalidSizing)
}

func TestSizeAndValidateSell(t *testing.T) {
	s := fixedSizer(t, mock.NewExchange())
	trade, err := s.SizeAndValidate(context.Background(), core.SignalCandidate{
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		EntryTarget: dec("101.2"),
		StopLossRef: dec("102.0"),
	}, decimal.Zero, testFilters())
	require.NoError(t, err)

	assert.True(t, trade.StopLoss.GreaterThan(trade.Entry))
	assert.True(t, trade.TakeProfit.Equal(dec("93.2")), "tp = %s", trade.TakeProfit)
}

func TestTakeProfitForDirectionalSanity(t *testing.T) {
	_, err := TakeProfitFor(core.SideBuy, dec("100"), dec("100"), dec("10"), dec("0.1"))
	require.ErrorIs(t, err, apperrors.ErrInvalidSizing)
}
