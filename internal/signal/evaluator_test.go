package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/core"
	"bbtrader/internal/mock"
	"bbtrader/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

const (
	sym      = "BTCUSDT"
	slRefIvl = "15m"
)

func symbolConfig() core.SymbolConfig {
	return core.SymbolConfig{
		PrimaryInterval: "5m",
		TriggerInterval: "1m",
		MAType:          "SMA",
		Length:          20,
		MultOrig:        2.0,
		MultNew:         1.0,
		Active:          true,
	}
}

func buyFixture(md *mock.MarketData, triggerClose string) {
	md.SetBands(sym, "5m", core.BollingerBands{
		BBLOrig: dec("100.5"),
		BBMOrig: dec("101.0"),
		BBUOrig: dec("101.5"),
		BBLNew:  dec("100.8"),
		BBUNew:  dec("101.2"),
	})
	md.SetBands(sym, slRefIvl, core.BollingerBands{
		BBMOrig: dec("100.0"),
	})
	md.SetCandles(sym, "1m", []core.Candle{{
		Symbol:   sym,
		Interval: "1m",
		OpenTime: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Close:    dec(triggerClose),
	}})
}

func TestEvaluateBuySignal(t *testing.T) {
	md := mock.NewMarketData()
	buyFixture(md, "100.9")

	e := NewEvaluator(md, logging.NewNop())
	candidate := e.Evaluate(sym, symbolConfig(), slRefIvl)
	require.NotNil(t, candidate)

	assert.Equal(t, core.SideBuy, candidate.Side)
	assert.True(t, candidate.EntryTarget.Equal(dec("100.8")), "entry = %s", candidate.EntryTarget)
	assert.True(t, candidate.StopLossRef.Equal(dec("100.0")), "sl ref = %s", candidate.StopLossRef)
}

func TestEvaluateNoSignalWhenPriceAboveMiddle(t *testing.T) {
	md := mock.NewMarketData()
	// Close sits exactly on BBM_orig: strict inequality means no trigger.
	buyFixture(md, "101.0")

	e := NewEvaluator(md, logging.NewNop())
	assert.Nil(t, e.Evaluate(sym, symbolConfig(), slRefIvl))
}

func TestEvaluateNoSignalWhenPreconditionFails(t *testing.T) {
	md := mock.NewMarketData()
	buyFixture(md, "100.9")
	// Raise the SL reference middle above BBL_orig of the primary.
	md.SetBands(sym, slRefIvl, core.BollingerBands{BBMOrig: dec("100.6")})

	e := NewEvaluator(md, logging.NewNop())
	assert.Nil(t, e.Evaluate(sym, symbolConfig(), slRefIvl))
}

func TestEvaluateSellSignal(t *testing.T) {
	md := mock.NewMarketData()
	md.SetBands(sym, "5m", core.BollingerBands{
		BBLOrig: dec("100.5"),
		BBMOrig: dec("101.0"),
		BBUOrig: dec("101.5"),
		BBLNew:  dec("100.8"),
		BBUNew:  dec("101.2"),
	})
	md.SetBands(sym, slRefIvl, core.BollingerBands{BBMOrig: dec("102.0")})
	md.SetCandles(sym, "1m", []core.Candle{{
		Symbol: sym, Interval: "1m", Close: dec("101.1"),
	}})

	e := NewEvaluator(md, logging.NewNop())
	candidate := e.Evaluate(sym, symbolConfig(), slRefIvl)
	require.NotNil(t, candidate)
	assert.Equal(t, core.SideSell, candidate.Side)
	assert.True(t, candidate.EntryTarget.Equal(dec("101.2")))
	assert.True(t, candidate.StopLossRef.Equal(dec("102.0")))
}

func TestEvaluateUnavailableDataMeansNoSignal(t *testing.T) {
	md := mock.NewMarketData()
	buyFixture(md, "100.9")
	md.ClearBands(sym, "5m")

	e := NewEvaluator(md, logging.NewNop())
	assert.Nil(t, e.Evaluate(sym, symbolConfig(), slRefIvl))
}
