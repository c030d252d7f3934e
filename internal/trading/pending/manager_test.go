package pending

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/core"
	"bbtrader/internal/mock"
	"bbtrader/internal/risk"
	"bbtrader/internal/state"
	"bbtrader/pkg/logging"
)

const (
	sym      = "BTCUSDT"
	slotKey  = "BTCUSDT_LONG"
	slRefIvl = "15m"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func symbolConfig() core.SymbolConfig {
	return core.SymbolConfig{
		PrimaryInterval: "5m",
		TriggerInterval: "1m",
		MAType:          "SMA",
		Length:          20,
		MultOrig:        2.0,
		MultNew:         1.0,
		Leverage:        5,
		Active:          true,
	}
}

type fixture struct {
	exchange *mock.Exchange
	md       *mock.MarketData
	store    *state.FileStore
	notifier *mock.Notifier
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ex := mock.NewExchange()
	ex.SetFilters(sym, &core.SymbolFilters{
		PriceTick:   dec("0.1"),
		QtyStep:     dec("0.01"),
		MinQty:      dec("0.01"),
		MinNotional: dec("5"),
		QuoteAsset:  "USDT",
	})
	ex.SetMarkPrice(sym, dec("100.9"))

	md := mock.NewMarketData()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), logging.NewNop())
	notifier := mock.NewNotifier()

	sizer := risk.NewSizer(risk.Config{
		UseFixedMonetaryRisk: true,
		FixedMonetaryRisk:    dec("1.00"),
		UseMartingale:        true,
		RiskRewardMultiplier: dec("10"),
	}, ex, logging.NewNop())

	mgr := NewManager(ex, md, sizer, store, notifier, nil,
		Options{SLRefInterval: slRefIvl}, logging.NewNop())

	return &fixture{exchange: ex, md: md, store: store, notifier: notifier, mgr: mgr}
}

func (f *fixture) setBuyBands() {
	f.md.SetBands(sym, "5m", core.BollingerBands{
		BBLOrig: dec("100.5"),
		BBMOrig: dec("101.0"),
		BBUOrig: dec("101.5"),
		BBLNew:  dec("100.8"),
		BBUNew:  dec("101.2"),
	})
	f.md.SetBands(sym, slRefIvl, core.BollingerBands{BBMOrig: dec("100.0")})
}

func (f *fixture) setTriggerCandle(low, high, closePrice string) {
	f.md.SetCandles(sym, "1m", []core.Candle{{
		Symbol:   sym,
		Interval: "1m",
		OpenTime: time.Now().UTC().Truncate(time.Minute),
		Low:      dec(low),
		High:     dec(high),
		Close:    dec(closePrice),
	}})
}

func buyCandidate() *core.SignalCandidate {
	return &core.SignalCandidate{
		Symbol:      sym,
		Side:        core.SideBuy,
		EntryTarget: dec("100.8"),
		StopLossRef: dec("100.0"),
	}
}

func TestCreateFromSignalPersistsPendingSlot(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()

	require.NoError(t, f.mgr.CreateFromSignal(context.Background(), buyCandidate(), symbolConfig()))

	slot, ok := f.store.GetSlot(slotKey)
	require.True(t, ok)
	assert.Equal(t, core.SlotPending, slot.Status)
	require.NotNil(t, slot.Pending)
	p := slot.Pending
	assert.True(t, p.TargetEntryPrice.Equal(dec("100.8")))
	assert.True(t, p.TargetSLPrice.Equal(dec("100.0")))
	assert.True(t, p.TargetTPPrice.Equal(dec("108.8")))
	assert.True(t, p.Quantity.Equal(dec("1.25")))
	assert.True(t, p.GateBandPrimaryLower.Equal(dec("100.5")))
	assert.True(t, p.GateBandPrimaryUpper.Equal(dec("101.0")))
	assert.Nil(t, p.CurrentEntryOrderID, "no order before the gating phase")
	assert.Empty(t, f.exchange.PlacedOrders)
}

func TestGatingPlacesAndCancelsEntryOrder(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	// Probe inside the zone: the limit order goes out.
	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	slot, _ = f.store.GetSlot(slotKey)
	require.NotNil(t, slot.Pending.CurrentEntryOrderID)
	require.Len(t, f.exchange.PlacedOrders, 1)
	placed := f.exchange.PlacedOrders[0]
	assert.Equal(t, core.SideBuy, placed.Side)
	assert.True(t, placed.Price.Equal(dec("100.8")))

	// Probe drops below the zone: the order is cancelled.
	f.setTriggerCandle("100.4", "100.7", "100.5")
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	slot, _ = f.store.GetSlot(slotKey)
	assert.Nil(t, slot.Pending.CurrentEntryOrderID)
	assert.Equal(t, []int64{placed.OrderID}, f.exchange.CancelledOrders)
}

func TestPreconditionInvalidationReapsSlot(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	// Break the precondition in the stored snapshot.
	slot, _ := f.store.GetSlot(slotKey)
	slot.Pending.PreCheckBBMSLRef = dec("100.6")
	require.NoError(t, f.store.PutSlot(slot))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	_, ok := f.store.GetSlot(slotKey)
	assert.False(t, ok, "slot must be destroyed")
	assert.Equal(t, 1, f.notifier.Count("Pending trade cancelled"))
}

func TestEntryFillTransitionsToOpenPosition(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	slot, _ = f.store.GetSlot(slotKey)
	entryID := *slot.Pending.CurrentEntryOrderID
	f.exchange.SetOrder(&core.Order{
		OrderID:     entryID,
		Symbol:      sym,
		Side:        core.SideBuy,
		Status:      core.OrderStatusFilled,
		AvgPrice:    dec("100.78"),
		ExecutedQty: dec("1.25"),
	})

	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	slot, ok := f.store.GetSlot(slotKey)
	require.True(t, ok)
	assert.Equal(t, core.SlotOpen, slot.Status)
	assert.Nil(t, slot.Pending)
	require.NotNil(t, slot.Open)
	assert.True(t, slot.Open.EntryPriceActual.Equal(dec("100.78")))
	assert.True(t, slot.Open.Quantity.Equal(dec("1.25")))
	require.NotNil(t, slot.Open.SLOrderID, "stop loss is mandatory")
	assert.NotNil(t, slot.Open.TPOrderID)
	assert.Equal(t, 1, f.notifier.Count("Position opened"))

	// STOP_MARKET and TAKE_PROFIT_MARKET were placed after the fill.
	types := map[string]bool{}
	for _, o := range f.exchange.PlacedOrders {
		types[o.Type] = true
	}
	assert.True(t, types["STOP_MARKET"])
	assert.True(t, types["TAKE_PROFIT_MARKET"])
}

func TestStopLossFailureTriggersEmergencyClose(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))
	slot, _ = f.store.GetSlot(slotKey)
	entryID := *slot.Pending.CurrentEntryOrderID

	f.exchange.SetOrder(&core.Order{
		OrderID:     entryID,
		Symbol:      sym,
		Side:        core.SideBuy,
		Status:      core.OrderStatusFilled,
		AvgPrice:    dec("100.78"),
		ExecutedQty: dec("1.25"),
	})
	f.exchange.PlaceStopErr = assert.AnError

	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	_, ok := f.store.GetSlot(slotKey)
	assert.False(t, ok, "slot destroyed after emergency close")
	assert.Equal(t, 1, f.notifier.Count("Emergency close executed"))
	assert.True(t, f.store.AccumulatedLoss(slotKey).IsZero(),
		"emergency close never feeds loss recovery")

	var marketClosed bool
	for _, o := range f.exchange.PlacedOrders {
		if o.Type == "MARKET" && o.Side == core.SideSell {
			marketClosed = true
		}
	}
	assert.True(t, marketClosed)
}

func TestFailedEmergencyCloseStillDestroysSlot(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))
	slot, _ = f.store.GetSlot(slotKey)
	entryID := *slot.Pending.CurrentEntryOrderID

	f.exchange.SetOrder(&core.Order{
		OrderID:     entryID,
		Symbol:      sym,
		Side:        core.SideBuy,
		Status:      core.OrderStatusFilled,
		AvgPrice:    dec("100.78"),
		ExecutedQty: dec("1.25"),
	})
	f.exchange.PlaceStopErr = assert.AnError
	f.exchange.PlaceMarketErr = assert.AnError

	require.Error(t, f.mgr.Process(ctx, slot, symbolConfig()))

	_, ok := f.store.GetSlot(slotKey)
	assert.False(t, ok, "slot is destroyed even when the market close fails")
	assert.Equal(t, 1, f.notifier.Count("EMERGENCY CLOSE FAILED"))
	assert.True(t, f.store.AccumulatedLoss(slotKey).IsZero())
}

func TestUnusableEntryPriceTriggersEmergencyClose(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))
	slot, _ = f.store.GetSlot(slotKey)
	entryID := *slot.Pending.CurrentEntryOrderID

	// Fill reports no average price and the stored target is gone too.
	slot.Pending.TargetEntryPrice = decimal.Zero
	require.NoError(t, f.store.PutSlot(slot))
	f.exchange.SetOrder(&core.Order{
		OrderID:     entryID,
		Symbol:      sym,
		Side:        core.SideBuy,
		Status:      core.OrderStatusFilled,
		ExecutedQty: dec("1.25"),
	})

	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	_, ok := f.store.GetSlot(slotKey)
	assert.False(t, ok)
	assert.Equal(t, 1, f.notifier.Count("Emergency close executed"))
}

func TestRefreshWithoutBandsConsumesWindow(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	slot, _ := f.store.GetSlot(slotKey)
	stale := time.Now().UTC().Add(-10 * time.Minute)
	slot.Pending.LastPrimaryUpdateUTC = stale
	require.NoError(t, f.store.PutSlot(slot))

	f.md.ClearBands(sym, "5m")
	f.md.ClearBands(sym, slRefIvl)
	f.setTriggerCandle("100.6", "100.9", "100.9")

	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	slot, ok := f.store.GetSlot(slotKey)
	require.True(t, ok, "unavailable bands must not destroy the slot")
	assert.True(t, slot.Pending.LastPrimaryUpdateUTC.After(stale),
		"refresh timestamp advances so the refresh waits out the interval")
}

func TestMarketThroughStopTriggersEmergencyClose(t *testing.T) {
	f := newFixture(t)
	f.setBuyBands()
	ctx := context.Background()
	require.NoError(t, f.mgr.CreateFromSignal(ctx, buyCandidate(), symbolConfig()))

	f.setTriggerCandle("100.6", "100.9", "100.9")
	slot, _ := f.store.GetSlot(slotKey)
	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))
	slot, _ = f.store.GetSlot(slotKey)
	entryID := *slot.Pending.CurrentEntryOrderID

	f.exchange.SetOrder(&core.Order{
		OrderID:     entryID,
		Symbol:      sym,
		Side:        core.SideBuy,
		Status:      core.OrderStatusFilled,
		AvgPrice:    dec("100.78"),
		ExecutedQty: dec("1.25"),
	})
	// Mark price already below the stop.
	f.exchange.SetMarkPrice(sym, dec("99.5"))

	require.NoError(t, f.mgr.Process(ctx, slot, symbolConfig()))

	_, ok := f.store.GetSlot(slotKey)
	assert.False(t, ok)
	assert.Equal(t, 1, f.notifier.Count("Emergency close executed"))
}
