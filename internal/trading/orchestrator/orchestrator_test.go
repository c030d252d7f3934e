package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/config"
	"bbtrader/internal/core"
	"bbtrader/internal/mock"
	"bbtrader/internal/risk"
	"bbtrader/internal/signal"
	"bbtrader/internal/state"
	"bbtrader/internal/trading/pending"
	"bbtrader/internal/trading/position"
	"bbtrader/pkg/logging"
)

const sym = "BTCUSDT"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	cfg      *config.Config
	exchange *mock.Exchange
	md       *mock.MarketData
	store    *state.FileStore
	notifier *mock.Notifier
	control  *mock.Control
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Exchange.APIKey = "k"
	cfg.Exchange.APISecret = "s"
	cfg.Trading.SymbolsConfigPath = filepath.Join(dir, "symbols.json")
	cfg.Trading.DefaultSymbol = sym
	cfg.State.FilePath = filepath.Join(dir, "state.json")

	require.NoError(t, config.SaveSymbolsFile(cfg.Trading.SymbolsConfigPath,
		config.DefaultSymbols(cfg)))

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
	store := state.NewFileStore(cfg.State.FilePath, logging.NewNop())
	notifier := mock.NewNotifier()
	ctrl := mock.NewControl()

	sizer := risk.NewSizer(risk.Config{
		UseFixedMonetaryRisk: true,
		FixedMonetaryRisk:    dec("1.00"),
		UseMartingale:        true,
		RiskRewardMultiplier: dec("10"),
	}, ex, logging.NewNop())

	evaluator := signal.NewEvaluator(md, logging.NewNop())
	pom := pending.NewManager(ex, md, sizer, store, notifier, nil,
		pending.Options{SLRefInterval: cfg.Trading.SLReferenceInterval}, logging.NewNop())
	pm := position.NewManager(ex, store, notifier, mock.NewJournal(), nil,
		position.Options{}, logging.NewNop())

	orch := New(cfg, store, md, evaluator, pom, pm, ctrl, ex, notifier, nil, logging.NewNop())
	return &fixture{cfg: cfg, exchange: ex, md: md, store: store,
		notifier: notifier, control: ctrl, orch: orch}
}

func (f *fixture) setBuySignalData() {
	f.md.SetBands(sym, "5m", core.BollingerBands{
		BBLOrig: dec("100.5"),
		BBMOrig: dec("101.0"),
		BBUOrig: dec("101.5"),
		BBLNew:  dec("100.8"),
		BBUNew:  dec("101.2"),
	})
	f.md.SetBands(sym, "15m", core.BollingerBands{BBMOrig: dec("100.0")})
	f.md.SetCandles(sym, "1m", []core.Candle{{
		Symbol: sym, Interval: "1m",
		Low: dec("100.7"), High: dec("100.95"), Close: dec("100.9"),
	}})
}

func TestTickCreatesSlotFromSignal(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()

	f.orch.tick(context.Background())

	slot, ok := f.store.GetSlot("BTCUSDT_LONG")
	require.True(t, ok, "buy signal must create a pending slot")
	assert.Equal(t, core.SlotPending, slot.Status)

	// All three series were subscribed and leverage applied once.
	assert.Equal(t, 1, f.md.SubscribeCount(sym, "5m"))
	assert.Equal(t, 1, f.md.SubscribeCount(sym, "15m"))
	assert.Equal(t, 1, f.md.SubscribeCount(sym, "1m"))
	assert.Equal(t, 1, f.exchange.LeverageCalls[sym])
}

func TestTickLeverageIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()

	f.orch.tick(context.Background())
	f.orch.tick(context.Background())

	assert.Equal(t, 1, f.exchange.LeverageCalls[sym])
}

func TestTradingDisabledSkipsNewSignalsButManagesSlots(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()
	f.control.SetEnabled(false)

	f.orch.tick(context.Background())
	_, ok := f.store.GetSlot("BTCUSDT_LONG")
	assert.False(t, ok, "no new slots while trading is off")

	// An existing slot still gets processed while trading is off.
	f.control.SetEnabled(true)
	f.orch.tick(context.Background())
	slot, ok := f.store.GetSlot("BTCUSDT_LONG")
	require.True(t, ok)

	f.control.SetEnabled(false)
	f.orch.tick(context.Background())

	slot, ok = f.store.GetSlot("BTCUSDT_LONG")
	require.True(t, ok, "existing slot survives and is managed")
	require.NotNil(t, slot.Pending)
	assert.NotNil(t, slot.Pending.CurrentEntryOrderID,
		"gating still places the entry order for an existing slot")
}

func TestLeverageFailureSkipsSymbolAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()
	f.exchange.LeverageErr = assert.AnError

	f.orch.tick(context.Background())

	_, ok := f.store.GetSlot("BTCUSDT_LONG")
	assert.False(t, ok)
	assert.Equal(t, 1, f.notifier.Count("Leverage setup failed"))
}

func TestForceCloseRequestTearsDownSlot(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()

	f.orch.tick(context.Background())
	_, ok := f.store.GetSlot("BTCUSDT_LONG")
	require.True(t, ok)

	// Disable trading so the freed slot is not immediately recreated by
	// the still-valid signal.
	f.control.SetEnabled(false)
	f.control.QueueClose(sym)
	f.orch.tick(context.Background())

	_, ok = f.store.GetSlot("BTCUSDT_LONG")
	assert.False(t, ok)
}

func TestMissingSymbolsFileIsGenerated(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()
	require.NoError(t, os.Remove(f.cfg.Trading.SymbolsConfigPath))

	f.orch.tick(context.Background())

	raw, err := os.ReadFile(f.cfg.Trading.SymbolsConfigPath)
	require.NoError(t, err, "generated default universe is written back")
	assert.Contains(t, string(raw), sym)

	_, ok := f.store.GetSlot("BTCUSDT_LONG")
	assert.True(t, ok, "trading proceeds on the generated default")
}

func TestStatusSummaryListsSlots(t *testing.T) {
	f := newFixture(t)
	f.setBuySignalData()
	f.orch.tick(context.Background())

	summary := f.orch.StatusSummary()
	assert.Contains(t, summary, "Slots: 1")
	assert.Contains(t, summary, "BTCUSDT_LONG")
}
