package mock

import (
	"sync"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	"bbtrader/internal/marketdata"
)

// MarketData is a settable core.IMarketData.
type MarketData struct {
	mu      sync.Mutex
	candles map[string][]core.Candle
	bands   map[string]core.BollingerBands
	subs    map[string]int
}

func NewMarketData() *MarketData {
	return &MarketData{
		candles: make(map[string][]core.Candle),
		bands:   make(map[string]core.BollingerBands),
		subs:    make(map[string]int),
	}
}

func mdKey(symbol, interval string) string { return symbol + "@" + interval }

// SetCandles installs the series served for a key.
func (m *MarketData) SetCandles(symbol, interval string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[mdKey(symbol, interval)] = candles
}

// SetBands installs the contextual bands for a key.
func (m *MarketData) SetBands(symbol, interval string, b core.BollingerBands) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bands[mdKey(symbol, interval)] = b
}

// ClearBands makes a key report "unavailable".
func (m *MarketData) ClearBands(symbol, interval string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bands, mdKey(symbol, interval))
}

// SubscribeCount reports how often a key was subscribed.
func (m *MarketData) SubscribeCount(symbol, interval string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[mdKey(symbol, interval)]
}

func (m *MarketData) Subscribe(symbol, interval string, _ int, _ *core.BBParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[mdKey(symbol, interval)]++
	return nil
}

func (m *MarketData) Series(symbol, interval string) ([]core.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candles[mdKey(symbol, interval)]
	if !ok || len(c) == 0 {
		return nil, false
	}
	out := make([]core.Candle, len(c))
	copy(out, c)
	return out, true
}

func (m *MarketData) LatestCandle(symbol, interval string) (core.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.candles[mdKey(symbol, interval)]
	if len(c) == 0 {
		return core.Candle{}, false
	}
	return c[len(c)-1], true
}

func (m *MarketData) ContextualBands(symbol, interval string) (core.BollingerBands, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bands[mdKey(symbol, interval)]
	return b, ok
}

func (m *MarketData) SpecificBand(symbol, interval, name string) (decimal.Decimal, bool) {
	b, ok := m.ContextualBands(symbol, interval)
	if !ok {
		return decimal.Decimal{}, false
	}
	return marketdata.BandByName(b, name)
}

func (m *MarketData) Shutdown() {}

var _ core.IMarketData = (*MarketData)(nil)
