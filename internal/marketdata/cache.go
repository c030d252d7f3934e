// Package marketdata maintains live per-(symbol, interval) candle series
// with derived Bollinger Bands, fed by a streaming kline feed with REST
// backfill.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	"bbtrader/internal/infrastructure/metrics"
)

// reconnectBackfillLimit bounds the REST re-backfill issued after a stream
// reconnect. Gaps longer than this are truncated to the most recent candles.
const reconnectBackfillLimit = 100

type seriesKey struct {
	symbol   string
	interval string
}

type subscription struct {
	series *series
	stream *klineStream
}

// Cache implements core.IMarketData.
type Cache struct {
	exchange  core.IExchange
	logger    core.ILogger
	metrics   *metrics.Metrics
	wsBaseURL string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	subs map[seriesKey]*subscription
}

// NewCache builds a cache backfilling over exchange and streaming from
// wsBaseURL (empty selects the production endpoint). metrics may be nil.
func NewCache(exchange core.IExchange, wsBaseURL string, m *metrics.Metrics, logger core.ILogger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		exchange:  exchange,
		logger:    logger.WithField("component", "market_data_cache"),
		metrics:   m,
		wsBaseURL: wsBaseURL,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[seriesKey]*subscription),
	}
}

// Subscribe ensures a backfilled, streaming series exists for the key.
// Idempotent: a second call for the same key returns immediately, so
// concurrent callers coalesce into a single backfill.
func (c *Cache) Subscribe(symbol, interval string, historyLimit int, bb *core.BBParams) error {
	key := seriesKey{symbol: symbol, interval: interval}

	c.mu.Lock()
	if _, exists := c.subs[key]; exists {
		c.mu.Unlock()
		return nil
	}

	ser := newSeries(symbol, interval, historyLimit, bb)
	sub := &subscription{series: ser}
	sub.stream = newKlineStream(c.wsBaseURL, symbol, interval, c.logger,
		ser.apply,
		func() {
			c.metrics.IncStreamReconnect(symbol, interval)
			c.rebackfill(symbol, interval, ser)
		},
	)
	c.subs[key] = sub
	c.mu.Unlock()

	backfillCtx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	candles, err := c.exchange.GetHistoricalKlines(backfillCtx, symbol, interval, historyLimit)
	if err != nil {
		// The stream still starts; the series serves "unavailable" until
		// the first reconnect backfill succeeds.
		c.logger.Error("Historical backfill failed", "symbol", symbol, "interval", interval, "error", err)
	} else {
		ser.setBackfill(candles)
		c.logger.Info("Series backfilled", "symbol", symbol, "interval", interval, "candles", len(candles))
	}

	sub.stream.start(c.ctx)
	return nil
}

// rebackfill reconciles a gap after a stream reconnect.
func (c *Cache) rebackfill(symbol, interval string, ser *series) {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	candles, err := c.exchange.GetHistoricalKlines(ctx, symbol, interval, reconnectBackfillLimit)
	if err != nil {
		c.logger.Error("Reconnect backfill failed", "symbol", symbol, "interval", interval, "error", err)
		return
	}
	ser.merge(candles)
	c.logger.Info("Series reconciled after reconnect", "symbol", symbol, "interval", interval, "candles", len(candles))
}

func (c *Cache) lookup(symbol, interval string) (*subscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[seriesKey{symbol: symbol, interval: interval}]
	return sub, ok
}

// Series returns a snapshot copy of the candles for the key.
func (c *Cache) Series(symbol, interval string) ([]core.Candle, bool) {
	sub, ok := c.lookup(symbol, interval)
	if !ok {
		return nil, false
	}
	snap := sub.series.snapshot()
	if len(snap) == 0 {
		return nil, false
	}
	return snap, true
}

// LatestCandle returns the most recent candle, open or closed.
func (c *Cache) LatestCandle(symbol, interval string) (core.Candle, bool) {
	sub, ok := c.lookup(symbol, interval)
	if !ok {
		return core.Candle{}, false
	}
	return sub.series.latest()
}

// ContextualBands returns bands derived from the last closed candle.
func (c *Cache) ContextualBands(symbol, interval string) (core.BollingerBands, bool) {
	sub, ok := c.lookup(symbol, interval)
	if !ok {
		return core.BollingerBands{}, false
	}
	return sub.series.contextualBands()
}

// SpecificBand returns one named band value.
func (c *Cache) SpecificBand(symbol, interval, name string) (decimal.Decimal, bool) {
	bands, ok := c.ContextualBands(symbol, interval)
	if !ok {
		return decimal.Decimal{}, false
	}
	return BandByName(bands, name)
}

// Shutdown stops every stream and releases all resources.
func (c *Cache) Shutdown() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.subs {
		sub.stream.stop()
		delete(c.subs, key)
	}
	c.logger.Info("Market data cache shut down")
}

var _ core.IMarketData = (*Cache)(nil)

// String implements fmt.Stringer for debug logging.
func (c *Cache) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("marketdata.Cache(subscriptions=%d)", len(c.subs))
}
