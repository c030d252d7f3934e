package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging interface used by all components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the thin façade over the futures exchange consumed by the
// signal, pending-order and position layers. Implementations must be safe
// for concurrent use.
type IExchange interface {
	// GetSymbolFilters returns the cached trading filters for symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)

	// SetLeverage is idempotent: a symbol already at the requested
	// leverage is success.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// IsHedgeMode reports whether the account runs in dual-position mode.
	IsHedgeMode(ctx context.Context) (bool, error)

	// PlaceLimitEntry places a GTC limit order. positionSide is empty in
	// one-way mode.
	PlaceLimitEntry(ctx context.Context, symbol string, side Side, quantity, price decimal.Decimal, positionSide PositionSide) (*Order, error)

	// PlaceStopMarketClose places a STOP_MARKET order that closes the
	// whole position when triggered.
	PlaceStopMarketClose(ctx context.Context, symbol string, side Side, stopPrice decimal.Decimal, positionSide PositionSide) (*Order, error)

	// PlaceTakeProfitMarketClose places a TAKE_PROFIT_MARKET order that
	// closes the whole position when triggered.
	PlaceTakeProfitMarketClose(ctx context.Context, symbol string, side Side, stopPrice decimal.Decimal, positionSide PositionSide) (*Order, error)

	// PlaceMarketClose places an immediate market order to exit a
	// position. In one-way mode the order is reduce-only.
	PlaceMarketClose(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, positionSide PositionSide) (*Order, error)

	// GetOrder returns the current state of an order.
	// Unknown ids map to apperrors.ErrOrderNotFound.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)

	// CancelOrder cancels an order. "Already gone" is success.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// GetPosition returns the open position for the side, or nil when flat.
	GetPosition(ctx context.Context, symbol string, positionSide PositionSide) (*Position, error)

	// GetMarkPrice returns the current mark price.
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetBalance returns the futures wallet balance for an asset.
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetAccountTrades returns account fills for symbol within [start, end].
	GetAccountTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]AccountTrade, error)

	// GetHistoricalKlines returns up to limit most recent closed candles.
	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// IMarketData is the read/subscribe surface of the market data cache.
type IMarketData interface {
	// Subscribe ensures a backfilled, streaming series exists for the key.
	// Idempotent; concurrent calls for one key coalesce into one backfill.
	// bb may be nil for raw-candle series.
	Subscribe(symbol, interval string, historyLimit int, bb *BBParams) error

	// Series returns a snapshot copy of the candle series.
	Series(symbol, interval string) ([]Candle, bool)

	// LatestCandle returns the most recent candle, open or closed.
	LatestCandle(symbol, interval string) (Candle, bool)

	// ContextualBands returns bands computed from the last closed candle.
	ContextualBands(symbol, interval string) (BollingerBands, bool)

	// SpecificBand returns one named band value ("BBL_orig", "BBM_orig",
	// "BBU_orig", "BBL_new", "BBU_new").
	SpecificBand(symbol, interval, name string) (decimal.Decimal, bool)

	// Shutdown stops all streams and releases resources.
	Shutdown()
}

// IStateStore is the durable trade-slot and accumulated-loss store. Every
// mutation is persisted before the call returns.
type IStateStore interface {
	GetSlot(key string) (*TradeSlot, bool)
	PutSlot(slot *TradeSlot) error
	DeleteSlot(key string) error
	SlotKeys() []string

	AccumulatedLoss(key string) decimal.Decimal
	AddAccumulatedLoss(key string, amount decimal.Decimal) error
	ResetAccumulatedLoss(key string) error

	// Sentinels coordinate one-shot behavior such as the no-SL alert.
	SetSentinel(key string, at time.Time) error
	Sentinel(key string) (time.Time, bool)
	ClearSentinel(key string) error
}

// INotifier delivers operator-facing notifications. Implementations must
// never block the trading path.
type INotifier interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// IControl is the view of the operator control channel consumed by the
// orchestrator. All methods are non-blocking.
type IControl interface {
	// IsTradingEnabled reports the global on/off flag. When off, new
	// signals are skipped but existing slots keep being managed.
	IsTradingEnabled() bool

	// DrainCloseRequests returns and clears pending force-close requests
	// (symbols whose slots must be market-closed).
	DrainCloseRequests() []string
}

// ITradeJournal records closed trades. Best-effort: failures are logged by
// callers and never abort closure handling.
type ITradeJournal interface {
	RecordClosure(ctx context.Context, c TradeClosure) error
	Close() error
}
