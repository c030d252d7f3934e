// Package mock provides in-memory fakes of the core interfaces for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	apperrors "bbtrader/pkg/errors"
)

// Exchange is an in-memory core.IExchange. Zero value is not usable; use
// NewExchange.
type Exchange struct {
	mu sync.Mutex

	filters   map[string]*core.SymbolFilters
	orders    map[int64]*core.Order
	positions map[string]*core.Position // keyed by symbol + "_" + side
	balances  map[string]decimal.Decimal
	trades    map[string][]core.AccountTrade
	klines    map[string][]core.Candle // keyed by symbol + "@" + interval
	markPrice map[string]decimal.Decimal
	hedge     bool

	nextOrderID int64

	// Error injection, consumed per call site.
	PlaceLimitErr  error
	PlaceStopErr   error
	PlaceTPErr     error
	PlaceMarketErr error
	LeverageErr    error
	BalanceErr     error
	TradesErr      error

	// Call records.
	PlacedOrders    []*core.Order
	CancelledOrders []int64
	LeverageCalls   map[string]int
}

func NewExchange() *Exchange {
	return &Exchange{
		filters:       make(map[string]*core.SymbolFilters),
		orders:        make(map[int64]*core.Order),
		positions:     make(map[string]*core.Position),
		balances:      make(map[string]decimal.Decimal),
		trades:        make(map[string][]core.AccountTrade),
		klines:        make(map[string][]core.Candle),
		markPrice:     make(map[string]decimal.Decimal),
		nextOrderID:   1000,
		LeverageCalls: make(map[string]int),
	}
}

func posKey(symbol string, ps core.PositionSide) string {
	return symbol + "_" + string(ps)
}

// SetFilters installs the trading filters for a symbol.
func (e *Exchange) SetFilters(symbol string, f *core.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[symbol] = f
}

// SetOrder installs or replaces an order by id.
func (e *Exchange) SetOrder(o *core.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[o.OrderID] = o
}

// SetOrderStatus updates the status of a known order.
func (e *Exchange) SetOrderStatus(orderID int64, status core.OrderStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		o.Status = status
	}
}

// SetPosition installs an open position; nil removes it.
func (e *Exchange) SetPosition(symbol string, ps core.PositionSide, p *core.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p == nil {
		delete(e.positions, posKey(symbol, ps))
		return
	}
	e.positions[posKey(symbol, ps)] = p
}

// SetBalance installs a wallet balance for an asset.
func (e *Exchange) SetBalance(asset string, v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = v
}

// SetAccountTrades installs the fill history for a symbol.
func (e *Exchange) SetAccountTrades(symbol string, trades []core.AccountTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades[symbol] = trades
}

// SetKlines installs the historical candles served for a series.
func (e *Exchange) SetKlines(symbol, interval string, candles []core.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[symbol+"@"+interval] = candles
}

// SetMarkPrice installs the mark price for a symbol.
func (e *Exchange) SetMarkPrice(symbol string, v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markPrice[symbol] = v
}

// SetHedgeMode flips the reported position mode.
func (e *Exchange) SetHedgeMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hedge = on
}

func (e *Exchange) GetSymbolFilters(_ context.Context, symbol string) (*core.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, symbol)
	}
	return f, nil
}

func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LeverageErr != nil {
		return e.LeverageErr
	}
	e.LeverageCalls[symbol]++
	return nil
}

func (e *Exchange) IsHedgeMode(_ context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hedge, nil
}

func (e *Exchange) place(symbol string, side core.Side, orderType string, qty, price, stopPrice decimal.Decimal) *core.Order {
	e.nextOrderID++
	o := &core.Order{
		OrderID:    e.nextOrderID,
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Status:     core.OrderStatusNew,
		Price:      price,
		StopPrice:  stopPrice,
		OrigQty:    qty,
		UpdateTime: time.Now().UTC(),
	}
	e.orders[o.OrderID] = o
	e.PlacedOrders = append(e.PlacedOrders, o)
	return o
}

func (e *Exchange) PlaceLimitEntry(_ context.Context, symbol string, side core.Side, quantity, price decimal.Decimal, _ core.PositionSide) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlaceLimitErr != nil {
		return nil, e.PlaceLimitErr
	}
	return e.place(symbol, side, "LIMIT", quantity, price, decimal.Decimal{}), nil
}

func (e *Exchange) PlaceStopMarketClose(_ context.Context, symbol string, side core.Side, stopPrice decimal.Decimal, _ core.PositionSide) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlaceStopErr != nil {
		return nil, e.PlaceStopErr
	}
	return e.place(symbol, side, "STOP_MARKET", decimal.Decimal{}, decimal.Decimal{}, stopPrice), nil
}

func (e *Exchange) PlaceTakeProfitMarketClose(_ context.Context, symbol string, side core.Side, stopPrice decimal.Decimal, _ core.PositionSide) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlaceTPErr != nil {
		return nil, e.PlaceTPErr
	}
	return e.place(symbol, side, "TAKE_PROFIT_MARKET", decimal.Decimal{}, decimal.Decimal{}, stopPrice), nil
}

func (e *Exchange) PlaceMarketClose(_ context.Context, symbol string, side core.Side, quantity decimal.Decimal, _ core.PositionSide) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlaceMarketErr != nil {
		return nil, e.PlaceMarketErr
	}
	o := e.place(symbol, side, "MARKET", quantity, decimal.Decimal{}, decimal.Decimal{})
	o.Status = core.OrderStatusFilled
	o.ExecutedQty = quantity
	return o, nil
}

func (e *Exchange) GetOrder(_ context.Context, symbol string, orderID int64) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", apperrors.ErrOrderNotFound, symbol, orderID)
	}
	cp := *o
	return &cp, nil
}

func (e *Exchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CancelledOrders = append(e.CancelledOrders, orderID)
	if o, ok := e.orders[orderID]; ok && o.Status.IsWorking() {
		o.Status = core.OrderStatusCanceled
	}
	return nil
}

func (e *Exchange) GetPosition(_ context.Context, symbol string, ps core.PositionSide) (*core.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[posKey(symbol, ps)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (e *Exchange) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.markPrice[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, symbol)
	}
	return v, nil
}

func (e *Exchange) GetBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BalanceErr != nil {
		return decimal.Decimal{}, e.BalanceErr
	}
	v, ok := e.balances[asset]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", apperrors.ErrBalanceUnavailable, asset)
	}
	return v, nil
}

func (e *Exchange) GetAccountTrades(_ context.Context, symbol string, start, end time.Time, _ int) ([]core.AccountTrade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.TradesErr != nil {
		return nil, e.TradesErr
	}
	var out []core.AccountTrade
	for _, t := range e.trades[symbol] {
		if t.Time.Before(start) || t.Time.After(end) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Exchange) GetHistoricalKlines(_ context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	candles := e.klines[symbol+"@"+interval]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

var _ core.IExchange = (*Exchange)(nil)
