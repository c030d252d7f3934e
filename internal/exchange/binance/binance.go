// Package binance adapts the go-binance futures SDK to core.IExchange.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bbtrader/internal/core"
	apperrors "bbtrader/pkg/errors"
	"bbtrader/pkg/tradingutils"
)

// Binance futures API error codes the adapter gives special meaning to.
const (
	codeUnknownOrderCancel = -2011 // cancel target already gone
	codeOrderNotFound      = -2013 // query target does not exist
	codeLeverageNotChanged = -4043 // leverage already at requested value
	codeTooManyRequests    = -1003
	codeTimestampDrift     = -1021
	codeDisconnected       = -1001
	codeTimeout            = -1007
)

// Adapter implements core.IExchange over the Binance USD-M futures API.
// Safe for concurrent use.
type Adapter struct {
	client  *futures.Client
	logger  core.ILogger
	limiter *rate.Limiter

	policies []failsafe.Policy[any]

	filtersMu sync.RWMutex
	filters   map[string]*core.SymbolFilters
}

// Options configures the adapter.
type Options struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	RequestsPerSecond float64
}

// NewAdapter builds the adapter and syncs server time once.
func NewAdapter(opts Options, logger core.ILogger) (*Adapter, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("binance credentials are not configured")
	}
	futures.UseTestnet = opts.Testnet

	client := futures.NewClient(opts.APIKey, opts.APISecret)
	if _, err := client.NewSetServerTimeService().Do(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to sync server time: %w", err)
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return isTransient(err)
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return isTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Adapter{
		client:   client,
		logger:   logger.WithField("component", "binance_adapter"),
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
		policies: []failsafe.Policy[any]{retryPolicy, breaker},
		filters:  make(map[string]*core.SymbolFilters),
	}, nil
}

// call runs fn under the rate limiter and resilience pipeline.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return failsafe.With[any](a.policies...).WithContext(ctx).Run(fn)
}

// isTransient reports whether an error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeDisconnected, codeTimeout, codeTimestampDrift:
			return true
		}
		return false
	}
	// Network-level failures have no API error code.
	return true
}

func apiErrorCode(err error) (int64, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

// IsRateLimited reports whether an error is a Binance rate-limit rejection.
// The orchestrator extends its tick sleep on these.
func IsRateLimited(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		return code == codeTooManyRequests
	}
	return false
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func clientOrderID() string {
	return "bbt-" + uuid.NewString()[:30]
}

// GetSymbolFilters loads and caches the trading filters for symbol.
func (a *Adapter) GetSymbolFilters(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	a.filtersMu.RLock()
	if f, ok := a.filters[symbol]; ok {
		a.filtersMu.RUnlock()
		return f, nil
	}
	a.filtersMu.RUnlock()

	var info *futures.ExchangeInfo
	err := a.call(ctx, func() error {
		var e error
		info, e = a.client.NewExchangeInfoService().Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		f := &core.SymbolFilters{
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
		}
		if pf := s.PriceFilter(); pf != nil {
			f.PriceTick = parseDecimal(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.QtyStep = parseDecimal(lf.StepSize)
			f.MinQty = parseDecimal(lf.MinQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			f.MinNotional = parseDecimal(nf.Notional)
		}

		a.filtersMu.Lock()
		a.filters[symbol] = f
		a.filtersMu.Unlock()

		a.logger.Info("Symbol filters cached",
			"symbol", symbol,
			"tick", f.PriceTick, "step", f.QtyStep,
			"min_qty", f.MinQty, "min_notional", f.MinNotional)
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, symbol)
}

// SetLeverage changes the symbol leverage. "Already set" is success.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := a.call(ctx, func() error {
		_, e := a.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return e
	})
	if err != nil {
		if code, ok := apiErrorCode(err); ok && code == codeLeverageNotChanged {
			return nil
		}
		return fmt.Errorf("failed to set leverage %dx for %s: %w", leverage, symbol, err)
	}
	return nil
}

// IsHedgeMode queries the account position mode.
func (a *Adapter) IsHedgeMode(ctx context.Context) (bool, error) {
	var mode *futures.PositionMode
	err := a.call(ctx, func() error {
		var e error
		mode, e = a.client.NewGetPositionModeService().Do(ctx)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("failed to query position mode: %w", err)
	}
	return mode.DualSidePosition, nil
}

func (a *Adapter) positionSide(ps core.PositionSide) futures.PositionSideType {
	if ps == core.PositionLong {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

// PlaceLimitEntry places a GTC limit order. An empty positionSide means
// one-way mode.
func (a *Adapter) PlaceLimitEntry(ctx context.Context, symbol string, side core.Side, quantity, price decimal.Decimal, positionSide core.PositionSide) (*core.Order, error) {
	filters, err := a.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(tradingutils.FormatAt(quantity, filters.QuantityPrecision)).
		Price(tradingutils.FormatAt(price, filters.PricePrecision)).
		NewClientOrderID(clientOrderID())
	if positionSide != "" {
		svc = svc.PositionSide(a.positionSide(positionSide))
	}

	var resp *futures.CreateOrderResponse
	err = a.call(ctx, func() error {
		var e error
		resp, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place limit %s %s: %w", side, symbol, err)
	}

	a.logger.Info("Limit entry placed",
		"symbol", symbol, "side", side, "price", price, "qty", quantity, "order_id", resp.OrderID)
	return orderFromCreateResponse(resp), nil
}

// PlaceStopMarketClose installs a STOP_MARKET order closing the whole
// position on trigger.
func (a *Adapter) PlaceStopMarketClose(ctx context.Context, symbol string, side core.Side, stopPrice decimal.Decimal, positionSide core.PositionSide) (*core.Order, error) {
	return a.placeConditionalClose(ctx, symbol, side, stopPrice, positionSide, futures.OrderTypeStopMarket)
}

// PlaceTakeProfitMarketClose installs a TAKE_PROFIT_MARKET order closing
// the whole position on trigger.
func (a *Adapter) PlaceTakeProfitMarketClose(ctx context.Context, symbol string, side core.Side, stopPrice decimal.Decimal, positionSide core.PositionSide) (*core.Order, error) {
	return a.placeConditionalClose(ctx, symbol, side, stopPrice, positionSide, futures.OrderTypeTakeProfitMarket)
}

func (a *Adapter) placeConditionalClose(ctx context.Context, symbol string, side core.Side, stopPrice decimal.Decimal, positionSide core.PositionSide, orderType futures.OrderType) (*core.Order, error) {
	filters, err := a.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(orderType).
		StopPrice(tradingutils.FormatAt(stopPrice, filters.PricePrecision)).
		ClosePosition(true).
		NewClientOrderID(clientOrderID())
	if positionSide != "" {
		svc = svc.PositionSide(a.positionSide(positionSide))
	}

	var resp *futures.CreateOrderResponse
	err = a.call(ctx, func() error {
		var e error
		resp, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place %s for %s: %w", orderType, symbol, err)
	}

	a.logger.Info("Protective order placed",
		"symbol", symbol, "type", orderType, "side", side, "stop_price", stopPrice, "order_id", resp.OrderID)
	return orderFromCreateResponse(resp), nil
}

// PlaceMarketClose exits a position immediately. Reduce-only applies in
// one-way mode; in hedge mode the positionSide scopes the close.
func (a *Adapter) PlaceMarketClose(ctx context.Context, symbol string, side core.Side, quantity decimal.Decimal, positionSide core.PositionSide) (*core.Order, error) {
	filters, err := a.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(tradingutils.FormatAt(quantity, filters.QuantityPrecision)).
		NewClientOrderID(clientOrderID())
	if positionSide != "" {
		svc = svc.PositionSide(a.positionSide(positionSide))
	} else {
		svc = svc.ReduceOnly(true)
	}

	var resp *futures.CreateOrderResponse
	err = a.call(ctx, func() error {
		var e error
		resp, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place market close for %s: %w", symbol, err)
	}

	a.logger.Warn("Market close placed",
		"symbol", symbol, "side", side, "qty", quantity, "order_id", resp.OrderID)
	return orderFromCreateResponse(resp), nil
}

// GetOrder returns the order state; unknown ids map to ErrOrderNotFound.
func (a *Adapter) GetOrder(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	var resp *futures.Order
	err := a.call(ctx, func() error {
		var e error
		resp, e = a.client.NewGetOrderService().
			Symbol(symbol).
			OrderID(orderID).
			Do(ctx)
		return e
	})
	if err != nil {
		if code, ok := apiErrorCode(err); ok && code == codeOrderNotFound {
			return nil, fmt.Errorf("%w: %s/%d", apperrors.ErrOrderNotFound, symbol, orderID)
		}
		return nil, fmt.Errorf("failed to query order %s/%d: %w", symbol, orderID, err)
	}
	return orderFromFutures(resp), nil
}

// CancelOrder cancels an order; an already-gone order is success.
func (a *Adapter) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	err := a.call(ctx, func() error {
		_, e := a.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(orderID).
			Do(ctx)
		return e
	})
	if err != nil {
		if code, ok := apiErrorCode(err); ok && (code == codeUnknownOrderCancel || code == codeOrderNotFound) {
			a.logger.Debug("Cancel target already gone", "symbol", symbol, "order_id", orderID)
			return nil
		}
		return fmt.Errorf("failed to cancel order %s/%d: %w", symbol, orderID, err)
	}
	a.logger.Info("Order cancelled", "symbol", symbol, "order_id", orderID)
	return nil
}

// GetPosition returns the open position for the side, or nil when flat.
func (a *Adapter) GetPosition(ctx context.Context, symbol string, positionSide core.PositionSide) (*core.Position, error) {
	var risks []*futures.PositionRisk
	err := a.call(ctx, func() error {
		var e error
		risks, e = a.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query position for %s: %w", symbol, err)
	}

	for _, pos := range risks {
		amt := parseDecimal(pos.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := core.PositionLong
		if amt.IsNegative() {
			side = core.PositionShort
		}
		// In hedge mode the API labels each entry; in one-way mode the
		// sign of the amount decides.
		if pos.PositionSide == string(core.PositionLong) || pos.PositionSide == string(core.PositionShort) {
			side = core.PositionSide(pos.PositionSide)
		}
		if side != positionSide {
			continue
		}
		return &core.Position{
			Symbol:       pos.Symbol,
			PositionSide: side,
			Quantity:     amt.Abs(),
			EntryPrice:   parseDecimal(pos.EntryPrice),
			MarkPrice:    parseDecimal(pos.MarkPrice),
			UnrealizedPL: parseDecimal(pos.UnRealizedProfit),
		}, nil
	}
	return nil, nil
}

// GetMarkPrice returns the current mark price.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var premiums []*futures.PremiumIndex
	err := a.call(ctx, func() error {
		var e error
		premiums, e = a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return e
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query mark price for %s: %w", symbol, err)
	}
	if len(premiums) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: no premium index for %s", apperrors.ErrSymbolNotFound, symbol)
	}
	return parseDecimal(premiums[0].MarkPrice), nil
}

// GetBalance returns the futures wallet balance for an asset.
func (a *Adapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var balances []*futures.Balance
	err := a.call(ctx, func() error {
		var e error
		balances, e = a.client.NewGetBalanceService().Do(ctx)
		return e
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to query balances: %w", err)
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, asset) {
			return parseDecimal(b.Balance), nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("%w: asset %s not in futures balances", apperrors.ErrBalanceUnavailable, asset)
}

// GetAccountTrades returns account fills for symbol within [start, end].
func (a *Adapter) GetAccountTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]core.AccountTrade, error) {
	var trades []*futures.AccountTrade
	err := a.call(ctx, func() error {
		var e error
		trades, e = a.client.NewListAccountTradeService().
			Symbol(symbol).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(limit).
			Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query account trades for %s: %w", symbol, err)
	}

	out := make([]core.AccountTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, core.AccountTrade{
			OrderID:         t.OrderID,
			Price:           parseDecimal(t.Price),
			Quantity:        parseDecimal(t.Quantity),
			RealizedPnL:     parseDecimal(t.RealizedPnl),
			Commission:      parseDecimal(t.Commission),
			CommissionAsset: t.CommissionAsset,
			Time:            time.UnixMilli(t.Time).UTC(),
		})
	}
	return out, nil
}

// GetHistoricalKlines returns up to limit most recent closed candles.
func (a *Adapter) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	var klines []*futures.Kline
	err := a.call(ctx, func() error {
		var e error
		klines, e = a.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines %s@%s: %w", symbol, interval, err)
	}

	now := time.Now().UnixMilli()
	out := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, core.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     parseDecimal(k.Open),
			High:     parseDecimal(k.High),
			Low:      parseDecimal(k.Low),
			Close:    parseDecimal(k.Close),
			Volume:   parseDecimal(k.Volume),
			IsClosed: k.CloseTime < now,
		})
	}
	return out, nil
}

func orderFromCreateResponse(resp *futures.CreateOrderResponse) *core.Order {
	return &core.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          core.Side(resp.Side),
		Type:          string(resp.Type),
		Status:        core.OrderStatus(resp.Status),
		Price:         parseDecimal(resp.Price),
		StopPrice:     parseDecimal(resp.StopPrice),
		AvgPrice:      parseDecimal(resp.AvgPrice),
		OrigQty:       parseDecimal(resp.OrigQuantity),
		ExecutedQty:   parseDecimal(resp.ExecutedQuantity),
		UpdateTime:    time.UnixMilli(resp.UpdateTime).UTC(),
	}
}

func orderFromFutures(o *futures.Order) *core.Order {
	return &core.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.Side(o.Side),
		Type:          string(o.Type),
		Status:        core.OrderStatus(o.Status),
		Price:         parseDecimal(o.Price),
		StopPrice:     parseDecimal(o.StopPrice),
		AvgPrice:      parseDecimal(o.AvgPrice),
		OrigQty:       parseDecimal(o.OrigQuantity),
		ExecutedQty:   parseDecimal(o.ExecutedQuantity),
		UpdateTime:    time.UnixMilli(o.UpdateTime).UTC(),
	}
}

var _ core.IExchange = (*Adapter)(nil)
