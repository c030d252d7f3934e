package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the hedge-mode position side derived from a signal side.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionSideFor maps a signal side to its hedge-mode position side.
func PositionSideFor(s Side) PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// SlotKey builds the persistent-state key for a (symbol, direction) slot.
func SlotKey(symbol string, ps PositionSide) string {
	return fmt.Sprintf("%s_%s", symbol, ps)
}

// OrderStatus mirrors the exchange order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the order can no longer execute.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// IsWorking reports whether the order is still live at the exchange.
func (s OrderStatus) IsWorking() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Order is the adapter-level view of an exchange order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          string
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	AvgPrice      decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	UpdateTime    time.Time
}

// Position is the adapter-level view of an open futures position.
type Position struct {
	Symbol       string
	PositionSide PositionSide
	Quantity     decimal.Decimal // absolute size
	EntryPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
	UnrealizedPL decimal.Decimal
}

// AccountTrade is a single fill from the account trade history.
type AccountTrade struct {
	OrderID         int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	RealizedPnL     decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
}

// Candle is one kline. OpenTime is UTC and identifies the candle within
// its (symbol, interval) series. The last candle of a live series may have
// IsClosed == false and is mutated in place by stream updates.
type Candle struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	IsClosed bool
}

// BBParams declares which Bollinger Bands a cached series must derive.
type BBParams struct {
	MAType   string
	Length   int
	MultOrig decimal.Decimal
	MultNew  decimal.Decimal
}

// BollingerBands holds band values computed from the last closed candle of
// a series. The middle band is shared between the two multipliers.
type BollingerBands struct {
	BBLOrig   decimal.Decimal
	BBMOrig   decimal.Decimal
	BBUOrig   decimal.Decimal
	BBLNew    decimal.Decimal
	BBUNew    decimal.Decimal
	Timestamp time.Time
}

// SymbolFilters are the exchange trading filters for one symbol. Loaded
// lazily, cached for the lifetime of the process.
type SymbolFilters struct {
	PriceTick         decimal.Decimal
	QtyStep           decimal.Decimal
	MinQty            decimal.Decimal
	MinNotional       decimal.Decimal
	PricePrecision    int
	QuantityPrecision int
	BaseAsset         string
	QuoteAsset        string
}

// SignalCandidate is the evaluator output before sizing.
type SignalCandidate struct {
	Symbol         string
	Side           Side
	EntryTarget    decimal.Decimal
	StopLossRef    decimal.Decimal
	TriggerTimeUTC time.Time
}

// ValidatedTrade is a fully sized and sanity-checked bracket.
type ValidatedTrade struct {
	Side       Side
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Quantity   decimal.Decimal
	REffective decimal.Decimal
}

// SlotStatus enumerates the trade-slot lifecycle states.
type SlotStatus string

const (
	SlotPending SlotStatus = "PENDING_DYNAMIC_LIMIT"
	SlotOpen    SlotStatus = "POSITION_OPEN"
)

// PendingTrade is the slot payload while a dynamic limit entry is working.
type PendingTrade struct {
	SignalType       Side            `json:"signal_type"`
	TargetEntryPrice decimal.Decimal `json:"target_entry_price"`
	TargetSLPrice    decimal.Decimal `json:"target_sl_price"`
	TargetTPPrice    decimal.Decimal `json:"target_tp_price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Leverage         int             `json:"leverage"`

	// CurrentEntryOrderID is set only while a working limit order exists.
	CurrentEntryOrderID *int64 `json:"current_entry_order_id,omitempty"`

	// Band snapshot used for precondition re-verification.
	PreCheckBBLOrigPrimary decimal.Decimal `json:"pre_check_bbl_orig_primary"`
	PreCheckBBUOrigPrimary decimal.Decimal `json:"pre_check_bbu_orig_primary"`
	PreCheckBBMSLRef       decimal.Decimal `json:"pre_check_bbm_sl_ref"`

	// Bounds of the trigger-interval gating zone.
	GateBandPrimaryLower decimal.Decimal `json:"gate_band_primary_lower"`
	GateBandPrimaryUpper decimal.Decimal `json:"gate_band_primary_upper"`
	GatingBBMOrigPrimary decimal.Decimal `json:"gating_bbm_orig_primary"`

	LastPrimaryUpdateUTC time.Time `json:"last_primary_update_utc"`
	SignalTimeUTC        time.Time `json:"signal_time_utc"`

	TargetMonetaryRisk     decimal.Decimal `json:"target_monetary_risk"`
	AccumulatedLossAtEntry decimal.Decimal `json:"accumulated_loss_at_entry"`
}

// OpenPosition is the slot payload after a confirmed fill with SL installed.
type OpenPosition struct {
	PositionSide     PositionSide    `json:"position_side"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPriceActual decimal.Decimal `json:"entry_price_actual"`
	TargetSLPrice    decimal.Decimal `json:"target_sl_price"`
	TargetTPPrice    decimal.Decimal `json:"target_tp_price"`
	Leverage         int             `json:"leverage"`

	SLOrderID *int64 `json:"sl_order_id,omitempty"`
	TPOrderID *int64 `json:"tp_order_id,omitempty"`

	OpenedAtUTC time.Time `json:"opened_at_utc"`

	TargetMonetaryRisk     decimal.Decimal `json:"target_monetary_risk"`
	AccumulatedLossAtEntry decimal.Decimal `json:"accumulated_loss_at_entry"`
}

// TradeSlot is the per-(symbol, direction) lifecycle record. Exactly one of
// Pending and Open is non-nil, matching Status.
type TradeSlot struct {
	Key     string        `json:"key"`
	Symbol  string        `json:"symbol"`
	Status  SlotStatus    `json:"status"`
	Pending *PendingTrade `json:"pending,omitempty"`
	Open    *OpenPosition `json:"open,omitempty"`
}

// SymbolConfig is the per-symbol entry of the on-disk symbols file.
type SymbolConfig struct {
	PrimaryInterval string  `json:"interval_5m"`
	TriggerInterval string  `json:"interval_1m"`
	MAType          string  `json:"ma_type"`
	Length          int     `json:"length"`
	MultOrig        float64 `json:"mult_orig"`
	MultNew         float64 `json:"mult_new"`
	DataLimit int `json:"data_limit_5m"`
	// FixedQuantity is part of the on-disk format; sizing no longer falls
	// back to it, a signal that fails to size is skipped instead.
	FixedQuantity float64 `json:"fixed_quantity"`
	Leverage      int     `json:"leverage"`
	Active          bool    `json:"active"`
}

// BandParams converts the JSON-level BB settings to decimal parameters.
func (sc SymbolConfig) BandParams() BBParams {
	return BBParams{
		MAType:   sc.MAType,
		Length:   sc.Length,
		MultOrig: decimal.NewFromFloat(sc.MultOrig),
		MultNew:  decimal.NewFromFloat(sc.MultNew),
	}
}

// AlertLevel grades outbound notifications.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// TradeClosure summarizes a finished trade for accounting and journaling.
type TradeClosure struct {
	SlotKey        string
	Symbol         string
	PositionSide   PositionSide
	Reason         string // "SL", "TP", "UNKNOWN", "EMERGENCY", "FORCED"
	EntryPrice     decimal.Decimal
	AvgClosePrice  decimal.Decimal
	ClosedQuantity decimal.Decimal
	RealizedPnL    decimal.Decimal
	Commission     decimal.Decimal
	ClosedAtUTC    time.Time
}
