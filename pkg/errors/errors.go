// Package apperrors defines sentinel errors shared across the trading engine.
package apperrors

import "errors"

var (
	// ErrDataUnavailable indicates the market data cache cannot serve the
	// requested series or bands. Callers treat it as "no signal", never
	// as a failure.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrInsufficientData indicates a series exists but is too short for
	// the requested indicator window.
	ErrInsufficientData = errors.New("insufficient candle data")

	// ErrOrderNotFound is returned when the exchange reports an order id
	// as unknown or already deleted.
	ErrOrderNotFound = errors.New("order not found")

	// ErrSymbolNotFound indicates the symbol is absent from exchange info.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrInvalidSizing indicates a trade candidate failed quantity or
	// notional validation and must be skipped.
	ErrInvalidSizing = errors.New("invalid trade sizing")

	// ErrPreconditionFailed indicates the band precondition backing a
	// pending trade no longer holds.
	ErrPreconditionFailed = errors.New("signal precondition failed")

	// ErrRateLimitExceeded indicates the exchange rejected a call for
	// rate-limit reasons; the caller should back off.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrBalanceUnavailable indicates the quote-asset balance could not
	// be resolved for percentage-based risk sizing.
	ErrBalanceUnavailable = errors.New("account balance unavailable")
)
