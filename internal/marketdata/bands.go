package marketdata

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
	apperrors "bbtrader/pkg/errors"
)

// bandScale is the decimal precision band values are carried at before any
// tick rounding happens downstream.
const bandScale = 12

// ComputeBands derives Bollinger Bands from the last closed candle of the
// series. The still-open candle never contributes. Both multiplier variants
// share the middle band.
func ComputeBands(candles []core.Candle, p core.BBParams) (core.BollingerBands, error) {
	if !strings.EqualFold(p.MAType, "SMA") {
		return core.BollingerBands{}, fmt.Errorf("unsupported ma type %q", p.MAType)
	}
	if p.Length < 2 {
		return core.BollingerBands{}, fmt.Errorf("bb length %d too small", p.Length)
	}

	closed := candles
	if n := len(closed); n > 0 && !closed[n-1].IsClosed {
		closed = closed[:n-1]
	}
	if len(closed) < p.Length {
		return core.BollingerBands{}, fmt.Errorf("%w: have %d closed candles, need %d",
			apperrors.ErrInsufficientData, len(closed), p.Length)
	}

	window := closed[len(closed)-p.Length:]

	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c.Close)
	}
	length := decimal.NewFromInt(int64(p.Length))
	mean := sum.Div(length)

	// Population variance, matching the indicator convention.
	variance := decimal.Zero
	for _, c := range window {
		d := c.Close.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(length)
	sigma := decimalSqrt(variance)

	devOrig := sigma.Mul(p.MultOrig)
	devNew := sigma.Mul(p.MultNew)

	return core.BollingerBands{
		BBMOrig:   mean.Round(bandScale),
		BBLOrig:   mean.Sub(devOrig).Round(bandScale),
		BBUOrig:   mean.Add(devOrig).Round(bandScale),
		BBLNew:    mean.Sub(devNew).Round(bandScale),
		BBUNew:    mean.Add(devNew).Round(bandScale),
		Timestamp: window[len(window)-1].OpenTime,
	}, nil
}

// decimalSqrt computes a square root at band precision via big.Float.
func decimalSqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	f, _, err := big.ParseFloat(d.String(), 10, 128, big.ToNearestEven)
	if err != nil {
		return decimal.Zero
	}
	r := new(big.Float).SetPrec(128).Sqrt(f)
	out, err := decimal.NewFromString(r.Text('f', bandScale))
	if err != nil {
		return decimal.Zero
	}
	return out
}

// BandByName resolves one named value from a band set.
func BandByName(b core.BollingerBands, name string) (decimal.Decimal, bool) {
	switch name {
	case "BBL_orig":
		return b.BBLOrig, true
	case "BBM_orig":
		return b.BBMOrig, true
	case "BBU_orig":
		return b.BBUOrig, true
	case "BBL_new":
		return b.BBLNew, true
	case "BBU_new":
		return b.BBUNew, true
	}
	return decimal.Decimal{}, false
}
