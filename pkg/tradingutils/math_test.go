package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFloorToTick(t *testing.T) {
	assert.True(t, FloorToTick(dec("100.87"), dec("0.1")).Equal(dec("100.8")))
	assert.True(t, FloorToTick(dec("100.8"), dec("0.1")).Equal(dec("100.8")))
	assert.True(t, FloorToTick(dec("100.87"), dec("0.05")).Equal(dec("100.85")))
	// Zero tick passes through.
	assert.True(t, FloorToTick(dec("100.87"), decimal.Zero).Equal(dec("100.87")))
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(dec("1.259"), dec("0.01")).Equal(dec("1.25")))
	assert.True(t, FloorToStep(dec("1.25"), dec("0.01")).Equal(dec("1.25")))
	assert.True(t, FloorToStep(dec("0.009"), dec("0.01")).IsZero())
}

func TestFormatAt(t *testing.T) {
	assert.Equal(t, "100.80", FormatAt(dec("100.8"), 2))
	assert.Equal(t, "1", FormatAt(dec("1.2"), 0))
	// No scientific notation for small values.
	assert.Equal(t, "0.00001000", FormatAt(dec("0.00001"), 8))
}

func TestRealizedPnL(t *testing.T) {
	assert.True(t, RealizedPnL(dec("100.78"), dec("100.0"), dec("1.25"), true).Equal(dec("-0.975")))
	assert.True(t, RealizedPnL(dec("100.78"), dec("108.8"), dec("1.25"), true).Equal(dec("10.025")))
	assert.True(t, RealizedPnL(dec("101.2"), dec("100.0"), dec("2"), false).Equal(dec("2.4")))
}
