package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bbtrader/pkg/logging"
)

func newController() *Controller {
	return NewController(logging.NewNop(), nil)
}

func TestTradingFlagDefaultsOn(t *testing.T) {
	c := newController()
	assert.True(t, c.IsTradingEnabled())

	c.SetTradingEnabled(false)
	assert.False(t, c.IsTradingEnabled())

	c.SetTradingEnabled(true)
	assert.True(t, c.IsTradingEnabled())
}

func TestCloseRequestsDrainOnce(t *testing.T) {
	c := newController()
	c.RequestClose("btcusdt")
	c.RequestClose(" ETHUSDT ")
	c.RequestClose("")

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.DrainCloseRequests())
	assert.Empty(t, c.DrainCloseRequests())
}

func TestStatusIncludesSummary(t *testing.T) {
	c := newController()
	assert.Equal(t, "Trading: ON", c.status())

	c.SetStatusFunc(func() string { return "Slots: 2" })
	assert.Equal(t, "Trading: ON\nSlots: 2", c.status())

	c.SetTradingEnabled(false)
	assert.Equal(t, "Trading: OFF\nSlots: 2", c.status())
}
