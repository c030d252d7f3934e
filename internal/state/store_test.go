package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/core"
	"bbtrader/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "bot_state.json")
}

func pendingSlot(key string) *core.TradeSlot {
	orderID := int64(4711)
	return &core.TradeSlot{
		Key:    key,
		Symbol: "BTCUSDT",
		Status: core.SlotPending,
		Pending: &core.PendingTrade{
			SignalType:          core.SideBuy,
			TargetEntryPrice:    dec("100.8"),
			TargetSLPrice:       dec("100.0"),
			TargetTPPrice:       dec("108.8"),
			Quantity:            dec("1.25"),
			Leverage:            5,
			CurrentEntryOrderID: &orderID,
			TargetMonetaryRisk:  dec("1.00"),
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := tempStatePath(t)
	s := NewFileStore(path, logging.NewNop())

	slot := pendingSlot("BTCUSDT_LONG")
	require.NoError(t, s.PutSlot(slot))
	require.NoError(t, s.AddAccumulatedLoss("BTCUSDT_LONG", dec("0.975")))
	require.NoError(t, s.SetSentinel("ETHUSDT_SHORT", time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)))

	// A fresh store over the same file sees everything.
	s2 := NewFileStore(path, logging.NewNop())

	got, ok := s2.GetSlot("BTCUSDT_LONG")
	require.True(t, ok)
	assert.Equal(t, core.SlotPending, got.Status)
	require.NotNil(t, got.Pending)
	assert.True(t, got.Pending.TargetEntryPrice.Equal(dec("100.8")))
	require.NotNil(t, got.Pending.CurrentEntryOrderID)
	assert.Equal(t, int64(4711), *got.Pending.CurrentEntryOrderID)

	assert.True(t, s2.AccumulatedLoss("BTCUSDT_LONG").Equal(dec("0.975")))

	_, ok = s2.Sentinel("ETHUSDT_SHORT")
	assert.True(t, ok)
	_, ok = s2.GetSlot("ETHUSDT_SHORT" + sentinelSuffix)
	assert.False(t, ok, "sentinel entries must not surface as slots")
}

func TestFileStoreDecimalsSerializeAsStrings(t *testing.T) {
	path := tempStatePath(t)
	s := NewFileStore(path, logging.NewNop())
	require.NoError(t, s.PutSlot(pendingSlot("BTCUSDT_LONG")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, string(doc["active_trades"]), `"target_entry_price": "100.8"`)
}

func TestFileStoreCorruptFileStartsEmpty(t *testing.T) {
	path := tempStatePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewFileStore(path, logging.NewNop())
	assert.Empty(t, s.SlotKeys())

	// The store is fully usable afterwards.
	require.NoError(t, s.PutSlot(pendingSlot("BTCUSDT_LONG")))
	_, ok := s.GetSlot("BTCUSDT_LONG")
	assert.True(t, ok)
}

func TestFileStoreLossAccounting(t *testing.T) {
	s := NewFileStore(tempStatePath(t), logging.NewNop())

	require.NoError(t, s.AddAccumulatedLoss("K", dec("0.5")))
	require.NoError(t, s.AddAccumulatedLoss("K", dec("0.25")))
	assert.True(t, s.AccumulatedLoss("K").Equal(dec("0.75")))

	require.Error(t, s.AddAccumulatedLoss("K", dec("-1")))

	require.NoError(t, s.ResetAccumulatedLoss("K"))
	assert.True(t, s.AccumulatedLoss("K").IsZero())
}

func TestFileStoreDeleteSlot(t *testing.T) {
	s := NewFileStore(tempStatePath(t), logging.NewNop())
	require.NoError(t, s.PutSlot(pendingSlot("BTCUSDT_LONG")))
	require.NoError(t, s.DeleteSlot("BTCUSDT_LONG"))
	_, ok := s.GetSlot("BTCUSDT_LONG")
	assert.False(t, ok)
	assert.Empty(t, s.SlotKeys())
}
