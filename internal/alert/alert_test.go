package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbtrader/internal/core"
	"bbtrader/pkg/logging"
)

type recordingChannel struct {
	mu       sync.Mutex
	payloads []Payload
	delivered chan struct{}
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{delivered: make(chan struct{}, 16)}
}

func (c *recordingChannel) Send(_ context.Context, p Payload) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	c.delivered <- struct{}{}
	return nil
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.delivered:
	case <-time.After(time.Second):
		t.Fatal("alert was not delivered")
	}
}

func TestAlertFansOutToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	a, b := newRecordingChannel(), newRecordingChannel()
	m.AddChannel(a)
	m.AddChannel(b)

	m.Alert(context.Background(), "Stop loss hit", "BTCUSDT LONG closed.",
		core.AlertWarning, map[string]string{"pnl": "-0.975"})

	a.wait(t)
	b.wait(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.payloads, 1)
	p := a.payloads[0]
	assert.Equal(t, "Stop loss hit", p.Title)
	assert.Equal(t, core.AlertWarning, p.Level)
	assert.Equal(t, "-0.975", p.Fields["pnl"])
	assert.False(t, p.Time.IsZero())
}

func TestAlertWithoutChannelsIsNoop(t *testing.T) {
	m := NewManager(logging.NewNop())
	// Must not panic or block.
	m.Alert(context.Background(), "title", "message", core.AlertInfo, nil)
}
