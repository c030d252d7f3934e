// Package alert fans operator notifications out to configured channels.
package alert

import (
	"context"
	"sync"
	"time"

	"bbtrader/internal/core"
)

// channelTimeout bounds a single delivery attempt.
const channelTimeout = 10 * time.Second

// Channel delivers one notification to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Payload is the channel-agnostic notification body.
type Payload struct {
	Title   string
	Message string
	Level   core.AlertLevel
	Fields  map[string]string
	Time    time.Time
}

// Manager implements core.INotifier. Deliveries run in their own
// goroutines so the trading path never waits on a channel.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, c)
	m.logger.Info("Alert channel registered", "channel", c.Name())
}

// Alert dispatches to every channel without waiting for delivery.
func (m *Manager) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	p := Payload{
		Title:   title,
		Message: message,
		Level:   level,
		Fields:  fields,
		Time:    time.Now().UTC(),
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	if len(channels) == 0 {
		m.logger.Debug("Alert dropped, no channels configured", "title", title, "level", level)
		return
	}

	for _, c := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), channelTimeout)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", c.Name(), "title", title, "error", err)
			}
		}(c)
	}
}

var _ core.INotifier = (*Manager)(nil)
