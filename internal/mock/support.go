package mock

import (
	"context"
	"sync"

	"bbtrader/internal/core"
)

// SentAlert records one notification delivered to the Notifier.
type SentAlert struct {
	Title   string
	Message string
	Level   core.AlertLevel
	Fields  map[string]string
}

// Notifier captures alerts for assertion.
type Notifier struct {
	mu     sync.Mutex
	Alerts []SentAlert
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Alert(_ context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Alerts = append(n.Alerts, SentAlert{Title: title, Message: message, Level: level, Fields: fields})
}

// Count returns how many alerts with the given title were sent.
func (n *Notifier) Count(title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.Alerts {
		if a.Title == title {
			c++
		}
	}
	return c
}

var _ core.INotifier = (*Notifier)(nil)

// Journal captures trade closures for assertion.
type Journal struct {
	mu       sync.Mutex
	Closures []core.TradeClosure
}

func NewJournal() *Journal { return &Journal{} }

func (j *Journal) RecordClosure(_ context.Context, c core.TradeClosure) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Closures = append(j.Closures, c)
	return nil
}

func (j *Journal) Close() error { return nil }

var _ core.ITradeJournal = (*Journal)(nil)

// Control is a settable core.IControl.
type Control struct {
	mu       sync.Mutex
	Enabled  bool
	Requests []string
}

func NewControl() *Control { return &Control{Enabled: true} }

func (c *Control) IsTradingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Enabled
}

func (c *Control) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Enabled = on
}

func (c *Control) QueueClose(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, symbol)
}

func (c *Control) DrainCloseRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Requests
	c.Requests = nil
	return out
}

var _ core.IControl = (*Control)(nil)
