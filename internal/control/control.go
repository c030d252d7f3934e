// Package control holds the global trading switch and the operator
// command channel.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bbtrader/internal/core"
)

// Controller implements core.IControl. Trading starts enabled; the flag
// and the force-close queue are mutated by operator commands.
type Controller struct {
	enabled atomic.Bool

	mu        sync.Mutex
	closeReqs []string

	logger   core.ILogger
	notifier core.INotifier

	// statusFn renders the /status reply. Set by the orchestrator once
	// its state is wired.
	statusFn atomic.Value // func() string
}

func NewController(logger core.ILogger, notifier core.INotifier) *Controller {
	c := &Controller{
		logger:   logger.WithField("component", "control"),
		notifier: notifier,
	}
	c.enabled.Store(true)
	return c
}

// IsTradingEnabled reports the global on/off flag.
func (c *Controller) IsTradingEnabled() bool {
	return c.enabled.Load()
}

// SetTradingEnabled flips the global flag.
func (c *Controller) SetTradingEnabled(on bool) {
	was := c.enabled.Swap(on)
	if was != on {
		c.logger.Warn("Global trading flag changed", "enabled", on)
	}
}

// RequestClose enqueues a force-close for every slot of symbol.
func (c *Controller) RequestClose(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReqs = append(c.closeReqs, symbol)
	c.logger.Warn("Force close requested", "symbol", symbol)
}

// DrainCloseRequests returns and clears the pending force-close symbols.
func (c *Controller) DrainCloseRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.closeReqs
	c.closeReqs = nil
	return out
}

// SetStatusFunc installs the /status reply renderer.
func (c *Controller) SetStatusFunc(fn func() string) {
	c.statusFn.Store(fn)
}

func (c *Controller) status() string {
	state := "OFF"
	if c.IsTradingEnabled() {
		state = "ON"
	}
	base := fmt.Sprintf("Trading: %s", state)
	if fn, ok := c.statusFn.Load().(func() string); ok && fn != nil {
		return base + "\n" + fn()
	}
	return base
}

var _ core.IControl = (*Controller)(nil)

// TelegramPoller long-polls the Bot API for operator commands and applies
// them to a Controller. Commands: /on, /off, /status, /close SYMBOL.
type TelegramPoller struct {
	controller *Controller
	botToken   string
	chatID     string
	timeout    time.Duration
	client     *http.Client
	logger     core.ILogger
}

func NewTelegramPoller(controller *Controller, botToken, chatID string, pollTimeout time.Duration, logger core.ILogger) *TelegramPoller {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &TelegramPoller{
		controller: controller,
		botToken:   botToken,
		chatID:     chatID,
		timeout:    pollTimeout,
		client:     &http.Client{Timeout: pollTimeout + 10*time.Second},
		logger:     logger.WithField("component", "telegram_poller"),
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type telegramUpdatesResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// Run polls until ctx is cancelled.
func (p *TelegramPoller) Run(ctx context.Context) {
	p.logger.Info("Telegram command poller started")
	var offset int64
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Telegram command poller stopped")
			return
		default:
		}

		updates, err := p.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handle(ctx, u)
		}
	}
}

func (p *TelegramPoller) getUpdates(ctx context.Context, offset int64) ([]telegramUpdate, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(p.timeout.Seconds())))
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	reqURL := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?%s", p.botToken, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	var parsed telegramUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram API replied not ok")
	}
	return parsed.Result, nil
}

func (p *TelegramPoller) handle(ctx context.Context, u telegramUpdate) {
	if u.Message == nil {
		return
	}
	if p.chatID != "" && strconv.FormatInt(u.Message.Chat.ID, 10) != p.chatID {
		return
	}

	text := strings.TrimSpace(u.Message.Text)
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return
	}

	switch strings.ToLower(parts[0]) {
	case "/on":
		p.controller.SetTradingEnabled(true)
		p.reply(ctx, "Trading enabled.")
	case "/off":
		p.controller.SetTradingEnabled(false)
		p.reply(ctx, "Trading disabled. Existing slots keep being managed.")
	case "/status":
		p.reply(ctx, p.controller.status())
	case "/close":
		if len(parts) < 2 {
			p.reply(ctx, "Usage: /close SYMBOL")
			return
		}
		p.controller.RequestClose(parts[1])
		p.reply(ctx, fmt.Sprintf("Force close queued for %s.", strings.ToUpper(parts[1])))
	default:
		p.logger.Debug("Ignoring unknown command", "text", text)
	}
}

func (p *TelegramPoller) reply(ctx context.Context, text string) {
	body, err := json.Marshal(map[string]string{
		"chat_id": p.chatID,
		"text":    text,
	})
	if err != nil {
		return
	}
	reqURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", p.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("Telegram reply failed", "error", err)
		return
	}
	resp.Body.Close()
}
