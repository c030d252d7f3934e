package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"bbtrader/internal/core"
)

// TelegramChannel posts notifications to a Telegram chat via the Bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func levelIcon(level core.AlertLevel) string {
	switch level {
	case core.AlertInfo:
		return "ℹ️"
	case core.AlertWarning:
		return "⚠️"
	case core.AlertError:
		return "❌"
	case core.AlertCritical:
		return "🚨"
	}
	return "ℹ️"
}

// Send posts one Markdown message. The fields map is rendered as sorted
// key/value lines below the message body.
func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s\n", levelIcon(p.Level), p.Title, p.Message)

	if len(p.Fields) > 0 {
		keys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "*%s:* %s\n", k, p.Fields[k])
		}
	}
	fmt.Fprintf(&b, "\n_%s_", p.Time.Format("2006-01-02 15:04:05 UTC"))

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
