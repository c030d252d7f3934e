package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"bbtrader/internal/core"
)

const (
	defaultStreamBaseURL = "wss://fstream.binance.com/stream"
	pingInterval         = 30 * time.Second
	pongWait             = 60 * time.Second
	writeWait            = 10 * time.Second
)

// klineStream keeps one (symbol, interval) kline subscription alive,
// reconnecting with exponential backoff. Candle updates are delivered on
// the calling goroutine of readLoop, preserving wire order.
type klineStream struct {
	baseURL  string
	symbol   string
	interval string
	logger   core.ILogger

	onCandle    func(core.Candle)
	onReconnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	isRunning bool
}

func newKlineStream(baseURL, symbol, interval string, logger core.ILogger,
	onCandle func(core.Candle), onReconnect func()) *klineStream {
	if baseURL == "" {
		baseURL = defaultStreamBaseURL
	}
	return &klineStream{
		baseURL:     baseURL,
		symbol:      symbol,
		interval:    interval,
		logger:      logger.WithField("component", "kline_stream").WithField("symbol", symbol).WithField("interval", interval),
		onCandle:    onCandle,
		onReconnect: onReconnect,
		done:        make(chan struct{}),
	}
}

func (k *klineStream) start(ctx context.Context) {
	k.mu.Lock()
	if k.isRunning {
		k.mu.Unlock()
		return
	}
	k.isRunning = true
	k.mu.Unlock()

	go k.connectLoop(ctx)
}

func (k *klineStream) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.isRunning {
		return
	}
	k.isRunning = false
	close(k.done)
	if k.conn != nil {
		k.conn.Close()
		k.conn = nil
	}
}

func (k *klineStream) connectLoop(ctx context.Context) {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	firstConnect := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		default:
		}

		url := fmt.Sprintf("%s?streams=%s@kline_%s", k.baseURL, strings.ToLower(k.symbol), k.interval)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			delay := bo.Duration()
			k.logger.Warn("Kline stream connect failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-k.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		k.mu.Lock()
		k.conn = conn
		k.mu.Unlock()
		k.logger.Info("Kline stream connected")

		if !firstConnect && k.onReconnect != nil {
			// Reconcile any candles missed while disconnected.
			k.onReconnect()
		}
		firstConnect = false

		go k.pingLoop(ctx, conn)
		k.readLoop(ctx, conn)

		k.mu.Lock()
		if k.conn == conn {
			k.conn = nil
		}
		k.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		default:
		}

		delay := bo.Duration()
		k.logger.Warn("Kline stream disconnected, reconnecting", "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		case <-time.After(delay):
		}
	}
}

func (k *klineStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		case <-ticker.C:
			k.mu.Lock()
			current := k.conn
			k.mu.Unlock()
			if current != conn {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				k.logger.Warn("Kline stream ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// combinedKlineMessage is the combined-streams kline payload.
type combinedKlineMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		K         struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			IsClosed  bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (k *klineStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Kline stream read loop panic", "panic", r)
		}
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				k.logger.Warn("Kline stream closed unexpectedly", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg combinedKlineMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			k.logger.Warn("Failed to parse kline message", "error", err)
			continue
		}
		if msg.Data.EventType != "kline" {
			continue
		}

		candle, err := candleFromWire(msg)
		if err != nil {
			k.logger.Warn("Failed to decode kline values", "error", err)
			continue
		}
		if k.onCandle != nil {
			k.onCandle(candle)
		}
	}
}

func candleFromWire(msg combinedKlineMessage) (core.Candle, error) {
	kl := msg.Data.K
	open, err := decimal.NewFromString(kl.Open)
	if err != nil {
		return core.Candle{}, err
	}
	high, err := decimal.NewFromString(kl.High)
	if err != nil {
		return core.Candle{}, err
	}
	low, err := decimal.NewFromString(kl.Low)
	if err != nil {
		return core.Candle{}, err
	}
	closeP, err := decimal.NewFromString(kl.Close)
	if err != nil {
		return core.Candle{}, err
	}
	volume, err := decimal.NewFromString(kl.Volume)
	if err != nil {
		return core.Candle{}, err
	}

	return core.Candle{
		Symbol:   kl.Symbol,
		Interval: kl.Interval,
		OpenTime: time.UnixMilli(kl.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closeP,
		Volume:   volume,
		IsClosed: kl.IsClosed,
	}, nil
}
