package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rotator_go/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
)

// miniTicker is one entry of the Binance combined miniTicker stream.
type miniTicker struct {
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	EventTime int64  `json:"E"`
}

type combinedMessage struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

// StreamWorker keeps the price cache fresher than the polling cadence by
// consuming the venue's live miniTicker stream. Losing the stream is never
// fatal; the poller remains the source of record.
type StreamWorker struct {
	baseURL string
	symbols []string
	cache   *PriceCache

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewStreamWorker creates a worker for the given pair symbols.
func NewStreamWorker(baseURL string, symbols []string, cache *PriceCache) *StreamWorker {
	return &StreamWorker{
		baseURL: baseURL,
		symbols: symbols,
		cache:   cache,
		logger:  slog.Default().With("module", "price_stream"),
	}
}

// Connect starts the connection loop in the background.
func (w *StreamWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := retry.Duration()
			w.logger.Warn("stream connection failed", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry.Reset()
		w.readLoop(ctx)
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	streams := make([]string, 0, len(w.symbols))
	for _, sym := range w.symbols {
		streams = append(streams, strings.ToLower(sym)+"@miniTicker")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", w.baseURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	infra.GlobalMetrics.SetStreamConnected(true)

	w.logger.Info("stream connected", "streams", len(streams))
	return nil
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	defer w.closeConnection()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				w.closeConnection()
				return
			case <-done:
				return
			case <-pingTicker.C:
				w.mu.RLock()
				conn := w.conn
				w.mu.RUnlock()
				if conn != nil {
					conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
			}
		}
	}()

	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("stream read failed", "error", err)
			}
			return
		}

		var msg combinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue // Unknown frame, e.g. pong payloads
		}
		if msg.Data.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.Close)
		if err != nil {
			continue
		}
		w.cache.Update(msg.Data.Symbol, price, time.UnixMilli(msg.Data.EventTime))
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	if w.connected {
		w.connected = false
		infra.GlobalMetrics.SetStreamConnected(false)
	}
}

// IsConnected reports whether the stream is currently up.
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Disconnect stops the worker and waits for its goroutines.
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
