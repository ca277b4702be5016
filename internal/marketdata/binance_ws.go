package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// Compile-time interface check.
var _ Stream = (*BinanceTradeStream)(nil)

const defaultBinanceWSURL = "wss://fstream.binance.com/stream"

// BinanceTradeStream streams aggregated trades for a set of symbols over the
// Binance futures combined-stream endpoint. Connection loss triggers an
// automatic reconnect with doubling delay; a watchdog forces a reconnect when
// no data arrives within the read timeout.
type BinanceTradeStream struct {
	url     string
	symbols []string
	log     *slog.Logger
	ticks   chan domain.Tick

	readTimeout    time.Duration
	pingInterval   time.Duration
	reconnectBase  time.Duration
	reconnectLimit time.Duration
}

// NewBinanceTradeStream creates a stream for the given symbols. An empty url
// uses the production futures endpoint.
func NewBinanceTradeStream(url string, symbols []string, log *slog.Logger) *BinanceTradeStream {
	if url == "" {
		url = defaultBinanceWSURL
	}
	return &BinanceTradeStream{
		url:            url,
		symbols:        symbols,
		log:            log,
		ticks:          make(chan domain.Tick, 1024),
		readTimeout:    60 * time.Second,
		pingInterval:   20 * time.Second,
		reconnectBase:  time.Second,
		reconnectLimit: time.Minute,
	}
}

// Ticks returns the tick channel.
func (s *BinanceTradeStream) Ticks() <-chan domain.Tick { return s.ticks }

// Run connects and pumps ticks until the context is cancelled.
func (s *BinanceTradeStream) Run(ctx context.Context) error {
	defer close(s.ticks)
	if len(s.symbols) == 0 {
		return fmt.Errorf("marketdata: no symbols to stream")
	}

	delay := s.reconnectBase
	for {
		err := s.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("market data stream disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.reconnectLimit {
			delay = s.reconnectLimit
		}
	}
}

// combinedStreamMessage is the envelope of the combined-stream endpoint.
type combinedStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

func (s *BinanceTradeStream) connectAndPump(ctx context.Context) error {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@aggTrade"
	}
	url := s.url + "?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.url, err)
	}
	defer conn.Close()
	s.log.Info("market data stream connected", "symbols", s.symbols)

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	// Ping keeps the connection alive; close on cancellation unblocks the
	// read loop.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pumpDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		var msg combinedStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("unparseable stream message", "error", err)
			continue
		}
		if msg.Data.EventType != "aggTrade" {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.Price)
		if err != nil || price.Sign() <= 0 {
			continue
		}

		tick := domain.Tick{
			Symbol: msg.Data.Symbol,
			Price:  price,
			At:     time.UnixMilli(msg.Data.TradeTime).UTC(),
		}
		select {
		case s.ticks <- tick:
		default:
			// Consumer is behind; drop the oldest tick to keep latency low.
			select {
			case <-s.ticks:
			default:
			}
			s.ticks <- tick
		}
	}
}
