package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	futuresStreamURL = "wss://fstream.binance.com/ws"
	testnetStreamURL = "wss://stream.binancefuture.com/ws"

	streamReadTimeout    = 3 * time.Minute
	streamReconnectDelay = 5 * time.Second
)

// klineEvent mirrors the venue's kline stream payload
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// BarHandler receives each closed bar from the stream
type BarHandler func(Kline)

// KlineStream subscribes to the venue's kline websocket and delivers closed
// bars to a handler. It reconnects on any failure and is a side feed only:
// the trading loop polls REST and never depends on the stream.
type KlineStream struct {
	symbol   string
	interval string
	url      string
	handler  BarHandler
	stop     chan struct{}
}

// NewKlineStream creates a stream for one symbol/interval
func NewKlineStream(symbol, interval string, testnet bool, handler BarHandler) *KlineStream {
	base := futuresStreamURL
	if testnet {
		base = testnetStreamURL
	}
	return &KlineStream{
		symbol:   symbol,
		interval: interval,
		url:      fmt.Sprintf("%s/%s@kline_%s", base, strings.ToLower(symbol), interval),
		handler:  handler,
		stop:     make(chan struct{}),
	}
}

// Start runs the stream until Stop is called. Call in a goroutine.
func (s *KlineStream) Start() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.run(); err != nil {
			log.Warn().Err(err).Str("symbol", s.symbol).Msg("kline stream disconnected, reconnecting")
		}

		select {
		case <-s.stop:
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

// Stop terminates the stream loop
func (s *KlineStream) Stop() {
	close(s.stop)
}

func (s *KlineStream) run() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	log.Info().Str("symbol", s.symbol).Str("interval", s.interval).Msg("kline stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.stop:
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event klineEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Debug().Err(err).Msg("kline stream: unparseable message")
			continue
		}
		if event.EventType != "kline" || !event.Kline.Closed {
			continue
		}

		s.handler(Kline{
			OpenTime:  event.Kline.OpenTime,
			Open:      parseStreamFloat(event.Kline.Open),
			High:      parseStreamFloat(event.Kline.High),
			Low:       parseStreamFloat(event.Kline.Low),
			Close:     parseStreamFloat(event.Kline.Close),
			Volume:    parseStreamFloat(event.Kline.Volume),
			CloseTime: event.Kline.CloseTime,
		})
	}
}

func parseStreamFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
