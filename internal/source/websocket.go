package source

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

// wsTick is the wire shape of one trade message on the stream.
type wsTick struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	Ts     int64  `json:"ts"`
}

type wsSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// Websocket streams live ticks from a JSON websocket endpoint. A reader
// goroutine bridges the connection into a bounded channel so Next blocks
// for exactly one message at a time.
type Websocket struct {
	meta models.Meta
	conn *websocket.Conn
	msgs chan models.Record
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
	current   models.Record
	log       *logger.Entry
}

// NewWebsocket dials the configured endpoint, subscribes to the symbol in
// meta and starts the reader goroutine.
func NewWebsocket(cfg *appconfig.Config, meta models.Meta) (*Websocket, error) {
	wsCfg := cfg.Sources.Websocket
	if wsCfg.URL == "" {
		return nil, fmt.Errorf("websocket source requires sources.websocket.url")
	}

	log := logger.GetLogger().WithComponent("websocket_source").WithFields(logger.Fields{
		"url":    wsCfg.URL,
		"symbol": meta.Symbol,
	})

	dialer := *websocket.DefaultDialer
	if wsCfg.ReadBufferBytes > 0 {
		dialer.ReadBufferSize = wsCfg.ReadBufferBytes
	}

	conn, _, err := dialer.Dial(wsCfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket '%s': %w", wsCfg.URL, err)
	}

	if err := conn.WriteJSON(wsSubscribe{Op: "subscribe", Args: []string{meta.Symbol}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", meta.Symbol, err)
	}

	buffer := wsCfg.MessageBuffer
	if buffer <= 0 {
		buffer = 256
	}

	ws := &Websocket{
		meta: meta,
		conn: conn,
		msgs: make(chan models.Record, buffer),
		done: make(chan struct{}),
		log:  log,
	}

	log.Info("websocket source connected")
	go ws.readLoop()
	return ws, nil
}

func (w *Websocket) readLoop() {
	defer close(w.msgs)

	for {
		_, payload, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			if !w.closed {
				w.err = fmt.Errorf("websocket read failed: %w", err)
			}
			w.mu.Unlock()
			return
		}

		var msg wsTick
		if err := json.Unmarshal(payload, &msg); err != nil {
			w.log.WithError(err).Warn("skipping malformed message")
			continue
		}
		if msg.Symbol != "" && msg.Symbol != w.meta.Symbol {
			continue
		}

		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			w.log.WithError(err).Warn("skipping message with invalid price")
			continue
		}
		size, err := decimal.NewFromString(msg.Size)
		if err != nil {
			w.log.WithError(err).Warn("skipping message with invalid size")
			continue
		}

		tick := models.Tick{Meta: w.meta, Price: price, Size: size, Side: msg.Side}
		tick.Time = timeFromUnixMs(msg.Ts)

		logger.IncrementSourceRead("websocket_ticks", len(payload))
		select {
		case w.msgs <- tick:
		case <-w.done:
			return
		}
	}
}

// Next blocks until the next tick arrives or the stream ends.
func (w *Websocket) Next() bool {
	rec, ok := <-w.msgs
	if !ok {
		w.current = nil
		return false
	}
	w.current = rec
	return true
}

func (w *Websocket) Current() models.Record {
	return w.current
}

func (w *Websocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close tears the connection down, which unblocks the reader goroutine and
// in turn any pending Next call.
func (w *Websocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
		err = w.conn.Close()
	})
	return err
}
