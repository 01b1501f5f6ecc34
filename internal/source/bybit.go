package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

// bybitOrderbook is the v5 market/orderbook result payload.
type bybitOrderbook struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	Ts       int64      `json:"ts"`
	UpdateID int64      `json:"u"`
}

// Bybit polls order book snapshots from Bybit on a fixed interval, using
// the same advance pacing as the Binance poller.
type Bybit struct {
	meta     models.Meta
	client   *bybit.Client
	category string
	depth    int
	ticker   *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc

	current models.Record
	err     error
	closed  bool

	log *logger.Entry
}

// NewBybit creates a snapshot poller for the symbol in meta.
func NewBybit(ctx context.Context, cfg *appconfig.Config, meta models.Meta) (*Bybit, error) {
	log := logger.GetLogger().WithComponent("bybit_source").WithFields(logger.Fields{
		"symbol": meta.Symbol,
	})

	srcCfg := cfg.Sources.Bybit

	base := ""
	if srcCfg.URL != "" {
		if parsed, err := url.Parse(srcCfg.URL); err == nil {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}
	var client *bybit.Client
	if base != "" {
		client = bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	} else {
		client = bybit.NewBybitHttpClient("", "")
	}

	category := srcCfg.Category
	if category == "" {
		category = "linear"
	}
	depth := srcCfg.Depth
	if depth <= 0 {
		depth = 100
	}
	interval := time.Duration(srcCfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	srcCtx, cancel := context.WithCancel(ctx)
	src := &Bybit{
		meta:     meta,
		client:   client,
		category: category,
		depth:    depth,
		ticker:   time.NewTicker(interval),
		ctx:      srcCtx,
		cancel:   cancel,
		log:      log,
	}

	log.WithFields(logger.Fields{
		"category": category,
		"depth":    depth,
		"interval": interval,
	}).Info("bybit snapshot source initialized")

	return src, nil
}

func (b *Bybit) Next() bool {
	if b.err != nil || b.closed {
		return false
	}

	failures := 0
	for {
		select {
		case <-b.ctx.Done():
			b.current = nil
			return false
		case <-b.ticker.C:
		}

		snap, err := b.fetchSnapshot()
		if err != nil {
			if b.ctx.Err() != nil {
				b.current = nil
				return false
			}
			failures++
			b.log.WithError(err).Warn("failed to fetch orderbook snapshot")
			if failures >= maxConsecutiveFetchFailures {
				b.err = fmt.Errorf("bybit snapshot fetch failed %d times: %w", failures, err)
				b.current = nil
				return false
			}
			continue
		}

		b.current = snap
		return true
	}
}

func (b *Bybit) fetchSnapshot() (models.Record, error) {
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   b.meta.Symbol,
		"limit":    b.depth,
	}

	start := time.Now()
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(b.ctx)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(b.log, "bybit_source", "api_request", time.Since(start), logger.Fields{
		"symbol": b.meta.Symbol,
	})

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal orderbook result: %w", err)
	}
	var book bybitOrderbook
	if err := json.Unmarshal(payload, &book); err != nil {
		return nil, fmt.Errorf("failed to decode orderbook result: %w", err)
	}

	snap := models.BookSnapshot{
		Meta:         b.meta,
		LastUpdateID: book.UpdateID,
		Bids:         make([]models.BookLevel, 0, len(book.Bids)),
		Asks:         make([]models.BookLevel, 0, len(book.Asks)),
	}
	snap.Time = timeFromUnixMs(book.Ts)

	for _, raw := range book.Bids {
		if len(raw) < 2 {
			continue
		}
		level, err := bookLevel(raw[0], raw[1])
		if err != nil {
			return nil, fmt.Errorf("invalid bid level: %w", err)
		}
		snap.Bids = append(snap.Bids, level)
	}
	for _, raw := range book.Asks {
		if len(raw) < 2 {
			continue
		}
		level, err := bookLevel(raw[0], raw[1])
		if err != nil {
			return nil, fmt.Errorf("invalid ask level: %w", err)
		}
		snap.Asks = append(snap.Asks, level)
	}

	logger.IncrementSourceRead("bybit_snapshots", len(payload))
	return snap, nil
}

func (b *Bybit) Current() models.Record {
	return b.current
}

func (b *Bybit) Err() error {
	return b.err
}

func (b *Bybit) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	b.ticker.Stop()
	b.current = nil
	return nil
}
