package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	appconfig "marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

// maxConsecutiveFetchFailures is how many polls in a row may fail before a
// live snapshot source gives up and reports a terminal fault.
const maxConsecutiveFetchFailures = 5

// Binance polls futures order book snapshots from Binance on a fixed
// interval. Each Next call waits for the next poll slot and fetches one
// full book, so the producer's advance is naturally paced by the source.
type Binance struct {
	meta     models.Meta
	client   *futures.Client
	depth    int
	interval time.Duration
	ticker   *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc

	current models.Record
	err     error
	closed  bool

	log *logger.Entry
}

// NewBinance creates a snapshot poller for the symbol in meta using the
// binance-go futures client.
func NewBinance(ctx context.Context, cfg *appconfig.Config, meta models.Meta) (*Binance, error) {
	log := logger.GetLogger().WithComponent("binance_source").WithFields(logger.Fields{
		"symbol": meta.Symbol,
	})

	transport := &http.Transport{
		MaxIdleConns:        cfg.Reader.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Reader.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Reader.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Reader.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Reader.Timeout,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient

	srcCfg := cfg.Sources.Binance
	if srcCfg.URL != "" {
		if parsed, err := url.Parse(srcCfg.URL); err == nil {
			client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		}
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
	src := &Binance{
		meta:     meta,
		client:   client,
		depth:    depth,
		interval: interval,
		ticker:   time.NewTicker(interval),
		ctx:      srcCtx,
		cancel:   cancel,
		log:      log,
	}

	log.WithFields(logger.Fields{
		"depth":    depth,
		"interval": interval,
	}).Info("binance snapshot source initialized")

	return src, nil
}

func (b *Binance) Next() bool {
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
				b.err = fmt.Errorf("binance snapshot fetch failed %d times: %w", failures, err)
				b.current = nil
				return false
			}
			continue
		}

		b.current = snap
		return true
	}
}

func (b *Binance) fetchSnapshot() (models.Record, error) {
	start := time.Now()
	depth, err := b.client.NewDepthService().
		Symbol(b.meta.Symbol).
		Limit(b.depth).
		Do(b.ctx)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(b.log, "binance_source", "api_request", time.Since(start), logger.Fields{
		"symbol": b.meta.Symbol,
	})

	snap := models.BookSnapshot{
		Meta:         b.meta,
		LastUpdateID: depth.LastUpdateID,
		Bids:         make([]models.BookLevel, 0, len(depth.Bids)),
		Asks:         make([]models.BookLevel, 0, len(depth.Asks)),
	}
	snap.Time = time.Now().UTC()

	for _, bid := range depth.Bids {
		level, err := bookLevel(bid.Price, bid.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid bid level: %w", err)
		}
		snap.Bids = append(snap.Bids, level)
	}
	for _, ask := range depth.Asks {
		level, err := bookLevel(ask.Price, ask.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid ask level: %w", err)
		}
		snap.Asks = append(snap.Asks, level)
	}

	logger.IncrementSourceRead("binance_snapshots", len(snap.Bids)+len(snap.Asks))
	return snap, nil
}

func bookLevel(price, quantity string) (models.BookLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("price '%s': %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("quantity '%s': %w", quantity, err)
	}
	return models.BookLevel{Price: p, Quantity: q}, nil
}

func (b *Binance) Current() models.Record {
	return b.current
}

func (b *Binance) Err() error {
	return b.err
}

func (b *Binance) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	b.ticker.Stop()
	b.current = nil
	return nil
}
