package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/config"
	"marketfeed/internal/feed"
	"marketfeed/internal/metrics"
	"marketfeed/internal/source"
	"marketfeed/logger"
	"marketfeed/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketfeed.Name,
		"version": cfg.Marketfeed.Version,
	}).Info("starting marketfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	metrics.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	metrics.SetFeatureEnabled(metrics.FeatureQueueDepth, cfg.Metrics.QueueDepth)

	logger.StartReport(ctx, log, 30*time.Second)

	subs := make([]*feed.Subscription, 0, len(cfg.Subscriptions))
	for _, sc := range cfg.Subscriptions {
		sub, err := startSubscription(ctx, cfg, sc)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"exchange": sc.Exchange,
				"symbol":   sc.Symbol,
			}).Error("failed to start subscription")
			for _, running := range subs {
				running.Stop()
			}
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	if len(subs) == 0 {
		log.Error("no subscriptions configured")
		os.Exit(1)
	}

	metrics.StartQueueDepthMetrics(ctx, subs, cfg.Metrics.Interval)

	consumersDone := make(chan struct{})
	go func() {
		defer close(consumersDone)
		runConsumers(log, subs)
	}()

	log.WithField("subscriptions", len(subs)).Info("all subscriptions started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-consumersDone:
		log.Info("all subscriptions drained")
	}

	log.Info("starting graceful shutdown")
	for _, sub := range subs {
		sub.Stop()
	}
	cancel()

	deadline := time.After(30 * time.Second)
	for _, sub := range subs {
		select {
		case <-sub.Done():
		case <-deadline:
			log.Warn("graceful shutdown timeout exceeded")
			os.Exit(1)
		}
	}

	for _, sub := range subs {
		if err := sub.Err(); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"exchange": sub.Request.Exchange,
				"symbol":   sub.Request.Symbol,
			}).Error("subscription terminated with error")
		}
	}

	log.Info("marketfeed stopped")
}

func startSubscription(ctx context.Context, cfg *config.Config, sc config.SubscriptionConfig) (*feed.Subscription, error) {
	resolution, err := models.ParseResolution(sc.Resolution)
	if err != nil {
		return nil, err
	}

	meta := models.Meta{
		Exchange:   sc.Exchange,
		Symbol:     sc.Symbol,
		Resolution: resolution,
	}

	enum, err := buildEnumerator(ctx, cfg, sc, meta)
	if err != nil {
		return nil, err
	}

	req := feed.Request{
		Exchange:   sc.Exchange,
		Symbol:     sc.Symbol,
		Resolution: resolution,
	}
	return feed.Subscribe(ctx, req, enum, nil)
}

func buildEnumerator(ctx context.Context, cfg *config.Config, sc config.SubscriptionConfig, meta models.Meta) (feed.Enumerator, error) {
	switch sc.Source {
	case "csv":
		return source.NewCSV(sc.Path, meta)
	case "parquet":
		return source.NewParquet(sc.Path, meta)
	case "s3":
		return source.NewS3(ctx, cfg, sc.Path, meta)
	case "websocket":
		return source.NewWebsocket(cfg, meta)
	case "binance":
		return source.NewBinance(ctx, cfg, meta)
	case "bybit":
		return source.NewBybit(ctx, cfg, meta)
	}
	return nil, fmt.Errorf("unknown source kind '%s'", sc.Source)
}

// runConsumers drains every subscription concurrently and blocks until all
// of them reach end-of-sequence.
func runConsumers(log *logger.Log, subs []*feed.Subscription) {
	done := make(chan *feed.Subscription)
	for _, sub := range subs {
		go func(sub *feed.Subscription) {
			defer func() { done <- sub }()
			consume(log, sub)
		}(sub)
	}
	for range subs {
		<-done
	}
}

func consume(log *logger.Log, sub *feed.Subscription) {
	entry := log.WithComponent("consumer").WithFields(logger.Fields{
		"subscription": sub.ID.String(),
		"exchange":     sub.Request.Exchange,
		"symbol":       sub.Request.Symbol,
		"resolution":   sub.Request.Resolution.String(),
	})

	stream := sub.Request.Exchange + "/" + sub.Request.Symbol
	pulled := 0
	start := time.Now()
	var lastRecord time.Time
	for {
		rec, ok := sub.Next()
		if !ok {
			break
		}
		pulled++
		lastRecord = rec.RecordMeta().Time
		logger.RecordStreamMessage(stream, 1)
		if pulled%10000 == 0 {
			entry.WithFields(logger.Fields{
				"records":     pulled,
				"backlog":     sub.Backlog(),
				"last_record": sub.LocalTime(lastRecord).Format(time.RFC3339),
			}).Info("consumer progress")
			entry.LogMetric("feed", "records_pulled_total", pulled, "counter", logger.Fields{
				"exchange": sub.Request.Exchange,
				"symbol":   sub.Request.Symbol,
			})
		}
	}

	logger.LogDataFlowEntry(entry, stream, "consumer", pulled, sub.Request.Resolution.String())
	entry.WithFields(logger.Fields{
		"records":     pulled,
		"suspensions": sub.Suspensions(),
		"elapsed":     time.Since(start).String(),
	}).Info("subscription drained")
}
