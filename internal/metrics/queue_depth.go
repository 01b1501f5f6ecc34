package metrics

import (
	"context"
	"time"

	"marketfeed/internal/feed"
	"marketfeed/logger"
)

// StartQueueDepthMetrics emits backlog and suspension gauges for every
// subscription queue. Metrics are emitted every interval until the context
// is cancelled or all subscriptions have terminated. When interval <= 0, a
// one-second cadence is used.
func StartQueueDepthMetrics(ctx context.Context, subs []*feed.Subscription, interval time.Duration) {
	if !IsFeatureEnabled(FeatureQueueDepth) {
		return
	}
	if len(subs) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				live := 0
				for _, sub := range subs {
					select {
					case <-sub.Done():
					default:
						live++
					}
					emitSubscriptionDepth(log, sub)
				}
				if live == 0 {
					return
				}
			}
		}
	}()
}

func emitSubscriptionDepth(log *logger.Log, sub *feed.Subscription) {
	marks := sub.Watermarks()
	fields := logger.Fields{
		"subscription": sub.ID.String(),
		"exchange":     sub.Request.Exchange,
		"symbol":       sub.Request.Symbol,
		"resolution":   sub.Request.Resolution.String(),
	}

	EmitMetric(log, "feed", "queue_backlog", sub.Backlog(), "gauge", fields)
	EmitMetric(log, "feed", "producer_suspensions_total", sub.Suspensions(), "counter", fields)

	if sub.Backlog() > marks.High {
		log.WithComponent("feed").WithFields(fields).Debug("backlog above high watermark")
	}
}
