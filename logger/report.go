package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSource int64
	errorsFeed   int64
	warnsSource  int64
	warnsFeed    int64
	sourceReads  int64
	streams      sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "source") {
		atomic.AddInt64(&warnsSource, 1)
	} else if strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "source") {
		atomic.AddInt64(&errorsSource, 1)
	} else if strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementSourceRead tallies one record read from a source stream together
// with its payload size.
func IncrementSourceRead(stream string, size int) {
	atomic.AddInt64(&sourceReads, 1)
	recordStream(stream, size)
}

func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		st := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&st.messages),
			"bytes":    atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_source": atomic.LoadInt64(&errorsSource),
		"errors_feed":   atomic.LoadInt64(&errorsFeed),
		"warns_source":  atomic.LoadInt64(&warnsSource),
		"warns_feed":    atomic.LoadInt64(&warnsFeed),
		"source_reads":  atomic.LoadInt64(&sourceReads),
		"goroutines":    runtime.NumGoroutine(),
		"streams":       streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("errors_source_total"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_source"].(int64)))},
		{MetricName: aws.String("errors_feed_total"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		{MetricName: aws.String("warns_source_total"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_source"].(int64)))},
		{MetricName: aws.String("warns_feed_total"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		{MetricName: aws.String("source_reads_total"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["source_reads"].(int64)))},
		{MetricName: aws.String("goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("stream_messages_total"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("stream_bytes_total"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
