// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	UploadsStarted   prometheus.Counter
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadsCanceled  prometheus.Counter
	AuthFailures     prometheus.Counter
	ChannelsCreated  prometheus.Counter
	ChannelsDeleted  prometheus.Counter

	// Histograms (seconds)
	DownloadDuration prometheus.Observer
	UploadDuration   prometheus.Observer
	TotalDuration    prometheus.Observer

	// Gauges
	ActiveConversationsGauge prometheus.Gauge
	InFlightUploadsGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		UploadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_uploads_started_total", Help: "Number of video uploads started"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_uploads_succeeded_total", Help: "Number of video uploads succeeded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_uploads_failed_total", Help: "Number of video uploads failed"})
		UploadsCanceled = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_uploads_canceled_total", Help: "Number of video uploads canceled by the user"})
		AuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_auth_failures_total", Help: "Number of Dailymotion authentication failures"})
		ChannelsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_channels_created_total", Help: "Number of channels registered"})
		ChannelsDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "newdaily_channels_deleted_total", Help: "Number of channels removed"})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "newdaily_download_duration_seconds", Help: "Telegram file download duration seconds", Buckets: prometheus.DefBuckets})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "newdaily_upload_duration_seconds", Help: "Dailymotion upload duration seconds", Buckets: prometheus.DefBuckets})
		TotalDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "newdaily_pipeline_total_duration_seconds", Help: "Total upload pipeline duration seconds", Buckets: prometheus.DefBuckets})
		ActiveConversationsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "newdaily_active_conversations", Help: "Current number of active bot conversations"})
		InFlightUploadsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "newdaily_inflight_uploads", Help: "Current number of uploads in progress"})
	})
}

// SetActiveConversations records the number of live dialog flows.
func SetActiveConversations(n int) {
	if ActiveConversationsGauge != nil {
		ActiveConversationsGauge.Set(float64(n))
	}
}

// TrackUpload adjusts the in-flight gauge around one pipeline run.
func TrackUpload(delta float64) {
	if InFlightUploadsGauge != nil {
		InFlightUploadsGauge.Add(delta)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if one is present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
