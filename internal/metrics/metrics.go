// Package metrics provides Prometheus metrics for the frame.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "froggie_cache_bytes",
			Help: "Bytes currently held in the photo cache",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "froggie_cache_entries",
			Help: "Number of photos currently cached",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "froggie_cache_evictions_total",
			Help: "Total photos evicted to stay under the cache budget",
		},
	)

	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "froggie_sync_runs_total",
			Help: "Total reconcile runs",
		},
		[]string{"result"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "froggie_sync_duration_seconds",
			Help:    "Reconcile run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "froggie_downloads_total",
			Help: "Total photo downloads",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "froggie_download_bytes_total",
			Help: "Total bytes downloaded into the cache",
		},
	)

	prunesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "froggie_prunes_total",
			Help: "Total photos removed because the remote no longer lists them",
		},
	)

	serviceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "froggie_service_online",
			Help: "Whether the last request reached the photo service (1 = reachable)",
		},
	)

	// Update channel metrics
	updateMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "froggie_update_mode",
			Help: "Active update channel mode (1 = active)",
		},
		[]string{"mode"},
	)

	updateTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "froggie_update_triggers_total",
			Help: "Total reconcile triggers by source",
		},
		[]string{"source"},
	)

	// Display metrics
	photosShownTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "froggie_display_photos_shown_total",
			Help: "Total photos put on screen",
		},
	)

	displayState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "froggie_display_state",
			Help: "Current display engine state (1 = active)",
		},
		[]string{"state"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetCacheUsage sets the current cache size and entry count.
func SetCacheUsage(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// RecordEviction records one LRU eviction.
func RecordEviction() {
	cacheEvictionsTotal.Inc()
}

// RecordSyncRun records a reconcile run outcome and duration.
func RecordSyncRun(result string, duration time.Duration) {
	syncRunsTotal.WithLabelValues(result).Inc()
	syncDuration.Observe(duration.Seconds())
}

// RecordDownload records a photo download.
func RecordDownload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
	if success {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// RecordPrune records a pruned photo.
func RecordPrune() {
	prunesTotal.Inc()
}

// SetServiceOnline records whether the photo service answered the last request.
func SetServiceOnline(online bool) {
	if online {
		serviceOnline.Set(1)
		return
	}
	serviceOnline.Set(0)
}

// SetUpdateMode marks mode as the single active update channel mode.
func SetUpdateMode(mode string, all ...string) {
	for _, m := range all {
		updateMode.WithLabelValues(m).Set(0)
	}
	updateMode.WithLabelValues(mode).Set(1)
}

// RecordTrigger records a reconcile trigger from source (poll, push, fallback, manual).
func RecordTrigger(source string) {
	updateTriggersTotal.WithLabelValues(source).Inc()
}

// RecordPhotoShown records a photo put on screen.
func RecordPhotoShown() {
	photosShownTotal.Inc()
}

// SetDisplayState marks state as the current display state.
func SetDisplayState(state string, all ...string) {
	for _, s := range all {
		displayState.WithLabelValues(s).Set(0)
	}
	displayState.WithLabelValues(state).Set(1)
}
