// Package metrics registers the Prometheus collectors for file sync and
// exposes small helpers so call sites do not deal with label plumbing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts storage server calls by operation and status.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_sync_http_requests_total",
			Help: "Storage server HTTP requests by operation and status code",
		},
		[]string{"op", "status"},
	)

	// httpRequestDuration tracks storage server call latency.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_sync_http_request_duration_seconds",
			Help:    "Storage server HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_sync_transfers_total",
			Help: "Finished file sync requests by direction and outcome",
		},
		[]string{"kind", "outcome"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_sync_transfer_bytes_total",
			Help: "File bytes moved to or from the storage server",
		},
		[]string{"kind"},
	)

	authProbesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_sync_auth_probes_total",
			Help: "Credential probes sent to the storage root",
		},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_sync_conflicts_total",
			Help: "Conflict records queued for user reconciliation",
		},
	)
)

// ObserveHTTP records one storage server call. status 0 means the request
// never got a response.
func ObserveHTTP(op string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}

	httpRequestsTotal.WithLabelValues(op, label).Inc()
	httpRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveTransfer records a finished request.
func ObserveTransfer(kind, outcome string, bytes int64) {
	transfersTotal.WithLabelValues(kind, outcome).Inc()

	if bytes > 0 {
		transferBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// AuthProbe counts a credential probe.
func AuthProbe() {
	authProbesTotal.Inc()
}

// Conflict counts a queued conflict record.
func Conflict() {
	conflictsTotal.Inc()
}

const shutdownTimeout = 5 * time.Second

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("metrics server listening", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
