// Package metrics collects Prometheus instrumentation for the mesh
// components and optionally exposes it over HTTP.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles every collector the components record into. It is
// instance-scoped: construct one per station and inject it.
type Metrics struct {
	registry *prometheus.Registry

	// Cache
	CacheEvictions  prometheus.Counter
	CacheUsedBytes  prometheus.Gauge
	CacheEntries    prometheus.Gauge
	CacheStoreFails prometheus.Counter

	// Routing
	RoutingPasses    prometheus.Counter
	DeliveryOutcomes *prometheus.CounterVec // outcome: success|failed
	BandQueued       prometheus.Counter

	// Retry coordination
	RetryRequests  prometheus.Counter
	RetryRejected  *prometheus.CounterVec // reason: unlicensed|signature|duplicate|rate_limited|not_found
	RetryFulfilled prometheus.Counter
	WindowRedraws  prometheus.Counter

	// Modulation
	ModulationChanges *prometheus.CounterVec // direction: upgrade|downgrade|forced
	ChannelThroughput *prometheus.GaugeVec   // channel
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_cache_evictions_total",
			Help: "Cache entries evicted to make space",
		}),
		CacheUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airmesh_cache_used_bytes",
			Help: "Bytes currently held by the local cache",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airmesh_cache_entries",
			Help: "Entries currently held by the local cache",
		}),
		CacheStoreFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_cache_store_failures_total",
			Help: "Cache stores rejected for lack of space",
		}),

		RoutingPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_routing_passes_total",
			Help: "routeUpdate invocations",
		}),
		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airmesh_delivery_outcomes_total",
			Help: "Per-target delivery completions by outcome",
		}, []string{"outcome"}),
		BandQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_band_queued_total",
			Help: "Routing passes queued behind a busy channel band",
		}),

		RetryRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_retry_requests_total",
			Help: "Accepted retry requests",
		}),
		RetryRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airmesh_retry_rejected_total",
			Help: "Rejected retry requests by reason",
		}, []string{"reason"}),
		RetryFulfilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_retry_fulfilled_total",
			Help: "Fulfilled retry requests",
		}),
		WindowRedraws: factory.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_retry_window_redraws_total",
			Help: "Coordination window draws repeated to avoid collisions",
		}),

		ModulationChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airmesh_modulation_changes_total",
			Help: "Modulation scheme changes by direction",
		}, []string{"direction"}),
		ChannelThroughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airmesh_channel_throughput_bps",
			Help: "Achievable throughput per channel",
		}, []string{"channel"}),
	}
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
