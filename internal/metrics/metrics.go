// Package metrics exposes Prometheus instrumentation for the oracle service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"anchored-view/internal/events"
)

// Metrics holds every collector registered for one oracle instance.
type Metrics struct {
	registry *prometheus.Registry

	PricesUpdated       *prometheus.CounterVec
	PricesGuarded       *prometheus.CounterVec
	ObservationsWritten prometheus.Counter
	ObservationsSkipped prometheus.Counter
	AnchorWindowUpdates prometheus.Counter
	Bundles             *prometheus.CounterVec
	PublishedPrice      *prometheus.GaugeVec
	FailoverActive      *prometheus.GaugeVec
	ReporterInvalidated prometheus.Gauge
}

// New registers the oracle collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PricesUpdated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_prices_updated_total",
			Help: "Published price updates by symbol",
		}, []string{"symbol"}),
		PricesGuarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_prices_guarded_total",
			Help: "Reporter prices rejected against the anchor by symbol",
		}, []string{"symbol"}),
		ObservationsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "oracle_observations_written_total",
			Help: "Signed observations accepted into the store",
		}),
		ObservationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "oracle_observations_not_written_total",
			Help: "Signed observations ignored as stale or future dated",
		}),
		AnchorWindowUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "oracle_anchor_window_updates_total",
			Help: "TWAP observation window rotations",
		}),
		Bundles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_bundles_total",
			Help: "Processed bundles by status",
		}, []string{"status"}),
		PublishedPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_published_price",
			Help: "Latest published price in USD by symbol",
		}, []string{"symbol"}),
		FailoverActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_failover_active",
			Help: "1 while the symbol publishes its anchor price instead of the reporter's",
		}, []string{"symbol"}),
		ReporterInvalidated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_reporter_invalidated",
			Help: "1 once the reporter has been invalidated",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe updates collectors for committed oracle events.
func (m *Metrics) Observe(evs []events.Event) {
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.PriceUpdated:
			m.PricesUpdated.WithLabelValues(e.Symbol).Inc()
			usd, _ := decimal.NewFromBigInt(e.Price, -6).Float64()
			m.PublishedPrice.WithLabelValues(e.Symbol).Set(usd)
		case events.PriceGuarded:
			m.PricesGuarded.WithLabelValues(e.Symbol).Inc()
		case events.Write:
			m.ObservationsWritten.Inc()
		case events.NotWritten:
			m.ObservationsSkipped.Inc()
		case events.AnchorWindowUpdated:
			m.AnchorWindowUpdates.Inc()
		case events.ReporterInvalidated:
			m.ReporterInvalidated.Set(1)
		case events.FailoverActivated:
			m.FailoverActive.WithLabelValues(e.Symbol).Set(1)
		case events.FailoverDeactivated:
			m.FailoverActive.WithLabelValues(e.Symbol).Set(0)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
