// Package metrics exposes the firewall's prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all firewall metrics.
type Registry struct {
	// Tunnel lifecycle
	Establishments     prometheus.Counter
	EstablishFailures  prometheus.Counter
	AllowListFailures  prometheus.Counter
	Restarts           prometheus.Counter
	RestartsSkipped    prometheus.Counter
	BlockedApps        prometheus.Gauge
	ControllerState    prometheus.Gauge
	ControllerSessions prometheus.Counter

	// Traffic ledger
	ConnectionsLogged *prometheus.CounterVec
	BytesLogged       *prometheus.CounterVec
	LedgerSize        prometheus.Gauge

	// Owner resolution
	OwnerLookups   *prometheus.CounterVec
	IdentityLookup *prometheus.CounterVec
	CachePurges    prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Establishments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_tunnel_establishments_total",
		Help: "Tunnel interfaces successfully established",
	})

	r.EstablishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_tunnel_establish_failures_total",
		Help: "Tunnel establishments that failed or returned no interface",
	})

	r.AllowListFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_allow_list_failures_total",
		Help: "Applications that could not be routed into the tunnel",
	})

	r.Restarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_tunnel_restarts_total",
		Help: "Tunnel restarts caused by a changed blocked set",
	})

	r.RestartsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_tunnel_restarts_skipped_total",
		Help: "Debounced recomputations that left the blocked set unchanged",
	})

	r.BlockedApps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bearguard_blocked_applications",
		Help: "Applications in the currently applied blocked set",
	})

	r.ControllerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bearguard_controller_state",
		Help: "Tunnel controller state (0 stopped, 1 starting, 2 running, 3 restart pending, 4 stopping)",
	})

	r.ControllerSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_controller_sessions_total",
		Help: "Protection sessions started",
	})

	r.ConnectionsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearguard_connections_logged_total",
		Help: "Connections recorded in the traffic ledger",
	}, []string{"blocked"})

	r.BytesLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearguard_bytes_logged_total",
		Help: "Bytes recorded in the traffic ledger",
	}, []string{"direction"})

	r.LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bearguard_ledger_entries",
		Help: "Connections currently retained by the traffic ledger",
	})

	r.OwnerLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearguard_owner_lookups_total",
		Help: "Socket owner lookups by result",
	}, []string{"result"})

	r.IdentityLookup = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearguard_identity_lookups_total",
		Help: "UID to identity resolutions by cache result",
	}, []string{"result"})

	r.CachePurges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearguard_identity_cache_purges_total",
		Help: "Full clears of the UID to identity cache",
	})

	return r
}

// RecordConnection counts one ledger entry.
func (r *Registry) RecordConnection(blocked bool, bytesIn, bytesOut int64) {
	label := "false"
	if blocked {
		label = "true"
	}
	r.ConnectionsLogged.WithLabelValues(label).Inc()
	if bytesIn > 0 {
		r.BytesLogged.WithLabelValues("in").Add(float64(bytesIn))
	}
	if bytesOut > 0 {
		r.BytesLogged.WithLabelValues("out").Add(float64(bytesOut))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
