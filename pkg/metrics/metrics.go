// Package metrics exposes manager counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "tankapi"

// Manager holds the collectors updated by the manager loop.
type Manager struct {
	SessionsStarted  prometheus.Counter
	StartFailures    prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	UnexpectedExits  prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	ActiveSession    prometheus.Gauge
	StatusesRelayed  prometheus.Counter
}

// NewManager creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewManager(reg prometheus.Registerer) *Manager {
	m := &Manager{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Worker processes spawned for new sessions.",
		}),
		StartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_start_failures_total",
			Help:      "New sessions whose worker could not be started.",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status, by status.",
		}, []string{"status"}),
		UnexpectedExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_unexpected_exits_total",
			Help:      "Workers that exited without reporting a terminal status.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound messages dropped as protocol errors, by reason.",
		}, []string{"reason"}),
		ActiveSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_session",
			Help:      "1 while a session is admitted, else 0.",
		}),
		StatusesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statuses_relayed_total",
			Help:      "Status messages relayed to the front-end.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.StartFailures,
			m.SessionsFinished,
			m.UnexpectedExits,
			m.ProtocolErrors,
			m.ActiveSession,
			m.StatusesRelayed,
		)
	}
	return m
}

// Serve exposes gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
