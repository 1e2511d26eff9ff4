package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/reconcile"
)

const metricsNamespace = "open_ledger"

// Metrics implements ledger.Observer and reconcile.Observer.
type Metrics struct {
	operationsTotal         *prometheus.CounterVec
	operationDuration       *prometheus.HistogramVec
	publishFailuresTotal    prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	grpcRequestsTotal       *prometheus.CounterVec
	remoteAccessDecisions   *prometheus.CounterVec
	remoteAccessLogEntries  prometheus.Gauge
	remoteAccessLogCap      prometheus.Gauge
	reconcileRunsTotal      *prometheus.CounterVec
	reconcileCheckedWallets prometheus.Gauge
	reconcileSkippedWallets prometheus.Gauge
	reconcileDriftedWallets prometheus.Gauge
	reconcileChainBreaks    prometheus.Gauge
	reconcileLastRunUnix    prometheus.Gauge
}

// NewMetrics registers every collector on the default registry. Call it once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		operationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and result kind.",
			},
			[]string{"op", "result"},
		),
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Ledger operation latency including lock wait.",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
		publishFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "events",
				Name:      "publish_failures_total",
				Help:      "Committed operations whose event could not be published.",
			},
		),
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		grpcRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Unary gRPC requests by method and code.",
			},
			[]string{"method", "code"},
		),
		remoteAccessDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "decisions_total",
				Help:      "Admin path access decisions by outcome.",
			},
			[]string{"outcome"},
		),
		remoteAccessLogEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "inmemory_log_entries",
				Help:      "Entries currently held in the in-memory access log.",
			},
		),
		remoteAccessLogCap: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "inmemory_log_cap",
				Help:      "Capacity of the in-memory access log.",
			},
		),
		reconcileRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		reconcileCheckedWallets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "checked_wallets",
				Help:      "Wallets checked in the most recent run.",
			},
		),
		reconcileSkippedWallets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "skipped_wallets",
				Help:      "Wallets skipped because they changed during the most recent run.",
			},
		),
		reconcileDriftedWallets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "drifted_wallets",
				Help:      "Wallets whose balance differs from the sum of their transactions.",
			},
		),
		reconcileChainBreaks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "audit_chain_breaks",
				Help:      "Wallets whose audit chain failed verification.",
			},
		),
		reconcileLastRunUnix: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
	}
}

func (m *Metrics) ObserveOperation(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.publishFailuresTotal.Inc()
}

func (m *Metrics) ObserveReconcile(r reconcile.Report, err error) {
	if m == nil {
		return
	}
	m.reconcileLastRunUnix.Set(float64(r.StartedAt.Unix()))
	if err != nil {
		m.reconcileRunsTotal.WithLabelValues("error").Inc()
		return
	}
	result := "clean"
	if !r.Clean() {
		result = "discrepancy"
	}
	m.reconcileRunsTotal.WithLabelValues(result).Inc()
	m.reconcileCheckedWallets.Set(float64(r.Checked))
	m.reconcileSkippedWallets.Set(float64(r.Skipped))
	m.reconcileDriftedWallets.Set(float64(len(r.Drifted)))
	m.reconcileChainBreaks.Set(float64(len(r.ChainBreaks)))
}

func (m *Metrics) ObserveRemoteAccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.remoteAccessDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRemoteAccessLogState(entries, capacity int) {
	if m == nil {
		return
	}
	m.remoteAccessLogEntries.Set(float64(entries))
	m.remoteAccessLogCap.Set(float64(capacity))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func HTTPMetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m == nil {
			return
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}

func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.grpcRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}
