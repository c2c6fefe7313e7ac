// Package metrics 以 Prometheus 格式暴露结算核心与 HTTP 层的运行指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp_pay"

var (
	registry = prometheus.NewRegistry()

	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Settlement operations by component, operation and outcome.",
	}, []string{"component", "operation", "outcome"})

	batchItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_items_total",
		Help:      "Batch item outcomes.",
	}, []string{"outcome"})

	permissionDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_denials_total",
		Help:      "Spend permission denials by reason.",
	}, []string{"reason"})

	keeperJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keeper_jobs_total",
		Help:      "Recurring schedule executions triggered by the keeper.",
	}, []string{"outcome"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		operations,
		batchItems,
		permissionDenials,
		keeperJobs,
		httpRequests,
		httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Outcome 由错误推导指标标签。
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveOperation records one settlement operation.
func ObserveOperation(component, operation string, err error) {
	operations.WithLabelValues(component, operation, Outcome(err)).Inc()
}

// ObserveBatch records the per-item outcome counts of an executed batch.
func ObserveBatch(success, failure int) {
	batchItems.WithLabelValues("success").Add(float64(success))
	batchItems.WithLabelValues("failure").Add(float64(failure))
}

// ObservePermissionDenial records a rejected spend.
func ObservePermissionDenial(reason string) {
	permissionDenials.WithLabelValues(reason).Inc()
}

// ObserveKeeperJob records one keeper-triggered execution.
func ObserveKeeperJob(err error) {
	keeperJobs.WithLabelValues(Outcome(err)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Gatherer exposes the registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
