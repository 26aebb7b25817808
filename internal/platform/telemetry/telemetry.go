// Package telemetry owns the Prometheus collectors: HTTP request metrics and
// the domain counters incremented by the affiliation, admission, invoicing
// and reimbursement services. All Metrics methods are safe on a nil receiver
// so services can run without instrumentation in tests.
package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sante"

// Metrics groups every collector exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	affiliationsCreated  *prometheus.CounterVec
	admissionsResolved   *prometheus.CounterVec
	invoicesCreated      prometheus.Counter
	invoiceNumberRetries prometheus.Counter
	paymentConfirmations *prometheus.CounterVec
	reimbursementQuotes  *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a private registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	var err error
	if m.httpRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests partitioned by method, route and status code.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}
	if m.httpDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency partitioned by method, route and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}
	if m.httpInFlight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
		Help: "Requests currently being served.",
	})); err != nil {
		return nil, err
	}
	if m.affiliationsCreated, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "affiliations_created_total",
		Help: "Affiliation creation attempts by outcome (created, duplicate).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.admissionsResolved, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "admissions_resolved_total",
		Help: "Admission requests leaving pending, by final status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if m.invoicesCreated, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "invoices_created_total",
		Help: "Invoices persisted.",
	})); err != nil {
		return nil, err
	}
	if m.invoiceNumberRetries, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "invoice_number_conflicts_total",
		Help: "Invoice number allocations retried after a uniqueness conflict.",
	})); err != nil {
		return nil, err
	}
	if m.paymentConfirmations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "payment_confirmations_total",
		Help: "External payment confirmations by outcome (completed, failed, noop, rejected).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.reimbursementQuotes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reimbursement_quotes_total",
		Help: "Reimbursement computations by patient balance sign (owed, zero, overpayment).",
	}, []string{"balance"})); err != nil {
		return nil, err
	}

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request count, latency and in-flight gauge. The route
// label is the echo route pattern so ids do not explode cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			start := time.Now()
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := prometheus.Labels{
				"method": c.Request().Method,
				"route":  route,
				"status": strconv.Itoa(status),
			}
			m.httpRequests.With(labels).Inc()
			m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) AffiliationCreated(duplicate bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if duplicate {
		outcome = "duplicate"
	}
	m.affiliationsCreated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AdmissionResolved(status string) {
	if m == nil {
		return
	}
	m.admissionsResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) InvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

func (m *Metrics) InvoiceNumberConflict() {
	if m == nil {
		return
	}
	m.invoiceNumberRetries.Inc()
}

func (m *Metrics) PaymentConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.paymentConfirmations.WithLabelValues(outcome).Inc()
}

// ReimbursementQuote classifies a computed patient balance.
func (m *Metrics) ReimbursementQuote(patientBalance int64) {
	if m == nil {
		return
	}
	label := "owed"
	switch {
	case patientBalance < 0:
		label = "overpayment"
	case patientBalance == 0:
		label = "zero"
	}
	m.reimbursementQuotes.WithLabelValues(label).Inc()
}
