// Package metrics holds the prometheus collectors for delivery, the task
// queue and the HTTP surface. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promobot/internal/eventbus"
)

const namespace = "promobot"

type Metrics struct {
	reg prometheus.Gatherer

	deliveries   *prometheus.CounterVec
	chunks       prometheus.Counter
	chunkSeconds prometheus.Histogram
	invocations  *prometheus.CounterVec
	expired      *prometheus.CounterVec
	retries      prometheus.Counter
	exhausted    prometheus.Counter
	tasks        *prometheus.CounterVec
	stalled      prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests; production wiring also adds the Go and process collectors.
func New(reg *prometheus.Registry, withRuntime bool) *Metrics {
	m := &Metrics{
		reg: reg,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total", Help: "Per-recipient delivery outcomes.",
		}, []string{"outcome"}), // delivered | failed | skipped | duplicate
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_chunks_total", Help: "Recipient chunks processed.",
		}),
		chunkSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_chunk_duration_seconds",
			Help:      "Time spent on one recipient chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms..~100s
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_invocations_total", Help: "Delivery scheduler invocation outcomes.",
		}, []string{"outcome"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaigns_expired_total", Help: "Campaigns moved to expired.",
		}, []string{"source"}), // scheduler | sweeper
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "network_retries_total", Help: "Network operations retried after a transient error.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "network_retry_exhausted_total", Help: "Network operations that ran out of attempts.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_tasks_total", Help: "Task engine results by event type.",
		}, []string{"result"}), // finished | failed | skipped | dropped
		stalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaign_chains_stalled_total", Help: "Delivery chains whose task ran out of attempts.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Count of HTTP requests.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		m.deliveries, m.chunks, m.chunkSeconds, m.invocations, m.expired,
		m.retries, m.exhausted, m.tasks, m.stalled, m.httpRequests, m.httpDuration,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RegisterQueueDepth exposes fn as a gauge, typically the engine's queue
// length.
func (m *Metrics) RegisterQueueDepth(reg prometheus.Registerer, fn func() float64) {
	if m == nil || reg == nil || fn == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "engine_queue_length", Help: "Tasks waiting for an engine worker.",
	}, fn))
}

// RegisterSupervisor exposes the app supervisor's goroutine counters:
// a gauge of running goroutines and restarts per supervised loop.
func (m *Metrics) RegisterSupervisor(reg prometheus.Registerer, fn func() (active int64, restarts map[string]int)) {
	if m == nil || reg == nil || fn == nil {
		return
	}
	reg.MustRegister(&supervisorCollector{
		fn:       fn,
		active:   prometheus.NewDesc(namespace+"_supervised_goroutines", "Goroutines running under the app supervisor.", nil, nil),
		restarts: prometheus.NewDesc(namespace+"_supervised_restarts", "Restarts of a supervised loop since start.", []string{"name"}, nil),
	})
}

type supervisorCollector struct {
	fn       func() (int64, map[string]int)
	active   *prometheus.Desc
	restarts *prometheus.Desc
}

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.restarts
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	active, restarts := c.fn()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(active))
	for name, n := range restarts {
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(n), name)
	}
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Chunk(d time.Duration) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.chunkSeconds.Observe(d.Seconds())
}

func (m *Metrics) Invocation(outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Expired(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RetryExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// ObserveHTTP records one request; handler should be the route pattern.
func (m *Metrics) ObserveHTTP(handler, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, http.StatusText(code)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(d.Seconds())
}

// Consume counts task engine and queue events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	if m == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256, "task.", "campaign.stalled")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observeEvent(ev.Type)
		}
	}
}

func (m *Metrics) observeEvent(typ string) {
	switch {
	case typ == "campaign.stalled":
		m.stalled.Inc()
	case strings.HasPrefix(typ, "task."):
		if r := strings.TrimPrefix(typ, "task."); r != "started" {
			m.tasks.WithLabelValues(r).Inc()
		}
	}
}
