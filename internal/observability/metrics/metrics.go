// Package metrics exports deep scrape counters in Prometheus format and
// serves them (plus optional pprof) over HTTP.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/eventbus"
)

const namespace = "scrapebot"

// Metrics owns a private registry fed from engine events.
type Metrics struct {
	registry *prometheus.Registry

	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	throttled   *prometheus.CounterVec
	topics      prometheus.Counter
	links       prometheus.Counter
	transitions *prometheus.CounterVec
}

// New registers the collectors. running, when non-nil, backs the
// running-tasks gauge.
func New(running func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	m := &Metrics{
		registry: reg,
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_delivered_total",
			Help:      "Items uploaded, by sending identity.",
		}, []string{"identity"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dropped_total",
			Help:      "Items dropped after a non-throttle send error, by sending identity.",
		}, []string{"identity"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Flood-wait signals received, by identity (empty for topic creation).",
		}, []string{"identity"}),
		topics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_created_total",
			Help:      "Forum topics created.",
		}),
		links: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_completed_total",
			Help:      "Links fully processed.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions, by new status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.delivered, m.dropped, m.throttled, m.topics, m.links, m.transitions)
	if running != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks with a live processing goroutine.",
		}, func() float64 { return float64(running()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates counters for one engine event.
func (m *Metrics) Observe(ev eventbus.Event) {
	d, _ := ev.Data.(deepscrape.EventData)
	switch ev.Type {
	case deepscrape.EventDelivered:
		m.delivered.WithLabelValues(d.Identity).Inc()
	case deepscrape.EventDropped:
		m.dropped.WithLabelValues(d.Identity).Inc()
	case deepscrape.EventThrottled:
		m.throttled.WithLabelValues(d.Identity).Inc()
	case deepscrape.EventTopicCreated:
		m.topics.Inc()
	case deepscrape.EventLinkDone:
		m.links.Inc()
	case deepscrape.EventStatus:
		if d.Status != "" {
			m.transitions.WithLabelValues(string(d.Status)).Inc()
		}
	}
}

// Run feeds bus events into Observe until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
