// Package metrics exposes prometheus collectors for the scheduler, the task
// engine and the outbound channel.
//
// A Metrics value owns its own registry so tests and multiple instances never
// collide on registration. All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remindbot/internal/eventbus"
)

const namespace = "remindbot"

type Metrics struct {
	reg *prometheus.Registry

	fires         *prometheus.CounterVec
	capabilityDur *prometheus.HistogramVec
	messages      *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDur        prometheus.Histogram
	armed         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		fires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_fires_total",
			Help:      "Task firings by action kind and result.",
		}, []string{"kind", "result"}),
		capabilityDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Capability executor latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound channel messages by result.",
		}, []string{"result"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events (created, deleted, missed, completed).",
		}, []string{"event"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_jobs_total",
			Help:      "Task engine job outcomes.",
		}, []string{"event"}),
		jobDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_job_duration_seconds",
			Help:      "Task engine job run time.",
			Buckets:   prometheus.DefBuckets,
		}),
		armed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_armed_triggers",
			Help:      "Triggers currently armed in the scheduler.",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveFire records one dispatched task. kind is "message" or the
// capability name.
func (m *Metrics) ObserveFire(kind string, capErr, sendErr error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case sendErr != nil:
		result = "send_failed"
	case capErr != nil:
		result = "capability_failed"
	}
	m.fires.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveCapability(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.capabilityDur.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveSend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.messages.WithLabelValues("failed").Inc()
		return
	}
	m.messages.WithLabelValues("ok").Inc()
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.armed.Set(float64(n))
}

// Consume translates bus events into counters until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	if m == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.observeEvent(e)
		}
	}
}

func (m *Metrics) observeEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskCreated, eventbus.TaskDeleted, eventbus.TaskMissed, eventbus.TaskCompleted:
		m.tasks.WithLabelValues(e.Type).Inc()
	case eventbus.JobFinished, eventbus.JobFailed:
		m.jobs.WithLabelValues(e.Type).Inc()
		if je, ok := e.Data.(eventbus.JobEvent); ok {
			m.jobDur.Observe(je.Duration.Seconds())
		}
	case eventbus.JobSkipped, eventbus.JobDropped:
		m.jobs.WithLabelValues(e.Type).Inc()
	}
}
