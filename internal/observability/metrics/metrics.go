// Package metrics turns event-bus traffic into Prometheus series on a private
// registry. Components publish events; only this package imports prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botfleet/internal/eventbus"
	logx "botfleet/pkg/logx"
)

const namespace = "botfleet"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	dispatch  *prometheus.CounterVec
	fanout    *prometheus.CounterVec
	fires     *prometheus.CounterVec
	relay     *prometheus.CounterVec
	notifier  *prometheus.CounterVec
	tasks     *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
}

// New registers the collectors. running reports the number of live tenant
// runtimes; nil leaves the gauge at zero.
func New(running func() int, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Inbound updates by dispatch result.",
		}, []string{"result"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Fan-out deliveries by origin and result.",
		}, []string{"origin", "result"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Scheduler fires by job kind and result.",
		}, []string{"kind", "result"}),
		relay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Channel posts seen by the relay, by outcome.",
		}, []string{"outcome"}),
		notifier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_reports_total",
			Help:      "Owner reports by result.",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task engine lifecycle events.",
		}, []string{"event"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_lifecycle_total",
			Help:      "Tenant runtime spawns, stops and failed spawns.",
		}, []string{"event"}),
	}
	m.reg.MustRegister(
		m.dispatch, m.fanout, m.fires, m.relay, m.notifier, m.tasks, m.lifecycle,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenants_running",
			Help:      "Tenant runtimes currently running.",
		}, func() float64 {
			if running == nil {
				return 0
			}
			return float64(running())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe accounts one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.DispatchAccepted, eventbus.DispatchUnknown, eventbus.DispatchDropped:
		if o, ok := ev.Data.(eventbus.Outcome); ok {
			m.dispatch.WithLabelValues(o.Result).Inc()
		}

	case eventbus.BroadcastFinished:
		if r, ok := ev.Data.(eventbus.BroadcastResult); ok {
			m.fanout.WithLabelValues(r.Origin, "sent").Add(float64(r.Sent))
			m.fanout.WithLabelValues(r.Origin, "failed").Add(float64(r.Failed))
		}

	case eventbus.SchedulerFired, eventbus.SchedulerSkipped, eventbus.SchedulerMissed:
		if o, ok := ev.Data.(eventbus.Outcome); ok {
			m.fires.WithLabelValues(o.Kind, o.Result).Inc()
		}

	case eventbus.RelayOutcome:
		if o, ok := ev.Data.(eventbus.Outcome); ok {
			m.relay.WithLabelValues(o.Result).Inc()
		}

	case eventbus.NotifierSent:
		m.notifier.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		m.notifier.WithLabelValues("failed").Inc()
	case eventbus.NotifierDeduped:
		m.notifier.WithLabelValues("deduped").Inc()

	case eventbus.TaskStarted, eventbus.TaskFinished, eventbus.TaskSkipped, eventbus.TaskDropped:
		m.tasks.WithLabelValues(ev.Type).Inc()

	case eventbus.TenantSpawned, eventbus.TenantStopped, eventbus.TenantSpawnFailed:
		m.lifecycle.WithLabelValues(ev.Type).Inc()

	default:
		m.log.Trace("event not measured", logx.String("type", ev.Type))
	}
}
