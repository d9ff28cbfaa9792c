// Package metrics exposes Prometheus counters and gauges for the background
// layer. A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue outcomes.
const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
	OutcomeDefect  = "defect"
	OutcomeDead    = "dead"
)

// Collector holds the registered metrics.
type Collector struct {
	registry *prometheus.Registry

	queueMessages      *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	actorInstances     *prometheus.GaugeVec
	actorCleanups      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	workflowSteps      *prometheus.CounterVec
	workflowInstances  *prometheus.CounterVec
	emailDeliveries    *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, including Go runtime
// and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_queue_messages_total",
			Help: "Queue messages processed, by message type and outcome",
		}, []string{"type", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, invalid, fill_error)",
		}, []string{"result"}),
		actorInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flare_actor_instances",
			Help: "Live compute actor instances by kind",
		}, []string{"kind"}),
		actorCleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_actor_cleanups_total",
			Help: "Actor self-destruct alarms that erased instance state",
		}, []string{"kind"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_rate_limit_decisions_total",
			Help: "Rate limit decisions by result",
		}, []string{"result"}),
		workflowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_workflow_steps_total",
			Help: "Workflow step executions by workflow, step and outcome",
		}, []string{"workflow", "step", "outcome"}),
		workflowInstances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_workflow_instances_total",
			Help: "Workflow instances reaching a terminal status",
		}, []string{"workflow", "status"}),
		emailDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_email_deliveries_total",
			Help: "Email send results by status",
		}, []string{"status"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.queueMessages,
		c.cacheLookups,
		c.actorInstances,
		c.actorCleanups,
		c.rateLimitDecisions,
		c.workflowSteps,
		c.workflowInstances,
		c.emailDeliveries,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) QueueMessage(msgType, outcome string) {
	if c == nil {
		return
	}
	c.queueMessages.WithLabelValues(msgType, outcome).Inc()
}

func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) ActorStarted(kind string) {
	if c == nil {
		return
	}
	c.actorInstances.WithLabelValues(kind).Inc()
}

// ActorStopped records an instance leaving memory; cleaned is true when its
// self-destruct alarm erased its state.
func (c *Collector) ActorStopped(kind string, cleaned bool) {
	if c == nil {
		return
	}
	c.actorInstances.WithLabelValues(kind).Dec()
	if cleaned {
		c.actorCleanups.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) RateLimitDecision(allowed bool) {
	if c == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	c.rateLimitDecisions.WithLabelValues(result).Inc()
}

func (c *Collector) WorkflowStep(workflow, step, outcome string) {
	if c == nil {
		return
	}
	c.workflowSteps.WithLabelValues(workflow, step, outcome).Inc()
}

func (c *Collector) WorkflowFinished(workflow, status string) {
	if c == nil {
		return
	}
	c.workflowInstances.WithLabelValues(workflow, status).Inc()
}

func (c *Collector) EmailDelivery(status string) {
	if c == nil {
		return
	}
	c.emailDeliveries.WithLabelValues(status).Inc()
}
