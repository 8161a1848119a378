// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records orchestrator metrics: runs, steps, tool executions,
// token usage, reflection verdicts, and cache traffic.
type Collector struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec

	tokensUsed *prometheus.CounterVec

	reflectionVerdicts *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewCollector creates a Collector registering against the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests pass a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_started_total",
			Help:      "Total number of workflow runs started",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_finished_total",
			Help:      "Total number of workflow runs finished, by terminal status",
		}, []string{"status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		stepsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_finished_total",
			Help:      "Total number of workflow steps finished, by terminal status",
		}, []string{"status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total number of tool executions, by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of model tokens consumed, by model",
		}, []string{"model"}),
		reflectionVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflection_verdicts_total",
			Help:      "Total number of reflection verdicts, by directive",
		}, []string{"next_action"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_cache_hits_total",
			Help:      "Total number of completion cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_cache_misses_total",
			Help:      "Total number of completion cache misses",
		}),
	}
}

// RunStarted records a workflow run starting.
func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
}

// RunFinished records a workflow run reaching a terminal status.
func (c *Collector) RunFinished(status string, d time.Duration) {
	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// StepFinished records a step reaching a terminal status.
func (c *Collector) StepFinished(status string, d time.Duration) {
	c.stepsFinished.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ToolExecuted records one tool execution.
func (c *Collector) ToolExecuted(tool string, failed bool, d time.Duration) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.toolExecutions.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// TokensUsed records model token consumption.
func (c *Collector) TokensUsed(model string, tokens int) {
	if tokens > 0 {
		c.tokensUsed.WithLabelValues(model).Add(float64(tokens))
	}
}

// ReflectionVerdict records a reflection directive.
func (c *Collector) ReflectionVerdict(nextAction string) {
	c.reflectionVerdicts.WithLabelValues(nextAction).Inc()
}

// CacheHit records a completion cache hit.
func (c *Collector) CacheHit() {
	c.cacheHits.Inc()
}

// CacheMiss records a completion cache miss.
func (c *Collector) CacheMiss() {
	c.cacheMisses.Inc()
}
