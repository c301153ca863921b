// Package metrics provides internal Prometheus collectors for the workflow engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine 工作流引擎指标集
type Engine struct {
	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	nodeFailures     *prometheus.CounterVec
	retrievalHits    prometheus.Histogram
	handoffs         prometheus.Counter
	llmCalls         *prometheus.CounterVec
}

// NewEngine 创建并注册指标集。reg 为 nil 时使用默认注册表。
func NewEngine(reg prometheus.Registerer) *Engine {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	e := &Engine{
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportflow",
			Name:      "workflow_runs_total",
			Help:      "Workflow invocations by workflow id and result (ok/empty).",
		}, []string{"workflow", "result"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "supportflow",
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportflow",
			Name:      "node_failures_total",
			Help:      "Node-local degraded executions by node kind.",
		}, []string{"kind"}),
		retrievalHits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "supportflow",
			Name:      "retrieval_hits",
			Help:      "Final retrieved-context size per invocation.",
			Buckets:   []float64{0, 1, 2, 3, 5, 7, 10},
		}),
		handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supportflow",
			Name:      "handoffs_total",
			Help:      "Human handoff records created.",
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supportflow",
			Name:      "llm_calls_total",
			Help:      "LLM calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
	}

	reg.MustRegister(e.workflowRuns, e.workflowDuration, e.nodeFailures,
		e.retrievalHits, e.handoffs, e.llmCalls)
	return e
}

// ObserveWorkflowRun 记录一次工作流调用。
func (e *Engine) ObserveWorkflowRun(workflow, result string, d time.Duration) {
	e.workflowRuns.WithLabelValues(workflow, result).Inc()
	e.workflowDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// NodeFailure 记录一次节点降级。
func (e *Engine) NodeFailure(kind string) {
	e.nodeFailures.WithLabelValues(kind).Inc()
}

// ObserveRetrieval 记录最终检索上下文条数。
func (e *Engine) ObserveRetrieval(hits int) {
	e.retrievalHits.Observe(float64(hits))
}

// HandoffCreated 记录一条新建的转人工记录。
func (e *Engine) HandoffCreated() {
	e.handoffs.Inc()
}

// LLMCall 记录一次 LLM 调用结果。
func (e *Engine) LLMCall(purpose, outcome string) {
	e.llmCalls.WithLabelValues(purpose, outcome).Inc()
}
