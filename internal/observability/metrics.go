package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "npcagent"

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	skillExecutionTotal    *prometheus.CounterVec
	skillExecutionDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentToolTurns   prometheus.Histogram
	modelErrorsTotal *prometheus.CounterVec
	modelTokensTotal *prometheus.CounterVec

	memoryFlushTotal    *prometheus.CounterVec
	memoryFlushRows     prometheus.Counter
	memoryFlushDuration prometheus.Histogram

	agentsRegistered prometheus.Gauge
	hostConnections  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_depth",
					Help:      "Tasks waiting in a lane, excluding the running one.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_completed_total",
					Help:      "Total settled tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			skillExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "skill_execution_total",
					Help:      "Total skill executions by skill and result code.",
				},
				[]string{"skill", "code"},
			),
			skillExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "skill_execution_duration_seconds",
					Help:      "Skill execution duration in seconds by skill.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"skill"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by event kind and status.",
				},
				[]string{"event", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by event kind.",
					Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40},
				},
				[]string{"event"},
			),
			agentToolTurns: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_tool_turns",
					Help:      "Tool-call loop iterations per run.",
					Buckets:   []float64{0, 1, 2, 3, 4, 5},
				},
			),
			modelErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_errors_total",
					Help:      "Language model call failures by provider and kind.",
				},
				[]string{"provider", "kind"},
			),
			modelTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_tokens_total",
					Help:      "Tokens consumed by direction (input, output).",
				},
				[]string{"direction"},
			),
			memoryFlushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "memory_flush_total",
					Help:      "Write-behind memory flushes by status.",
				},
				[]string{"status"},
			),
			memoryFlushRows: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "memory_flush_rows_total",
					Help:      "Rows written by successful memory flushes.",
				},
			),
			memoryFlushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_flush_duration_seconds",
					Help:      "Memory flush duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			agentsRegistered: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "agents_registered",
					Help:      "Agents currently bound to a host entity.",
				},
			),
			hostConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "host_connections",
					Help:      "Open host simulation connections.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.skillExecutionTotal,
			m.skillExecutionDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentToolTurns,
			m.modelErrorsTotal,
			m.modelTokensTotal,
			m.memoryFlushTotal,
			m.memoryFlushRows,
			m.memoryFlushDuration,
			m.agentsRegistered,
			m.hostConnections,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLaneEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordLaneCompletion(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordSkillExecution counts one skill invocation. code is the result's
// machine error code, or "ok" for successful runs.
func RecordSkillExecution(skill, code string, duration time.Duration) {
	m := getMetrics()
	if code == "" {
		code = "ok"
	}
	m.skillExecutionTotal.WithLabelValues(skill, code).Inc()
	m.skillExecutionDuration.WithLabelValues(skill).Observe(duration.Seconds())
}

func RecordAgentRun(event string, duration time.Duration, success bool, toolTurns int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(event, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(event).Observe(duration.Seconds())
	m.agentToolTurns.Observe(float64(toolTurns))
}

func RecordModelError(provider, kind string) {
	getMetrics().modelErrorsTotal.WithLabelValues(provider, kind).Inc()
}

func RecordModelTokens(input, output int) {
	m := getMetrics()
	m.modelTokensTotal.WithLabelValues("input").Add(float64(input))
	m.modelTokensTotal.WithLabelValues("output").Add(float64(output))
}

func RecordMemoryFlush(rows int, duration time.Duration, success bool) {
	m := getMetrics()
	m.memoryFlushTotal.WithLabelValues(statusLabel(success)).Inc()
	m.memoryFlushDuration.Observe(duration.Seconds())
	if success {
		m.memoryFlushRows.Add(float64(rows))
	}
}

func SetAgentsRegistered(count int) {
	getMetrics().agentsRegistered.Set(float64(count))
}

func AddHostConnections(delta int) {
	getMetrics().hostConnections.Add(float64(delta))
}
