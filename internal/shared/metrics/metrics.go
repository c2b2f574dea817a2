package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type counter struct {
	name  string
	help  string
	value atomic.Uint64
}

func newCounter(name, help string) *counter {
	c := &counter{name: name, help: help}
	counters = append(counters, c)
	return c
}

var counters []*counter

var (
	analysisStarted    = newCounter("analysis_started_total", "Total analyses moved to processing")
	analysisCompleted  = newCounter("analysis_completed_total", "Total analyses completed")
	analysisFailed     = newCounter("analysis_failed_total", "Total analyses failed")
	analysisCancelled  = newCounter("analysis_cancelled_total", "Total analyses cancelled")
	analysisSkipped    = newCounter("analysis_skipped_total", "Total analyses satisfied by an existing result")
	analysisReconciled = newCounter("analysis_reconciled_total", "Total stale analyses marked failed")
	llmCalls           = newCounter("llm_calls_total", "Total language model calls")
	llmRetries         = newCounter("llm_retries_total", "Total language model retries")
	workerReceived     = newCounter("worker_jobs_received_total", "Total queue messages received")
	workerSucceeded    = newCounter("worker_jobs_succeeded_total", "Total queue messages processed")
	workerFailed       = newCounter("worker_jobs_failed_total", "Total queue messages left for redelivery")

	analysisDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000})
)

// IncAnalysisStarted counts a Queued to Processing transition.
func IncAnalysisStarted() { analysisStarted.value.Add(1) }

func IncAnalysisCompleted() { analysisCompleted.value.Add(1) }

func IncAnalysisFailed() { analysisFailed.value.Add(1) }

func IncAnalysisCancelled() { analysisCancelled.value.Add(1) }

// IncAnalysisSkipped counts requests completed by reusing an existing result.
func IncAnalysisSkipped() { analysisSkipped.value.Add(1) }

// AddAnalysisReconciled counts requests failed by a reconcile pass.
func AddAnalysisReconciled(n int) {
	if n > 0 {
		analysisReconciled.value.Add(uint64(n))
	}
}

func IncLLMCalls() { llmCalls.value.Add(1) }

func IncLLMRetries() { llmRetries.value.Add(1) }

func IncJobReceived() { workerReceived.value.Add(1) }

func IncJobSucceeded() { workerSucceeded.value.Add(1) }

func IncJobFailed() { workerFailed.value.Add(1) }

// ObserveAnalysisDurationMs records an analysis duration in milliseconds.
func ObserveAnalysisDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	for _, c := range counters {
		writeCounter(&buf, c.name, c.help, c.value.Load())
	}
	writeHistogram(&buf, "analysis_duration_ms", "Analysis duration in milliseconds", analysisDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in the first bucket whose bound holds it; rendering accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
