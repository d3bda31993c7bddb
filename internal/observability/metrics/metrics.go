package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type paymentKey struct {
	mode   string
	status string
}

type executionKey struct {
	outcome string
}

type triggerKey struct {
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	payments   map[paymentKey]uint64
	executions map[executionKey]uint64
	triggers   map[triggerKey]uint64
	duration   *histogram
}

var domainCollector = &collector{
	payments:   make(map[paymentKey]uint64),
	executions: make(map[executionKey]uint64),
	triggers:   make(map[triggerKey]uint64),
	duration:   newHistogram(),
}

// ObservePayment counts a finalized payment by mode and terminal status.
func ObservePayment(mode, status string) {
	domainCollector.mu.Lock()
	defer domainCollector.mu.Unlock()
	domainCollector.payments[paymentKey{mode: mode, status: status}]++
}

// ObserveExecution counts a completed workflow run and its wall-clock duration.
func ObserveExecution(success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	domainCollector.mu.Lock()
	defer domainCollector.mu.Unlock()
	domainCollector.executions[executionKey{outcome: outcome}]++
	domainCollector.duration.observe(duration.Seconds())
}

// ObserveTrigger counts a trigger request outcome
// (succeeded, retry, non_retryable, terminal).
func ObserveTrigger(outcome string) {
	domainCollector.mu.Lock()
	defer domainCollector.mu.Unlock()
	domainCollector.triggers[triggerKey{outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, domainCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type paymentMetric struct {
		paymentKey
		value uint64
	}
	type countMetric struct {
		label string
		value uint64
	}

	pays := make([]paymentMetric, 0, len(c.payments))
	for key, value := range c.payments {
		pays = append(pays, paymentMetric{paymentKey: key, value: value})
	}
	execs := make([]countMetric, 0, len(c.executions))
	for key, value := range c.executions {
		execs = append(execs, countMetric{label: key.outcome, value: value})
	}
	trigs := make([]countMetric, 0, len(c.triggers))
	for key, value := range c.triggers {
		trigs = append(trigs, countMetric{label: key.outcome, value: value})
	}

	sort.Slice(pays, func(i, j int) bool {
		if pays[i].mode == pays[j].mode {
			return pays[i].status < pays[j].status
		}
		return pays[i].mode < pays[j].mode
	})
	sort.Slice(execs, func(i, j int) bool { return execs[i].label < execs[j].label })
	sort.Slice(trigs, func(i, j int) bool { return trigs[i].label < trigs[j].label })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentpay_payments_finalized_total Payments that reached a terminal state.\n")
	builder.WriteString("# TYPE agentpay_payments_finalized_total counter\n")
	for _, metric := range pays {
		builder.WriteString(fmt.Sprintf("agentpay_payments_finalized_total{mode=\"%s\",status=\"%s\"} %d\n",
			escape(metric.mode), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP agentpay_workflow_executions_total Completed workflow runs by outcome.\n")
	builder.WriteString("# TYPE agentpay_workflow_executions_total counter\n")
	for _, metric := range execs {
		builder.WriteString(fmt.Sprintf("agentpay_workflow_executions_total{outcome=\"%s\"} %d\n",
			escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP agentpay_trigger_requests_total Trigger request outcomes.\n")
	builder.WriteString("# TYPE agentpay_trigger_requests_total counter\n")
	for _, metric := range trigs {
		builder.WriteString(fmt.Sprintf("agentpay_trigger_requests_total{outcome=\"%s\"} %d\n",
			escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP agentpay_workflow_execution_duration_seconds Workflow run duration in seconds.\n")
	builder.WriteString("# TYPE agentpay_workflow_execution_duration_seconds histogram\n")
	for idx, bound := range c.duration.buckets {
		builder.WriteString(fmt.Sprintf("agentpay_workflow_execution_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), c.duration.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("agentpay_workflow_execution_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.duration.count))
	builder.WriteString(fmt.Sprintf("agentpay_workflow_execution_duration_seconds_sum %s\n", formatFloat(c.duration.sum)))
	builder.WriteString(fmt.Sprintf("agentpay_workflow_execution_duration_seconds_count %d\n", c.duration.count))

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
