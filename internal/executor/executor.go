// Package executor dispatches (symbol, timeframe) work items across a
// bounded worker pool and aggregates their outcomes. A panic inside one
// worker never crashes its siblings; it surfaces as an error outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// WorkItem is one independent unit of dispatch.
type WorkItem struct {
	Symbol    string
	Timeframe string
}

func (w WorkItem) String() string { return fmt.Sprintf("%s/%s", w.Symbol, w.Timeframe) }

// Status is the terminal state of one WorkItem's execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// SkipError signals that a work item was intentionally not run (e.g. no
// cached bars for that symbol/timeframe), distinct from a failure.
type SkipError struct{ Reason string }

func (e *SkipError) Error() string { return e.Reason }

// RunFunc executes one work item; its result is opaque to the executor
// (typically a *walkforward.Result). Returning a *SkipError marks the item
// skipped rather than failed.
type RunFunc func(ctx context.Context, item WorkItem) (result any, err error)

// Outcome is one work item's serializable result record.
type Outcome struct {
	Status    Status
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Result    any
	Reason    string
	Err       error
}

// Summary aggregates a full dispatch run.
type Summary struct {
	Outcomes   []Outcome
	WallClock  time.Duration
	Successful int
	Skipped    int
	Failed     int
}

// metrics is the Prometheus surface this package exposes. Registered
// against a caller-supplied registry so tests and multiple executor
// instances never collide on the default global registry.
type metrics struct {
	outcomesTotal *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	itemDuration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walkforward_executor_outcomes_total",
			Help: "Count of work item outcomes by status.",
		}, []string{"status"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walkforward_executor_active_workers",
			Help: "Number of work items currently executing.",
		}),
		itemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "walkforward_executor_item_duration_seconds",
			Help:    "Wall-clock duration of one work item's execution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Executor dispatches work items with bounded concurrency.
type Executor struct {
	logger  *zap.Logger
	workers int
	metrics *metrics
}

// New constructs an Executor bounded to `workers` concurrent work items,
// exposing Prometheus metrics on reg (pass prometheus.NewRegistry() for an
// isolated registry, or a shared one wired into an HTTP /metrics handler).
func New(logger *zap.Logger, workers int, reg prometheus.Registerer) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{logger: logger, workers: workers, metrics: newMetrics(reg)}
}

// Run dispatches every item through run, bounded to e.workers concurrent
// goroutines, and blocks until all have completed.
func (e *Executor) Run(ctx context.Context, items []WorkItem, run RunFunc) *Summary {
	start := time.Now()
	outcomes := make([]Outcome, len(items))

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item WorkItem) {
			defer wg.Done()
			sem <- struct{}{}
			e.metrics.activeWorkers.Inc()
			defer func() {
				<-sem
				e.metrics.activeWorkers.Dec()
			}()

			outcomes[i] = e.runOne(ctx, item, run)
		}(i, item)
	}
	wg.Wait()

	summary := &Summary{Outcomes: outcomes, WallClock: time.Since(start)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			summary.Successful++
		case StatusSkipped:
			summary.Skipped++
		case StatusError:
			summary.Failed++
		}
	}
	return summary
}

// runOne executes one item with panic recovery at the worker boundary.
func (e *Executor) runOne(ctx context.Context, item WorkItem, run RunFunc) (outcome Outcome) {
	itemStart := time.Now()
	defer func() {
		e.metrics.itemDuration.Observe(time.Since(itemStart).Seconds())
		e.metrics.outcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor: worker panic recovered",
				zap.String("item", item.String()),
				zap.Any("panic", r),
			)
			outcome = Outcome{
				Status:    StatusError,
				Symbol:    item.Symbol,
				Timeframe: item.Timeframe,
				Timestamp: time.Now(),
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()

	result, err := run(ctx, item)
	if err != nil {
		var skip *SkipError
		if errors.As(err, &skip) {
			return Outcome{
				Status:    StatusSkipped,
				Symbol:    item.Symbol,
				Timeframe: item.Timeframe,
				Timestamp: time.Now(),
				Reason:    skip.Reason,
			}
		}
		e.logger.Warn("executor: work item failed",
			zap.String("item", item.String()),
			zap.Error(err),
		)
		return Outcome{
			Status:    StatusError,
			Symbol:    item.Symbol,
			Timeframe: item.Timeframe,
			Timestamp: time.Now(),
			Err:       err,
		}
	}

	return Outcome{
		Status:    StatusSuccess,
		Symbol:    item.Symbol,
		Timeframe: item.Timeframe,
		Timestamp: time.Now(),
		Result:    result,
	}
}
