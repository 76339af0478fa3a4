package indicators

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/walkforward/pkg/bar"
	"go.uber.org/zap"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]ComputeFunc{
		"SMA":       computeSMA,
		"EMA":       computeEMA,
		"RSI":       computeRSI,
		"MACD":      computeMACD,
		"Bollinger": computeBollinger,
	}
)

// Register adds a custom indicator function under name. Registration fails
// on name collision.
func Register(name string, fn ComputeFunc) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("indicator %q is already registered", name)
	}
	registry[name] = fn
	return nil
}

func lookup(name string) (ComputeFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

type cacheEntry struct {
	result   Result
	duration time.Duration
}

// Stats tracks memoization cache hit/miss/time-saved statistics.
type Stats struct {
	Hits           int
	Misses         int
	TimeSavedNanos int64
}

// Library computes indicators with a per-instance memoization cache guarded
// by a mutex, so one Library may be used from several goroutines. The
// driver builds one Library per work item; that item's grid-search
// goroutines share it.
type Library struct {
	logger *zap.Logger
	mu     sync.Mutex
	cache  map[string]cacheEntry
	stats  Stats
}

// New constructs a Library with its own private memoization cache.
func New(logger *zap.Logger) *Library {
	return &Library{
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Stats returns a snapshot of the hit/miss/time-saved counters.
func (l *Library) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ComputeOne computes a single indicator spec over bars, consulting the
// memoization cache first.
func (l *Library) ComputeOne(bars []bar.Bar, spec Spec) (Result, error) {
	fn, ok := lookup(spec.Type)
	if !ok {
		return Result{}, fmt.Errorf("indicators: unknown indicator type %q", spec.Type)
	}

	key := spec.CanonicalKey(bar.Fingerprint(bars))

	l.mu.Lock()
	if entry, ok := l.cache[key]; ok {
		l.stats.Hits++
		l.stats.TimeSavedNanos += entry.duration.Nanoseconds()
		l.mu.Unlock()
		return copyResult(entry.result), nil
	}
	l.mu.Unlock()

	start := time.Now()
	result, err := fn(bars, spec.Params)
	if err != nil {
		return Result{}, fmt.Errorf("compute indicator %s (%s): %w", spec.Type, spec.OutputName, err)
	}
	elapsed := time.Since(start)

	l.mu.Lock()
	l.stats.Misses++
	l.cache[key] = cacheEntry{result: result, duration: elapsed}
	l.mu.Unlock()

	return result, nil
}

func copyResult(r Result) Result {
	if r.Series != nil {
		out := make([]float64, len(r.Series))
		copy(out, r.Series)
		return Result{Series: out}
	}
	multi := make(map[string][]float64, len(r.Multi))
	for k, v := range r.Multi {
		cp := make([]float64, len(v))
		copy(cp, v)
		multi[k] = cp
	}
	return Result{Multi: multi}
}

// ComputeAll computes every spec and returns an enriched bar.Table. Per-
// indicator failures are logged as warnings and skipped; a missing OHLCV
// column is never possible here since bar.Bar always carries all five
// fields, so the only failure this can log is an unknown indicator type
// or a bad parameter, which means strategy misconfiguration, not bad data.
func (l *Library) ComputeAll(bars []bar.Bar, specs []Spec) *bar.Table {
	table := bar.NewTable(bars)
	for _, spec := range specs {
		result, err := l.ComputeOne(bars, spec)
		if err != nil {
			l.logger.Warn("indicator computation failed, skipping",
				zap.String("type", spec.Type),
				zap.String("output", spec.OutputName),
				zap.Error(err))
			continue
		}
		if result.Series != nil {
			table.SetColumn(spec.OutputName, result.Series)
			continue
		}
		for sub, series := range result.Multi {
			table.SetColumn(fmt.Sprintf("%s_%s", spec.OutputName, sub), series)
		}
	}
	return table
}
