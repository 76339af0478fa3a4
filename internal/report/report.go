// Package report renders walk-forward results to their two persistent
// output shapes: a CSV with one row per evaluated window, and JSON lines
// with one record per (period, fitness, filter) bucket.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/walkforward/internal/metrics"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
	"github.com/atlas-desktop/walkforward/internal/walkforward"
)

var windowHeader = []string{
	"symbol", "timeframe", "period", "fitness", "filter_config", "window_index",
	"best_params", "status",
	"is_net_profit", "is_return_pct", "is_sharpe", "is_max_drawdown", "is_num_trades",
	"oos_net_profit", "oos_return_pct", "oos_sharpe", "oos_max_drawdown", "oos_num_trades",
	"walkforward_efficiency", "opt_time_seconds",
}

// WriteWindowsCSV writes one row per window in res, in bucket order.
func WriteWindowsCSV(w io.Writer, symbol, timeframe string, res *walkforward.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(windowHeader); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, bucket := range res.Buckets {
		for _, win := range bucket.Windows {
			row := []string{
				symbol,
				timeframe,
				bucket.Key.PeriodSpec,
				bucket.Key.Fitness,
				bucket.Key.Filter,
				strconv.Itoa(win.WindowIndex),
				formatParams(win.BestParams),
			}
			if win.Err != nil {
				row = append(row, "error")
			} else {
				row = append(row, "success")
			}
			row = append(row, metricCells(win.ISMetrics)...)
			row = append(row, metricCells(win.OOSMetrics)...)
			if win.OOSMetrics != nil {
				row = append(row, formatFloat(win.OOSMetrics.WalkforwardEfficiency))
			} else {
				row = append(row, "")
			}
			row = append(row, formatFloat(win.OptTime.Seconds()))
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("report: write csv row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// bucketRecord is one JSON line of per-run performance.
type bucketRecord struct {
	Symbol              string    `json:"symbol"`
	Timeframe           string    `json:"timeframe"`
	Period              string    `json:"period"`
	Fitness             string    `json:"fitness"`
	FilterConfig        string    `json:"filter_config"`
	TotalNetProfit      string    `json:"total_net_profit"`
	CompoundedReturnPct float64   `json:"compounded_return_pct"`
	AverageReturnPct    float64   `json:"average_return_pct"`
	TotalWindows        int       `json:"total_windows"`
	SuccessfulWindows   int       `json:"successful_windows"`
	FailedWindows       int       `json:"failed_windows"`
	WallClockSeconds    float64   `json:"wall_clock_seconds"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// WriteMetricsJSONL writes one JSON line per result bucket.
func WriteMetricsJSONL(w io.Writer, symbol, timeframe string, res *walkforward.Result) error {
	enc := json.NewEncoder(w)
	now := time.Now().UTC()
	for _, bucket := range res.Buckets {
		rec := bucketRecord{
			Symbol:              symbol,
			Timeframe:           timeframe,
			Period:              bucket.Key.PeriodSpec,
			Fitness:             bucket.Key.Fitness,
			FilterConfig:        bucket.Key.Filter,
			TotalNetProfit:      bucket.TotalNetProfit.String(),
			CompoundedReturnPct: bucket.CompoundedReturnPct,
			AverageReturnPct:    bucket.AverageReturnPct,
			TotalWindows:        bucket.TotalWindows,
			SuccessfulWindows:   bucket.SuccessfulWindows,
			FailedWindows:       bucket.FailedWindows,
			WallClockSeconds:    bucket.WallClock.Seconds(),
			GeneratedAt:         now,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("report: encode bucket record: %w", err)
		}
	}
	return nil
}

// formatParams renders a combination as "name=value;..." in sorted name
// order so rows are diffable across runs.
func formatParams(params paramgrid.Combination) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, name := range paramgrid.SortedNames(params) {
		parts = append(parts, fmt.Sprintf("%s=%s", name, formatFloat(params[name])))
	}
	return strings.Join(parts, ";")
}

// metricCells renders the per-side metric columns, empty when the window
// never produced metrics (an errored cell).
func metricCells(m *metrics.Metrics) []string {
	if m == nil {
		return []string{"", "", "", "", ""}
	}
	return []string{
		m.NetProfit.String(),
		formatFloat(m.TotalReturnPct),
		formatFloat(m.SharpeRatio),
		m.MaxDrawdown.String(),
		strconv.Itoa(m.NumTrades),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
