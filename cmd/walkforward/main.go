// Package main is the walk-forward optimization driver: it loads cached
// OHLCV bars, sweeps parameter grids across rolling in-sample/out-of-sample
// windows for one or more (symbol, timeframe) pairs, and writes the
// aggregated results as CSV and JSON lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/walkforward/internal/broker"
	walkforwardconfig "github.com/atlas-desktop/walkforward/internal/config"
	"github.com/atlas-desktop/walkforward/internal/executor"
	"github.com/atlas-desktop/walkforward/internal/hardware"
	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/internal/ohlcv"
	"github.com/atlas-desktop/walkforward/internal/paramgrid"
	"github.com/atlas-desktop/walkforward/internal/progress"
	"github.com/atlas-desktop/walkforward/internal/regimefilter"
	"github.com/atlas-desktop/walkforward/internal/report"
	"github.com/atlas-desktop/walkforward/internal/strategy"
	"github.com/atlas-desktop/walkforward/internal/walkforward"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	httpAddr := flag.String("http", "", "Address to serve /healthz, /metrics and /ws/progress on (empty disables the HTTP surface)")
	outputDir := flag.String("output", "./results", "Directory for CSV/JSONL result files")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := walkforwardconfig.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	var hub *progress.Hub
	if *httpAddr != "" {
		hub = progress.NewHub(logger)
		go hub.Run()
		defer hub.Close()

		srv := newStatusServer(reg, hub)
		go func() {
			logger.Info("status server listening", zap.String("addr", *httpAddr))
			if err := http.ListenAndServe(*httpAddr, srv); err != nil && err != http.ErrServerClosed {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	cache, err := ohlcv.New(logger, cfg.Data.CacheDirectory)
	if err != nil {
		logger.Fatal("failed to open bar cache", zap.Error(err))
	}

	strategies := strategy.NewRegistry()
	regimeRegistry := regimefilter.NewRegistry()

	hwProfile, err := hardware.Load(hardwareCachePath(cfg.Data.CacheDirectory), nil)
	if err != nil {
		logger.Fatal("failed to load hardware profile", zap.Error(err))
	}

	start, end, err := parseRunWindow(cfg.Walkforward.StartDate, cfg.Walkforward.EndDate)
	if err != nil {
		logger.Fatal("invalid walkforward start/end date", zap.Error(err))
	}

	ranges := paramRangesFromConfig(cfg.Walkforward.ParameterRanges)

	items := make([]executor.WorkItem, 0, len(cfg.Walkforward.Symbols)*len(cfg.Walkforward.Timeframes))
	for _, symbol := range cfg.Walkforward.Symbols {
		for _, timeframe := range cfg.Walkforward.Timeframes {
			items = append(items, executor.WorkItem{Symbol: symbol, Timeframe: timeframe})
		}
	}

	mode := hardware.ModeAuto
	if cfg.Parallel.Mode == string(hardware.ModeManual) {
		mode = hardware.ModeManual
	}
	workers := hwProfile.OptimalWorkers(len(items), mode, cfg.Parallel.MaxWorkers, cfg.Parallel.MemorySafetyFactor, float64(cfg.Parallel.CPUReserveCores))
	logger.Info("resolved worker count",
		zap.Int("workers", workers),
		zap.Int("items", len(items)),
		zap.String("mode", string(mode)),
	)

	brokerCfg := broker.Config{
		InitialCapital:   decimal.NewFromFloat(cfg.Walkforward.InitialCapital),
		CommissionMaker:  decimal.NewFromFloat(cfg.Trading.CommissionMaker),
		CommissionTaker:  decimal.NewFromFloat(cfg.Trading.Commission),
		FeeType:          broker.FeeType(cfg.Trading.FeeType),
		Slippage:         decimal.NewFromFloat(cfg.Trading.Slippage),
		PositionFraction: decimal.NewFromFloat(cfg.Trading.PositionFraction),
	}

	if hub != nil {
		hub.Publish(progress.EventRunStarted, map[string]interface{}{
			"items":   len(items),
			"workers": workers,
		})
	}

	exec := executor.New(logger, workers, reg)
	summary := exec.Run(ctx, items, func(ctx context.Context, item executor.WorkItem) (any, error) {
		bars, err := cache.Read(item.Symbol, item.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("read cache: %w", err)
		}
		if len(bars) == 0 {
			return nil, &executor.SkipError{Reason: "no cached bars for " + item.String()}
		}

		newStrategy := func() strategy.Strategy {
			strat, ok := strategies.Create(cfg.Strategy.Name)
			if !ok {
				strat, _ = strategies.Create("sma_cross")
			}
			return strat
		}

		wfCfg := walkforward.Config{
			Symbol:       item.Symbol,
			Timeframe:    item.Timeframe,
			Start:        start,
			End:          end,
			PeriodSpecs:  cfg.Walkforward.Periods,
			FitnessNames: cfg.Walkforward.FitnessFunctions,
			FilterNames:  cfg.Walkforward.Filters,
			ParamRanges:  ranges,
			Broker:       brokerCfg,
			GridWorkers:  workers,
		}
		if hub != nil {
			wfCfg.OnWindowDone = func(ev walkforward.WindowEvent) {
				hub.Publish(progress.EventWindowDone, ev)
			}
		}

		lib := indicators.New(logger)
		res, err := walkforward.Run(ctx, logger, wfCfg, bars, lib, regimeRegistry, newStrategy)
		if err != nil {
			return nil, err
		}
		if hub != nil {
			hub.Publish(progress.EventItemFinished, map[string]string{
				"symbol":    item.Symbol,
				"timeframe": item.Timeframe,
			})
		}
		return res, nil
	})

	if hub != nil {
		hub.Publish(progress.EventRunFinished, map[string]int{
			"successful": summary.Successful,
			"skipped":    summary.Skipped,
			"failed":     summary.Failed,
		})
	}

	if err := writeResults(logger, *outputDir, summary); err != nil {
		logger.Error("failed to write results", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("run complete",
		zap.Int("successful", summary.Successful),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("wall_clock", summary.WallClock),
	)

	if summary.Failed > 0 || summary.Skipped > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}

// newStatusServer builds the optional HTTP surface: /healthz liveness,
// Prometheus /metrics, and the /ws/progress stream, wrapped in permissive
// CORS for a local dashboard.
func newStatusServer(reg *prometheus.Registry, hub *progress.Hub) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/ws/progress", hub.Handler()).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)
}

func parseRunWindow(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
	}
	return start, end, nil
}

// paramRangesFromConfig orders ranges by parameter name so grid enumeration
// (and therefore first-seen tie-breaking) is identical across runs.
func paramRangesFromConfig(ranges map[string]walkforwardconfig.ParamRangeConfig) []paramgrid.Range {
	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]paramgrid.Range, 0, len(names))
	for _, name := range names {
		r := ranges[name]
		out = append(out, paramgrid.Range{Name: name, Start: r.Start, End: r.End, Step: r.Step})
	}
	return out
}

func hardwareCachePath(cacheDir string) string {
	return filepath.Join(cacheDir, "hardware.json")
}

// writeResults persists every successful item's window CSV and appends all
// bucket summaries to one results.jsonl in the output directory.
func writeResults(logger *zap.Logger, outputDir string, summary *executor.Summary) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	jsonlPath := filepath.Join(outputDir, "results.jsonl")
	jsonlFile, err := os.Create(jsonlPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", jsonlPath, err)
	}
	defer jsonlFile.Close()

	for _, outcome := range summary.Outcomes {
		if outcome.Status != executor.StatusSuccess {
			continue
		}
		res, ok := outcome.Result.(*walkforward.Result)
		if !ok || res == nil {
			continue
		}

		name := strings.ReplaceAll(outcome.Symbol, "/", "_") + "_" + outcome.Timeframe + "_windows.csv"
		csvPath := filepath.Join(outputDir, name)
		csvFile, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", csvPath, err)
		}
		if err := report.WriteWindowsCSV(csvFile, outcome.Symbol, outcome.Timeframe, res); err != nil {
			csvFile.Close()
			return err
		}
		if err := csvFile.Close(); err != nil {
			return err
		}
		logger.Info("wrote window results", zap.String("path", csvPath))

		if err := report.WriteMetricsJSONL(jsonlFile, outcome.Symbol, outcome.Timeframe, res); err != nil {
			return err
		}
	}
	return nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
