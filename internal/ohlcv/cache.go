// Package ohlcv provides the CSV-backed historical bar cache.
package ohlcv

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/walkforward/pkg/bar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const csvHeader = "datetime,open,high,low,close,volume"

// Manifest tracks metadata about a cached (symbol, timeframe) series. Not
// required for optimization correctness, kept for operational visibility.
type Manifest struct {
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	FirstBar    time.Time `json:"firstBar"`
	LastBar     time.Time `json:"lastBar"`
	CandleCount int       `json:"candleCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Exchange    string    `json:"exchange,omitempty"`
	Quality     string    `json:"quality,omitempty"`
}

// Cache is a read-mostly CSV file store of bar series, one file per
// (symbol, timeframe), with an in-memory cache and a JSON manifest side-file.
type Cache struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dir      string
	bars     map[string][]bar.Bar
	manifest map[string]*Manifest
}

func fileKey(symbol string, timeframe string) string {
	return strings.ReplaceAll(symbol, "/", "_") + "_" + timeframe
}

// New opens (creating if necessary) a cache rooted at dir.
func New(logger *zap.Logger, dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	c := &Cache{
		logger:   logger,
		dir:      dir,
		bars:     make(map[string][]bar.Bar),
		manifest: make(map[string]*Manifest),
	}
	if err := c.loadManifest(); err != nil {
		logger.Warn("failed to load cache manifest", zap.Error(err))
	}
	return c, nil
}

// Read returns all stored bars for (symbol, timeframe), sorted and
// deduplicated, or an empty series if nothing is cached.
func (c *Cache) Read(symbol, timeframe string) ([]bar.Bar, error) {
	key := fileKey(symbol, timeframe)

	c.mu.RLock()
	if cached, ok := c.bars[key]; ok {
		out := make([]bar.Bar, len(cached))
		copy(out, cached)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	path := filepath.Join(c.dir, key+".csv")
	bars, err := readCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache file %s: %w", path, err)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	bars = dedupe(bars)

	c.mu.Lock()
	c.bars[key] = bars
	c.mu.Unlock()

	return bars, nil
}

// Write persists a bar series under (symbol, timeframe) in the CSV format
// and updates the manifest. Round-tripping Write then Read must preserve
// timestamps to the second and prices/volumes within 1e-9 relative.
func (c *Cache) Write(symbol, timeframe string, bars []bar.Bar) error {
	sorted := make([]bar.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	sorted = dedupe(sorted)

	key := fileKey(symbol, timeframe)
	path := filepath.Join(c.dir, key+".csv")
	if err := writeCSV(path, sorted); err != nil {
		return fmt.Errorf("write cache file %s: %w", path, err)
	}

	c.mu.Lock()
	c.bars[key] = sorted
	if len(sorted) > 0 {
		c.manifest[key] = &Manifest{
			Symbol:      symbol,
			Timeframe:   timeframe,
			FirstBar:    sorted[0].Timestamp,
			LastBar:     sorted[len(sorted)-1].Timestamp,
			CandleCount: len(sorted),
			UpdatedAt:   time.Now().UTC(),
		}
	}
	c.mu.Unlock()

	return c.saveManifest()
}

// Symbols lists every (symbol) that has manifest entries.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, m := range c.manifest {
		seen[m.Symbol] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func dedupe(bars []bar.Bar) []bar.Bar {
	if len(bars) == 0 {
		return bars
	}
	out := bars[:1]
	for _, b := range bars[1:] {
		if !b.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out = append(out, b)
		}
	}
	return out
}

func readCSV(path string) ([]bar.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	// skip header
	bars := make([]bar.Bar, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 6 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", rec[0], err)
		}
		open, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("parse open %q: %w", rec[1], err)
		}
		high, err := decimal.NewFromString(rec[2])
		if err != nil {
			return nil, fmt.Errorf("parse high %q: %w", rec[2], err)
		}
		low, err := decimal.NewFromString(rec[3])
		if err != nil {
			return nil, fmt.Errorf("parse low %q: %w", rec[3], err)
		}
		closeP, err := decimal.NewFromString(rec[4])
		if err != nil {
			return nil, fmt.Errorf("parse close %q: %w", rec[4], err)
		}
		volume, err := decimal.NewFromString(rec[5])
		if err != nil {
			return nil, fmt.Errorf("parse volume %q: %w", rec[5], err)
		}
		bars = append(bars, bar.Bar{
			Timestamp: ts.UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
		})
	}
	return bars, nil
}

func writeCSV(path string, bars []bar.Bar) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(strings.Split(csvHeader, ",")); err != nil {
		f.Close()
		return err
	}
	for _, b := range bars {
		row := []string{
			b.Timestamp.UTC().Format(time.RFC3339),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String(),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.dir, "manifest.json")
}

func (c *Cache) loadManifest() error {
	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]*Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.manifest = m
	c.mu.Unlock()
	return nil
}

func (c *Cache) saveManifest() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.manifest, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	tmp := c.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.manifestPath())
}
