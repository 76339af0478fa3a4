// Package indicators computes named technical indicators over a bar series,
// with memoized results keyed by (type, output column, params, data identity).
package indicators

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// Spec is an indicator specification (IS): immutable, hashable for cache
// keying via CanonicalKey.
type Spec struct {
	Type       string
	Params     map[string]float64
	OutputName string
}

// CanonicalKey returns the memoization key: type name, output column, a
// canonical (sorted-key) JSON encoding of params, and the caller-supplied
// data fingerprint, which depends on the bar series being computed over,
// not the spec itself.
func (s Spec) CanonicalKey(fingerprint string) string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]float64, len(s.Params))
	for _, k := range keys {
		ordered[k] = s.Params[k]
	}
	// json.Marshal on a map already sorts keys lexicographically, but we
	// build `ordered` from sorted keys too so behavior doesn't depend on
	// that implementation detail.
	paramsJSON, _ := json.Marshal(ordered)
	return fmt.Sprintf("%s|%s|%s|%s", s.Type, s.OutputName, string(paramsJSON), fingerprint)
}

// Result is what a compute function returns: either a single named series
// (Series != nil) or a multi-output bundle (Multi != nil), never both.
type Result struct {
	Series []float64
	Multi  map[string][]float64
}

// ComputeFunc computes an indicator over a bar series, honoring params.
type ComputeFunc func(bars []bar.Bar, params map[string]float64) (Result, error)

// requiredOHLCVColumns is the set of the bar series' own OHLCV column
// names, as reported by IsBaseColumn.
var requiredOHLCVColumns = map[string]bool{
	"open": true, "high": true, "low": true, "close": true, "volume": true,
}

// IsBaseColumn reports whether name is one of the bar series' own OHLCV
// columns (as opposed to an indicator or external-series output).
func IsBaseColumn(name string) bool {
	return requiredOHLCVColumns[name]
}
