// Package regimefilter classifies bars into market-regime labels and lets a
// walk-forward run subset realized trades to only those entered under a
// chosen regime configuration. The label set is {high, normal, low} with no
// unknown label: every bar always classifies to exactly one regime.
package regimefilter

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/walkforward/internal/indicators"
	"github.com/atlas-desktop/walkforward/pkg/bar"
)

// Label is one regime classification a filter can assign to a bar.
type Label string

const (
	LabelHigh   Label = "high"
	LabelNormal Label = "normal"
	LabelLow    Label = "low"
)

// Classifier computes one regime's per-bar labels over a bar table. The
// built-in classifier labels bars still warming up (their driving indicator
// not yet stable) as normal; a bar carrying any label a Config does not ask
// for, including the empty Label "", fails that Config in Matches.
type Classifier func(bars []bar.Bar) []Label

// Registry holds named regime classifiers, collision-rejecting like the
// indicator registry (internal/indicators/library.go's Register) since two
// classifiers silently sharing a name would make filter configs ambiguous.
type Registry struct {
	classifiers map[string]Classifier
}

// NewRegistry returns a Registry pre-populated with the built-in
// volatility_regime_atr classifier.
func NewRegistry() *Registry {
	r := &Registry{classifiers: make(map[string]Classifier)}
	r.classifiers["volatility_regime_atr"] = VolatilityRegimeATR(14, 0.75, 1.25)
	return r
}

// Register adds a named classifier, failing if the name is already taken.
func (r *Registry) Register(name string, c Classifier) error {
	if _, exists := r.classifiers[name]; exists {
		return fmt.Errorf("regimefilter: classifier %q already registered", name)
	}
	r.classifiers[name] = c
	return nil
}

// Get looks up a classifier by name.
func (r *Registry) Get(name string) (Classifier, error) {
	c, ok := r.classifiers[name]
	if !ok {
		return nil, fmt.Errorf("regimefilter: unknown classifier %q", name)
	}
	return c, nil
}

// Names returns every registered classifier name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classifiers))
	for name := range r.classifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VolatilityRegimeATR bins each bar's ATR(period) against its own trailing
// median into {low, normal, high}: below lowMult*median is low, above
// highMult*median is high, everything in between (including the warm-up
// period where ATR has no median to compare against) is normal.
func VolatilityRegimeATR(period int, lowMult, highMult float64) Classifier {
	return func(bars []bar.Bar) []Label {
		atr := indicators.ATR(bars, period)
		labels := make([]Label, len(bars))

		for i := range bars {
			if bar.IsNotComputed(atr[i]) {
				labels[i] = LabelNormal
				continue
			}
			median := trailingMedian(atr, i, period)
			switch {
			case median <= 0:
				labels[i] = LabelNormal
			case atr[i] < median*lowMult:
				labels[i] = LabelLow
			case atr[i] > median*highMult:
				labels[i] = LabelHigh
			default:
				labels[i] = LabelNormal
			}
		}
		return labels
	}
}

// trailingMedian computes the median of atr[max(0,i-window+1):i+1], skipping
// any not-yet-computed entries.
func trailingMedian(atr []float64, i, window int) float64 {
	lo := i - window + 1
	if lo < 0 {
		lo = 0
	}
	values := make([]float64, 0, window)
	for j := lo; j <= i; j++ {
		if !bar.IsNotComputed(atr[j]) {
			values = append(values, atr[j])
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2
	}
	return values[mid]
}

// Config binds each active classifier name to the single label it must
// match for a bar to pass the filter. An empty Config is the unfiltered
// baseline (every bar passes).
type Config map[string]Label

// String renders a Config deterministically, for use as a bucket key.
func (c Config) String() string {
	if len(c) == 0 {
		return "baseline"
	}
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	s := ""
	for i, name := range names {
		if i > 0 {
			s += ","
		}
		s += name + "=" + string(c[name])
	}
	return s
}

// Configurations returns the Cartesian product of every named classifier's
// possible labels, plus the baseline (unfiltered) config.
func Configurations(names []string) []Config {
	product := []Config{{}}
	labels := []Label{LabelHigh, LabelNormal, LabelLow}

	for _, name := range names {
		var next []Config
		for _, cfg := range product {
			for _, label := range labels {
				extended := make(Config, len(cfg)+1)
				for k, v := range cfg {
					extended[k] = v
				}
				extended[name] = label
				next = append(next, extended)
			}
		}
		product = next
	}
	if len(names) == 0 {
		return product
	}
	return append([]Config{{}}, product...)
}

// Labels precomputes every named classifier's per-bar labels once, for
// reuse across the many filter configurations a walk-forward run evaluates.
func Labels(registry *Registry, names []string, bars []bar.Bar) (map[string][]Label, error) {
	out := make(map[string][]Label, len(names))
	for _, name := range names {
		classifier, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		out[name] = classifier(bars)
	}
	return out, nil
}

// Matches reports whether bar index i satisfies every classifier/label
// constraint in cfg.
func Matches(cfg Config, labelsByClassifier map[string][]Label, i int) bool {
	for name, want := range cfg {
		labels := labelsByClassifier[name]
		if i >= len(labels) || labels[i] != want {
			return false
		}
	}
	return true
}
