// Package paramgrid enumerates per-parameter {start,end,step} ranges into
// the Cartesian product of parameter combinations a walk-forward window's
// grid search iterates over.
package paramgrid

import (
	"fmt"
	"sort"
)

// Range is one parameter's {start, end, step} sweep, inclusive of both
// endpoints (the last step may fall short of end if step doesn't divide
// the span evenly).
type Range struct {
	Name  string
	Start float64
	End   float64
	Step  float64
}

// Values enumerates this range's grid points in ascending order.
func (r Range) Values() ([]float64, error) {
	if r.Step <= 0 {
		return nil, fmt.Errorf("paramgrid: %s: step must be positive, got %v", r.Name, r.Step)
	}
	if r.End < r.Start {
		return nil, fmt.Errorf("paramgrid: %s: end %v is before start %v", r.Name, r.End, r.Start)
	}

	var values []float64
	for v := r.Start; v <= r.End+1e-9; v += r.Step {
		values = append(values, v)
	}
	if len(values) == 0 {
		values = []float64{r.Start}
	}
	return values, nil
}

// Combination is one fully-bound parameter set, keyed by parameter name.
type Combination map[string]float64

// Grid holds the enumerated value set for each declared parameter range,
// in the order the ranges were given (iteration and tie-break order both
// follow this order, so first-seen tie-breaks are reproducible).
type Grid struct {
	names  []string
	values [][]float64
}

// NewGrid enumerates every range's grid points. Ranges are kept in the
// order given; that order becomes both the Cartesian-product iteration
// order and the tie-break order for first-seen-wins comparisons downstream.
func NewGrid(ranges []Range) (*Grid, error) {
	names := make([]string, len(ranges))
	values := make([][]float64, len(ranges))
	for i, r := range ranges {
		vs, err := r.Values()
		if err != nil {
			return nil, err
		}
		names[i] = r.Name
		values[i] = vs
	}
	return &Grid{names: names, values: values}, nil
}

// Count returns the number of combinations this grid produces without
// materializing them.
func (g *Grid) Count() int {
	count := 1
	for _, vs := range g.values {
		count *= len(vs)
	}
	return count
}

// Combinations returns every combination in the grid, in lexicographic
// order over the declared parameter sequence (the first parameter varies
// slowest).
func (g *Grid) Combinations() []Combination {
	if len(g.names) == 0 {
		return []Combination{{}}
	}
	return g.expand(0, Combination{})
}

func (g *Grid) expand(idx int, current Combination) []Combination {
	if idx == len(g.names) {
		copy := make(Combination, len(current))
		for k, v := range current {
			copy[k] = v
		}
		return []Combination{copy}
	}

	var out []Combination
	for _, v := range g.values[idx] {
		current[g.names[idx]] = v
		out = append(out, g.expand(idx+1, current)...)
	}
	return out
}

// ParameterNames returns the declared parameter order, for callers that
// need a stable ordering independent of any particular combination map.
func (g *Grid) ParameterNames() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// SortedNames returns a combination's keys in sorted order, useful for
// deterministic logging/display regardless of how the combination was
// constructed.
func SortedNames(c Combination) []string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
