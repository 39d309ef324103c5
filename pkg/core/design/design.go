// Package design builds the one-hot design matrix used by the correction
// model: one column per distinct batch value (plus one per distinct value of
// any extra categorical covariate), one row per observation.
package design

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidInput reports empty input or a malformed label vector.
var ErrInvalidInput = errors.New("design: invalid input")

// Column describes one indicator column of the design matrix.
type Column struct {
	// Name is the categorical value this column indicates.
	Name string
	// Group is the covariate the column belongs to: 0 for the batch label,
	// 1..len(extra) for extra covariates.
	Group int
	// Count is the number of observations carrying this value.
	Count float64
	// Proportion is Count / N, the global frequency of the value.
	Proportion float64
}

// Matrix is the N x B indicator matrix together with its column metadata.
// It is computed once per integration run and never mutated afterwards.
type Matrix struct {
	// Phi holds the indicators; row i has exactly one 1 per covariate group.
	Phi *mat.Dense
	// Columns is the ordered column metadata.
	Columns []Column

	n       int
	groups  int
	obsCols [][]int // per observation, its column per group
}

// labelColumn is the B-Tree item for a (group, value) pair. Sorting by group
// then value makes column order deterministic regardless of the order labels
// are first encountered in.
type labelColumn struct {
	group int
	value string
}

func labelColumnLess(a, b labelColumn) bool {
	if a.group != b.group {
		return a.group < b.group
	}
	return a.value < b.value
}

// New builds the design matrix from the batch label of every observation and
// any extra categorical covariates. Every covariate vector must have one entry
// per observation and no empty values.
func New(batches []string, extra ...[]string) (*Matrix, error) {
	n := len(batches)
	if n == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalidInput)
	}
	vectors := append([][]string{batches}, extra...)
	for g, vec := range vectors {
		if len(vec) != n {
			return nil, fmt.Errorf("%w: covariate %d has %d entries, want %d",
				ErrInvalidInput, g, len(vec), n)
		}
	}

	// First pass: collect the distinct (group, value) pairs in sorted order.
	tree := btree.NewBTreeG[labelColumn](labelColumnLess)
	for g, vec := range vectors {
		for i, v := range vec {
			if v == "" {
				return nil, fmt.Errorf("%w: observation %d has an empty value for covariate %d",
					ErrInvalidInput, i, g)
			}
			tree.Set(labelColumn{group: g, value: v})
		}
	}

	// Assign columns by in-order walk and index them for the second pass.
	cols := make([]Column, 0, tree.Len())
	lookup := make(map[labelColumn]int, tree.Len())
	tree.Scan(func(item labelColumn) bool {
		lookup[item] = len(cols)
		cols = append(cols, Column{Name: item.value, Group: item.group})
		return true
	})

	m := &Matrix{
		Phi:     mat.NewDense(n, len(cols), nil),
		Columns: cols,
		n:       n,
		groups:  len(vectors),
		obsCols: make([][]int, n),
	}
	for i := range m.obsCols {
		m.obsCols[i] = make([]int, len(vectors))
	}
	for g, vec := range vectors {
		for i, v := range vec {
			c := lookup[labelColumn{group: g, value: v}]
			m.Phi.Set(i, c, 1)
			m.Columns[c].Count++
			m.obsCols[i][g] = c
		}
	}
	for c := range m.Columns {
		m.Columns[c].Proportion = m.Columns[c].Count / float64(n)
	}
	return m, nil
}

// N returns the number of observations.
func (m *Matrix) N() int { return m.n }

// B returns the number of indicator columns.
func (m *Matrix) B() int { return len(m.Columns) }

// Groups returns the number of covariate groups (1 + extra covariates).
func (m *Matrix) Groups() int { return m.groups }

// ObsColumns returns the indicator column of observation i for every covariate
// group. The returned slice is owned by the Matrix and must not be modified.
func (m *Matrix) ObsColumns(i int) []int { return m.obsCols[i] }

// Proportions returns the global frequency of every column's value.
func (m *Matrix) Proportions() []float64 {
	p := make([]float64, len(m.Columns))
	for c, col := range m.Columns {
		p[c] = col.Proportion
	}
	return p
}
