package distance

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// F16Matrix is a row-major half-precision matrix. It exists purely as compact
// storage for the distance step: values are decoded to float32 on the fly and
// never mutated in place.
type F16Matrix struct {
	Rows, Cols int
	Data       []uint16
}

// QuantizeF16 converts a dense float64 matrix to half precision.
func QuantizeF16(m *mat.Dense) *F16Matrix {
	rows, cols := m.Dims()
	q := &F16Matrix{Rows: rows, Cols: cols, Data: make([]uint16, rows*cols)}
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		out := q.Data[i*cols : (i+1)*cols]
		for j, v := range row {
			out[j] = float16.Fromfloat32(float32(v)).Bits()
		}
	}
	return q
}

// Row returns the raw half-precision bits of row i.
func (q *F16Matrix) Row(i int) []uint16 {
	return q.Data[i*q.Cols : (i+1)*q.Cols]
}

// PairwiseF16 computes squared Euclidean distances between all rows of x and
// all rows of y, accumulating in float32. dst must be pre-sized to
// (x.Rows, y.Rows).
func PairwiseF16(dst *mat.Dense, x, y *F16Matrix) error {
	if x.Cols != y.Cols {
		return fmt.Errorf("pairwise: column mismatch %d vs %d", x.Cols, y.Cols)
	}
	dr, dc := dst.Dims()
	if dr != x.Rows || dc != y.Rows {
		return fmt.Errorf("pairwise: dst is %dx%d, want %dx%d", dr, dc, x.Rows, y.Rows)
	}

	for i := 0; i < x.Rows; i++ {
		xi := x.Row(i)
		for j := 0; j < y.Rows; j++ {
			yj := y.Row(j)
			var sum float32
			for c := range xi {
				diff := float16.Frombits(xi[c]).Float32() - float16.Frombits(yj[c]).Float32()
				sum += diff * diff
			}
			dst.Set(i, j, float64(sum))
		}
	}
	return nil
}
