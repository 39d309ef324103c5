// Package correct removes the batch-attributable component from an embedding,
// one ridge-regularized linear model per cluster.
//
// For every cluster the original coordinates are regressed on
// [intercept | batch indicators] with the cluster's soft assignment weights as
// observation weights. The intercept captures the cluster's shared signal and
// is never penalized nor removed; the batch coefficients are the per-cluster
// batch effect and are subtracted from each observation scaled by its
// assignment weight, so observations straddling clusters receive a blended
// correction with no hard boundary discontinuities.
package correct

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/harmonia/pkg/core/design"
)

// ErrSingularFit reports a rank-deficient weighted design. With a positive
// ridge penalty the normal matrix is positive definite and this cannot occur;
// it is reachable only when the penalty is disabled.
var ErrSingularFit = errors.New("correct: singular fit")

// Clusters below this total assignment mass contribute nothing to any
// observation and are skipped instead of fit.
const minClusterMass = 1e-10

// maxConditionNumber is the threshold past which an unregularized normal
// matrix is treated as rank deficient.
const maxConditionNumber = 1e12

// Correct returns a new N x D matrix with the per-cluster batch effects
// removed from original. R is the N x K soft assignment matrix, lambda the
// ridge penalty applied to the batch coefficients (the intercept is exempt).
// Cluster fits run in parallel; corrections are applied after all fits join.
func Correct(original *mat.Dense, r *mat.Dense, dm *design.Matrix, lambda float64) (*mat.Dense, error) {
	n, d := original.Dims()
	rn, k := r.Dims()
	if rn != n {
		return nil, fmt.Errorf("correct: assignment matrix has %d rows, want %d", rn, n)
	}
	if dm.N() != n {
		return nil, fmt.Errorf("correct: design matrix has %d rows, want %d", dm.N(), n)
	}
	if lambda < 0 {
		return nil, fmt.Errorf("correct: negative ridge penalty %v", lambda)
	}

	// The [1 | Phi] design is shared read-only by every cluster fit.
	xm := interceptDesign(dm)

	// Phase 1: fit all cluster models independently.
	coefs := make([]*mat.Dense, k)
	var g errgroup.Group
	for kk := 0; kk < k; kk++ {
		kk := kk
		g.Go(func() error {
			w, err := fitCluster(original, xm, r, dm, kk, lambda)
			if err != nil {
				return err
			}
			coefs[kk] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Phase 2: apply the blended corrections sequentially.
	corrected := mat.NewDense(n, d, nil)
	corrected.Copy(original)
	for kk := 0; kk < k; kk++ {
		w := coefs[kk]
		if w == nil {
			continue // empty cluster, skipped
		}
		for i := 0; i < n; i++ {
			ri := r.At(i, kk)
			if ri < minClusterMass {
				continue
			}
			row := corrected.RawRowView(i)
			for _, c := range dm.ObsColumns(i) {
				effect := w.RawRowView(1 + c)
				for j := 0; j < d; j++ {
					row[j] -= ri * effect[j]
				}
			}
		}
	}
	return corrected, nil
}

// fitCluster solves the weighted ridge normal equations
//
//	(Xᵀ W X + Λ) β = Xᵀ W Z
//
// for cluster k, where X = [1 | Phi], W = diag(R[:,k]) and Λ penalizes every
// coefficient except the intercept. Returns nil for clusters with no mass.
func fitCluster(z, xm *mat.Dense, r *mat.Dense, dm *design.Matrix, k int, lambda float64) (*mat.Dense, error) {
	n, d := z.Dims()
	p := dm.B() + 1

	var mass float64
	for i := 0; i < n; i++ {
		mass += r.At(i, k)
	}
	if mass < minClusterMass {
		return nil, nil
	}

	// xw = diag(w) X, built directly from the indicator structure.
	xw := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		wi := r.At(i, k)
		if wi == 0 {
			continue
		}
		xw.Set(i, 0, wi)
		for _, c := range dm.ObsColumns(i) {
			xw.Set(i, 1+c, wi)
		}
	}

	// Normal matrix A = Xᵀ (W X) + Λ. Symmetric by construction.
	var a mat.Dense
	a.Mul(xm.T(), xw)
	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := a.At(i, j)
			if i == j && i > 0 {
				v += lambda
			}
			sym.SetSym(i, j, v)
		}
	}

	var rhs mat.Dense
	rhs.Mul(xw.T(), z)

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("%w: cluster %d normal matrix is not positive definite (lambda=%v)",
			ErrSingularFit, k, lambda)
	}
	// Rounding can let an exactly collinear design slip past the
	// factorization with a near-zero pivot; the condition number catches it.
	if lambda == 0 && chol.Cond() > maxConditionNumber {
		return nil, fmt.Errorf("%w: cluster %d weighted design is rank deficient with ridge disabled",
			ErrSingularFit, k)
	}
	coef := mat.NewDense(p, d, nil)
	if err := chol.SolveTo(coef, &rhs); err != nil {
		return nil, fmt.Errorf("%w: cluster %d: %v", ErrSingularFit, k, err)
	}
	return coef, nil
}

// interceptDesign materializes the [1 | Phi] design with an explicit
// intercept column.
func interceptDesign(dm *design.Matrix) *mat.Dense {
	n := dm.N()
	b := dm.B()
	out := mat.NewDense(n, b+1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, 1)
		for _, c := range dm.ObsColumns(i) {
			out.Set(i, 1+c, 1)
		}
	}
	return out
}
