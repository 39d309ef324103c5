// Package cluster implements the soft clustering half of the integration
// loop: an entropy-regularized soft k-means whose assignments are penalized
// whenever a cluster is dominated by a single batch.
//
// The penalty is multiplicative. For observation i (batch column b) and
// cluster k the assignment potential is
//
//	P[i,k] = dist²(i,k) + sigma * theta[b] * log((O[k,b]+1) / (E[k,b]+1))
//
// where O is the soft count of batch b in cluster k and E the count expected
// from the global batch frequencies. Assignments are the softmax of -P/sigma,
// so an over-represented batch (O > E) is actively pushed out of the cluster,
// with strength controlled by theta.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/harmonia/pkg/core/design"
	"github.com/sanonone/harmonia/pkg/core/distance"
)

// ErrDegenerateCluster reports a cluster configuration the data cannot
// support: a non-positive K, more clusters than observations, or reseeding
// that ran out of distinct observations to reseed from.
var ErrDegenerateCluster = errors.New("cluster: degenerate cluster")

// emptyClusterWeight is the total assignment mass below which a cluster is
// considered empty and gets reseeded.
const emptyClusterWeight = 1e-8

// Config tunes a SoftClusterer.
type Config struct {
	// Sigma is the softmax temperature. Larger values give softer, more
	// uniform assignments.
	Sigma float64
	// Theta holds the diversity penalty exponent per design-matrix column.
	Theta []float64
	// MaxInner bounds the assignment refinement iterations per call.
	MaxInner int
	// InnerTol stops refinement once the Frobenius delta of the assignment
	// matrix between consecutive iterations falls below it.
	InnerTol float64
	// Precision selects the distance-step storage precision.
	Precision distance.PrecisionType
}

// SoftClusterer owns the centroids and the soft assignment matrix across
// outer iterations of the integration loop.
type SoftClusterer struct {
	k, n, d int
	cfg     Config
	rng     *rand.Rand

	centroids *mat.Dense // K x D
	r         *mat.Dense // N x K, rows sum to 1
	o         *mat.Dense // K x B observed soft batch counts
	e         *mat.Dense // K x B expected batch counts

	// Per-call workspaces, sized once.
	dist  *mat.Dense // N x K squared distances
	pot   *mat.Dense // N x K potentials
	rPrev *mat.Dense // N x K previous assignments
}

// New creates a SoftClusterer for n observations in d dimensions. The rng
// drives centroid seeding and must be fixed-seed for reproducible runs.
func New(k, n, d int, cfg Config, rng *rand.Rand) (*SoftClusterer, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrDegenerateCluster, k)
	}
	if k > n {
		return nil, fmt.Errorf("%w: k=%d exceeds %d observations", ErrDegenerateCluster, k, n)
	}
	return &SoftClusterer{
		k: k, n: n, d: d,
		cfg:       cfg,
		rng:       rng,
		centroids: mat.NewDense(k, d, nil),
		r:         mat.NewDense(n, k, nil),
		dist:      mat.NewDense(n, k, nil),
		pot:       mat.NewDense(n, k, nil),
		rPrev:     mat.NewDense(n, k, nil),
	}, nil
}

// Centroids returns the current K x D centroid matrix.
func (s *SoftClusterer) Centroids() *mat.Dense { return s.centroids }

// R returns the current N x K assignment matrix.
func (s *SoftClusterer) R() *mat.Dense { return s.r }

// Assign recomputes the soft assignment of every observation in z to every
// cluster, refining the diversity penalty to a local fixed point, then updates
// the centroids from the converged assignments. It returns the clustering
// objective: sum(R ∘ P) plus the sigma-scaled assignment entropy term.
func (s *SoftClusterer) Assign(z *mat.Dense, dm *design.Matrix) (float64, error) {
	if s.o == nil {
		s.o = mat.NewDense(s.k, dm.B(), nil)
		s.e = mat.NewDense(s.k, dm.B(), nil)
	}

	if err := s.distances(z); err != nil {
		return 0, err
	}

	// Bootstrap assignments from distances alone, then refine with the
	// diversity penalty folded in.
	s.pot.Copy(s.dist)
	s.softmaxRows()
	s.updateCounts(dm)

	for iter := 0; iter < s.cfg.MaxInner; iter++ {
		s.rPrev.Copy(s.r)

		s.potentials(dm)
		s.softmaxRows()
		s.updateCounts(dm)

		s.rPrev.Sub(s.rPrev, s.r)
		if mat.Norm(s.rPrev, 2) < s.cfg.InnerTol {
			break
		}
	}

	obj := s.objective(dm)
	if err := s.updateCentroids(z); err != nil {
		return 0, err
	}
	return obj, nil
}

// distances fills s.dist with squared Euclidean distances from every row of z
// to every centroid, at the configured precision.
func (s *SoftClusterer) distances(z *mat.Dense) error {
	if s.cfg.Precision == distance.Float16 {
		return distance.PairwiseF16(s.dist, distance.QuantizeF16(z), distance.QuantizeF16(s.centroids))
	}
	return distance.Pairwise(s.dist, z, s.centroids)
}

// potentials combines distance and diversity penalty into s.pot.
func (s *SoftClusterer) potentials(dm *design.Matrix) {
	for i := 0; i < s.n; i++ {
		cols := dm.ObsColumns(i)
		for k := 0; k < s.k; k++ {
			p := s.dist.At(i, k)
			for _, c := range cols {
				p += s.cfg.Sigma * s.cfg.Theta[c] *
					math.Log((s.o.At(k, c)+1)/(s.e.At(k, c)+1))
			}
			s.pot.Set(i, k, p)
		}
	}
}

// softmaxRows converts potentials to row-stochastic assignments via a softmax
// with temperature sigma. The row max is subtracted before exponentiation so
// large potentials cannot overflow.
func (s *SoftClusterer) softmaxRows() {
	for i := 0; i < s.n; i++ {
		maxLogit := math.Inf(-1)
		for k := 0; k < s.k; k++ {
			if l := -s.pot.At(i, k) / s.cfg.Sigma; l > maxLogit {
				maxLogit = l
			}
		}
		var sum float64
		for k := 0; k < s.k; k++ {
			v := math.Exp(-s.pot.At(i, k)/s.cfg.Sigma - maxLogit)
			s.r.Set(i, k, v)
			sum += v
		}
		for k := 0; k < s.k; k++ {
			s.r.Set(i, k, s.r.At(i, k)/sum)
		}
	}
}

// updateCounts refreshes the observed (O = Rᵀ Phi) and expected batch counts
// per cluster from the current assignments.
func (s *SoftClusterer) updateCounts(dm *design.Matrix) {
	s.o.Mul(s.r.T(), dm.Phi)

	props := dm.Proportions()
	for k := 0; k < s.k; k++ {
		var mass float64
		for i := 0; i < s.n; i++ {
			mass += s.r.At(i, k)
		}
		for c, p := range props {
			s.e.Set(k, c, mass*p)
		}
	}
}

// objective evaluates sum(R ∘ P) + sigma * sum(R log R) at the current
// assignments; the entropy sum treats 0·log 0 as 0.
func (s *SoftClusterer) objective(dm *design.Matrix) float64 {
	s.potentials(dm)
	var obj float64
	for i := 0; i < s.n; i++ {
		for k := 0; k < s.k; k++ {
			r := s.r.At(i, k)
			if r <= 0 {
				continue
			}
			obj += r*s.pot.At(i, k) + s.cfg.Sigma*r*math.Log(r)
		}
	}
	return obj
}

// updateCentroids recomputes every centroid as the assignment-weighted mean
// of z. Clusters whose total weight collapsed are reseeded rather than left
// degenerate.
func (s *SoftClusterer) updateCentroids(z *mat.Dense) error {
	var empty []int
	for k := 0; k < s.k; k++ {
		var mass float64
		for i := 0; i < s.n; i++ {
			mass += s.r.At(i, k)
		}
		if mass < emptyClusterWeight {
			empty = append(empty, k)
			continue
		}
		for d := 0; d < s.d; d++ {
			var sum float64
			for i := 0; i < s.n; i++ {
				sum += s.r.At(i, k) * z.At(i, d)
			}
			s.centroids.Set(k, d, sum/mass)
		}
	}
	if len(empty) > 0 {
		return s.reseed(z, empty)
	}
	return nil
}

// BatchEntropies returns, per cluster, the Shannon entropy of its soft batch
// composition (group-0 columns only). Near-zero entropy means the cluster is
// effectively single-batch; callers may surface that as a diagnostic.
func (s *SoftClusterer) BatchEntropies(dm *design.Matrix) []float64 {
	ent := make([]float64, s.k)
	for k := 0; k < s.k; k++ {
		var mass float64
		for c, col := range dm.Columns {
			if col.Group == 0 {
				mass += s.o.At(k, c)
			}
		}
		if mass <= 0 {
			continue
		}
		for c, col := range dm.Columns {
			if col.Group != 0 {
				continue
			}
			p := s.o.At(k, c) / mass
			if p > 0 {
				ent[k] -= p * math.Log(p)
			}
		}
	}
	return ent
}
