// Package harmonia provides the high-level entry point for batch-effect
// integration of low-dimensional embeddings.
//
// It alternates a diversity-penalized soft clustering step with a per-cluster
// ridge correction step until the clustering objective stabilizes, returning
// an embedding of identical shape in which technical batch structure has been
// removed while biological structure is preserved.
//
// Basic usage:
//
//	opts := harmonia.DefaultOptions()
//	res, err := harmonia.Integrate(embedding, batchLabels, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	use(res.Corrected)
package harmonia

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/harmonia/pkg/core/design"
	"github.com/sanonone/harmonia/pkg/core/distance"
)

// Options configures an integration run. The zero value is not usable; start
// from DefaultOptions and override what you need.
type Options struct {
	// K is the number of soft clusters. 0 derives it from the observation
	// count: sqrt(N) clamped to [2, 100].
	K int `yaml:"k"`

	// Sigma is the softmax temperature of the clustering step. Larger
	// values give softer assignments.
	Sigma float64 `yaml:"sigma"`

	// RidgeLambda is the L2 penalty on the per-cluster batch coefficients.
	// Setting it to 0 disables regularization and makes rank-deficient
	// cluster fits a hard error; keep it positive unless you know the
	// design is full rank.
	RidgeLambda float64 `yaml:"ridge_lambda"`

	// DiversityStrength is the exponent of the batch diversity penalty.
	// Higher values push harder toward batch-balanced clusters.
	DiversityStrength float64 `yaml:"diversity_strength"`

	// DiversityStrengths optionally overrides DiversityStrength for named
	// batch values, e.g. to penalize one dominant batch more aggressively.
	DiversityStrengths map[string]float64 `yaml:"diversity_strengths"`

	// MaxOuterIterations bounds the cluster+correct rounds. Hitting the
	// bound is not an error; the result carries Converged == false.
	MaxOuterIterations int `yaml:"max_outer_iterations"`

	// MaxInnerIterations bounds assignment refinement within one
	// clustering step.
	MaxInnerIterations int `yaml:"max_inner_iterations"`

	// OuterTolerance stops the run once the relative change of the
	// clustering objective between rounds falls below it.
	OuterTolerance float64 `yaml:"outer_tolerance"`

	// InnerTolerance stops assignment refinement once the Frobenius delta
	// of the assignment matrix falls below it.
	InnerTolerance float64 `yaml:"inner_tolerance"`

	// RandomSeed drives centroid seeding. Identical inputs, options and
	// seed reproduce the run.
	RandomSeed int64 `yaml:"random_seed"`

	// Precision selects the storage precision of the distance step.
	Precision distance.PrecisionType `yaml:"precision"`

	// ExtraCovariates are additional categorical vectors (one value per
	// observation) whose effects are removed alongside the batch effect.
	// Data, not configuration: never read from yaml.
	ExtraCovariates [][]string `yaml:"-"`
}

// DefaultOptions returns the standard tuning, suitable for typical
// principal-component embeddings.
func DefaultOptions() Options {
	return Options{
		K:                  0, // derived from N
		Sigma:              0.1,
		RidgeLambda:        1,
		DiversityStrength:  2,
		MaxOuterIterations: 10,
		MaxInnerIterations: 20,
		OuterTolerance:     1e-5,
		InnerTolerance:     1e-5,
		RandomSeed:         0,
		Precision:          distance.Float64,
	}
}

// Result is the outcome of an integration run.
type Result struct {
	// Corrected is the N x D corrected embedding; row i is observation i.
	Corrected *mat.Dense
	// Converged reports whether the objective stabilized before the
	// iteration ceiling.
	Converged bool
	// Iterations is the number of outer rounds performed.
	Iterations int
	// Objective is the outer objective history, one value per round.
	Objective []float64
	// RunID identifies the run in logs.
	RunID string
}

// Integrate removes the batch effect from embedding. batches must hold one
// label per embedding row. The input embedding is never mutated.
func Integrate(embedding *mat.Dense, batches []string, opts Options) (*Result, error) {
	return IntegrateContext(context.Background(), embedding, batches, opts)
}

// IntegrateContext is Integrate with cancellation. The context is checked
// between outer iterations only: on cancellation the returned Result holds
// the last fully corrected embedding (never a half-applied round) together
// with the context error.
func IntegrateContext(ctx context.Context, embedding *mat.Dense, batches []string, opts Options) (*Result, error) {
	if embedding == nil {
		return nil, fmt.Errorf("%w: nil embedding", design.ErrInvalidInput)
	}
	n, d := embedding.Dims()
	if n == 0 || d == 0 {
		return nil, fmt.Errorf("%w: embedding is %dx%d", design.ErrInvalidInput, n, d)
	}
	if len(batches) != n {
		return nil, fmt.Errorf("%w: %d batch labels for %d observations",
			design.ErrInvalidInput, len(batches), n)
	}
	if opts.K < 0 {
		return nil, fmt.Errorf("%w: negative K", design.ErrInvalidInput)
	}
	if opts.Sigma <= 0 {
		return nil, fmt.Errorf("%w: sigma must be positive", design.ErrInvalidInput)
	}

	it, err := newIntegrator(embedding, batches, opts)
	if err != nil {
		return nil, err
	}
	return it.run(ctx)
}

// deriveK picks the cluster count for n observations: proportional to the
// square root of n, clamped to [2, 100].
func deriveK(n int) int {
	k := int(math.Round(math.Sqrt(float64(n))))
	if k < 2 {
		k = 2
	}
	if k > 100 {
		k = 100
	}
	if k > n {
		k = n
	}
	return k
}
