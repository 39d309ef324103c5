package harmonia

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/harmonia/pkg/core/cluster"
	"github.com/sanonone/harmonia/pkg/core/correct"
	"github.com/sanonone/harmonia/pkg/core/design"
	"github.com/sanonone/harmonia/pkg/core/distance"
	"github.com/sanonone/harmonia/pkg/metrics"
)

// state is the phase of the integration loop.
type state int

const (
	stateInitializing state = iota
	stateClustering
	stateCorrecting
	stateCheckConverged
	stateConverged
	stateMaxIterations
)

// lowDiversityEntropy is the per-cluster batch entropy below which a cluster
// is flagged as effectively single-batch in the diagnostics log.
const lowDiversityEntropy = 0.05

// integrator threads all run state explicitly so independent runs (e.g.
// hyperparameter sweeps) never interfere through shared globals.
type integrator struct {
	opts  Options
	runID string
	log   *slog.Logger

	original  *mat.Dense // immutable input
	corrected *mat.Dense // replaced wholesale each outer round
	dm        *design.Matrix
	sc        *cluster.SoftClusterer

	singleBatch bool
	objective   []float64
}

func newIntegrator(embedding *mat.Dense, batches []string, opts Options) (*integrator, error) {
	n, d := embedding.Dims()

	dm, err := design.New(batches, opts.ExtraCovariates...)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	it := &integrator{
		opts:     opts,
		runID:    runID,
		log:      slog.With("run_id", runID),
		original: embedding,
		dm:       dm,
	}

	// With a single batch and nothing else to regress out there is no batch
	// effect to estimate; the run degenerates to the identity.
	it.singleBatch = batchValueCount(dm) == 1 && len(opts.ExtraCovariates) == 0
	if it.singleBatch {
		return it, nil
	}

	k := opts.K
	if k == 0 {
		k = deriveK(n)
	}
	sc, err := cluster.New(k, n, d, cluster.Config{
		Sigma:     opts.Sigma,
		Theta:     it.thetas(),
		MaxInner:  opts.MaxInnerIterations,
		InnerTol:  opts.InnerTolerance,
		Precision: opts.Precision,
	}, rand.New(rand.NewSource(opts.RandomSeed)))
	if err != nil {
		return nil, err
	}
	it.sc = sc
	return it, nil
}

// thetas expands the scalar diversity strength (plus any per-batch overrides)
// into one exponent per design-matrix column.
func (it *integrator) thetas() []float64 {
	thetas := make([]float64, it.dm.B())
	for c, col := range it.dm.Columns {
		thetas[c] = it.opts.DiversityStrength
		if col.Group == 0 {
			if v, ok := it.opts.DiversityStrengths[col.Name]; ok {
				thetas[c] = v
			}
		}
	}
	return thetas
}

func batchValueCount(dm *design.Matrix) int {
	count := 0
	for _, col := range dm.Columns {
		if col.Group == 0 {
			count++
		}
	}
	return count
}

// run drives the state machine:
//
//	Initializing -> Clustering -> Correcting -> CheckConverged
//	                   ^                              |
//	                   +------------------------------+
//
// terminating in Converged or MaxIterationsReached. Both are success; the
// latter only clears Result.Converged.
func (it *integrator) run(ctx context.Context) (*Result, error) {
	start := time.Now()
	n, d := it.original.Dims()
	metrics.Observations.Set(float64(n))

	if it.singleBatch {
		// Nothing to correct; return the input as is.
		it.log.Info("single batch input, returning embedding unchanged", "n", n, "dim", d)
		out := mat.NewDense(n, d, nil)
		out.Copy(it.original)
		metrics.IntegrationsTotal.WithLabelValues("converged").Inc()
		return &Result{Corrected: out, Converged: true, RunID: it.runID}, nil
	}

	it.log.Info("integration started",
		"n", n, "dim", d, "batches", batchValueCount(it.dm),
		"clusters", clusterCount(it.sc), "sigma", it.opts.Sigma,
		"ridge_lambda", it.opts.RidgeLambda,
		"pairwise_kernel", distance.Kernel())

	st := stateInitializing
	iter := 0
	var runErr error

loop:
	for {
		switch st {
		case stateInitializing:
			it.corrected = mat.NewDense(n, d, nil)
			it.corrected.Copy(it.original)
			if err := it.sc.Seed(it.original); err != nil {
				runErr = err
				break loop
			}
			st = stateClustering

		case stateClustering:
			obj, err := it.sc.Assign(it.corrected, it.dm)
			if err != nil {
				runErr = err
				break loop
			}
			it.objective = append(it.objective, obj)
			it.warnLowDiversity(iter)
			st = stateCorrecting

		case stateCorrecting:
			// Always correct the original coordinates, never the
			// previous round's output: re-deriving the correction
			// from scratch keeps rounding drift from compounding.
			out, err := correct.Correct(it.original, it.sc.R(), it.dm, it.opts.RidgeLambda)
			if err != nil {
				runErr = err
				break loop
			}
			it.corrected = out
			iter++
			st = stateCheckConverged

		case stateCheckConverged:
			it.log.Debug("outer iteration finished",
				"iteration", iter, "objective", it.objective[iter-1])
			if it.convergedAt(iter) {
				st = stateConverged
				break
			}
			if iter >= it.opts.MaxOuterIterations {
				st = stateMaxIterations
				break
			}
			if err := ctx.Err(); err != nil {
				// Cancellation between rounds: the current
				// corrected embedding is complete and valid.
				it.log.Info("integration cancelled", "iterations", iter)
				metrics.IntegrationsTotal.WithLabelValues("cancelled").Inc()
				return it.result(iter, false), err
			}
			st = stateClustering

		case stateConverged:
			it.log.Info("integration converged",
				"iterations", iter, "duration", time.Since(start))
			metrics.IntegrationsTotal.WithLabelValues("converged").Inc()
			metrics.OuterIterations.Observe(float64(iter))
			metrics.RunDuration.Observe(time.Since(start).Seconds())
			return it.result(iter, true), nil

		case stateMaxIterations:
			// A soft ceiling, reported rather than raised.
			it.log.Info("integration reached iteration ceiling without converging",
				"iterations", iter, "duration", time.Since(start))
			metrics.IntegrationsTotal.WithLabelValues("max_iterations").Inc()
			metrics.OuterIterations.Observe(float64(iter))
			metrics.RunDuration.Observe(time.Since(start).Seconds())
			return it.result(iter, false), nil
		}
	}

	metrics.IntegrationsTotal.WithLabelValues("error").Inc()
	return nil, runErr
}

// convergedAt reports whether the relative objective change between the last
// two rounds fell below the outer tolerance.
func (it *integrator) convergedAt(iter int) bool {
	if iter < 2 {
		return false
	}
	prev := it.objective[iter-2]
	cur := it.objective[iter-1]
	rel := math.Abs(cur-prev) / math.Max(math.Abs(prev), 1e-12)
	return rel < it.opts.OuterTolerance
}

// warnLowDiversity logs clusters that stayed effectively single-batch. A
// diagnostic only: low diversity can be legitimate (e.g. a batch-specific
// cell type) and must never abort the run.
func (it *integrator) warnLowDiversity(iter int) {
	for k, ent := range it.sc.BatchEntropies(it.dm) {
		if ent < lowDiversityEntropy {
			it.log.Warn("cluster has very low batch diversity",
				"iteration", iter, "cluster", k, "batch_entropy", ent)
		}
	}
}

func (it *integrator) result(iter int, converged bool) *Result {
	return &Result{
		Corrected:  it.corrected,
		Converged:  converged,
		Iterations: iter,
		Objective:  it.objective,
		RunID:      it.runID,
	}
}

func clusterCount(sc *cluster.SoftClusterer) int {
	k, _ := sc.Centroids().Dims()
	return k
}
