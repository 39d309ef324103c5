package harmonia

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/harmonia/pkg/core/design"
)

// batchedBlobs builds n observations in d dimensions split across two batches,
// where batch "b" is batch "a" shifted by offset along the first axis. The
// biological signal is shared: both batches draw from the same two groups
// separated along the second axis.
func batchedBlobs(rng *rand.Rand, n, d int, offset float64) (*mat.Dense, []string) {
	z := mat.NewDense(n, d, nil)
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		group := float64(i%2)*4 - 2 // two groups at -2 and +2 on axis 1
		for j := 0; j < d; j++ {
			z.Set(i, j, rng.NormFloat64()*0.3)
		}
		if d > 1 {
			z.Set(i, 1, group+rng.NormFloat64()*0.3)
		}
		labels[i] = "a"
		if i >= n/2 {
			labels[i] = "b"
			z.Set(i, 0, z.At(i, 0)+offset)
		}
	}
	return z, labels
}

func TestIntegrateShapeInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	z, labels := batchedBlobs(rng, 60, 4, 3)

	before := mat.NewDense(60, 4, nil)
	before.Copy(z)

	res, err := Integrate(z, labels, DefaultOptions())
	require.NoError(t, err)

	rows, cols := res.Corrected.Dims()
	assert.Equal(t, 60, rows)
	assert.Equal(t, 4, cols)
	assert.True(t, mat.Equal(before, z), "input must not be mutated")
	assert.Greater(t, res.Iterations, 0)
	assert.Len(t, res.Objective, res.Iterations)
	assert.NotEmpty(t, res.RunID)
}

func TestIntegrateSingleBatchIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	z, _ := batchedBlobs(rng, 30, 3, 0)
	labels := make([]string, 30)
	for i := range labels {
		labels[i] = "only"
	}

	res, err := Integrate(z, labels, DefaultOptions())
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.True(t, mat.Equal(z, res.Corrected),
		"single batch input must be returned exactly unchanged")
}

func TestIntegrateReproducible(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	z, labels := batchedBlobs(rng, 50, 3, 4)

	opts := DefaultOptions()
	opts.RandomSeed = 77

	res1, err := Integrate(z, labels, opts)
	require.NoError(t, err)
	res2, err := Integrate(z, labels, opts)
	require.NoError(t, err)

	assert.True(t, mat.Equal(res1.Corrected, res2.Corrected),
		"fixed seed must reproduce the run")
	assert.Equal(t, res1.Iterations, res2.Iterations)
}

func TestIntegrateObjectiveNonWorsening(t *testing.T) {
	rng := rand.New(rand.NewSource(24))
	z, labels := batchedBlobs(rng, 80, 3, 3)

	opts := DefaultOptions()
	opts.K = 4
	opts.MaxOuterIterations = 8

	res, err := Integrate(z, labels, opts)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Objective), 2)

	for i := 1; i < len(res.Objective); i++ {
		prev, cur := res.Objective[i-1], res.Objective[i]
		slack := 0.02*math.Abs(prev) + 1e-9
		assert.LessOrEqual(t, cur, prev+slack,
			"objective rose between rounds %d and %d", i-1, i)
	}
}

func TestIntegrateRemovesBatchOffset(t *testing.T) {
	// Two batches offset by 5 on axis 0 sharing the same two biological
	// groups on axis 1. A soft temperature lets the diversity penalty mix
	// the batches so the correction can see and remove the offset.
	rng := rand.New(rand.NewSource(25))
	z, labels := batchedBlobs(rng, 40, 2, 5)

	opts := DefaultOptions()
	opts.K = 2
	opts.Sigma = 25
	opts.DiversityStrength = 5
	opts.RidgeLambda = 0.1
	opts.MaxOuterIterations = 20

	res, err := Integrate(z, labels, opts)
	require.NoError(t, err)

	gap := func(m *mat.Dense) float64 {
		var a, b float64
		for i := 0; i < 40; i++ {
			if labels[i] == "a" {
				a += m.At(i, 0)
			} else {
				b += m.At(i, 0)
			}
		}
		return math.Abs(b-a) / 20
	}
	require.InDelta(t, 5, gap(z), 0.5)
	assert.Less(t, gap(res.Corrected), 1.5,
		"batch offset should be mostly removed")

	// After correction, observations of the same biological group must sit
	// closer across batches than observations of different groups within a
	// batch.
	sameGroupCrossBatch := pairDist(res.Corrected, labels, true)
	crossGroupSameBatch := pairDist(res.Corrected, labels, false)
	assert.Less(t, sameGroupCrossBatch, crossGroupSameBatch,
		"true groups should dominate batch origin in the corrected space")
}

// pairDist averages pairwise distances, either between same-group pairs from
// different batches or between different-group pairs from the same batch.
// Group identity follows the i%2 convention of batchedBlobs.
func pairDist(z *mat.Dense, labels []string, sameGroupCrossBatch bool) float64 {
	n, d := z.Dims()
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sameGroup := i%2 == j%2
			sameBatch := labels[i] == labels[j]
			ok := (sameGroupCrossBatch && sameGroup && !sameBatch) ||
				(!sameGroupCrossBatch && !sameGroup && sameBatch)
			if !ok {
				continue
			}
			var d2 float64
			for c := 0; c < d; c++ {
				diff := z.At(i, c) - z.At(j, c)
				d2 += diff * diff
			}
			sum += math.Sqrt(d2)
			count++
		}
	}
	return sum / float64(count)
}

func TestIntegrateSixPointScenario(t *testing.T) {
	// Two batches offset by (10,10); within each batch the same two
	// biological groups sit 4 apart on the second axis. Raw coordinates
	// cluster purely by batch; after integration each true group should
	// hold its three members from both batches.
	z := mat.NewDense(6, 2, []float64{
		0, 0, // batch a, group 1
		0, 0.5, // batch a, group 1
		0, 4, // batch a, group 2
		10, 10, // batch b, group 1
		10, 14, // batch b, group 2
		10, 14.5, // batch b, group 2
	})
	labels := []string{"A", "A", "A", "B", "B", "B"}
	groups := []int{1, 1, 2, 1, 2, 2}

	opts := DefaultOptions()
	opts.K = 2
	// Squared distances between the raw batch blobs are ~200; the
	// temperature must be of that order for the diversity penalty to
	// compete with geometry.
	opts.Sigma = 200
	opts.DiversityStrength = 5
	opts.RidgeLambda = 0.1
	opts.MaxOuterIterations = 20

	res, err := Integrate(z, labels, opts)
	require.NoError(t, err)

	// Every observation's two nearest corrected neighbors must share its
	// true group, not its batch.
	for i := 0; i < 6; i++ {
		type neighbor struct {
			idx  int
			dist float64
		}
		var nn []neighbor
		for j := 0; j < 6; j++ {
			if i == j {
				continue
			}
			dx := res.Corrected.At(i, 0) - res.Corrected.At(j, 0)
			dy := res.Corrected.At(i, 1) - res.Corrected.At(j, 1)
			nn = append(nn, neighbor{j, dx*dx + dy*dy})
		}
		for a := 0; a < len(nn); a++ {
			for b := a + 1; b < len(nn); b++ {
				if nn[b].dist < nn[a].dist {
					nn[a], nn[b] = nn[b], nn[a]
				}
			}
		}
		assert.Equal(t, groups[i], groups[nn[0].idx], "observation %d nearest neighbor", i)
		assert.Equal(t, groups[i], groups[nn[1].idx], "observation %d second neighbor", i)
	}
}

func TestIntegrateExtraCovariates(t *testing.T) {
	rng := rand.New(rand.NewSource(26))
	z, labels := batchedBlobs(rng, 40, 3, 3)

	opts := DefaultOptions()
	opts.ExtraCovariates = [][]string{makeAlternating("day1", "day2", 40)}

	res, err := Integrate(z, labels, opts)
	require.NoError(t, err)
	rows, cols := res.Corrected.Dims()
	assert.Equal(t, 40, rows)
	assert.Equal(t, 3, cols)
}

func TestIntegrateCancellation(t *testing.T) {
	rng := rand.New(rand.NewSource(27))
	z, labels := batchedBlobs(rng, 50, 3, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the run even starts

	res, err := IntegrateContext(ctx, z, labels, DefaultOptions())
	require.ErrorIs(t, err, context.Canceled)
	// The last fully corrected embedding is still returned.
	require.NotNil(t, res)
	require.NotNil(t, res.Corrected)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
}

func TestIntegrateInvalidInput(t *testing.T) {
	_, err := Integrate(nil, nil, DefaultOptions())
	assert.True(t, errors.Is(err, design.ErrInvalidInput))

	z := mat.NewDense(4, 2, nil)
	_, err = Integrate(z, []string{"a", "b"}, DefaultOptions())
	assert.True(t, errors.Is(err, design.ErrInvalidInput))

	opts := DefaultOptions()
	opts.Sigma = 0
	_, err = Integrate(z, []string{"a", "b", "a", "b"}, opts)
	assert.True(t, errors.Is(err, design.ErrInvalidInput))
}

func TestDeriveK(t *testing.T) {
	assert.Equal(t, 2, deriveK(2))
	assert.Equal(t, 2, deriveK(4))
	assert.Equal(t, 10, deriveK(100))
	assert.Equal(t, 100, deriveK(1_000_000))
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("k: 12\nsigma: 0.3\n"), 0644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 12, opts.K)
	assert.InDelta(t, 0.3, opts.Sigma, 1e-12)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, opts.MaxOuterIterations)
	assert.InDelta(t, 1.0, opts.RidgeLambda, 1e-12)

	// Strict parsing rejects unknown keys.
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("no_such_option: 1\n"), 0644))
	_, err = LoadOptions(bad)
	assert.Error(t, err)

	// Empty path returns defaults.
	opts, err = LoadOptions("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func makeAlternating(a, b string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = a
		if i%2 == 1 {
			out[i] = b
		}
	}
	return out
}
