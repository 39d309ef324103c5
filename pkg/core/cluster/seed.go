package cluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Seed initializes the centroids with k-means++: the first centroid is a
// uniformly drawn observation, each further one is drawn with probability
// proportional to its squared distance from the nearest centroid chosen so
// far. Deterministic given the clusterer's rng seed.
func (s *SoftClusterer) Seed(z *mat.Dense) error {
	n, d := z.Dims()
	if n != s.n || d != s.d {
		return fmt.Errorf("cluster: embedding is %dx%d, want %dx%d", n, d, s.n, s.d)
	}

	s.centroids.SetRow(0, z.RawRowView(s.rng.Intn(n)))

	best := make([]float64, n)
	for i := range best {
		best[i] = math.Inf(1)
	}
	for k := 1; k < s.k; k++ {
		var total float64
		prev := s.centroids.RawRowView(k - 1)
		for i := 0; i < n; i++ {
			if d2 := sqDist(z.RawRowView(i), prev); d2 < best[i] {
				best[i] = d2
			}
			total += best[i]
		}
		if total == 0 {
			// All remaining mass sits on already-chosen points; fall
			// back to a uniform draw.
			s.centroids.SetRow(k, z.RawRowView(s.rng.Intn(n)))
			continue
		}
		threshold := s.rng.Float64() * total
		var cum float64
		chosen := n - 1
		for i := 0; i < n; i++ {
			cum += best[i]
			if cum >= threshold {
				chosen = i
				break
			}
		}
		s.centroids.SetRow(k, z.RawRowView(chosen))
	}
	return nil
}

// reseed re-initializes every empty cluster to the unused observation
// farthest from its nearest current centroid. Picking farthest points is
// deterministic and guarantees the reseeded cluster captures at least its own
// seed observation on the next assignment pass.
func (s *SoftClusterer) reseed(z *mat.Dense, empty []int) error {
	used := make(map[int]bool, len(empty))
	for _, k := range empty {
		chosen := -1
		chosenDist := -1.0
		for i := 0; i < s.n; i++ {
			if used[i] {
				continue
			}
			nearest := math.Inf(1)
			for c := 0; c < s.k; c++ {
				if d2 := sqDist(z.RawRowView(i), s.centroids.RawRowView(c)); d2 < nearest {
					nearest = d2
				}
			}
			if nearest > chosenDist {
				chosenDist = nearest
				chosen = i
			}
		}
		if chosen < 0 {
			return fmt.Errorf("%w: no observations left to reseed cluster %d from",
				ErrDegenerateCluster, k)
		}
		used[chosen] = true
		s.centroids.SetRow(k, z.RawRowView(chosen))
	}
	return nil
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
