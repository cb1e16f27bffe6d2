// Package matcher resolves detected faces to known people by nearest-neighbour
// search over labeled face descriptors.
package matcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/andresmejia3/lineage/internal/types"
)

// DefaultThreshold is the distance under which a face is considered a match.
const DefaultThreshold = 0.6

// Metric computes the distance between two descriptors. Lower is closer.
type Metric func(a, b []float64) float64

// MetricByName maps a configuration name to a distance function.
func MetricByName(name string) (Metric, error) {
	switch name {
	case "", "euclidean":
		return EuclideanDist, nil
	case "cosine":
		return CosineDist, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q (want euclidean or cosine)", name)
	}
}

// EuclideanDist is the L2 distance used by dlib-style 128-d descriptors.
// Vectors of different length are maximally distant.
func EuclideanDist(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDist returns 1 - cosine similarity, in [0, 2].
func CosineDist(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	// Return 1.0 (max distance) if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// PersonIndex resolves person ids to the current directory records.
type PersonIndex map[string]types.Person

// NewPersonIndex builds an index from a directory snapshot. It is rebuilt
// wholesale for every snapshot and never patched.
func NewPersonIndex(people []types.Person) PersonIndex {
	idx := make(PersonIndex, len(people))
	for _, p := range people {
		idx[p.ID] = p
	}
	return idx
}

// Lookup returns a copy of the person with the given id, or nil.
func (idx PersonIndex) Lookup(id string) *types.Person {
	p, ok := idx[id]
	if !ok {
		return nil
	}
	return &p
}

// Matcher compares query descriptors against a labeled set.
type Matcher struct {
	Threshold float64
	Distance  Metric
}

// New returns a matcher with the given threshold and metric. A zero threshold
// falls back to DefaultThreshold and a nil metric to EuclideanDist.
func New(threshold float64, metric Metric) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if metric == nil {
		metric = EuclideanDist
	}
	return &Matcher{Threshold: threshold, Distance: metric}
}

// BestMatch returns the nearest labeled embedding for one descriptor. With no
// candidates it returns (-1, +Inf).
func (m *Matcher) BestMatch(known []types.LabeledEmbedding, query []float64) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, le := range known {
		d := m.labelDistance(le, query)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// labelDistance is the mean distance to all vectors of a label.
func (m *Matcher) labelDistance(le types.LabeledEmbedding, query []float64) float64 {
	if len(le.Vectors) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, v := range le.Vectors {
		sum += m.Distance(v, query)
	}
	return sum / float64(len(le.Vectors))
}

// Match resolves every detected face and returns the results sorted by
// descending confidence. It never fails: faces without a close enough
// candidate are reported as unknown, and labels whose person is no longer in
// the directory keep a nil Person.
func (m *Matcher) Match(known []types.LabeledEmbedding, faces []types.Face, people PersonIndex) []types.RecognitionResult {
	results := make([]types.RecognitionResult, 0, len(faces))
	for i, f := range faces {
		res := types.RecognitionResult{
			Index:            i,
			Region:           f.Box,
			Label:            types.UnknownLabel,
			Age:              int(math.Round(f.Age)),
			Gender:           f.Gender,
			GenderConfidence: f.GenderConfidence,
		}

		best, dist := m.BestMatch(known, f.Vec)
		res.Distance = dist
		if best == -1 {
			res.Confidence = 0
		} else {
			res.Confidence = (1 - dist) * 100
			if dist < m.Threshold {
				res.Label = known[best].Label
				res.Person = people.Lookup(known[best].PersonID)
			}
		}
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	return results
}
