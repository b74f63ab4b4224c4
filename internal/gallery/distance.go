package gallery

import "math"

// Embedding is a fixed-length face signature produced by the embedding codec.
type Embedding []float64

// EuclideanDistance returns the L2 distance between a and b. The second
// result is false when the vectors have different lengths.
func EuclideanDistance(a, b Embedding) (float64, bool) {
	if len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), true
}

func (e Embedding) valid() bool {
	if len(e) == 0 {
		return false
	}
	for _, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (e Embedding) clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}
