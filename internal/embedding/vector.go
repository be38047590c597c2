package embedding

import (
	"errors"
	"math"
)

// DefaultDim is the embedding length produced by the default model.
const DefaultDim = 128

// degenerateEpsilon is the minimum L2 magnitude a usable vector may have.
const degenerateEpsilon = 1e-6

// BadPairSentinel is returned by Cosine for pairs that cannot be compared,
// so batch loops can skip them without aborting.
const BadPairSentinel = -2.0

// ErrDegenerateEmbedding signals a vector with near-zero magnitude.
var ErrDegenerateEmbedding = errors.New("degenerate embedding: magnitude below epsilon")

// ErrNoValidEmbeddings signals that no input vector survived validation.
var ErrNoValidEmbeddings = errors.New("no valid embeddings")

// Vector is a fixed-length face embedding.
type Vector []float32

// Norm returns the L2 norm.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns an L2-normalized copy of v. Vectors with magnitude
// below epsilon are pathological and rejected.
func Normalize(v Vector) (Vector, error) {
	norm := v.Norm()
	if norm < degenerateEpsilon {
		return nil, ErrDegenerateEmbedding
	}
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Cosine computes cosine similarity between two vectors. It returns
// BadPairSentinel on length mismatch, empty, or degenerate input.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return BadPairSentinel
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if math.Sqrt(na) < degenerateEpsilon || math.Sqrt(nb) < degenerateEpsilon {
		return BadPairSentinel
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// WeightedAverage combines vectors into a single normalized embedding,
// weighting each by its quality so higher-fidelity captures dominate.
// Non-positive weights and mismatched lengths are skipped.
func WeightedAverage(vectors []Vector, weights []float64) (Vector, error) {
	if len(vectors) == 0 || len(vectors) != len(weights) {
		return nil, ErrNoValidEmbeddings
	}
	dim := 0
	for _, v := range vectors {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil, ErrNoValidEmbeddings
	}

	acc := make([]float64, dim)
	var total float64
	for i, v := range vectors {
		if len(v) != dim || weights[i] <= 0 {
			continue
		}
		for j, x := range v {
			acc[j] += float64(x) * weights[i]
		}
		total += weights[i]
	}
	if total == 0 {
		return nil, ErrNoValidEmbeddings
	}

	out := make(Vector, dim)
	for j, x := range acc {
		out[j] = float32(x / total)
	}
	normalized, err := Normalize(out)
	if err != nil {
		return nil, err
	}
	return normalized, nil
}
