package embedding

// Source records how an embedding was produced.
type Source string

const (
	// SourceModel means the vector came from the real recognition model.
	SourceModel Source = "model"
	// SourceAggregate means the vector is a weighted average over captures.
	SourceAggregate Source = "aggregate"
	// SourceSynthetic means the vector is a fallback pseudo-random unit
	// vector. Downstream consumers must not treat it as a genuine face.
	SourceSynthetic Source = "synthetic"
)

// Result is an embedding together with its provenance and quality.
type Result struct {
	Vector  Vector
	Quality float64
	Source  Source
}

// Genuine reports whether the embedding is safe to use for a real
// attendance decision.
func (r Result) Genuine() bool {
	return r.Source != SourceSynthetic
}
