// Package dataset maps the prior cycle's fidelity score to a training
// sample-count range. Higher observed fidelity earns a larger dataset; a
// first run, or a weak prior, falls back to the configured minimum.
package dataset

// Range is an inclusive sample-count range handed to the trainer.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Target is the sample count the trainer should aim for.
func (r Range) Target() int {
	return r.Max
}

// Sizer holds the configured sample-count bounds.
type Sizer struct {
	MinSamples int
	MaxSamples int
}

// SizeFor returns the sample range for the given prior fidelity score.
// A nil prior means no cycle has completed yet; that biases toward safety
// with the minimum.
func (s Sizer) SizeFor(prior *float64) Range {
	if prior == nil {
		return Range{Min: s.MinSamples, Max: s.MinSamples}
	}
	switch {
	case *prior > 0.90:
		return Range{Min: s.MinSamples, Max: s.MaxSamples}
	case *prior >= 0.80:
		return Range{Min: s.MaxSamples / 2, Max: s.MaxSamples * 3 / 4}
	default:
		return Range{Min: s.MinSamples, Max: s.MinSamples}
	}
}
