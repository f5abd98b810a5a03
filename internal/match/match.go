package match

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the Euclidean distance below which two descriptors
// are considered the same person.
const DefaultThreshold = 0.6

var (
	// ErrDimensionMismatch is returned when the live and stored vectors differ in length.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")
	// ErrNoTemplate is returned when there is no stored template to compare against.
	ErrNoTemplate = errors.New("no enrolled template")
)

// Decision is the result of one comparison. Distance is kept for logging
// and metrics only.
type Decision struct {
	Match     bool
	Distance  float64
	Threshold float64
}

// Matcher compares a live descriptor against an enrolled template.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a matcher using threshold, or DefaultThreshold when
// threshold is not a positive number.
func NewMatcher(threshold float64) Matcher {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Compare decides whether live and template belong to the same face.
// A match requires distance < threshold; a distance equal to the threshold is rejected.
func (m Matcher) Compare(live, template []float32) (Decision, error) {
	if template == nil {
		return Decision{}, ErrNoTemplate
	}
	d, err := Distance(live, template)
	if err != nil {
		return Decision{}, err
	}
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Decision{Match: d < threshold, Distance: d, Threshold: threshold}, nil
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}
