package contractflow

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// FailedSuffix marks the failed variant of a step name.
const FailedSuffix = "_failed"

// CanonicalStep strips the failed suffix from a step name, if present.
func CanonicalStep(name string) string {
	return strings.TrimSuffix(name, FailedSuffix)
}

// FailedStep returns the failed variant of a step name.
func FailedStep(name string) string {
	return CanonicalStep(name) + FailedSuffix
}

// IsFailedStep reports whether name carries the failed suffix.
func IsFailedStep(name string) bool {
	return strings.HasSuffix(name, FailedSuffix)
}

// Step is one entry in a StepOrder.
type Step struct {
	// Name is the canonical step name.
	Name string

	// Percent is the progress reported once the step succeeds.
	// Zero means it is derived from the step's position.
	Percent int

	// Description is the human-readable progress message.
	Description string
}

// StepOrder is an immutable ordered sequence of steps.
// The zero value is an empty order; build one with NewStepOrder.
type StepOrder struct {
	steps []Step
	index map[string]int
}

// NewStepOrder validates steps and returns an order.
// Steps without a percent get round((i+1)/n*100).
func NewStepOrder(steps ...Step) (StepOrder, error) {
	if len(steps) == 0 {
		return StepOrder{}, ErrEmptyStepOrder
	}

	n := len(steps)
	out := make([]Step, n)
	index := make(map[string]int, n)
	prev := 0

	for i, s := range steps {
		if err := validateStepName(s.Name); err != nil {
			return StepOrder{}, &StepError{Step: s.Name, Op: "validate", Err: err}
		}
		if _, dup := index[s.Name]; dup {
			return StepOrder{}, &StepError{Step: s.Name, Op: "validate", Err: ErrDuplicateStep}
		}

		if s.Percent == 0 {
			s.Percent = int(math.Round(float64(i+1) / float64(n) * 100))
		}
		if s.Percent < 0 || s.Percent > 100 || s.Percent < prev {
			return StepOrder{}, &StepError{
				Step: s.Name,
				Op:   "validate",
				Err:  fmt.Errorf("%w: %d", ErrInvalidPercent, s.Percent),
			}
		}
		if s.Description == "" {
			s.Description = s.Name
		}

		prev = s.Percent
		index[s.Name] = i
		out[i] = s
	}

	return StepOrder{steps: out, index: index}, nil
}

// MustStepOrder is like NewStepOrder but panics on error.
// Use it for orders declared as package variables.
func MustStepOrder(steps ...Step) StepOrder {
	o, err := NewStepOrder(steps...)
	if err != nil {
		panic(err)
	}
	return o
}

// StepNames builds an order from bare names with derived percents.
func StepNames(names ...string) (StepOrder, error) {
	steps := make([]Step, len(names))
	for i, n := range names {
		steps[i] = Step{Name: n}
	}
	return NewStepOrder(steps...)
}

func validateStepName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStepName)
	}
	if IsFailedStep(name) {
		return fmt.Errorf("%w: %q ends with %s", ErrInvalidStepName, name, FailedSuffix)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidStepName, name)
	}
	return nil
}

// Len returns the number of steps.
func (o StepOrder) Len() int {
	return len(o.steps)
}

// Index returns the position of a canonical step name.
func (o StepOrder) Index(name string) (int, bool) {
	i, ok := o.index[name]
	return i, ok
}

// Step returns the step with the given canonical name.
func (o StepOrder) Step(name string) (Step, bool) {
	i, ok := o.index[name]
	if !ok {
		return Step{}, false
	}
	return o.steps[i], true
}

// At returns the step at position i.
func (o StepOrder) At(i int) Step {
	return o.steps[i]
}

// Steps returns a copy of the steps in order.
func (o StepOrder) Steps() []Step {
	out := make([]Step, len(o.steps))
	copy(out, o.steps)
	return out
}

// Names returns the step names in order.
func (o StepOrder) Names() []string {
	out := make([]string, len(o.steps))
	for i, s := range o.steps {
		out[i] = s.Name
	}
	return out
}

// Contains reports whether name, after stripping the failed suffix, is in the order.
func (o StepOrder) Contains(name string) bool {
	_, ok := o.index[CanonicalStep(name)]
	return ok
}

// Later returns whichever of a and b sits later in the order, comparing
// canonical positions. A failed variant ranks just below its completed form.
// Unknown names lose to known ones.
func (o StepOrder) Later(a, b string) string {
	ra, oka := o.rank(a)
	rb, okb := o.rank(b)
	switch {
	case !oka && !okb:
		return a
	case !oka:
		return b
	case !okb:
		return a
	case rb > ra:
		return b
	default:
		return a
	}
}

func (o StepOrder) rank(name string) (int, bool) {
	i, ok := o.index[CanonicalStep(name)]
	if !ok {
		return 0, false
	}
	if IsFailedStep(name) {
		return 2 * i, true
	}
	return 2*i + 1, true
}
