package market

import "fmt"

// Phase classifies an interval's accumulation/distribution character from
// the price-volume relationship. Every interval maps to exactly one phase.
type Phase int

const (
	// PhaseNeutral is the default when neither price nor volume gives a
	// clear signal, and the phase of empty intervals.
	PhaseNeutral Phase = iota

	// PhaseAccumulation: price up on volume well above the trailing average.
	PhaseAccumulation

	// PhaseDistribution: price down on volume well above the trailing average.
	PhaseDistribution

	// PhaseStealthAccumulation: price down on volume well below the trailing
	// average.
	PhaseStealthAccumulation

	// PhaseStealthDistribution: price up on volume well below the trailing
	// average.
	PhaseStealthDistribution
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseNeutral:
		return "neutral"
	case PhaseAccumulation:
		return "accumulation"
	case PhaseDistribution:
		return "distribution"
	case PhaseStealthAccumulation:
		return "stealth_accumulation"
	case PhaseStealthDistribution:
		return "stealth_distribution"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParsePhase parses a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "neutral":
		return PhaseNeutral, nil
	case "accumulation":
		return PhaseAccumulation, nil
	case "distribution":
		return PhaseDistribution, nil
	case "stealth_accumulation":
		return PhaseStealthAccumulation, nil
	case "stealth_distribution":
		return PhaseStealthDistribution, nil
	default:
		return PhaseNeutral, fmt.Errorf("unknown phase: %s", s)
	}
}

// AllPhases returns all phases in declaration order.
func AllPhases() []Phase {
	return []Phase{
		PhaseNeutral,
		PhaseAccumulation,
		PhaseDistribution,
		PhaseStealthAccumulation,
		PhaseStealthDistribution,
	}
}
