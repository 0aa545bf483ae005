package safety

import "fmt"

// StrikeState is a user's accumulated strikes and sticky hold flag.
type StrikeState struct {
	Count int
	Hold  bool
}

// StrikeOutcome is the result of applying one severity to a StrikeState.
type StrikeOutcome struct {
	Increment int
	Next      StrikeState
	Escalated bool
}

// StrikeIncrement returns the strikes a severity adds.
func StrikeIncrement(sev Severity) int {
	switch sev {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityLow, SeverityCrisis:
		return 0
	}
	return 0
}

// ValidateThreshold rejects non-positive strike thresholds.
func ValidateThreshold(threshold int) error {
	if threshold <= 0 {
		return fmt.Errorf("%w: strike threshold must be positive, got %d", ErrInvalidConfig, threshold)
	}
	return nil
}

// Escalate applies sev to current. The hold trips when strikes reach threshold
// or on crisis, and never clears.
func Escalate(current StrikeState, sev Severity, threshold int) StrikeOutcome {
	inc := StrikeIncrement(sev)
	count := current.Count + inc
	hold := current.Hold || count >= threshold || sev == SeverityCrisis
	return StrikeOutcome{
		Increment: inc,
		Next:      StrikeState{Count: count, Hold: hold},
		Escalated: !current.Hold && hold,
	}
}
