package enums

import "fmt"

// ProductFlagState records why a product needs operator or retry attention.
type ProductFlagState string

const (
	// ProductFlagFailed means a resequencing pass exhausted its retry budget.
	ProductFlagFailed ProductFlagState = "failed"
	// ProductFlagRequeued means a pass is owed: inputs changed, or a pass could
	// not start (lock wait or shutdown). It is cleared by the next committed pass.
	ProductFlagRequeued ProductFlagState = "requeued"
	// ProductFlagInvariantViolation means a committed sequence failed verification.
	ProductFlagInvariantViolation ProductFlagState = "invariant_violation"
)

var validProductFlagStates = []ProductFlagState{
	ProductFlagFailed,
	ProductFlagRequeued,
	ProductFlagInvariantViolation,
}

// String implements fmt.Stringer.
func (p ProductFlagState) String() string {
	return string(p)
}

// IsValid reports whether the value is a known ProductFlagState.
func (p ProductFlagState) IsValid() bool {
	for _, candidate := range validProductFlagStates {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseProductFlagState converts raw input into a ProductFlagState.
func ParseProductFlagState(value string) (ProductFlagState, error) {
	for _, candidate := range validProductFlagStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid product flag state %q", value)
}
