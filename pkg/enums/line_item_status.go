package enums

import "fmt"

// LineItemStatus is the derived edition disposition of a sold unit.
type LineItemStatus string

const (
	LineItemStatusActive   LineItemStatus = "active"
	LineItemStatusInactive LineItemStatus = "inactive"
)

var validLineItemStatuses = []LineItemStatus{
	LineItemStatusActive,
	LineItemStatusInactive,
}

// String implements fmt.Stringer.
func (l LineItemStatus) String() string {
	return string(l)
}

// IsValid reports whether the value is a known LineItemStatus.
func (l LineItemStatus) IsValid() bool {
	for _, candidate := range validLineItemStatuses {
		if candidate == l {
			return true
		}
	}
	return false
}

// ParseLineItemStatus converts raw input into a LineItemStatus.
func ParseLineItemStatus(value string) (LineItemStatus, error) {
	for _, candidate := range validLineItemStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid line item status %q", value)
}
