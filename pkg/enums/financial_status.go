package enums

import "strings"

// FinancialStatus mirrors the commerce platform's order financial_status.
type FinancialStatus string

const (
	FinancialStatusPending           FinancialStatus = "pending"
	FinancialStatusAuthorized        FinancialStatus = "authorized"
	FinancialStatusPartiallyPaid     FinancialStatus = "partially_paid"
	FinancialStatusPaid              FinancialStatus = "paid"
	FinancialStatusPartiallyRefunded FinancialStatus = "partially_refunded"
	FinancialStatusRefunded          FinancialStatus = "refunded"
	FinancialStatusVoided            FinancialStatus = "voided"
	FinancialStatusExpired           FinancialStatus = "expired"
)

var knownFinancialStatuses = []FinancialStatus{
	FinancialStatusPending,
	FinancialStatusAuthorized,
	FinancialStatusPartiallyPaid,
	FinancialStatusPaid,
	FinancialStatusPartiallyRefunded,
	FinancialStatusRefunded,
	FinancialStatusVoided,
	FinancialStatusExpired,
}

// actionable statuses count a unit toward its product's edition sequence.
var actionableFinancialStatuses = []FinancialStatus{
	FinancialStatusPaid,
	FinancialStatusAuthorized,
	FinancialStatusPending,
	FinancialStatusPartiallyPaid,
}

// NormalizeFinancialStatus lowercases and trims raw platform input.
func NormalizeFinancialStatus(value string) FinancialStatus {
	return FinancialStatus(strings.ToLower(strings.TrimSpace(value)))
}

// String implements fmt.Stringer.
func (f FinancialStatus) String() string {
	return string(f)
}

// IsKnown reports whether the platform status is one this service recognises.
func (f FinancialStatus) IsKnown() bool {
	for _, candidate := range knownFinancialStatuses {
		if candidate == f {
			return true
		}
	}
	return false
}

// IsActionable reports whether the order's payment state keeps its units active.
func (f FinancialStatus) IsActionable() bool {
	for _, candidate := range actionableFinancialStatuses {
		if candidate == f {
			return true
		}
	}
	return false
}
