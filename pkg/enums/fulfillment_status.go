package enums

import "strings"

// FulfillmentStatus mirrors the commerce platform's fulfillment_status on orders and line items.
// The platform reports an unfulfilled item as null, which normalizes to the empty value.
type FulfillmentStatus string

const (
	FulfillmentStatusNone      FulfillmentStatus = ""
	FulfillmentStatusPartial   FulfillmentStatus = "partial"
	FulfillmentStatusFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentStatusRestocked FulfillmentStatus = "restocked"
)

// NormalizeFulfillmentStatus lowercases and trims raw platform input. Some
// payloads spell the null status out as "unfulfilled".
func NormalizeFulfillmentStatus(value string) FulfillmentStatus {
	status := FulfillmentStatus(strings.ToLower(strings.TrimSpace(value)))
	if status == "unfulfilled" {
		return FulfillmentStatusNone
	}
	return status
}

// String implements fmt.Stringer.
func (f FulfillmentStatus) String() string {
	return string(f)
}

// IsFulfilled reports whether the unit has shipped.
func (f FulfillmentStatus) IsFulfilled() bool {
	return f == FulfillmentStatusFulfilled
}

// IsValid reports whether the status is one the platform emits for line items.
func (f FulfillmentStatus) IsValid() bool {
	switch f {
	case FulfillmentStatusNone, FulfillmentStatusPartial, FulfillmentStatusFulfilled, FulfillmentStatusRestocked:
		return true
	}
	return false
}
