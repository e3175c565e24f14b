package commerce

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Problem describes one malformed element of a payload.
type Problem struct {
	OrderID    string `json:"orderId,omitempty"`
	LineItemID string `json:"lineItemId,omitempty"`
	RefundID   string `json:"refundId,omitempty"`
	Field      string `json:"field"`
	Reason     string `json:"reason"`
}

func (p Problem) String() string {
	return fmt.Sprintf("order=%s line_item=%s refund=%s %s %s", p.OrderID, p.LineItemID, p.RefundID, p.Field, p.Reason)
}

// Sanitize validates an order and returns a copy with malformed line items and
// refund lines removed. ok is false when the order header itself is unusable,
// in which case the whole order must be skipped.
func Sanitize(order Order) (clean Order, problems []Problem, ok bool) {
	if err := validate.Struct(order); err != nil {
		return Order{}, toProblems(err, func(p *Problem) { p.OrderID = order.ID.String() }), false
	}

	clean = order
	clean.LineItems = make([]LineItem, 0, len(order.LineItems))
	seen := make(map[FlexID]struct{}, len(order.LineItems))
	for _, item := range order.LineItems {
		if err := validate.Struct(item); err != nil {
			problems = append(problems, toProblems(err, func(p *Problem) {
				p.OrderID = order.ID.String()
				p.LineItemID = item.ID.String()
			})...)
			continue
		}
		if item.Price.IsNegative() {
			problems = append(problems, Problem{OrderID: order.ID.String(), LineItemID: item.ID.String(), Field: "price", Reason: "must not be negative"})
			continue
		}
		if _, dup := seen[item.ID]; dup {
			problems = append(problems, Problem{OrderID: order.ID.String(), LineItemID: item.ID.String(), Field: "id", Reason: "duplicate line item"})
			continue
		}
		seen[item.ID] = struct{}{}
		clean.LineItems = append(clean.LineItems, item)
	}

	clean.Refunds = make([]Refund, 0, len(order.Refunds))
	for _, refund := range order.Refunds {
		sane, refundProblems, refundOK := SanitizeRefund(refund)
		for i := range refundProblems {
			refundProblems[i].OrderID = order.ID.String()
		}
		problems = append(problems, refundProblems...)
		if refundOK {
			clean.Refunds = append(clean.Refunds, sane)
		}
	}
	return clean, problems, true
}

// SanitizeRefund validates a refund and drops malformed refund lines.
func SanitizeRefund(refund Refund) (Refund, []Problem, bool) {
	var problems []Problem
	if err := validate.Struct(refund); err != nil {
		return Refund{}, toProblems(err, func(p *Problem) { p.RefundID = refund.ID.String() }), false
	}
	clean := refund
	clean.RefundLineItems = make([]RefundLineItem, 0, len(refund.RefundLineItems))
	for _, line := range refund.RefundLineItems {
		if err := validate.Struct(line); err != nil {
			problems = append(problems, toProblems(err, func(p *Problem) { p.RefundID = refund.ID.String() })...)
			continue
		}
		clean.RefundLineItems = append(clean.RefundLineItems, line)
	}
	return clean, problems, true
}

func toProblems(err error, decorate func(*Problem)) []Problem {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		p := Problem{Field: "payload", Reason: err.Error()}
		decorate(&p)
		return []Problem{p}
	}
	out := make([]Problem, 0, len(errs))
	for _, fe := range errs {
		p := Problem{Field: fe.Field(), Reason: reason(fe)}
		decorate(&p)
		out = append(out, p)
	}
	return out
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	}
	return "is invalid"
}
