package editions

import (
	"fmt"
	"sort"

	"github.com/angelmondragon/edition-ledger/pkg/db/models"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// Rules reported by CheckInvariants.
const (
	RuleGapless            = "gapless"
	RuleInactiveUnnumbered = "inactive_unnumbered"
	RuleChronological      = "chronological"
	RuleTotal              = "total"
	RuleCertificate        = "certificate"
)

// Violation is one broken ledger invariant.
type Violation struct {
	Rule       string `json:"rule"`
	LineItemID string `json:"lineItemId,omitempty"`
	OrderID    string `json:"orderId,omitempty"`
	Detail     string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (line_item=%s order=%s)", v.Rule, v.Detail, v.LineItemID, v.OrderID)
}

// CheckInvariants verifies a product's committed line items. It returns nil
// when the sequence is sound.
func CheckInvariants(items []models.LedgerLineItem) []Violation {
	var out []Violation
	active := make([]models.LedgerLineItem, 0, len(items))

	for _, item := range items {
		if !certificateTupleConsistent(item) {
			out = append(out, violation(RuleCertificate, item, "certificate token, url and issuedAt must be set together"))
		}
		if item.Status != enums.LineItemStatusActive {
			if item.EditionNumber != nil || item.EditionTotal != nil {
				out = append(out, violation(RuleInactiveUnnumbered, item, "inactive item carries an edition number or total"))
			}
			continue
		}
		if item.EditionNumber == nil {
			out = append(out, violation(RuleGapless, item, "active item has no edition number"))
			continue
		}
		if !item.HasCertificate() {
			out = append(out, violation(RuleCertificate, item, "active item has no certificate"))
		}
		active = append(active, item)
	}

	total := len(active)
	sort.SliceStable(active, func(i, j int) bool {
		return *active[i].EditionNumber < *active[j].EditionNumber
	})
	for i, item := range active {
		if want := i + 1; *item.EditionNumber != want {
			out = append(out, violation(RuleGapless, item, fmt.Sprintf("edition %d where %d was expected", *item.EditionNumber, want)))
		}
		if item.EditionTotal == nil || *item.EditionTotal != total {
			out = append(out, violation(RuleTotal, item, fmt.Sprintf("edition total does not match %d active items", total)))
		}
		if i > 0 && chronologicallyBefore(snapshotOf(item), snapshotOf(active[i-1])) {
			out = append(out, violation(RuleChronological, item, fmt.Sprintf("edition %d predates edition %d", *item.EditionNumber, *active[i-1].EditionNumber)))
		}
	}
	return out
}

func certificateTupleConsistent(item models.LedgerLineItem) bool {
	set := 0
	if item.CertificateToken != nil {
		set++
	}
	if item.CertificateURL != nil {
		set++
	}
	if item.CertificateIssuedAt != nil {
		set++
	}
	return set == 0 || set == 3
}

func violation(rule string, item models.LedgerLineItem, detail string) Violation {
	return Violation{Rule: rule, LineItemID: item.LineItemID, OrderID: item.OrderID, Detail: detail}
}

func snapshotOf(item models.LedgerLineItem) ItemSnapshot {
	return ItemSnapshot{
		Key:           ItemKey{LineItemID: item.LineItemID, OrderID: item.OrderID},
		Status:        item.Status,
		CreatedAt:     item.CreatedAt,
		EditionNumber: item.EditionNumber,
		EditionTotal:  item.EditionTotal,
	}
}
