package editions

import (
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// ItemKey identifies a line item row; line item ids are only unique within an order.
type ItemKey struct {
	LineItemID string
	OrderID    string
}

// ItemSnapshot is the sequencer's view of one line item of a product.
type ItemSnapshot struct {
	Key           ItemKey
	Status        enums.LineItemStatus
	CreatedAt     time.Time
	EditionNumber *int
	EditionTotal  *int
}

// Assignment is the edition numbering a line item should carry.
type Assignment struct {
	Key           ItemKey
	EditionNumber *int
	EditionTotal  *int
}

// Sequence numbers a product's active items 1..N in chronological order and
// clears the numbering of inactive items. The result lists every input item,
// active ones first in edition order, followed by inactive ones in input order.
// It depends only on the snapshot.
func Sequence(items []ItemSnapshot) []Assignment {
	active := make([]ItemSnapshot, 0, len(items))
	inactive := make([]ItemSnapshot, 0)
	for _, item := range items {
		if item.Status == enums.LineItemStatusActive {
			active = append(active, item)
		} else {
			inactive = append(inactive, item)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return chronologicallyBefore(active[i], active[j])
	})

	total := len(active)
	out := make([]Assignment, 0, len(items))
	for i, item := range active {
		out = append(out, Assignment{Key: item.Key, EditionNumber: intPtr(i + 1), EditionTotal: intPtr(total)})
	}
	for _, item := range inactive {
		out = append(out, Assignment{Key: item.Key})
	}
	return out
}

// Diff returns the assignments that differ from the snapshot's current numbering.
func Diff(items []ItemSnapshot, assignments []Assignment) []Assignment {
	current := make(map[ItemKey]ItemSnapshot, len(items))
	for _, item := range items {
		current[item.Key] = item
	}
	var changed []Assignment
	for _, a := range assignments {
		item, ok := current[a.Key]
		if !ok || !equalIntPtr(item.EditionNumber, a.EditionNumber) || !equalIntPtr(item.EditionTotal, a.EditionTotal) {
			changed = append(changed, a)
		}
	}
	return changed
}

func chronologicallyBefore(a, b ItemSnapshot) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if c := compareIDs(a.Key.LineItemID, b.Key.LineItemID); c != 0 {
		return c < 0
	}
	return compareIDs(a.Key.OrderID, b.Key.OrderID) < 0
}

// compareIDs orders numeric ids by value and anything else lexically; numeric
// ids sort before non-numeric ones.
func compareIDs(a, b string) int {
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && bn:
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case an:
		return -1
	case bn:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func intPtr(v int) *int { return &v }

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
