package editions

import (
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

var seqBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func snap(id string, minute int, status enums.LineItemStatus) ItemSnapshot {
	return ItemSnapshot{
		Key:       ItemKey{LineItemID: id, OrderID: "o-" + id},
		Status:    status,
		CreatedAt: seqBase.Add(time.Duration(minute) * time.Minute),
	}
}

func numbering(assignments []Assignment) map[string]*int {
	out := make(map[string]*int, len(assignments))
	for _, a := range assignments {
		out[a.Key.LineItemID] = a.EditionNumber
	}
	return out
}

func TestSequenceNumbersActiveChronologically(t *testing.T) {
	got := Sequence([]ItemSnapshot{
		snap("C", 3, enums.LineItemStatusActive),
		snap("A", 1, enums.LineItemStatusActive),
		snap("B", 2, enums.LineItemStatusActive),
	})

	require.Len(t, got, 3)
	nums := numbering(got)
	assert.Equal(t, 1, *nums["A"])
	assert.Equal(t, 2, *nums["B"])
	assert.Equal(t, 3, *nums["C"])
	for _, a := range got {
		assert.Equal(t, 3, *a.EditionTotal)
	}
}

func TestSequenceRestockContractsSequence(t *testing.T) {
	got := Sequence([]ItemSnapshot{
		snap("A", 1, enums.LineItemStatusActive),
		snap("B", 2, enums.LineItemStatusInactive),
		snap("C", 3, enums.LineItemStatusActive),
	})

	nums := numbering(got)
	assert.Equal(t, 1, *nums["A"])
	assert.Nil(t, nums["B"])
	assert.Equal(t, 2, *nums["C"])
	for _, a := range got {
		if a.Key.LineItemID == "B" {
			assert.Nil(t, a.EditionTotal)
			continue
		}
		assert.Equal(t, 2, *a.EditionTotal)
	}
}

func TestSequenceReactivationReflowsLaterEditions(t *testing.T) {
	before := []ItemSnapshot{
		snap("A", 1, enums.LineItemStatusActive),
		snap("B", 2, enums.LineItemStatusInactive),
		snap("C", 3, enums.LineItemStatusActive),
	}
	for _, a := range Sequence(before) {
		for i := range before {
			if before[i].Key == a.Key {
				before[i].EditionNumber = a.EditionNumber
				before[i].EditionTotal = a.EditionTotal
			}
		}
	}

	before[1].Status = enums.LineItemStatusActive
	after := Sequence(before)
	nums := numbering(after)
	assert.Equal(t, 1, *nums["A"])
	assert.Equal(t, 2, *nums["B"])
	assert.Equal(t, 3, *nums["C"])

	changed := Diff(before, after)
	ids := make([]string, 0, len(changed))
	for _, c := range changed {
		ids = append(ids, c.Key.LineItemID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestSequenceTieBreaksOnNumericLineItemID(t *testing.T) {
	got := Sequence([]ItemSnapshot{
		snap("10", 0, enums.LineItemStatusActive),
		snap("9", 0, enums.LineItemStatusActive),
		snap("x1", 0, enums.LineItemStatusActive),
	})
	nums := numbering(got)
	assert.Equal(t, 1, *nums["9"])
	assert.Equal(t, 2, *nums["10"])
	assert.Equal(t, 3, *nums["x1"])
}

func TestSequenceEmptyAndAllInactive(t *testing.T) {
	assert.Empty(t, Sequence(nil))

	got := Sequence([]ItemSnapshot{snap("A", 1, enums.LineItemStatusInactive)})
	require.Len(t, got, 1)
	assert.Nil(t, got[0].EditionNumber)
	assert.Nil(t, got[0].EditionTotal)
}

func TestDiffSkipsUnchanged(t *testing.T) {
	items := []ItemSnapshot{
		{Key: ItemKey{LineItemID: "A"}, Status: enums.LineItemStatusActive, CreatedAt: seqBase, EditionNumber: intPtr(1), EditionTotal: intPtr(1)},
	}
	assert.Empty(t, Diff(items, Sequence(items)))
}

type genItem struct {
	Minute int
	Active bool
}

func snapshotsFrom(raw []genItem) []ItemSnapshot {
	out := make([]ItemSnapshot, len(raw))
	for i, r := range raw {
		status := enums.LineItemStatusInactive
		if r.Active {
			status = enums.LineItemStatusActive
		}
		out[i] = snap(fmt.Sprintf("%d", i+1), r.Minute, status)
	}
	return out
}

func genItems() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflect.TypeOf(genItem{}), map[string]gopter.Gen{
		"Minute": gen.IntRange(0, 30),
		"Active": gen.Bool(),
	}))
}

func TestSequenceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("active editions are exactly 1..N", prop.ForAll(
		func(raw []genItem) bool {
			items := snapshotsFrom(raw)
			seen := map[int]bool{}
			active := 0
			for _, a := range Sequence(items) {
				if a.EditionNumber == nil {
					continue
				}
				active++
				if seen[*a.EditionNumber] {
					return false
				}
				seen[*a.EditionNumber] = true
			}
			for n := 1; n <= active; n++ {
				if !seen[n] {
					return false
				}
			}
			return true
		},
		genItems(),
	))

	properties.Property("inactive items carry no numbering", prop.ForAll(
		func(raw []genItem) bool {
			items := snapshotsFrom(raw)
			status := map[ItemKey]enums.LineItemStatus{}
			for _, it := range items {
				status[it.Key] = it.Status
			}
			for _, a := range Sequence(items) {
				inactive := status[a.Key] != enums.LineItemStatusActive
				if inactive != (a.EditionNumber == nil) || inactive != (a.EditionTotal == nil) {
					return false
				}
			}
			return true
		},
		genItems(),
	))

	properties.Property("editions follow ledger entry order", prop.ForAll(
		func(raw []genItem) bool {
			items := snapshotsFrom(raw)
			byKey := map[ItemKey]ItemSnapshot{}
			for _, it := range items {
				byKey[it.Key] = it
			}
			var numbered []Assignment
			for _, a := range Sequence(items) {
				if a.EditionNumber != nil {
					numbered = append(numbered, a)
				}
			}
			sort.Slice(numbered, func(i, j int) bool { return *numbered[i].EditionNumber < *numbered[j].EditionNumber })
			for i := 1; i < len(numbered); i++ {
				if chronologicallyBefore(byKey[numbered[i].Key], byKey[numbered[i-1].Key]) {
					return false
				}
			}
			return true
		},
		genItems(),
	))

	properties.Property("input order does not change the result", prop.ForAll(
		func(raw []genItem) bool {
			items := snapshotsFrom(raw)
			reversed := make([]ItemSnapshot, len(items))
			for i := range items {
				reversed[len(items)-1-i] = items[i]
			}
			a, b := numbering(Sequence(items)), numbering(Sequence(reversed))
			for id, n := range a {
				if !equalIntPtr(n, b[id]) {
					return false
				}
			}
			return len(a) == len(b)
		},
		genItems(),
	))

	properties.TestingRun(t)
}
