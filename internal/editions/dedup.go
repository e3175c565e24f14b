package editions

import (
	"sort"
	"time"

	"github.com/angelmondragon/edition-ledger/pkg/commerce"
	"github.com/angelmondragon/edition-ledger/pkg/enums"
)

// OrderRef is the persisted view of an order the deduplicator compares against.
type OrderRef struct {
	OrderID     string
	OrderName   string
	Source      enums.OrderSource
	LastChanged time.Time
}

// Rekey moves a persisted order's line items onto the record that won its name.
type Rekey struct {
	OrderName   string
	FromOrderID string
	ToOrderID   string
}

// Resolution is the outcome of collapsing a batch by order name.
type Resolution struct {
	// Canonical holds the incoming orders to ingest, one per name at most, with
	// ids normalized.
	Canonical []commerce.Order
	// Rekeys lists persisted orders superseded by the winning record.
	Rekeys []Rekey
	// Discarded lists incoming order ids that lost to another record or were
	// older than what is already stored.
	Discarded []string
	// Unresolved lists names served only by provisional records.
	Unresolved []string
}

type candidate struct {
	id          string
	canonical   bool
	lastChanged time.Time
	incoming    *commerce.Order
	persisted   bool
}

// beats reports whether a should win the name over b.
func (a candidate) beats(b candidate) bool {
	if a.canonical != b.canonical {
		return a.canonical
	}
	if !a.lastChanged.Equal(b.lastChanged) {
		return a.lastChanged.After(b.lastChanged)
	}
	return a.id > b.id
}

// Deduplicate collapses orders that share a name. A platform-canonical record
// always beats a provisional one; between records of the same kind the most
// recently updated wins, with the lexically larger id breaking ties.
func Deduplicate(batch []commerce.Order, existing []OrderRef) Resolution {
	groups := make(map[string]map[string]*candidate)
	group := func(name string) map[string]*candidate {
		g, ok := groups[name]
		if !ok {
			g = make(map[string]*candidate)
			groups[name] = g
		}
		return g
	}

	for _, ref := range existing {
		id, canonical := commerce.NormalizeOrderID(ref.OrderID)
		if ref.Source == enums.OrderSourceProvisional {
			canonical = false
		}
		group(ref.OrderName)[id] = &candidate{id: id, canonical: canonical, lastChanged: ref.LastChanged, persisted: true}
	}

	var res Resolution
	for i := range batch {
		order := batch[i]
		id, canonical := commerce.NormalizeOrderID(order.ID.String())
		order.ID = commerce.FlexID(id)
		g := group(order.Name)
		c, ok := g[id]
		if !ok {
			g[id] = &candidate{id: id, canonical: canonical, lastChanged: order.LastChanged(), incoming: &order}
			continue
		}
		// The same id twice: keep the fresher payload, never an older one.
		if c.incoming != nil && order.LastChanged().Before(c.incoming.LastChanged()) {
			continue
		}
		if c.incoming == nil && c.persisted && order.UpdatedAt != nil && order.UpdatedAt.Before(c.lastChanged) {
			res.Discarded = append(res.Discarded, id)
			continue
		}
		c.incoming = &order
		c.canonical = canonical
		if order.LastChanged().After(c.lastChanged) {
			c.lastChanged = order.LastChanged()
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := groups[name]
		ids := make([]string, 0, len(g))
		for id := range g {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var winner *candidate
		for _, id := range ids {
			if winner == nil || g[id].beats(*winner) {
				winner = g[id]
			}
		}

		if winner.incoming != nil {
			res.Canonical = append(res.Canonical, *winner.incoming)
		}
		if !winner.canonical {
			res.Unresolved = append(res.Unresolved, name)
		}
		for _, id := range ids {
			c := g[id]
			if c == winner {
				continue
			}
			if c.persisted {
				res.Rekeys = append(res.Rekeys, Rekey{OrderName: name, FromOrderID: c.id, ToOrderID: winner.id})
			}
			if c.incoming != nil {
				res.Discarded = append(res.Discarded, c.id)
			}
		}
	}
	return res
}
