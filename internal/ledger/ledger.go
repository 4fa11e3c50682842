// Package ledger provides the in-memory trust ledger over a cycle's decision
// items plus the commit-readiness evaluation. Everything here is pure; the
// pipeline and the HTTP/MCP surfaces build a Ledger from freshly read rows.
package ledger

import (
	"sort"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// Ledger is a classified view over the decision items of one cycle.
// Items are held in decision-key order regardless of construction order.
type Ledger struct {
	items []model.DecisionItem
}

// New builds a ledger from decision items in any order.
func New(items []model.DecisionItem) *Ledger {
	sorted := make([]model.DecisionItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DecisionKey < sorted[j].DecisionKey
	})
	return &Ledger{items: sorted}
}

// Items returns all decision items in decision-key order.
func (l *Ledger) Items() []model.DecisionItem {
	return l.items
}

// Len returns the number of decision items.
func (l *Ledger) Len() int {
	return len(l.items)
}

// ByStatus returns the items carrying the given trust label, in key order.
func (l *Ledger) ByStatus(status model.TrustLabel) []model.DecisionItem {
	var out []model.DecisionItem
	for _, item := range l.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	return out
}

// ByKey returns the item for a decision key, or false if absent.
func (l *Ledger) ByKey(key string) (model.DecisionItem, bool) {
	for _, item := range l.items {
		if item.DecisionKey == key {
			return item, true
		}
	}
	return model.DecisionItem{}, false
}

// MissingEvidence returns the items whose evidence-reference set is empty.
// Any such item blocks the AMBIGUITY gate.
func (l *Ledger) MissingEvidence() []model.DecisionItem {
	var out []model.DecisionItem
	for _, item := range l.items {
		if len(item.EvidenceRefs) == 0 {
			out = append(out, item)
		}
	}
	return out
}

// Conflicted returns the items flagged hasConflict. The flag is authoritative:
// the ledger never attempts automatic resolution between items sharing a key.
func (l *Ledger) Conflicted() []model.DecisionItem {
	var out []model.DecisionItem
	for _, item := range l.items {
		if item.HasConflict {
			out = append(out, item)
		}
	}
	return out
}

// Counts summarizes the ledger for stage audit records.
type Counts struct {
	Total    int `json:"total"`
	UserSaid int `json:"user_said"`
	Assumed  int `json:"assumed"`
	Unknown  int `json:"unknown"`
	Locked   int `json:"locked"`
	Conflict int `json:"conflict"`
}

// Counts tallies the ledger by trust label, lock state, and conflict flag.
func (l *Ledger) Counts() Counts {
	c := Counts{Total: len(l.items)}
	for _, item := range l.items {
		switch item.Status {
		case model.TrustUserSaid:
			c.UserSaid++
		case model.TrustAssumed:
			c.Assumed++
		case model.TrustUnknown:
			c.Unknown++
		}
		if item.LockState == model.LockLocked {
			c.Locked++
		}
		if item.HasConflict {
			c.Conflict++
		}
	}
	return c
}

// HasUnknown reports whether any item is UNKNOWN. When true, the consistency
// gate requires at least one UNKNOWN claim to survive into the packet.
func (l *Ledger) HasUnknown() bool {
	for _, item := range l.items {
		if item.Status == model.TrustUnknown {
			return true
		}
	}
	return false
}
