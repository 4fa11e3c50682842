package ledger

import (
	"fmt"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// Readiness is the result of evaluating whether a cycle may commit.
// Blockers are ordered: one per unsatisfied core decision (in core-key order),
// then one per conflicted item (in decision-key order).
type Readiness struct {
	CanCommit bool
	Blockers  []string
}

// EvaluateReadiness applies the commit-readiness rule to a ledger.
//
// A core decision is satisfied only when it is both confirmed and USER_SAID;
// an ASSUMED or still-proposed value does not count even if present. Any item
// with hasConflict=true blocks commit regardless of core coverage.
func EvaluateReadiness(l *Ledger) Readiness {
	var blockers []string

	for _, key := range model.CoreDecisionKeys {
		item, ok := l.ByKey(key)
		switch {
		case !ok:
			blockers = append(blockers, fmt.Sprintf("Core decision %q has not been captured yet", key))
		case item.Status != model.TrustUserSaid:
			blockers = append(blockers, fmt.Sprintf("Core decision %q is %s; it must be stated by the user", key, item.Status))
		case item.DecisionState != model.DecisionConfirmed:
			blockers = append(blockers, fmt.Sprintf("Core decision %q has not been confirmed", key))
		}
	}

	for _, item := range l.Conflicted() {
		blockers = append(blockers, fmt.Sprintf("Decision %q has an unresolved contradiction", item.DecisionKey))
	}

	return Readiness{CanCommit: len(blockers) == 0, Blockers: blockers}
}
