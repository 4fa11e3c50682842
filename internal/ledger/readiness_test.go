package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiyaku/internal/model"
)

func coreDecisions() []model.DecisionItem {
	items := make([]model.DecisionItem, 0, len(model.CoreDecisionKeys))
	for _, key := range model.CoreDecisionKeys {
		items = append(items, model.DecisionItem{
			DecisionKey:   key,
			Claim:         "settled: " + key,
			Status:        model.TrustUserSaid,
			DecisionState: model.DecisionConfirmed,
			EvidenceRefs:  []string{"turn:1"},
		})
	}
	return items
}

func TestEvaluateReadinessEmptyLedger(t *testing.T) {
	r := EvaluateReadiness(New(nil))

	assert.False(t, r.CanCommit)
	require.Len(t, r.Blockers, len(model.CoreDecisionKeys))
	for i, key := range model.CoreDecisionKeys {
		assert.Contains(t, r.Blockers[i], key)
	}
}

func TestEvaluateReadinessAllSatisfied(t *testing.T) {
	r := EvaluateReadiness(New(coreDecisions()))

	assert.True(t, r.CanCommit)
	assert.Empty(t, r.Blockers)
}

func TestEvaluateReadinessAssumedDoesNotCount(t *testing.T) {
	items := coreDecisions()
	items[2].Status = model.TrustAssumed

	r := EvaluateReadiness(New(items))

	assert.False(t, r.CanCommit)
	require.Len(t, r.Blockers, 1)
	assert.Contains(t, r.Blockers[0], items[2].DecisionKey)
	assert.Contains(t, r.Blockers[0], "ASSUMED")
}

func TestEvaluateReadinessProposedDoesNotCount(t *testing.T) {
	items := coreDecisions()
	items[0].DecisionState = model.DecisionProposed

	r := EvaluateReadiness(New(items))

	assert.False(t, r.CanCommit)
	require.Len(t, r.Blockers, 1)
	assert.Contains(t, r.Blockers[0], "not been confirmed")
}

func TestEvaluateReadinessConflictBlocksEvenWhenCoreSatisfied(t *testing.T) {
	items := append(coreDecisions(), model.DecisionItem{
		DecisionKey:   "notification_channel",
		Claim:         "email digests",
		Status:        model.TrustUserSaid,
		DecisionState: model.DecisionConfirmed,
		EvidenceRefs:  []string{"turn:4"},
		HasConflict:   true,
	})

	r := EvaluateReadiness(New(items))

	assert.False(t, r.CanCommit)
	require.Len(t, r.Blockers, 1)
	assert.True(t, strings.Contains(r.Blockers[0], "contradiction"),
		"conflict blocker must mention a contradiction: %q", r.Blockers[0])
}

func TestLedgerClassification(t *testing.T) {
	items := []model.DecisionItem{
		{DecisionKey: "b", Status: model.TrustUnknown},
		{DecisionKey: "a", Status: model.TrustUserSaid, EvidenceRefs: []string{"turn:1"}, LockState: model.LockLocked},
		{DecisionKey: "c", Status: model.TrustAssumed, EvidenceRefs: []string{"decision:x"}, HasConflict: true},
	}
	l := New(items)

	// Key ordering regardless of construction order.
	keys := make([]string, 0, l.Len())
	for _, item := range l.Items() {
		keys = append(keys, item.DecisionKey)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	assert.Len(t, l.ByStatus(model.TrustUserSaid), 1)
	assert.Len(t, l.MissingEvidence(), 1)
	assert.Equal(t, "b", l.MissingEvidence()[0].DecisionKey)
	assert.Len(t, l.Conflicted(), 1)
	assert.True(t, l.HasUnknown())

	c := l.Counts()
	assert.Equal(t, Counts{Total: 3, UserSaid: 1, Assumed: 1, Unknown: 1, Locked: 1, Conflict: 1}, c)
}
