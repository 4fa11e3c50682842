package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiyaku/internal/model"
)

func sampleTurns() []model.IntakeTurn {
	return []model.IntakeTurn{
		{TurnIndex: 0, RawText: "I want to build a meal-planning app."},
		{TurnIndex: 1, RawText: "Subscriptions, not ads. "},
		{TurnIndex: 2, RawText: "Launch on iOS first."},
	}
}

func sampleDecisions() []model.DecisionItem {
	return []model.DecisionItem{
		{
			DecisionKey:  "business_type",
			Claim:        "Consumer subscription app",
			Status:       model.TrustUserSaid,
			EvidenceRefs: []string{"turn:b", "turn:a"},
			LockState:    model.LockLocked,
		},
		{
			DecisionKey:  "target_customer",
			Claim:        "Busy households",
			Status:       model.TrustAssumed,
			EvidenceRefs: []string{"turn:a"},
			LockState:    model.LockOpen,
		},
	}
}

func TestFingerprintStableUnderReordering(t *testing.T) {
	turns := sampleTurns()
	decisions := sampleDecisions()
	want := Fingerprint(turns, decisions)

	// Shuffle turns.
	shuffledTurns := []model.IntakeTurn{turns[2], turns[0], turns[1]}
	assert.Equal(t, want, Fingerprint(shuffledTurns, decisions))

	// Shuffle decisions and their evidence refs.
	shuffledDecisions := []model.DecisionItem{decisions[1], decisions[0]}
	shuffledDecisions[1].EvidenceRefs = []string{"turn:a", "turn:b"}
	assert.Equal(t, want, Fingerprint(turns, shuffledDecisions))
}

func TestFingerprintTrimsText(t *testing.T) {
	turns := sampleTurns()
	trimmed := sampleTurns()
	trimmed[1].RawText = strings.TrimSpace(trimmed[1].RawText)
	assert.Equal(t, Fingerprint(turns, nil), Fingerprint(trimmed, nil))
}

func TestFingerprintSensitivity(t *testing.T) {
	turns := sampleTurns()
	decisions := sampleDecisions()
	base := Fingerprint(turns, decisions)

	t.Run("claim text", func(t *testing.T) {
		changed := sampleDecisions()
		changed[0].Claim = "B2B subscription app"
		assert.NotEqual(t, base, Fingerprint(turns, changed))
	})

	t.Run("evidence ref", func(t *testing.T) {
		changed := sampleDecisions()
		changed[1].EvidenceRefs = []string{"turn:c"}
		assert.NotEqual(t, base, Fingerprint(turns, changed))
	})

	t.Run("status", func(t *testing.T) {
		changed := sampleDecisions()
		changed[1].Status = model.TrustUserSaid
		assert.NotEqual(t, base, Fingerprint(turns, changed))
	})

	t.Run("turn text", func(t *testing.T) {
		changed := sampleTurns()
		changed[0].RawText = "I want to build a budgeting app."
		assert.NotEqual(t, base, Fingerprint(changed, decisions))
	})
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Length-prefixed encoding must distinguish content that concatenates
	// identically across field boundaries.
	a := []model.IntakeTurn{{TurnIndex: 0, RawText: "ab"}, {TurnIndex: 1, RawText: "c"}}
	b := []model.IntakeTurn{{TurnIndex: 0, RawText: "a"}, {TurnIndex: 1, RawText: "bc"}}
	assert.NotEqual(t, Fingerprint(a, nil), Fingerprint(b, nil))
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint(nil, nil)
	require.True(t, strings.HasPrefix(fp, "v1:"))
	assert.Len(t, strings.TrimPrefix(fp, "v1:"), 64)
}
