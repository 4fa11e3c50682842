// Package canonical computes the input fingerprint over intake turns and
// decision items. All functions are pure and deterministic: identical logical
// content yields an identical digest regardless of input ordering, which is
// what makes fingerprint-based version deduplication independent of read
// order from the store.
package canonical

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// Fingerprint version prefix. Length-prefixed field encoding avoids delimiter
// collisions when freeform text contains separator characters.
const fingerprintPrefix = "v1:"

// Fingerprint produces a versioned SHA-256 hex digest over the canonical form
// of the given turns and decisions. Inputs are not mutated.
func Fingerprint(turns []model.IntakeTurn, decisions []model.DecisionItem) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	sortedTurns := make([]model.IntakeTurn, len(turns))
	copy(sortedTurns, turns)
	sort.Slice(sortedTurns, func(i, j int) bool {
		return sortedTurns[i].TurnIndex < sortedTurns[j].TurnIndex
	})

	writeField("turns")
	writeField(strconv.Itoa(len(sortedTurns)))
	for _, t := range sortedTurns {
		writeField(strconv.Itoa(t.TurnIndex))
		writeField(strings.TrimSpace(t.RawText))
	}

	sortedDecisions := make([]model.DecisionItem, len(decisions))
	copy(sortedDecisions, decisions)
	sort.Slice(sortedDecisions, func(i, j int) bool {
		return sortedDecisions[i].DecisionKey < sortedDecisions[j].DecisionKey
	})

	writeField("decisions")
	writeField(strconv.Itoa(len(sortedDecisions)))
	for _, d := range sortedDecisions {
		writeField(d.DecisionKey)
		writeField(strings.TrimSpace(d.Claim))
		writeField(string(d.Status))
		writeField(string(d.DecisionState))
		writeField(string(d.LockState))
		writeField(strconv.FormatBool(d.HasConflict))

		refs := make([]string, len(d.EvidenceRefs))
		copy(refs, d.EvidenceRefs)
		sort.Strings(refs)
		writeField(strconv.Itoa(len(refs)))
		for _, ref := range refs {
			writeField(ref)
		}
	}

	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil))
}
