// Package packet validates structural invariants across a ten-document
// contract packet. Validators are pure functions; the pipeline's consistency
// gate and the pre-flight run validator both build on them so that client and
// server enforce identical rules.
package packet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// Severity distinguishes blocking issues from informational ones.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityInfo  Severity = "info"
)

// Issue is one validation finding. Message strings are part of the observable
// contract; UI consumers match on them.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	RoleID   int      `json:"role_id,omitempty"`
}

// Result accumulates issues from a validation pass.
type Result struct {
	Issues []Issue `json:"issues"`
}

// IsValid reports whether no blocking issue was found.
func (r Result) IsValid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityBlock {
			return false
		}
	}
	return true
}

// Blocking returns only the blocking issues.
func (r Result) Blocking() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityBlock {
			out = append(out, issue)
		}
	}
	return out
}

// Validate checks the structural invariants of a packet of documents:
// role coverage 1..10 exactly once, and non-empty provenance on every claim.
// When decisionsHaveUnknown is true it additionally enforces unknown
// survival: unresolved ambiguity in the ledger may never be silently
// upgraded to certainty in the packet.
func Validate(docs []model.GeneratedDoc, decisionsHaveUnknown bool) Result {
	var res Result

	seen := map[int]int{}
	for _, doc := range docs {
		seen[doc.RoleID]++
	}

	var missing []int
	for roleID := 1; roleID <= model.RoleCount; roleID++ {
		if seen[roleID] == 0 {
			missing = append(missing, roleID)
		}
	}
	if len(missing) > 0 {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("Missing required roles: %s", joinInts(missing)),
		})
	}
	for _, roleID := range sortedKeys(seen) {
		if seen[roleID] > 1 {
			res.Issues = append(res.Issues, Issue{
				Severity: SeverityBlock,
				RoleID:   roleID,
				Message:  fmt.Sprintf("Role %d appears %d times; each role must appear exactly once", roleID, seen[roleID]),
			})
		}
	}

	unknownSurvived := false
	for _, doc := range docs {
		for _, claim := range doc.Claims {
			if len(claim.ProvenanceRefs) == 0 {
				res.Issues = append(res.Issues, Issue{
					Severity: SeverityBlock,
					RoleID:   doc.RoleID,
					Message:  fmt.Sprintf("Claim %d in role %d has missing provenance", claim.ClaimIndex, doc.RoleID),
				})
			}
			if claim.TrustLabel == model.TrustUnknown {
				unknownSurvived = true
			}
		}
	}

	if decisionsHaveUnknown && !unknownSurvived {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityBlock,
			Message:  "Ledger contains UNKNOWN decisions but no UNKNOWN claim survived into the packet",
		})
	}

	return res
}

// ValidateRun is the pre-flight validator over already-persisted documents.
// On top of Validate it enforces that every document belongs to exactly one
// contract version.
func ValidateRun(docs []model.GeneratedDoc, decisionsHaveUnknown bool) Result {
	res := Validate(docs, decisionsHaveUnknown)

	versions := map[uuid.UUID]bool{}
	for _, doc := range docs {
		versions[doc.ContractVersionID] = true
	}
	if len(versions) > 1 {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("Documents span %d contract versions; all documents must belong to one contract version", len(versions)),
		})
	}

	return res
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
