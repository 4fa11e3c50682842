// Package manifest builds the hash-verifiable submission package for a
// committed contract version: one markdown file per role, a canonical
// manifest record, and a deflate-compressed archive of both.
//
// Rendering and hashing are pure; callers persist the result.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// RenderedDoc is one per-role markdown file plus its content hash.
type RenderedDoc struct {
	RoleID      int
	Filename    string
	Markdown    string
	ContentHash string
}

// Bundle is the fully rendered submission package, ready for archiving.
type Bundle struct {
	Manifest model.SubmissionManifest
	Docs     []RenderedDoc
}

// Build renders every document of a committed version, stamps per-document
// content hashes and the packet hash, and assembles the manifest record.
// Documents are processed in role order regardless of input ordering.
func Build(version model.ContractVersion, docs []model.GeneratedDoc, userID uuid.UUID, submittedAt time.Time) (Bundle, error) {
	sorted := make([]model.GeneratedDoc, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RoleID < sorted[j].RoleID })

	bundle := Bundle{
		Manifest: model.SubmissionManifest{
			RunID:                 uuid.New(),
			ProjectID:             version.ProjectID,
			CycleNo:               version.CycleNo,
			UserID:                userID,
			ContractVersionID:     version.ID,
			ContractVersionNumber: version.VersionNumber,
			SubmittedAt:           submittedAt.UTC(),
		},
	}

	for _, doc := range sorted {
		md := RenderMarkdown(doc)
		sum := sha256.Sum256([]byte(md))
		rendered := RenderedDoc{
			RoleID:      doc.RoleID,
			Filename:    fmt.Sprintf("%02d-%s.md", doc.RoleID, slugify(doc.Title)),
			Markdown:    md,
			ContentHash: hex.EncodeToString(sum[:]),
		}
		bundle.Docs = append(bundle.Docs, rendered)
		bundle.Manifest.Documents = append(bundle.Manifest.Documents, model.ManifestDoc{
			RoleID:      doc.RoleID,
			Title:       doc.Title,
			ClaimCount:  len(doc.Claims),
			ContentHash: rendered.ContentHash,
		})
	}

	packetHash, err := computePacketHash(version, bundle.Manifest.Documents)
	if err != nil {
		return Bundle{}, err
	}
	bundle.Manifest.PacketHash = packetHash
	return bundle, nil
}

// RenderMarkdown produces the export markdown for one document: title, body,
// and a Claims section with one trust-labeled, provenance-suffixed line per
// claim in claim order.
func RenderMarkdown(doc model.GeneratedDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %d. %s\n\n", doc.RoleID, doc.Title)
	b.WriteString(doc.Body)
	b.WriteString("\n\n## Claims\n")
	for _, claim := range doc.Claims {
		fmt.Fprintf(&b, "- [%s] %s (provenance: %s)\n",
			claim.TrustLabel, claim.ClaimText, strings.Join(claim.ProvenanceRefs, ", "))
	}
	return b.String()
}

// packetHashInput is the canonical structure hashed into the packet hash.
// Field order is fixed; encoding/json emits struct fields in declaration
// order, so the serialization is deterministic.
type packetHashInput struct {
	ProjectID         uuid.UUID           `json:"project_id"`
	CycleNo           int                 `json:"cycle_no"`
	ContractVersionID uuid.UUID           `json:"contract_version_id"`
	Documents         []model.ManifestDoc `json:"documents"`
}

func computePacketHash(version model.ContractVersion, docs []model.ManifestDoc) (string, error) {
	payload, err := json.Marshal(packetHashInput{
		ProjectID:         version.ProjectID,
		CycleNo:           version.CycleNo,
		ContractVersionID: version.ID,
		Documents:         docs,
	})
	if err != nil {
		return "", fmt.Errorf("manifest: marshal packet hash input: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// StoragePath returns the deterministic archive path for a submission.
func StoragePath(userID uuid.UUID, m model.SubmissionManifest) string {
	return fmt.Sprintf("users/%s/projects/%s/cycles/%d/v%d/%s/%s.zip",
		userID, m.ProjectID, m.CycleNo, m.ContractVersionNumber,
		m.ContractVersionID, m.SubmittedAt.UTC().Format("20060102T150405Z"))
}

func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
