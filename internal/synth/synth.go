// Package synth produces the ten role documents for a contract version.
//
// The primary path asks an external generator for the full packet and treats
// its output as untrusted. Shape enforcement is the single place where an
// UntrustedDoc may become a model.GeneratedDoc: every field that fails an
// invariant is re-derived deterministically rather than passed through, so
// the synthesizer always returns exactly ten well-formed documents no matter
// how the generator misbehaves.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keiyaku/internal/ledger"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/telemetry"
)

// GenerateInput is the full evidence set handed to the external generator.
type GenerateInput struct {
	Roles     []model.RoleSpec
	Turns     []model.IntakeTurn
	Decisions []model.DecisionItem
	Rules     []string
}

// Generator is the external text-generator collaborator. Output is untrusted
// and fallible; any error or shape mismatch triggers the deterministic
// fallback within the same run.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) ([]model.UntrustedDoc, error)
}

// Rules is the explicit rule list included in every generator call.
var Rules = []string{
	"Produce exactly 10 documents, one per role_id 1..10.",
	"Label every claim USER_SAID, ASSUMED, or UNKNOWN.",
	"Link every claim to at least one provenance ref (turn:<id> or decision:<id>).",
	"Use the section headers Purpose, Key Decisions, Acceptance Criteria, Success Measures, Unknowns, Context, Builder Notes in that order.",
	"End Builder Notes with 3-6 bullet points.",
}

// Synthesizer produces role documents from the intake evidence.
type Synthesizer struct {
	gen     Generator
	logger  *slog.Logger
	latency metric.Float64Histogram
}

// New creates a Synthesizer. gen may be nil, in which case every document
// comes from the deterministic fallback.
func New(gen Generator, logger *slog.Logger) *Synthesizer {
	latency, err := telemetry.Meter("keiyaku/synth").Float64Histogram("generator.latency",
		metric.WithDescription("External generator call latency"),
		metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("failed to create generator latency histogram", "error", err)
	}
	return &Synthesizer{gen: gen, logger: logger, latency: latency}
}

// Synthesize returns exactly ten documents indexed by role 1..10, with claim
// indexes assigned and bodies fitted to each role's word budget. IDs and the
// owning contract version are assigned later by the commit path.
func (s *Synthesizer) Synthesize(ctx context.Context, turns []model.IntakeTurn, l *ledger.Ledger) []model.GeneratedDoc {
	var untrusted []model.UntrustedDoc
	if s.gen != nil {
		start := time.Now()
		generated, err := s.gen.Generate(ctx, GenerateInput{
			Roles:     model.Roles,
			Turns:     turns,
			Decisions: l.Items(),
			Rules:     Rules,
		})
		if s.latency != nil {
			s.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.Bool("generator.ok", err == nil)))
		}
		switch {
		case err != nil:
			s.logger.Warn("external generator failed, using deterministic fallback", "error", err)
		case len(generated) != model.RoleCount:
			s.logger.Warn("external generator returned wrong document count, using deterministic fallback",
				"count", len(generated))
		default:
			untrusted = generated
		}
	}

	return s.enforcePerRoleShape(untrusted, turns, l)
}

// enforcePerRoleShape converts untrusted documents into validated ones,
// synthesizing a full fallback document for any role the generator did not
// usably supply.
func (s *Synthesizer) enforcePerRoleShape(untrusted []model.UntrustedDoc, turns []model.IntakeTurn, l *ledger.Ledger) []model.GeneratedDoc {
	byRole := map[int]model.UntrustedDoc{}
	for _, doc := range untrusted {
		if _, ok := model.RoleByID(doc.RoleID); !ok {
			continue
		}
		if _, dup := byRole[doc.RoleID]; dup {
			continue // first occurrence wins
		}
		byRole[doc.RoleID] = doc
	}

	docs := make([]model.GeneratedDoc, 0, model.RoleCount)
	for roleID := 1; roleID <= model.RoleCount; roleID++ {
		role, _ := model.RoleByID(roleID)
		raw, ok := byRole[roleID]
		if !ok {
			docs = append(docs, s.fallbackDoc(role, turns, l))
			continue
		}
		docs = append(docs, s.normalizeDoc(role, raw, turns, l))
	}
	return docs
}

// normalizeDoc trims and defaults the supplied fields, re-deriving the claim
// set or body deterministically when the supplied ones are empty or invalid.
func (s *Synthesizer) normalizeDoc(role model.RoleSpec, raw model.UntrustedDoc, turns []model.IntakeTurn, l *ledger.Ledger) model.GeneratedDoc {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = role.Title
	}

	var claims []model.GeneratedClaim
	for _, rc := range raw.Claims {
		text := strings.TrimSpace(rc.ClaimText)
		if text == "" || len(rc.ProvenanceRefs) == 0 {
			continue // invalid claims are dropped, never passed through
		}
		claims = append(claims, model.GeneratedClaim{
			ClaimIndex:     len(claims),
			ClaimText:      text,
			TrustLabel:     model.NormalizeTrustLabel(rc.TrustLabel),
			ProvenanceRefs: rc.ProvenanceRefs,
		})
	}
	if len(claims) == 0 {
		claims = fallbackClaims(turns, l)
	}

	body := strings.TrimSpace(raw.Body)
	if body == "" {
		body = fallbackBody(role, claims, l)
	}
	body = FitBudget(body, role.HardMin, role.HardMax)

	return model.GeneratedDoc{
		RoleID:     role.RoleID,
		Title:      title,
		Body:       body,
		Claims:     claims,
		IsComplete: true,
	}
}

// fallbackDoc deterministically builds a complete document for one role from
// the decision ledger alone.
func (s *Synthesizer) fallbackDoc(role model.RoleSpec, turns []model.IntakeTurn, l *ledger.Ledger) model.GeneratedDoc {
	claims := fallbackClaims(turns, l)
	body := FitBudget(fallbackBody(role, claims, l), role.HardMin, role.HardMax)
	return model.GeneratedDoc{
		RoleID:     role.RoleID,
		Title:      role.Title,
		Body:       body,
		Claims:     claims,
		IsComplete: true,
	}
}

// fallbackClaims selects claims from the ledger in a fixed order: one
// USER_SAID if present, one ASSUMED if present, one UNKNOWN (synthesized when
// the ledger has none, referencing the first turn), and a second USER_SAID
// when a second exists.
func fallbackClaims(turns []model.IntakeTurn, l *ledger.Ledger) []model.GeneratedClaim {
	var claims []model.GeneratedClaim
	add := func(text string, label model.TrustLabel, refs []string) {
		claims = append(claims, model.GeneratedClaim{
			ClaimIndex:     len(claims),
			ClaimText:      text,
			TrustLabel:     label,
			ProvenanceRefs: refs,
		})
	}

	userSaid := l.ByStatus(model.TrustUserSaid)
	if len(userSaid) > 0 {
		add(userSaid[0].Claim, model.TrustUserSaid, decisionRefs(userSaid[0]))
	}
	if assumed := l.ByStatus(model.TrustAssumed); len(assumed) > 0 {
		add(assumed[0].Claim, model.TrustAssumed, decisionRefs(assumed[0]))
	}
	if unknown := l.ByStatus(model.TrustUnknown); len(unknown) > 0 {
		add(unknown[0].Claim, model.TrustUnknown, decisionRefs(unknown[0]))
	} else {
		ref := "turn:unknown"
		if len(turns) > 0 {
			ref = "turn:" + turns[0].ID.String()
		}
		add("At least one detail of this plan remains unresolved and needs follow-up with the founder.",
			model.TrustUnknown, []string{ref})
	}
	if len(userSaid) > 1 {
		add(userSaid[1].Claim, model.TrustUserSaid, decisionRefs(userSaid[1]))
	}

	return claims
}

// decisionRefs returns the provenance refs for a decision-backed claim:
// the decision pointer itself plus its evidence refs.
func decisionRefs(item model.DecisionItem) []string {
	refs := []string{"decision:" + item.ID.String()}
	return append(refs, item.EvidenceRefs...)
}

// fallbackBody renders the fixed-section body. Verbosity (two versus three
// bullet lines per section) follows the role's target word budget.
func fallbackBody(role model.RoleSpec, claims []model.GeneratedClaim, l *ledger.Ledger) string {
	lines := 2
	if role.HardMin >= 200 {
		lines = 3
	}

	counts := l.Counts()
	var b strings.Builder
	for _, header := range model.SectionHeaders {
		b.WriteString("## " + header + "\n")
		switch header {
		case "Purpose":
			b.WriteString(bulletLine(fmt.Sprintf("This document covers the %s perspective of the plan.", role.Title)) + "\n")
		case "Key Decisions":
			for i, claim := range claims {
				if i >= lines {
					break
				}
				b.WriteString(bulletLine(fmt.Sprintf("[%s] %s", claim.TrustLabel, claim.ClaimText)) + "\n")
			}
		case "Unknowns":
			b.WriteString(bulletLine(fmt.Sprintf("%d decision(s) remain unresolved.", counts.Unknown)) + "\n")
		case "Context":
			b.WriteString(bulletLine(fmt.Sprintf("Derived from %d tracked decision(s): %d stated, %d assumed.",
				counts.Total, counts.UserSaid, counts.Assumed)) + "\n")
		case "Builder Notes":
			b.WriteString(bulletLine(fmt.Sprintf("Treat every ASSUMED claim in %s as a default to verify.", role.Title)) + "\n")
			b.WriteString(bulletLine("Escalate UNKNOWN claims before implementation begins.") + "\n")
			b.WriteString(bulletLine("Keep provenance references intact when editing this document.") + "\n")
		default:
			for i := 0; i < lines; i++ {
				b.WriteString(bulletLine(fmt.Sprintf("%s item %d for %s, pending founder review.", header, i+1, role.Title)) + "\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
