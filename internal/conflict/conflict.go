// Package conflict resolves entities that changed in both trees since their
// last sync, using the deployment's configured strategy.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/concord/internal/tree"
)

var (
	ErrUnknownConflict          = errors.New("conflict: unknown conflict")
	ErrUnresolvedManualConflict = errors.New("conflict: unresolved manual conflict")
	ErrNotConflicting           = errors.New("conflict: entity did not change on both sides")
	ErrUnknownStrategy          = errors.New("conflict: unknown strategy")
	ErrInvalidFilter            = errors.New("conflict: invalid status filter")
)

// Severity ranks how dangerous an unresolved divergence is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Status is the conflict lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Filter values accepted by Conflicts.
const (
	FilterOpen     = "open"
	FilterResolved = "resolved"
	FilterAll      = "all"
)

// Change captures one side of a conflict.
type Change struct {
	Tree     tree.Kind `json:"tree"`
	Version  string    `json:"version"`
	Revision int       `json:"revision"`
	Content  []byte    `json:"content,omitempty"`
	Removed  bool      `json:"removed,omitempty"`
}

// Conflict records a divergence that needs an external decision. Resolved
// conflicts stay in the table as an archive.
type Conflict struct {
	ID                 string    `json:"id"`
	EntityKey          string    `json:"entity_key"`
	SpecChange         Change    `json:"spec_change"`
	CodeChange         Change    `json:"code_change"`
	DetectedAt         time.Time `json:"detected_at"`
	Severity           Severity  `json:"severity"`
	Reasons            []string  `json:"reasons,omitempty"`
	Overlapping        []string  `json:"overlapping,omitempty"`
	Status             Status    `json:"status"`
	ResolutionStrategy string    `json:"resolution_strategy,omitempty"`
	ResolvedAt         time.Time `json:"resolved_at,omitempty"`
}

func (c Conflict) RecordKey() string    { return c.ID }
func (c Conflict) RecordStatus() string { return string(c.Status) }

// Open reports whether the conflict still blocks its entity.
func (c Conflict) Open() bool { return c.Status == StatusOpen }

// conflictID is entity@specRevision.codeRevision, the detector revisions seen
// when the conflict was raised.
func conflictID(key string, specRevision, codeRevision int) string {
	return fmt.Sprintf("%s@%d.%d", key, specRevision, codeRevision)
}

// ImpactFunc flags entities whose changes are high impact.
type ImpactFunc func(key string, fields map[string]string) bool

// PrefixImpact flags keys starting with any of prefixes.
func PrefixImpact(prefixes []string) ImpactFunc {
	return func(key string, _ map[string]string) bool {
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(key, prefix) {
				return true
			}
		}
		return false
	}
}

// AnyImpact combines predicates; any match flags the entity.
func AnyImpact(fns ...ImpactFunc) ImpactFunc {
	return func(key string, fields map[string]string) bool {
		for _, fn := range fns {
			if fn != nil && fn(key, fields) {
				return true
			}
		}
		return false
	}
}

var securityTerms = []string{"security", "permission", "credential", "secret", "token", "encryption", "access control"}

// Assess applies the severity rubric to the two sides of a divergence.
// Structural or security-relevant differences are critical, differing field
// content is high, metadata-only differences are medium, and formatting-only
// differences are low.
func Assess(key string, spec, code Change, highImpact ImpactFunc) (Severity, []string) {
	if spec.Removed || code.Removed {
		return SeverityCritical, []string{"entity removed on one side"}
	}
	specDoc := tree.ParseDocument(spec.Content)
	codeDoc := tree.ParseDocument(code.Content)
	if specDoc.Format != codeDoc.Format {
		return SeverityCritical, []string{"document format differs"}
	}
	specFields, codeFields := specDoc.Map(), codeDoc.Map()
	if added, removed := fieldSetDiff(specFields, codeFields); len(added)+len(removed) > 0 {
		return SeverityCritical, []string{fmt.Sprintf("field set differs (+%s -%s)", strings.Join(added, ","), strings.Join(removed, ","))}
	}
	if reason := securityRelevant(spec.Content, code.Content, specFields, codeFields); reason != "" {
		return SeverityCritical, []string{reason}
	}
	if highImpact != nil && (highImpact(key, specFields) || highImpact(key, codeFields)) {
		return SeverityCritical, []string{"high-impact entity"}
	}
	var differing []string
	var formatting []string
	for name, value := range specFields {
		other := codeFields[name]
		if value == other {
			continue
		}
		if strings.Join(strings.Fields(value), " ") == strings.Join(strings.Fields(other), " ") {
			formatting = append(formatting, name)
			continue
		}
		differing = append(differing, name)
	}
	sort.Strings(differing)
	sort.Strings(formatting)
	switch {
	case len(differing) > 0:
		return SeverityHigh, []string{"behavior differs in " + strings.Join(differing, ", ")}
	case string(specDoc.Front) != string(codeDoc.Front):
		return SeverityMedium, []string{"metadata differs"}
	}
	return SeverityLow, []string{"formatting differs in " + strings.Join(formatting, ", ")}
}

func fieldSetDiff(spec, code map[string]string) (added, removed []string) {
	for name := range code {
		if _, ok := spec[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range spec {
		if _, ok := code[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func securityRelevant(specContent, codeContent []byte, specFields, codeFields map[string]string) string {
	for _, content := range [][]byte{specContent, codeContent} {
		meta, _, err := tree.ParseFrontMatter(content)
		if err != nil {
			continue
		}
		if strings.EqualFold(meta.Impact, "critical") {
			return "marked critical impact"
		}
		for _, tag := range meta.Tags {
			if strings.EqualFold(tag, "security") {
				return "tagged security"
			}
		}
	}
	for name, value := range specFields {
		if value == codeFields[name] {
			continue
		}
		lower := strings.ToLower(name)
		for _, term := range securityTerms {
			if strings.Contains(lower, term) {
				return "security-relevant field " + name + " differs"
			}
		}
	}
	return ""
}
