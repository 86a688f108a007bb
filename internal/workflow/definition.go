package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/concord/internal/scheduler"
)

// PhaseDefinition declares one ordered stage of a workflow and the task that
// is submitted to reach consensus on it.
type PhaseDefinition struct {
	Name                 string             `json:"name" yaml:"name"`
	Description          string             `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredCapabilities []string           `json:"required_capabilities" yaml:"required_capabilities"`
	Strategy             scheduler.Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	PayloadSpec          string             `json:"payload_spec,omitempty" yaml:"payload_spec,omitempty"`
}

// Clone returns a deep copy of the phase.
func (p PhaseDefinition) Clone() PhaseDefinition {
	p.RequiredCapabilities = append([]string(nil), p.RequiredCapabilities...)
	return p
}

// Validate ensures the phase can be turned into a task.
func (p PhaseDefinition) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.RequiredCapabilities) == 0 {
		return fmt.Errorf("phase %s: required_capabilities must not be empty", p.Name)
	}
	switch p.Strategy {
	case "", scheduler.StrategySequential, scheduler.StrategyParallel:
	default:
		return fmt.Errorf("phase %s: strategy %q must be sequential or parallel", p.Name, p.Strategy)
	}
	return nil
}

// TaskSpec converts the phase into a scheduler submission.
func (p PhaseDefinition) TaskSpec(workflowID string, index int) scheduler.TaskSpec {
	return scheduler.TaskSpec{
		RequiredCapabilities: append([]string(nil), p.RequiredCapabilities...),
		Strategy:             p.Strategy,
		PayloadSpec:          p.PayloadSpec,
		Labels: map[string]string{
			"workflow_id": workflowID,
			"phase":       p.Name,
			"phase_index": fmt.Sprint(index),
		},
	}
}

// Definition declares a named, fixed, ordered list of phases.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []PhaseDefinition `json:"phases" yaml:"phases"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
	}
	if len(def.Phases) > 0 {
		clone.Phases = make([]PhaseDefinition, len(def.Phases))
		for i, phase := range def.Phases {
			clone.Phases[i] = phase.Clone()
		}
	}
	return clone
}

// Validate ensures the definition is self-consistent.
func (def Definition) Validate() error {
	if len(def.Phases) == 0 {
		return fmt.Errorf("workflow %s: at least one phase is required", def.label())
	}
	seen := map[string]struct{}{}
	for idx, phase := range def.Phases {
		if err := phase.Validate(); err != nil {
			return fmt.Errorf("workflow %s phase[%d]: %w", def.label(), idx, err)
		}
		if _, exists := seen[phase.Name]; exists {
			return fmt.Errorf("workflow %s: duplicate phase name %s", def.label(), phase.Name)
		}
		seen[phase.Name] = struct{}{}
	}
	return nil
}

// Normalized clones the definition, trims names, lowercases capabilities,
// defaults strategies, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		clone.Name = clone.ID
	}
	for i := range clone.Phases {
		phase := &clone.Phases[i]
		phase.Name = strings.TrimSpace(phase.Name)
		phase.Strategy = scheduler.Strategy(strings.ToLower(strings.TrimSpace(string(phase.Strategy))))
		if phase.Strategy == "" {
			phase.Strategy = scheduler.StrategySequential
		}
		phase.RequiredCapabilities = normalizeCapabilities(phase.RequiredCapabilities)
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// PhaseNames returns the phase names in order.
func (def Definition) PhaseNames() []string {
	names := make([]string, len(def.Phases))
	for i, phase := range def.Phases {
		names[i] = phase.Name
	}
	return names
}

func (def Definition) label() string {
	if def.ID != "" {
		return def.ID
	}
	if def.Name != "" {
		return def.Name
	}
	return "<unnamed>"
}

func normalizeCapabilities(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
