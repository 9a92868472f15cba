// Package policy enforces team rules on changes before evolutions may start.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Violation is returned when a policy rejects an operation. It is an error
// value so callers can match it with errors.As.
type Violation struct {
	PolicyName string         `json:"policy_name"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (v *Violation) Error() string {
	return v.PolicyName + ": " + v.Message
}

// AsViolation unwraps err into a *Violation when possible.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Policy is a single configurable rule. Type selects the check:
// "change_type" requires pipeline steps for matching change types,
// "evolution_count" requires a minimum number of evolutions per change.
type Policy struct {
	Name          string   `yaml:"name" json:"name"`
	Type          string   `yaml:"type" json:"type"`
	Enabled       *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ChangeTypes   []string `yaml:"change_types,omitempty" json:"change_types,omitempty"`
	RequiredSteps []string `yaml:"required_steps,omitempty" json:"required_steps,omitempty"`
	MinEvolutions int      `yaml:"min_evolutions,omitempty" json:"min_evolutions,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (p Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AppliesTo reports whether the policy constrains the given change type. A
// policy with no change_types applies to every type.
func (p Policy) AppliesTo(changeType string) bool {
	if !p.IsEnabled() {
		return false
	}
	if len(p.ChangeTypes) == 0 {
		return true
	}
	for _, t := range p.ChangeTypes {
		if t == changeType {
			return true
		}
	}
	return false
}

// Input carries the facts a policy evaluates.
type Input struct {
	ChangeType     string
	ChangeID       string
	GenerationID   string
	PipelineSteps  []string
	EvolutionCount int
}

// Validate checks the policy against the input. Nil means the policy is
// satisfied or does not apply.
func (p Policy) Validate(in Input) *Violation {
	if !p.AppliesTo(in.ChangeType) {
		return nil
	}
	switch p.Type {
	case "change_type":
		return p.validateSteps(in)
	case "evolution_count":
		if in.EvolutionCount < p.MinEvolutions {
			return &Violation{
				PolicyName: p.Name,
				Message:    fmt.Sprintf("Insufficient evolutions: %d/%d", in.EvolutionCount, p.MinEvolutions),
				Details: map[string]any{
					"min_required": p.MinEvolutions,
					"actual_count": in.EvolutionCount,
					"change_id":    in.ChangeID,
				},
			}
		}
	}
	return nil
}

func (p Policy) validateSteps(in Input) *Violation {
	if len(p.RequiredSteps) == 0 {
		return nil
	}
	if len(in.PipelineSteps) == 0 {
		return &Violation{
			PolicyName: p.Name,
			Message:    fmt.Sprintf("Required steps %s not found (no pipeline steps provided)", strings.Join(p.RequiredSteps, ", ")),
			Details: map[string]any{
				"required_steps": p.RequiredSteps,
				"change_type":    in.ChangeType,
			},
		}
	}
	present := map[string]bool{}
	for _, s := range in.PipelineSteps {
		present[s] = true
	}
	var missing []string
	for _, s := range p.RequiredSteps {
		if !present[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &Violation{
			PolicyName: p.Name,
			Message:    fmt.Sprintf("Missing required steps: %s", strings.Join(missing, ", ")),
			Details: map[string]any{
				"required_steps": p.RequiredSteps,
				"pipeline_steps": in.PipelineSteps,
				"missing_steps":  missing,
				"change_type":    in.ChangeType,
			},
		}
	}
	return nil
}

// Set is an ordered collection of policies.
type Set struct {
	Policies []Policy `yaml:"policies" json:"policies"`
}

// ValidateAll runs every policy and collects the violations. It never
// short-circuits; promotion reporting wants the full list.
func (s Set) ValidateAll(in Input) []*Violation {
	var violations []*Violation
	for _, p := range s.Policies {
		if v := p.Validate(in); v != nil {
			violations = append(violations, v)
		}
	}
	return violations
}

// CheckEvolutionStart aborts on the first violation. Starting an evolution
// stops at the first broken rule rather than reporting all of them.
func (s Set) CheckEvolutionStart(in Input) error {
	for _, p := range s.Policies {
		if v := p.Validate(in); v != nil {
			return v
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

// Defaults returns the built-in policy set.
func Defaults() Set {
	return Set{Policies: []Policy{
		{
			Name:          "require_e2e_for_add",
			Type:          "change_type",
			Enabled:       boolPtr(true),
			ChangeTypes:   []string{"add"},
			RequiredSteps: []string{"e2e_test", "integration_test"},
		},
		{
			Name:          "require_security_scan_for_fix",
			Type:          "change_type",
			Enabled:       boolPtr(true),
			ChangeTypes:   []string{"fix"},
			RequiredSteps: []string{"security_scan"},
		},
		{
			Name:          "min_two_evolutions",
			Type:          "evolution_count",
			Enabled:       boolPtr(false),
			MinEvolutions: 2,
		},
	}}
}

// Load reads the workspace policy file. A missing file yields the defaults;
// a present file replaces them entirely.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Set{}, err
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Set{}, fmt.Errorf("parse policies: %w", err)
	}
	return s, nil
}
