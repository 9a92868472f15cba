package policy_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shipline/internal/policy"
)

func TestAppliesTo(t *testing.T) {
	p := policy.Defaults().Policies[0] // require_e2e_for_add
	if !p.AppliesTo("add") {
		t.Fatalf("expected policy to apply to add")
	}
	if p.AppliesTo("fix") {
		t.Fatalf("expected policy to skip fix")
	}
	disabled := p
	off := false
	disabled.Enabled = &off
	if disabled.AppliesTo("add") {
		t.Fatalf("disabled policy should not apply")
	}
	anyType := policy.Policy{Name: "anything", Type: "change_type"}
	if !anyType.AppliesTo("remove") {
		t.Fatalf("policy without change_types should apply to every type")
	}
}

func TestChangeTypeValidation(t *testing.T) {
	p := policy.Defaults().Policies[0]
	ok := p.Validate(policy.Input{
		ChangeType:    "add",
		PipelineSteps: []string{"build", "e2e_test", "integration_test"},
	})
	if ok != nil {
		t.Fatalf("expected pass, got %v", ok)
	}

	v := p.Validate(policy.Input{ChangeType: "add", PipelineSteps: []string{"build"}})
	if v == nil {
		t.Fatalf("expected violation for missing steps")
	}
	if !strings.Contains(v.Message, "Missing required steps") {
		t.Fatalf("unexpected message: %s", v.Message)
	}
	missing, _ := v.Details["missing_steps"].([]string)
	if len(missing) != 2 {
		t.Fatalf("expected both steps missing: %#v", v.Details["missing_steps"])
	}

	v = p.Validate(policy.Input{ChangeType: "add"})
	if v == nil || !strings.Contains(v.Message, "no pipeline steps provided") {
		t.Fatalf("expected no-steps violation, got %v", v)
	}
}

func TestEvolutionCountValidation(t *testing.T) {
	on := true
	p := policy.Policy{Name: "min_two_evolutions", Type: "evolution_count", Enabled: &on, MinEvolutions: 2}
	if v := p.Validate(policy.Input{ChangeID: "FEAT-1", EvolutionCount: 2}); v != nil {
		t.Fatalf("expected pass at minimum, got %v", v)
	}
	v := p.Validate(policy.Input{ChangeID: "FEAT-1", EvolutionCount: 1})
	if v == nil {
		t.Fatalf("expected violation under minimum")
	}
	if v.Message != "Insufficient evolutions: 1/2" {
		t.Fatalf("unexpected message: %s", v.Message)
	}
	if v.Details["change_id"] != "FEAT-1" {
		t.Fatalf("unexpected details: %#v", v.Details)
	}
}

func TestValidateAllCollects(t *testing.T) {
	set := policy.Set{Policies: []policy.Policy{
		{Name: "first", Type: "change_type", RequiredSteps: []string{"a"}},
		{Name: "second", Type: "change_type", RequiredSteps: []string{"b"}},
	}}
	violations := set.ValidateAll(policy.Input{ChangeType: "add", PipelineSteps: []string{"c"}})
	if len(violations) != 2 {
		t.Fatalf("expected both violations collected, got %d", len(violations))
	}
}

func TestCheckEvolutionStartStopsAtFirst(t *testing.T) {
	set := policy.Set{Policies: []policy.Policy{
		{Name: "first", Type: "change_type", RequiredSteps: []string{"a"}},
		{Name: "second", Type: "change_type", RequiredSteps: []string{"b"}},
	}}
	err := set.CheckEvolutionStart(policy.Input{ChangeType: "add", PipelineSteps: []string{"c"}})
	if err == nil {
		t.Fatalf("expected violation error")
	}
	v, ok := policy.AsViolation(err)
	if !ok {
		t.Fatalf("expected violation, got %T", err)
	}
	if v.PolicyName != "first" {
		t.Fatalf("expected first policy to abort, got %s", v.PolicyName)
	}
	if !strings.HasPrefix(err.Error(), "first: ") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	var generic error = v
	if !errors.As(generic, &v) {
		t.Fatalf("violation should match errors.As")
	}
}

func TestDefaultsShape(t *testing.T) {
	set := policy.Defaults()
	if len(set.Policies) != 3 {
		t.Fatalf("expected three default policies, got %d", len(set.Policies))
	}
	byName := map[string]policy.Policy{}
	for _, p := range set.Policies {
		byName[p.Name] = p
	}
	if !byName["require_e2e_for_add"].IsEnabled() || !byName["require_security_scan_for_fix"].IsEnabled() {
		t.Fatalf("change_type defaults should be enabled")
	}
	if byName["min_two_evolutions"].IsEnabled() {
		t.Fatalf("min_two_evolutions ships disabled")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")

	set, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(set.Policies) != 3 {
		t.Fatalf("missing file should yield defaults")
	}

	doc := `policies:
  - name: require_perf_for_change
    type: change_type
    change_types: [change]
    required_steps: [perf_test]
  - name: strict_minimum
    type: evolution_count
    enabled: false
    min_evolutions: 3
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err = policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Policies) != 2 {
		t.Fatalf("file should replace defaults, got %d policies", len(set.Policies))
	}
	if !set.Policies[0].IsEnabled() {
		t.Fatalf("omitted enabled should default to true")
	}
	if set.Policies[1].IsEnabled() {
		t.Fatalf("explicit enabled false should stick")
	}
}
