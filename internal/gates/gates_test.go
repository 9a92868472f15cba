package gates_test

import (
	"strings"
	"testing"

	"shipline/internal/domain"
	"shipline/internal/gates"
)

func snapshot(changes []domain.Change, evolutions []domain.Evolution) gates.Snapshot {
	return gates.Snapshot{
		Generation: domain.Generation{ID: "gen-1", Version: "v1.0.0", Status: "draft"},
		Changes:    changes,
		Evolutions: evolutions,
	}
}

func evalOne(t *testing.T, g gates.Gate, s gates.Snapshot) gates.Result {
	t.Helper()
	res := gates.Evaluate(s, []gates.Gate{g})
	if len(res) != 1 {
		t.Fatalf("expected one result, got %d", len(res))
	}
	return res[0]
}

func TestAllChangesProvenPasses(t *testing.T) {
	s := snapshot(
		[]domain.Change{
			{ID: "FEAT-1", Title: "feature one", Type: "add"},
			{ID: "FIX-2", Title: "fix two", Type: "fix"},
		},
		[]domain.Evolution{
			{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "pass"},
			{ID: "e2", ChangeID: "FIX-2", Tag: "v1.0.0-rc.2", Status: "pass"},
		},
	)
	res := evalOne(t, gates.AllChangesProven{}, s)
	if !res.Passed {
		t.Fatalf("expected pass: %s", res.Message)
	}
	if res.Message != "All 2 changes have PASS evolutions" {
		t.Fatalf("unexpected message: %s", res.Message)
	}
	if res.Gate != "all_changes_proven" {
		t.Fatalf("unexpected gate name: %s", res.Gate)
	}
}

func TestAllChangesProvenNamesUnprovenChange(t *testing.T) {
	s := snapshot(
		[]domain.Change{
			{ID: "FEAT-1", Title: "feature one", Type: "add"},
			{ID: "FEAT-2", Title: "feature two", Type: "add"},
		},
		[]domain.Evolution{
			{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "pass"},
			{ID: "e2", ChangeID: "FEAT-2", Tag: "v1.0.0-rc.2", Status: "fail"},
		},
	)
	res := evalOne(t, gates.AllChangesProven{}, s)
	if res.Passed {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Message, "FEAT-2") {
		t.Fatalf("message should name the unproven change: %s", res.Message)
	}
	unproven, ok := res.Details["unproven_changes"].([]string)
	if !ok || len(unproven) != 1 || unproven[0] != "FEAT-2" {
		t.Fatalf("unexpected unproven_changes: %#v", res.Details["unproven_changes"])
	}
	if res.Details["proven_changes"] != 1 {
		t.Fatalf("unexpected proven_changes: %#v", res.Details["proven_changes"])
	}
}

func TestAllChangesProvenEmptyGeneration(t *testing.T) {
	res := evalOne(t, gates.AllChangesProven{}, snapshot(nil, nil))
	if res.Passed {
		t.Fatalf("expected failure for empty generation")
	}
	if res.Message != "Generation has no changes" {
		t.Fatalf("unexpected message: %s", res.Message)
	}
}

func TestNoFailedEvolutions(t *testing.T) {
	changes := []domain.Change{{ID: "FEAT-1", Title: "feature", Type: "add"}}
	clean := snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "pass"},
	})
	res := evalOne(t, gates.NoFailedEvolutions{}, clean)
	if !res.Passed || res.Message != "No failed evolutions" {
		t.Fatalf("expected clean pass, got %s", res.Message)
	}

	dirty := snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "fail"},
		{ID: "e2", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.2", Status: "pass"},
	})
	res = evalOne(t, gates.NoFailedEvolutions{}, dirty)
	if res.Passed {
		t.Fatalf("expected failure with failed evolution present")
	}
	if !strings.Contains(res.Message, "v1.0.0-rc.1 (FEAT-1)") {
		t.Fatalf("message should list the failed tag: %s", res.Message)
	}
	if res.Details["count"] != 1 {
		t.Fatalf("unexpected count: %#v", res.Details["count"])
	}
}

func TestMinEvolutionsGate(t *testing.T) {
	g := gates.MinEvolutions{Min: 2}
	if g.Name() != "min_2_evolutions" {
		t.Fatalf("unexpected name: %s", g.Name())
	}
	changes := []domain.Change{{ID: "FEAT-1", Title: "feature", Type: "add"}}
	short := snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "pass"},
	})
	res := evalOne(t, g, short)
	if res.Passed {
		t.Fatalf("expected failure under minimum")
	}
	if !strings.Contains(res.Message, "FEAT-1 (1/2)") {
		t.Fatalf("unexpected message: %s", res.Message)
	}

	enough := snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.1", Status: "fail"},
		{ID: "e2", ChangeID: "FEAT-1", Tag: "v1.0.0-rc.2", Status: "pass"},
	})
	res = evalOne(t, g, enough)
	if !res.Passed {
		t.Fatalf("expected pass at minimum: %s", res.Message)
	}
	if res.Message != "All changes have at least 2 evolution(s)" {
		t.Fatalf("unexpected message: %s", res.Message)
	}
}

func TestHotfixGateSequence(t *testing.T) {
	g := gates.HotfixReady{}
	if g.Name() != "hotfix_gate" {
		t.Fatalf("unexpected name: %s", g.Name())
	}
	res := evalOne(t, g, snapshot(nil, nil))
	if res.Passed || res.Message != "No changes defined" {
		t.Fatalf("expected no-changes failure, got %s", res.Message)
	}

	changes := []domain.Change{{ID: "HOTFIX-1", Title: "urgent", Type: "fix"}}
	res = evalOne(t, g, snapshot(changes, nil))
	if res.Passed || res.Message != "Change HOTFIX-1 has no evolutions" {
		t.Fatalf("expected no-evolutions failure, got %s", res.Message)
	}

	res = evalOne(t, g, snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "HOTFIX-1", Tag: "v1.0.1-rc.1", Status: "fail"},
	}))
	if res.Passed || res.Message != "Change HOTFIX-1 has no passing evolution" {
		t.Fatalf("expected no-pass failure, got %s", res.Message)
	}

	res = evalOne(t, g, snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "HOTFIX-1", Tag: "v1.0.1-rc.1", Status: "pass"},
		{ID: "e2", ChangeID: "HOTFIX-1", Tag: "v1.0.1-rc.2", Status: "pending"},
	}))
	if res.Passed || res.Message != "Change HOTFIX-1 has pending evolutions" {
		t.Fatalf("expected pending failure, got %s", res.Message)
	}

	res = evalOne(t, g, snapshot(changes, []domain.Evolution{
		{ID: "e1", ChangeID: "HOTFIX-1", Tag: "v1.0.1-rc.1", Status: "pass"},
	}))
	if !res.Passed || res.Message != "Hot-fix ready for promotion" {
		t.Fatalf("expected ready, got %s", res.Message)
	}
}

func TestEvaluateRunsEveryGate(t *testing.T) {
	// one change, no evolutions: both default gates produce a result even
	// though the first already failed
	s := snapshot([]domain.Change{{ID: "FEAT-1", Title: "feature", Type: "add"}}, nil)
	res := gates.Evaluate(s, gates.Default())
	if len(res) != 2 {
		t.Fatalf("expected a result per gate, got %d", len(res))
	}
	if res[0].Gate != "all_changes_proven" || res[1].Gate != "no_failed_evolutions" {
		t.Fatalf("unexpected gate order: %s, %s", res[0].Gate, res[1].Gate)
	}
	if res[0].Passed {
		t.Fatalf("all_changes_proven should fail without evolutions")
	}
	if !res[1].Passed {
		t.Fatalf("no_failed_evolutions should pass without failures")
	}
}
