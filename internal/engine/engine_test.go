package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/gates"
	"shipline/internal/migrate"
	"shipline/internal/pipeline"
	"shipline/internal/policy"
	"shipline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Git    *fakeGit
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, &config.Config{Username: "tester", ExecutionMode: "local"})
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	g := &fakeGit{}
	eng.Git = g
	return testEnv{Engine: eng, Git: g, Ctx: context.Background()}
}

// fakeGit records created tags and can be told to refuse, like a workspace
// without a git repository.
type fakeGit struct {
	tags []string
	fail bool
}

func (g *fakeGit) Run(ctx context.Context, args ...string) (string, error) {
	if g.fail {
		return "fatal: not a git repository", errors.New("exit status 128")
	}
	if len(args) >= 3 && args[0] == "tag" {
		g.tags = append(g.tags, args[2])
	}
	return "", nil
}

type fakeExecutor struct {
	runs   []string
	report pipeline.Report
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, name string) (pipeline.Run, error) {
	if f.err != nil {
		return pipeline.Run{}, f.err
	}
	f.runs = append(f.runs, name)
	return pipeline.Run{ID: fmt.Sprintf("run-%d", len(f.runs)), Report: f.report}, nil
}

func failReport() pipeline.Report {
	return pipeline.Report{Runners: map[string]pipeline.RunnerResult{
		"ci": {Steps: map[string]pipeline.Step{"test": {Status: pipeline.StatusError}}},
	}}
}

func passReport() pipeline.Report {
	return pipeline.Report{Runners: map[string]pipeline.RunnerResult{
		"ci": {Steps: map[string]pipeline.Step{"test": {Status: pipeline.StatusSuccess}}},
	}}
}

func createGeneration(t *testing.T, env testEnv, ver string, changes ...engine.ChangeParams) domain.Generation {
	t.Helper()
	g, err := env.Engine.CreateGeneration(env.Ctx, engine.CreateGenerationParams{
		Version: ver,
		Changes: changes,
	})
	if err != nil {
		t.Fatalf("create generation %s: %v", ver, err)
	}
	return g
}

// proveChange drives one change to a passing evolution through the CI
// callback path.
func proveChange(t *testing.T, env testEnv, ver, changeID string, steps []string) domain.Evolution {
	t.Helper()
	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{
		Version: ver, ChangeID: changeID, Steps: steps, NoTag: true,
	})
	if err != nil {
		t.Fatalf("start evolution for %s: %v", changeID, err)
	}
	evo, err = env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "pass", "", "tester")
	if err != nil {
		t.Fatalf("complete evolution %s: %v", evo.Tag, err)
	}
	return evo
}

func TestCreateGenerationNormalizesAndAudits(t *testing.T) {
	env := newTestEnv(t)
	g := createGeneration(t, env, "1.2.0",
		engine.ChangeParams{ID: "c1", Type: "add", Title: "Search endpoint"},
		engine.ChangeParams{ID: "c2", Type: "fix", Title: "Pagination off-by-one"},
	)
	if g.Version != "v1.2.0" {
		t.Fatalf("version = %q", g.Version)
	}
	if g.Status != "draft" || g.SyncStatus != "not_synced" {
		t.Fatalf("generation = %+v", g)
	}
	if g.Codename == "" {
		t.Fatalf("expected an assigned codename")
	}
	if len(g.Changes) != 2 || g.Changes[0].Status != "pending" {
		t.Fatalf("changes = %+v", g.Changes)
	}

	evts, err := env.Engine.AuditTrail(env.Ctx, 10, events.GenerationCreated, "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("audit trail: %v (%d events)", err, len(evts))
	}
	if evts[0].ActorID != "tester" {
		t.Fatalf("actor = %q", evts[0].ActorID)
	}
}

func TestCreateGenerationRejectsDuplicateAndBadChange(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0")

	_, err := env.Engine.CreateGeneration(env.Ctx, engine.CreateGenerationParams{Version: "1.0.0"})
	if err == nil || err.Error() != "generation v1.0.0 already exists" {
		t.Fatalf("duplicate err = %v", err)
	}

	_, err = env.Engine.CreateGeneration(env.Ctx, engine.CreateGenerationParams{
		Version: "v1.1.0",
		Changes: []engine.ChangeParams{{ID: "c1", Type: "feature", Title: "x"}},
	})
	if err == nil || err.Error() != "invalid change type: feature" {
		t.Fatalf("bad change err = %v", err)
	}

	_, err = env.Engine.CreateGeneration(env.Ctx, engine.CreateGenerationParams{Version: "1.0"})
	if err == nil {
		t.Fatalf("expected invalid version error")
	}
}

func TestImportGenerationFromYAML(t *testing.T) {
	env := newTestEnv(t)
	contract := []byte(`
version: 2.0.0
description: Q2 contract
codename: granite
changes:
  - id: c1
    type: add
    title: Bulk export
    pipeline: nightly
`)
	g, err := env.Engine.ImportGeneration(env.Ctx, contract, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if g.Version != "v2.0.0" || g.Codename != "granite" {
		t.Fatalf("generation = %+v", g)
	}
	if len(g.Changes) != 1 || g.Changes[0].Pipeline == nil || *g.Changes[0].Pipeline != "nightly" {
		t.Fatalf("changes = %+v", g.Changes)
	}

	_, err = env.Engine.ImportGeneration(env.Ctx, []byte("description: no version"), "tester")
	if err == nil {
		t.Fatalf("expected version required error")
	}
}

func TestUpdateGenerationAndChangeSet(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})

	desc := "updated description"
	g, err := env.Engine.UpdateGeneration(env.Ctx, "1.0.0", engine.UpdateGenerationParams{Description: &desc})
	if err != nil || g.Description != desc {
		t.Fatalf("update: %v (%+v)", err, g)
	}

	c, err := env.Engine.AddChange(env.Ctx, "v1.0.0", engine.ChangeParams{ID: "c2", Type: "remove", Title: "Drop v1 API"}, "")
	if err != nil || c.ID != "c2" {
		t.Fatalf("add change: %v", err)
	}
	_, err = env.Engine.AddChange(env.Ctx, "v1.0.0", engine.ChangeParams{ID: "c2", Type: "add", Title: "dup"}, "")
	if err == nil {
		t.Fatalf("expected duplicate change error")
	}

	if err := env.Engine.RemoveChange(env.Ctx, "v1.0.0", "c2", ""); err != nil {
		t.Fatalf("remove change: %v", err)
	}
	if err := env.Engine.RemoveChange(env.Ctx, "v1.0.0", "c2", ""); err == nil {
		t.Fatalf("expected missing change error")
	}

	g, err = env.Engine.GetGeneration(env.Ctx, "v1.0.0")
	if err != nil || len(g.Changes) != 1 {
		t.Fatalf("final changes = %+v (%v)", g.Changes, err)
	}
}

func TestStartEvolutionSequencesTags(t *testing.T) {
	env := newTestEnv(t)
	g := createGeneration(t, env, "v1.2.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})

	evo1, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.2.0", ChangeID: "c1"})
	if err != nil {
		t.Fatalf("start rc.1: %v", err)
	}
	if evo1.Tag != "v1.2.0-rc.1" || evo1.Status != "pending" {
		t.Fatalf("evolution = %+v", evo1)
	}
	evo2, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.2.0", ChangeID: "c1"})
	if err != nil {
		t.Fatalf("start rc.2: %v", err)
	}
	if evo2.Tag != "v1.2.0-rc.2" {
		t.Fatalf("tag = %q", evo2.Tag)
	}
	if len(env.Git.tags) != 2 {
		t.Fatalf("git tags = %v", env.Git.tags)
	}

	g, err = env.Engine.GetGeneration(env.Ctx, g.Version)
	if err != nil || g.Changes[0].Status != "in_progress" {
		t.Fatalf("change status = %+v (%v)", g.Changes, err)
	}

	_, err = env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.2.0", ChangeID: "nope"})
	if err == nil || err.Error() != "change nope not found in generation v1.2.0" {
		t.Fatalf("missing change err = %v", err)
	}
}

func TestStartEvolutionEnforcesPolicies(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "add", Title: "Search"})

	_, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{
		Version: "v1.0.0", ChangeID: "c1", Steps: []string{"unit_test"},
	})
	v, ok := policy.AsViolation(err)
	if !ok {
		t.Fatalf("want policy violation, got %v", err)
	}
	if v.PolicyName != "require_e2e_for_add" {
		t.Fatalf("policy = %q: %s", v.PolicyName, v.Message)
	}

	evos, err := env.Engine.ListEvolutions(env.Ctx, "v1.0.0", repo.EvolutionFilters{})
	if err != nil || len(evos) != 0 {
		t.Fatalf("no evolution may be recorded, got %d (%v)", len(evos), err)
	}

	// Satisfying the required steps clears the gate.
	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{
		Version: "v1.0.0", ChangeID: "c1", Steps: []string{"e2e_test", "integration_test"},
	})
	if err != nil || evo.Tag != "v1.0.0-rc.1" {
		t.Fatalf("start with steps: %v", err)
	}
}

func TestProveRecordsPassAndFail(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth", Pipeline: "smoke"})

	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.0.0", ChangeID: "c1", NoTag: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := &fakeExecutor{report: passReport()}
	evo, err = env.Engine.Prove(env.Ctx, engine.ProveParams{Tag: evo.Tag, Executor: exec})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if evo.Status != "pass" || evo.CompletedAt == nil || evo.PipelineRunID == nil {
		t.Fatalf("evolution = %+v", evo)
	}
	if len(exec.runs) != 1 || exec.runs[0] != "smoke" {
		t.Fatalf("executed pipelines = %v", exec.runs)
	}
	g, _ := env.Engine.GetGeneration(env.Ctx, "v1.0.0")
	if g.Changes[0].Status != "done" {
		t.Fatalf("change status = %q", g.Changes[0].Status)
	}

	_, err = env.Engine.Prove(env.Ctx, engine.ProveParams{Tag: evo.Tag, Executor: exec})
	if err == nil || err.Error() != fmt.Sprintf("evolution %s already completed", evo.Tag) {
		t.Fatalf("re-prove err = %v", err)
	}

	// A failing report lands as fail, not as an error.
	evo2, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.0.0", ChangeID: "c1", NoTag: true})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	evo2, err = env.Engine.Prove(env.Ctx, engine.ProveParams{Tag: evo2.Tag, Executor: &fakeExecutor{report: failReport()}})
	if err != nil {
		t.Fatalf("prove fail report: %v", err)
	}
	if evo2.Status != "fail" {
		t.Fatalf("status = %q", evo2.Status)
	}

	evts, err := env.Engine.AuditTrail(env.Ctx, 10, events.EvolutionFailed, "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("failed events = %d (%v)", len(evts), err)
	}
}

func TestProveExecutorErrorMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.0.0", ChangeID: "c1", NoTag: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	boom := errors.New("runner unreachable")
	_, err = env.Engine.Prove(env.Ctx, engine.ProveParams{Tag: evo.Tag, Executor: &fakeExecutor{err: boom}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	evo, err = env.Engine.GetEvolution(env.Ctx, evo.Tag)
	if err != nil || evo.Status != "fail" {
		t.Fatalf("evolution = %+v (%v)", evo, err)
	}
}

func TestCompleteEvolutionValidatesStatus(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.0.0", ChangeID: "c1", NoTag: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "done", "", "tester")
	if err == nil || err.Error() != "status must be pass or fail" {
		t.Fatalf("err = %v", err)
	}

	evo, err = env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "pass", "ci-123", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if evo.PipelineRunID == nil || *evo.PipelineRunID != "ci-123" {
		t.Fatalf("run id = %v", evo.PipelineRunID)
	}
	_, err = env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "fail", "", "tester")
	if err == nil {
		t.Fatalf("expected already completed error")
	}
}

func TestPromoteFailsClosedOnGates(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0",
		engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"},
		engine.ChangeParams{ID: "c2", Type: "change", Title: "New quota logic"},
	)
	proveChange(t, env, "v1.0.0", "c1", nil)

	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "v1.0.0"})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if res.Success || res.Message != "1 promotion gate(s) failed" {
		t.Fatalf("result = %+v", res)
	}
	g, _ := env.Engine.GetGeneration(env.Ctx, "v1.0.0")
	if g.Status != "draft" {
		t.Fatalf("status = %q, promotion must not land", g.Status)
	}

	// Gates report independently; the failing one names the unproven change.
	var found bool
	for _, r := range res.GateResults {
		if r.Gate == "all_changes_proven" && !r.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("gate results = %+v", res.GateResults)
	}
}

func TestPromoteSucceedsAndTags(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	proveChange(t, env, "v1.0.0", "c1", nil)

	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !res.Success || res.Message != "Generation v1.0.0 promoted successfully" {
		t.Fatalf("result = %+v", res)
	}
	if !res.TagCreated || res.Tag != "v1.0.0" {
		t.Fatalf("tag result = %+v", res)
	}
	g, _ := env.Engine.GetGeneration(env.Ctx, "v1.0.0")
	if g.Status != "promoted" || g.PromotedAt == nil || g.PromotedBy == nil {
		t.Fatalf("generation = %+v", g)
	}

	evts, err := env.Engine.AuditTrail(env.Ctx, 10, events.GenerationPromoted, "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("promoted events = %d (%v)", len(evts), err)
	}
}

func TestPromoteSurvivesTagFailure(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	proveChange(t, env, "v1.0.0", "c1", nil)

	env.Git.fail = true
	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "v1.0.0"})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !res.Success || res.TagCreated {
		t.Fatalf("result = %+v", res)
	}
	g, _ := env.Engine.GetGeneration(env.Ctx, "v1.0.0")
	if g.Status != "promoted" {
		t.Fatalf("status = %q", g.Status)
	}
}

func TestPromoteWithExplicitGates(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	proveChange(t, env, "v1.0.0", "c1", nil)

	// One pass is not enough for a two-evolution minimum.
	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{
		Version: "v1.0.0",
		Gates:   []gates.Gate{gates.AllChangesProven{}, gates.MinEvolutions{Min: 2}},
		NoTag:   true,
	})
	if err != nil || res.Success {
		t.Fatalf("result = %+v (%v)", res, err)
	}

	proveChange(t, env, "v1.0.0", "c1", nil)
	res, err = env.Engine.Promote(env.Ctx, engine.PromoteParams{
		Version: "v1.0.0",
		Gates:   []gates.Gate{gates.AllChangesProven{}, gates.MinEvolutions{Min: 2}},
		NoTag:   true,
	})
	if err != nil || !res.Success {
		t.Fatalf("result = %+v (%v)", res, err)
	}
}

// A failed attempt does not block promotion as long as the change also has a
// pass and the gate set does not include no_failed_evolutions.
func TestFailedAttemptThenPassWithProvenGateOnly(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v3.0.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})

	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v3.0.0", ChangeID: "c1", NoTag: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "fail", "", "tester"); err != nil {
		t.Fatalf("fail first attempt: %v", err)
	}
	proveChange(t, env, "v3.0.0", "c1", nil)

	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "v3.0.0", NoTag: true})
	if err != nil || res.Success {
		t.Fatalf("default gates must reject the failed attempt, got %+v (%v)", res, err)
	}

	res, err = env.Engine.Promote(env.Ctx, engine.PromoteParams{
		Version: "v3.0.0",
		Gates:   []gates.Gate{gates.AllChangesProven{}},
		NoTag:   true,
	})
	if err != nil || !res.Success {
		t.Fatalf("proven-only gate set: %+v (%v)", res, err)
	}
}

func TestHotfixStacksAndPromotes(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.2.0", engine.ChangeParams{ID: "c1", Type: "change", Title: "Rework auth"})
	proveChange(t, env, "v1.2.0", "c1", nil)
	if res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "v1.2.0", NoTag: true}); err != nil || !res.Success {
		t.Fatalf("promote base: %+v (%v)", res, err)
	}

	hf1, err := env.Engine.CreateHotfix(env.Ctx, engine.HotfixParams{
		BaseVersion: "1.2.0", IssueID: "HOT-1", Title: "Fix login crash",
	})
	if err != nil {
		t.Fatalf("create hotfix: %v", err)
	}
	if hf1.Version != "v1.2.1" {
		t.Fatalf("hotfix version = %q", hf1.Version)
	}
	if len(hf1.Changes) != 1 || hf1.Changes[0].Type != "fix" || hf1.Changes[0].ID != "HOT-1" {
		t.Fatalf("hotfix changes = %+v", hf1.Changes)
	}
	if hf1.Description != "Hot-fix for v1.2.0: Fix login crash" {
		t.Fatalf("description = %q", hf1.Description)
	}

	hf2, err := env.Engine.CreateHotfix(env.Ctx, engine.HotfixParams{
		BaseVersion: "v1.2.0", IssueID: "HOT-2", Title: "Fix quota reset",
	})
	if err != nil || hf2.Version != "v1.2.2" {
		t.Fatalf("stacked hotfix = %+v (%v)", hf2, err)
	}

	// The fix-type policy wants a security scan in the steps.
	_, err = env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v1.2.1", ChangeID: "HOT-1", NoTag: true})
	if _, ok := policy.AsViolation(err); !ok {
		t.Fatalf("want policy violation, got %v", err)
	}
	proveChange(t, env, "v1.2.1", "HOT-1", []string{"security_scan"})

	res, err := env.Engine.PromoteHotfix(env.Ctx, "v1.2.1", "oncall")
	if err != nil || !res.Success {
		t.Fatalf("promote hotfix: %+v (%v)", res, err)
	}
	evts, err := env.Engine.AuditTrail(env.Ctx, 10, events.HotfixPromoted, "", "")
	if err != nil || len(evts) != 1 || evts[0].ActorID != "oncall" {
		t.Fatalf("hotfix events = %+v (%v)", evts, err)
	}

	// The patch listing keys off version shape, so the base line shows up too.
	stats, err := env.Engine.HotfixStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalHotfixes != 3 || stats.PromotedHotfixes != 2 || stats.PendingHotfixes != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AverageTimeToPromote != nil {
		t.Fatalf("average = %v", stats.AverageTimeToPromote)
	}
}

func TestPromoteHotfixBlocksOnPendingEvolution(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v1.0.1", engine.ChangeParams{ID: "HOT-1", Type: "fix", Title: "Fix crash"})
	proveChange(t, env, "v1.0.1", "HOT-1", []string{"security_scan"})
	if _, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{
		Version: "v1.0.1", ChangeID: "HOT-1", Steps: []string{"security_scan"}, NoTag: true,
	}); err != nil {
		t.Fatalf("start pending: %v", err)
	}

	res, err := env.Engine.PromoteHotfix(env.Ctx, "v1.0.1", "")
	if err != nil {
		t.Fatalf("promote hotfix: %v", err)
	}
	if res.Success {
		t.Fatalf("pending evolution must block the hotfix gate: %+v", res)
	}
	var msg string
	for _, r := range res.GateResults {
		if r.Gate == "hotfix_gate" {
			msg = r.Message
		}
	}
	if msg != "Change HOT-1 has pending evolutions" {
		t.Fatalf("gate message = %q", msg)
	}
}

// Full release walk: contract with two changes, prove both through rc tags,
// promote, then hot-fix the release.
func TestReleaseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	createGeneration(t, env, "v2.0.0",
		engine.ChangeParams{ID: "search", Type: "add", Title: "Search endpoint"},
		engine.ChangeParams{ID: "quota", Type: "change", Title: "New quota logic"},
	)

	evo, err := env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{
		Version: "v2.0.0", ChangeID: "search", Steps: []string{"e2e_test", "integration_test"},
	})
	if err != nil {
		t.Fatalf("start search: %v", err)
	}
	if evo.Tag != "v2.0.0-rc.1" {
		t.Fatalf("tag = %q", evo.Tag)
	}
	if _, err := env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "pass", "", ""); err != nil {
		t.Fatalf("complete search: %v", err)
	}

	evo, err = env.Engine.StartEvolution(env.Ctx, engine.StartEvolutionParams{Version: "v2.0.0", ChangeID: "quota"})
	if err != nil {
		t.Fatalf("start quota: %v", err)
	}
	if evo.Tag != "v2.0.0-rc.2" {
		t.Fatalf("tag = %q", evo.Tag)
	}
	if _, err := env.Engine.CompleteEvolution(env.Ctx, evo.Tag, "pass", "", ""); err != nil {
		t.Fatalf("complete quota: %v", err)
	}

	res, err := env.Engine.Promote(env.Ctx, engine.PromoteParams{Version: "v2.0.0"})
	if err != nil || !res.Success {
		t.Fatalf("promote: %+v (%v)", res, err)
	}
	if len(env.Git.tags) == 0 || env.Git.tags[len(env.Git.tags)-1] != "v2.0.0" {
		t.Fatalf("git tags = %v", env.Git.tags)
	}

	hf, err := env.Engine.CreateHotfix(env.Ctx, engine.HotfixParams{BaseVersion: "v2.0.0", IssueID: "HOT-9", Title: "Fix search panic"})
	if err != nil || hf.Version != "v2.0.1" {
		t.Fatalf("hotfix = %+v (%v)", hf, err)
	}
}
