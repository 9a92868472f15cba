package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"shipline/internal/pipeline"
)

func TestReportFailed(t *testing.T) {
	clean := pipeline.Report{Runners: map[string]pipeline.RunnerResult{
		"runner-1": {Steps: map[string]pipeline.Step{
			"unit_test": {Status: pipeline.StatusSuccess},
			"e2e_test":  {Status: pipeline.StatusSuccess},
		}},
	}}
	if clean.Failed() {
		t.Fatal("expected clean report to pass")
	}

	dirty := pipeline.Report{Runners: map[string]pipeline.RunnerResult{
		"runner-1": {Steps: map[string]pipeline.Step{
			"unit_test": {Status: pipeline.StatusSuccess},
			"e2e_test":  {Status: pipeline.StatusError},
		}},
	}}
	if !dirty.Failed() {
		t.Fatal("expected report with an errored step to fail")
	}

	empty := pipeline.Report{}
	if empty.Failed() {
		t.Fatal("expected empty report to pass")
	}
}

func TestFileExecutorReadsReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	body := `{"run_id":"run-42","runners":{"ci":{"steps":{"build":{"status":"success"},"e2e_test":{"status":"error","returncode":1}}}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	exec := pipeline.FileExecutor{Path: path}
	run, err := exec.Execute(context.Background(), "default")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.ID != "run-42" {
		t.Fatalf("run id = %q, want run-42", run.ID)
	}
	if !run.Report.Failed() {
		t.Fatal("expected failed report")
	}
	step := run.Report.Runners["ci"].Steps["e2e_test"]
	if step.ReturnCode == nil || *step.ReturnCode != 1 {
		t.Fatalf("returncode = %v, want 1", step.ReturnCode)
	}
}

func TestFileExecutorGeneratesRunID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	if err := os.WriteFile(path, []byte(`{"runners":{}}`), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	exec := pipeline.FileExecutor{Path: path}
	run, err := exec.Execute(context.Background(), "default")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected a generated run id")
	}
}

func TestFileExecutorResolvesPerPipelineFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "security.json"), []byte(`{"run_id":"sec-1","runners":{}}`), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	exec := pipeline.FileExecutor{Dir: dir}
	run, err := exec.Execute(context.Background(), "security")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.ID != "sec-1" {
		t.Fatalf("run id = %q, want sec-1", run.ID)
	}

	if _, err := exec.Execute(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing report file")
	}
}
