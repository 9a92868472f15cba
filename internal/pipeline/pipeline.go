// Package pipeline consumes run reports from external CI executors. Shipline
// never runs pipelines itself; it reads the outcome an executor produced and
// decides pass or fail from it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Step struct {
	Status     string `json:"status"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type RunnerResult struct {
	Steps map[string]Step `json:"steps"`
}

// Report is the aggregate outcome of one pipeline execution.
type Report struct {
	Runners map[string]RunnerResult `json:"runners"`
}

// Failed reports whether any step of any runner errored. An empty report is
// a success.
func (r Report) Failed() bool {
	for _, runner := range r.Runners {
		for _, step := range runner.Steps {
			if step.Status == StatusError {
				return true
			}
		}
	}
	return false
}

// Run couples a report with the executor's run identifier.
type Run struct {
	ID     string `json:"run_id"`
	Report Report `json:"report"`
}

// Executor produces the run outcome for a named pipeline.
type Executor interface {
	Execute(ctx context.Context, name string) (Run, error)
}

// FileExecutor reads run reports written by an external runner. With Path set
// every pipeline resolves to that one file; otherwise Dir/<name>.json is
// used. The file carries {"run_id": ..., "runners": {...}}.
type FileExecutor struct {
	Path string
	Dir  string
}

var _ Executor = FileExecutor{}

func (f FileExecutor) Execute(ctx context.Context, name string) (Run, error) {
	path := f.Path
	if path == "" && f.Dir != "" {
		path = filepath.Join(f.Dir, name+".json")
	}
	if path == "" {
		return Run{}, fmt.Errorf("no report file for pipeline %s", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, fmt.Errorf("read report: %w", err)
	}
	var payload struct {
		RunID   string                  `json:"run_id"`
		Runners map[string]RunnerResult `json:"runners"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Run{}, fmt.Errorf("parse report %s: %w", path, err)
	}
	run := Run{ID: payload.RunID, Report: Report{Runners: payload.Runners}}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	return run, nil
}
