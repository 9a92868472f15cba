// Package gates implements the promotion gate checks a generation must pass
// before it can be promoted. The set of gates is closed: new gates are added
// here, not implemented by callers.
package gates

import (
	"fmt"
	"strings"

	"shipline/internal/domain"
)

// Snapshot is the state a gate evaluates: the generation, its current
// changes, and every evolution recorded against it (including evolutions of
// changes that were later removed).
type Snapshot struct {
	Generation domain.Generation
	Changes    []domain.Change
	Evolutions []domain.Evolution
}

func (s Snapshot) forChange(changeID string) []domain.Evolution {
	var res []domain.Evolution
	for _, e := range s.Evolutions {
		if e.ChangeID == changeID {
			res = append(res, e)
		}
	}
	return res
}

type Result struct {
	Gate    string         `json:"gate"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Gate validates one promotion criterion. The unexported method keeps the
// variant set closed to this package.
type Gate interface {
	Name() string
	check(s Snapshot) Result
}

// Evaluate runs every gate against the snapshot, never short-circuiting, and
// stamps each result with its gate name.
func Evaluate(s Snapshot, gs []Gate) []Result {
	res := make([]Result, 0, len(gs))
	for _, g := range gs {
		r := g.check(s)
		r.Gate = g.Name()
		res = append(res, r)
	}
	return res
}

// Default returns the standard promotion gate set.
func Default() []Gate {
	return []Gate{AllChangesProven{}, NoFailedEvolutions{}}
}

// AllChangesProven requires every change to have at least one PASS evolution.
type AllChangesProven struct{}

func (AllChangesProven) Name() string { return "all_changes_proven" }

func (AllChangesProven) check(s Snapshot) Result {
	if len(s.Changes) == 0 {
		return Result{Passed: false, Message: "Generation has no changes", Details: map[string]any{"change_count": 0}}
	}
	var unproven []string
	changeStatus := map[string]any{}
	for _, c := range s.Changes {
		evolutions := s.forChange(c.ID)
		passed := 0
		for _, e := range evolutions {
			if e.Status == "pass" {
				passed++
			}
		}
		hasPass := passed > 0
		changeStatus[c.ID] = map[string]any{
			"title":            c.Title,
			"type":             c.Type,
			"evolutions_count": len(evolutions),
			"passed_count":     passed,
			"has_pass":         hasPass,
		}
		if !hasPass {
			unproven = append(unproven, c.ID)
		}
	}
	if len(unproven) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("Changes without PASS evolution: %s", strings.Join(unproven, ", ")),
			Details: map[string]any{
				"unproven_changes": unproven,
				"change_status":    changeStatus,
				"total_changes":    len(s.Changes),
				"proven_changes":   len(s.Changes) - len(unproven),
			},
		}
	}
	return Result{
		Passed:  true,
		Message: fmt.Sprintf("All %d changes have PASS evolutions", len(s.Changes)),
		Details: map[string]any{
			"change_status": changeStatus,
			"total_changes": len(s.Changes),
		},
	}
}

// MinEvolutions requires each change to have run at least Min evolutions.
type MinEvolutions struct {
	Min int
}

func (g MinEvolutions) Name() string { return fmt.Sprintf("min_%d_evolutions", g.Min) }

func (g MinEvolutions) check(s Snapshot) Result {
	if len(s.Changes) == 0 {
		return Result{Passed: false, Message: "Generation has no changes", Details: map[string]any{"change_count": 0}}
	}
	var insufficient []string
	changeStatus := map[string]any{}
	for _, c := range s.Changes {
		count := len(s.forChange(c.ID))
		changeStatus[c.ID] = map[string]any{
			"title":            c.Title,
			"evolutions_count": count,
			"meets_minimum":    count >= g.Min,
		}
		if count < g.Min {
			insufficient = append(insufficient, fmt.Sprintf("%s (%d/%d)", c.ID, count, g.Min))
		}
	}
	if len(insufficient) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("Changes with insufficient evolutions: %s", strings.Join(insufficient, ", ")),
			Details: map[string]any{
				"insufficient_changes": insufficient,
				"change_status":        changeStatus,
				"min_required":         g.Min,
			},
		}
	}
	return Result{
		Passed:  true,
		Message: fmt.Sprintf("All changes have at least %d evolution(s)", g.Min),
		Details: map[string]any{
			"change_status": changeStatus,
			"min_required":  g.Min,
		},
	}
}

// NoFailedEvolutions fails when any evolution of the generation is in fail
// status. A generation with no changes passes this gate on its own.
type NoFailedEvolutions struct{}

func (NoFailedEvolutions) Name() string { return "no_failed_evolutions" }

func (NoFailedEvolutions) check(s Snapshot) Result {
	var failed []map[string]any
	var failedList []string
	for _, e := range s.Evolutions {
		if e.Status == "fail" {
			failed = append(failed, map[string]any{"tag": e.Tag, "change_id": e.ChangeID, "status": e.Status})
			failedList = append(failedList, fmt.Sprintf("%s (%s)", e.Tag, e.ChangeID))
		}
	}
	if len(failed) > 0 {
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("Failed evolutions found: %s", strings.Join(failedList, ", ")),
			Details: map[string]any{
				"failed_evolutions": failed,
				"count":             len(failed),
			},
		}
	}
	return Result{Passed: true, Message: "No failed evolutions", Details: map[string]any{"failed_count": 0}}
}

// HotfixReady is the reduced gate for hot-fix promotions: every change needs
// one passing evolution and no pending or running ones.
type HotfixReady struct{}

func (HotfixReady) Name() string { return "hotfix_gate" }

func (HotfixReady) check(s Snapshot) Result {
	if len(s.Changes) == 0 {
		return Result{Passed: false, Message: "No changes defined", Details: map[string]any{}}
	}
	for _, c := range s.Changes {
		evolutions := s.forChange(c.ID)
		if len(evolutions) == 0 {
			return Result{Passed: false, Message: fmt.Sprintf("Change %s has no evolutions", c.ID), Details: map[string]any{"change_id": c.ID}}
		}
		hasPass := false
		hasPending := false
		for _, e := range evolutions {
			switch e.Status {
			case "pass":
				hasPass = true
			case "pending", "running":
				hasPending = true
			}
		}
		if !hasPass {
			return Result{Passed: false, Message: fmt.Sprintf("Change %s has no passing evolution", c.ID), Details: map[string]any{"change_id": c.ID}}
		}
		if hasPending {
			return Result{Passed: false, Message: fmt.Sprintf("Change %s has pending evolutions", c.ID), Details: map[string]any{"change_id": c.ID}}
		}
	}
	return Result{Passed: true, Message: "Hot-fix ready for promotion", Details: map[string]any{}}
}
