package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shipline/internal/codename"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/gates"
	"shipline/internal/git"
	"shipline/internal/pipeline"
	"shipline/internal/policy"
	"shipline/internal/repo"
	"shipline/internal/version"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Bus      *events.Dispatcher
	Config   *config.Config
	Policies policy.Set
	Git      git.Runner
	Executor pipeline.Executor
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Bus:      events.NewDispatcher(),
		Config:   cfg,
		Policies: policy.Defaults(),
		Git:      git.ExecRunner{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) actor() string {
	if e.Config != nil && e.Config.Username != "" {
		return e.Config.Username
	}
	return "unknown"
}

func (e Engine) emit(ctx context.Context, evtType string, payload map[string]any) {
	if e.Bus != nil {
		e.Bus.Emit(ctx, events.Event{Type: evtType, Payload: payload})
	}
}

// ChangeParams declares one change of a generation contract.
type ChangeParams struct {
	ID          string
	Type        string
	Title       string
	Description string
	Pipeline    string
	Pipelines   []string
}

func validateChange(c ChangeParams) error {
	if c.ID == "" {
		return errors.New("change id is required")
	}
	if c.Title == "" {
		return errors.New("change title is required")
	}
	switch c.Type {
	case "add", "fix", "change", "remove":
		return nil
	}
	return fmt.Errorf("invalid change type: %s", c.Type)
}

func (c ChangeParams) pipelineNames() []string {
	names := c.Pipelines
	if c.Pipeline != "" {
		found := false
		for _, n := range names {
			if n == c.Pipeline {
				found = true
				break
			}
		}
		if !found {
			names = append([]string{c.Pipeline}, names...)
		}
	}
	return names
}

type CreateGenerationParams struct {
	Version          string
	Description      string
	Codename         string
	PipelineTemplate string
	Changes          []ChangeParams
	Actor            string
}

// CreateGeneration records a new release contract in draft status.
func (e Engine) CreateGeneration(ctx context.Context, p CreateGenerationParams) (domain.Generation, error) {
	v := version.Normalize(p.Version)
	if _, _, _, err := version.Parse(v); err != nil {
		return domain.Generation{}, err
	}
	if _, err := e.Repo.GetGenerationByVersion(ctx, v); err == nil {
		return domain.Generation{}, fmt.Errorf("generation %s already exists", v)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Generation{}, err
	}
	for _, c := range p.Changes {
		if err := validateChange(c); err != nil {
			return domain.Generation{}, err
		}
	}

	actor := p.Actor
	if actor == "" {
		actor = e.actor()
	}
	now := e.now().UTC().Format(time.RFC3339)
	name := p.Codename
	if name == "" {
		name = codename.New()
	}
	g := domain.Generation{
		ID:               uuid.New().String(),
		Version:          v,
		Description:      p.Description,
		Codename:         name,
		Status:           "draft",
		PipelineTemplate: p.PipelineTemplate,
		SyncStatus:       "not_synced",
		CreatedAt:        now,
		CreatedBy:        actor,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Generation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGenerationTx(ctx, tx, g); err != nil {
		return domain.Generation{}, err
	}
	for _, spec := range p.Changes {
		c, err := e.insertChangeTx(ctx, tx, g.ID, spec, actor, now)
		if err != nil {
			return domain.Generation{}, err
		}
		g.Changes = append(g.Changes, c)
	}
	if err := e.Events.Append(ctx, tx, events.GenerationCreated, "generation", g.ID, actor, events.EventPayload{"version": g.Version, "status": g.Status}); err != nil {
		return domain.Generation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Generation{}, err
	}
	e.emit(ctx, events.GenerationCreated, map[string]any{"generation_id": g.ID, "version": g.Version})
	return g, nil
}

func (e Engine) insertChangeTx(ctx context.Context, tx *sql.Tx, generationID string, spec ChangeParams, actor, now string) (domain.Change, error) {
	c := domain.Change{
		ID:           spec.ID,
		GenerationID: generationID,
		Type:         spec.Type,
		Title:        spec.Title,
		Description:  spec.Description,
		Status:       "pending",
	}
	names := spec.pipelineNames()
	if len(names) > 0 {
		c.Pipeline = &names[0]
		c.Pipelines = names
	}
	if err := e.Repo.InsertChangeTx(ctx, tx, c); err != nil {
		return c, err
	}
	if len(names) > 0 {
		if err := e.Repo.ReplaceChangePipelinesTx(ctx, tx, generationID, c.ID, names, names[0], actor, now); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ImportGeneration creates a generation from a declarative YAML contract.
func (e Engine) ImportGeneration(ctx context.Context, data []byte, actor string) (domain.Generation, error) {
	var spec struct {
		Version          string `yaml:"version"`
		Description      string `yaml:"description"`
		Codename         string `yaml:"codename"`
		PipelineTemplate string `yaml:"pipeline_template"`
		Changes          []struct {
			ID          string   `yaml:"id"`
			Type        string   `yaml:"type"`
			Title       string   `yaml:"title"`
			Description string   `yaml:"description"`
			Pipeline    string   `yaml:"pipeline"`
			Pipelines   []string `yaml:"pipelines"`
		} `yaml:"changes"`
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.Generation{}, fmt.Errorf("parse generation yaml: %w", err)
	}
	if spec.Version == "" {
		return domain.Generation{}, errors.New("version is required")
	}
	p := CreateGenerationParams{
		Version:          spec.Version,
		Description:      spec.Description,
		Codename:         spec.Codename,
		PipelineTemplate: spec.PipelineTemplate,
		Actor:            actor,
	}
	for _, c := range spec.Changes {
		p.Changes = append(p.Changes, ChangeParams{
			ID:          c.ID,
			Type:        c.Type,
			Title:       c.Title,
			Description: c.Description,
			Pipeline:    c.Pipeline,
			Pipelines:   c.Pipelines,
		})
	}
	return e.CreateGeneration(ctx, p)
}

// GetGeneration resolves a generation by version, changes attached.
func (e Engine) GetGeneration(ctx context.Context, versionStr string) (domain.Generation, error) {
	v := version.Normalize(versionStr)
	g, err := e.Repo.GetGenerationByVersion(ctx, v)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Generation{}, fmt.Errorf("generation %s not found", v)
	}
	return g, err
}

func (e Engine) ListGenerations(ctx context.Context, f repo.GenerationFilters) ([]domain.Generation, error) {
	return e.Repo.ListGenerations(ctx, f)
}

// UpdateGenerationParams are the editable scalar fields. Status is not among
// them; promotion is the only status transition.
type UpdateGenerationParams struct {
	Description      *string
	Codename         *string
	PipelineTemplate *string
	Actor            string
}

func (e Engine) UpdateGeneration(ctx context.Context, versionStr string, p UpdateGenerationParams) (domain.Generation, error) {
	g, err := e.GetGeneration(ctx, versionStr)
	if err != nil {
		return domain.Generation{}, err
	}
	if p.Description != nil {
		g.Description = *p.Description
	}
	if p.Codename != nil {
		g.Codename = *p.Codename
	}
	if p.PipelineTemplate != nil {
		g.PipelineTemplate = *p.PipelineTemplate
	}
	actor := p.Actor
	if actor == "" {
		actor = e.actor()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGenerationTx(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, events.GenerationUpdated, "generation", g.ID, actor, events.EventPayload{"version": g.Version}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	e.emit(ctx, events.GenerationUpdated, map[string]any{"generation_id": g.ID, "version": g.Version})
	return g, nil
}

func (e Engine) AddChange(ctx context.Context, versionStr string, spec ChangeParams, actor string) (domain.Change, error) {
	g, err := e.GetGeneration(ctx, versionStr)
	if err != nil {
		return domain.Change{}, err
	}
	if err := validateChange(spec); err != nil {
		return domain.Change{}, err
	}
	for _, c := range g.Changes {
		if c.ID == spec.ID {
			return domain.Change{}, fmt.Errorf("change %s already exists in generation %s", spec.ID, g.Version)
		}
	}
	if actor == "" {
		actor = e.actor()
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Change{}, err
	}
	defer tx.Rollback()
	c, err := e.insertChangeTx(ctx, tx, g.ID, spec, actor, now)
	if err != nil {
		return domain.Change{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GenerationUpdated, "generation", g.ID, actor, events.EventPayload{"version": g.Version, "change": c.ID, "action": "add_change"}); err != nil {
		return domain.Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Change{}, err
	}
	e.emit(ctx, events.GenerationUpdated, map[string]any{"generation_id": g.ID, "version": g.Version})
	return c, nil
}

// RemoveChange drops a change and its pipeline links. Evolutions already
// recorded against the change are kept for the audit trail.
func (e Engine) RemoveChange(ctx context.Context, versionStr, changeID, actor string) error {
	g, err := e.GetGeneration(ctx, versionStr)
	if err != nil {
		return err
	}
	if actor == "" {
		actor = e.actor()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteChangeTx(ctx, tx, g.ID, changeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("change %s not found in generation %s", changeID, g.Version)
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.GenerationUpdated, "generation", g.ID, actor, events.EventPayload{"version": g.Version, "change": changeID, "action": "remove_change"}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(ctx, events.GenerationUpdated, map[string]any{"generation_id": g.ID, "version": g.Version})
	return nil
}

type StartEvolutionParams struct {
	Version  string
	ChangeID string
	Steps    []string
	NoTag    bool
	Actor    string
}

// StartEvolution begins a proof attempt for one change: policies are checked
// against the planned steps, the next free rc tag is claimed, and a pending
// evolution is recorded. A tag race with a concurrent start is resolved by
// recomputing and retrying.
func (e Engine) StartEvolution(ctx context.Context, p StartEvolutionParams) (domain.Evolution, error) {
	g, err := e.GetGeneration(ctx, p.Version)
	if err != nil {
		return domain.Evolution{}, err
	}
	var change *domain.Change
	for i := range g.Changes {
		if g.Changes[i].ID == p.ChangeID {
			change = &g.Changes[i]
			break
		}
	}
	if change == nil {
		return domain.Evolution{}, fmt.Errorf("change %s not found in generation %s", p.ChangeID, g.Version)
	}

	count, err := e.Repo.CountEvolutionsByChange(ctx, g.ID, change.ID)
	if err != nil {
		return domain.Evolution{}, err
	}
	if err := e.Policies.CheckEvolutionStart(policy.Input{
		ChangeType:     change.Type,
		ChangeID:       change.ID,
		GenerationID:   g.ID,
		PipelineSteps:  p.Steps,
		EvolutionCount: count,
	}); err != nil {
		return domain.Evolution{}, err
	}

	actor := p.Actor
	if actor == "" {
		actor = e.actor()
	}
	evo := domain.Evolution{
		ID:           uuid.New().String(),
		GenerationID: g.ID,
		ChangeID:     change.ID,
		Status:       "pending",
		StartedAt:    e.now().UTC().Format(time.RFC3339),
		SyncStatus:   "not_synced",
		CreatedBy:    actor,
	}
	for attempt := 0; ; attempt++ {
		n, err := e.nextRC(ctx, g.Version)
		if err != nil {
			return domain.Evolution{}, err
		}
		evo.Tag = version.RCTag(g.Version, n)
		err = e.insertEvolution(ctx, evo, actor)
		if errors.Is(err, repo.ErrTagTaken) && attempt < 3 {
			continue
		}
		if err != nil {
			return domain.Evolution{}, err
		}
		break
	}

	if !p.NoTag {
		msg := fmt.Sprintf("Evolution %s\nChange: %s\nStatus: %s", evo.ID, evo.ChangeID, evo.Status)
		_ = git.CreateTag(ctx, e.Git, evo.Tag, msg) // best effort
	}
	e.emit(ctx, events.EvolutionCreated, map[string]any{"tag": evo.Tag, "generation_id": g.ID, "version": g.Version, "change_id": evo.ChangeID})
	return evo, nil
}

func (e Engine) nextRC(ctx context.Context, ver string) (int, error) {
	tags, err := e.Repo.ListEvolutionTags(ctx, ver+"-rc.")
	if err != nil {
		return 0, err
	}
	next := 1
	for _, t := range tags {
		if n, ok := version.RCNumber(t, ver); ok && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

func (e Engine) insertEvolution(ctx context.Context, evo domain.Evolution, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvolutionTx(ctx, tx, evo); err != nil {
		return err
	}
	if err := e.Repo.UpdateChangeStatusTx(ctx, tx, evo.GenerationID, evo.ChangeID, "in_progress"); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.EvolutionCreated, "evolution", evo.ID, actor, events.EventPayload{"tag": evo.Tag, "change": evo.ChangeID}); err != nil {
		return err
	}
	return tx.Commit()
}

type ProveParams struct {
	Tag      string
	Executor pipeline.Executor
	Pipeline string
	Actor    string
}

// Prove executes the pipelines linked to the evolution's change and records
// the outcome. The evolution fails iff any pipeline step errored; an executor
// failure marks it failed and surfaces the error.
func (e Engine) Prove(ctx context.Context, p ProveParams) (domain.Evolution, error) {
	evo, err := e.GetEvolution(ctx, p.Tag)
	if err != nil {
		return domain.Evolution{}, err
	}
	if evo.Status == "pass" || evo.Status == "fail" {
		return evo, fmt.Errorf("evolution %s already completed", evo.Tag)
	}
	exec := p.Executor
	if exec == nil {
		exec = e.Executor
	}
	if exec == nil {
		return evo, errors.New("no pipeline executor configured")
	}
	pipelines, err := e.evolutionPipelines(ctx, evo, p.Pipeline)
	if err != nil {
		return evo, err
	}

	// running is persisted before execution so an interrupted prove stays visible
	if err := e.finishEvolution(ctx, &evo, "running", nil, nil, "", p.Actor); err != nil {
		return evo, err
	}

	var firstRun *string
	failed := false
	for _, name := range pipelines {
		run, execErr := exec.Execute(ctx, name)
		if execErr != nil {
			completed := e.now().UTC().Format(time.RFC3339)
			_ = e.finishEvolution(ctx, &evo, "fail", firstRun, &completed, events.EvolutionFailed, p.Actor)
			return evo, execErr
		}
		if firstRun == nil && run.ID != "" {
			id := run.ID
			firstRun = &id
		}
		if run.Report.Failed() {
			failed = true
		}
	}

	status, evtType := "pass", events.EvolutionCompleted
	if failed {
		status, evtType = "fail", events.EvolutionFailed
	}
	completed := e.now().UTC().Format(time.RFC3339)
	if err := e.finishEvolution(ctx, &evo, status, firstRun, &completed, evtType, p.Actor); err != nil {
		return evo, err
	}
	return evo, nil
}

func (e Engine) evolutionPipelines(ctx context.Context, evo domain.Evolution, override string) ([]string, error) {
	if override != "" {
		return []string{override}, nil
	}
	linked, err := e.Repo.ListChangePipelines(ctx, evo.GenerationID, evo.ChangeID)
	if err != nil {
		return nil, err
	}
	if len(linked) > 0 {
		names := make([]string, 0, len(linked))
		for _, l := range linked {
			names = append(names, l.PipelineName)
		}
		return names, nil
	}
	g, err := e.Repo.GetGeneration(ctx, evo.GenerationID)
	if err != nil {
		return nil, err
	}
	if g.PipelineTemplate != "" {
		return []string{g.PipelineTemplate}, nil
	}
	return []string{"default"}, nil
}

// finishEvolution persists a status transition, appends the audit row when
// evtType is set, and mirrors the result onto evo after commit.
func (e Engine) finishEvolution(ctx context.Context, evo *domain.Evolution, status string, runID, completedAt *string, evtType, actor string) error {
	if actor == "" {
		actor = e.actor()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEvolutionStatusTx(ctx, tx, evo.ID, status, runID, completedAt); err != nil {
		return err
	}
	if status == "pass" {
		if err := e.Repo.UpdateChangeStatusTx(ctx, tx, evo.GenerationID, evo.ChangeID, "done"); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	if evtType != "" {
		if err := e.Events.Append(ctx, tx, evtType, "evolution", evo.ID, actor, events.EventPayload{"tag": evo.Tag, "status": status}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	evo.Status = status
	if runID != nil {
		evo.PipelineRunID = runID
	}
	if completedAt != nil {
		evo.CompletedAt = completedAt
	}
	if evtType != "" {
		e.emit(ctx, evtType, map[string]any{"tag": evo.Tag, "generation_id": evo.GenerationID, "change_id": evo.ChangeID, "status": status})
	}
	return nil
}

// CompleteEvolution records a result reported directly, e.g. from a CI
// callback, without running an executor.
func (e Engine) CompleteEvolution(ctx context.Context, tag, status, runID, actor string) (domain.Evolution, error) {
	if status != "pass" && status != "fail" {
		return domain.Evolution{}, errors.New("status must be pass or fail")
	}
	evo, err := e.GetEvolution(ctx, tag)
	if err != nil {
		return domain.Evolution{}, err
	}
	if evo.Status == "pass" || evo.Status == "fail" {
		return evo, fmt.Errorf("evolution %s already completed", evo.Tag)
	}
	evtType := events.EvolutionCompleted
	if status == "fail" {
		evtType = events.EvolutionFailed
	}
	var run *string
	if runID != "" {
		run = &runID
	}
	completed := e.now().UTC().Format(time.RFC3339)
	if err := e.finishEvolution(ctx, &evo, status, run, &completed, evtType, actor); err != nil {
		return evo, err
	}
	return evo, nil
}

func (e Engine) GetEvolution(ctx context.Context, tag string) (domain.Evolution, error) {
	evo, err := e.Repo.GetEvolutionByTag(ctx, tag)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Evolution{}, fmt.Errorf("evolution %s not found", tag)
	}
	return evo, err
}

// ListEvolutions returns the evolutions of a generation, newest first.
func (e Engine) ListEvolutions(ctx context.Context, versionStr string, f repo.EvolutionFilters) ([]domain.Evolution, error) {
	g, err := e.GetGeneration(ctx, versionStr)
	if err != nil {
		return nil, err
	}
	f.GenerationID = g.ID
	return e.Repo.ListEvolutions(ctx, f)
}

type PromoteParams struct {
	Version string
	Gates   []gates.Gate
	NoTag   bool
	Actor   string
}

// PromotionResult is the outcome of a promotion attempt. A gate failure is a
// result, not an error: the generation stays draft and the attempt can be
// repeated.
type PromotionResult struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	GateResults []gates.Result `json:"gate_results"`
	Tag         string         `json:"tag,omitempty"`
	TagCreated  bool           `json:"tag_created"`
}

// Promote runs every gate, never short-circuiting, and promotes the
// generation only when all pass.
func (e Engine) Promote(ctx context.Context, p PromoteParams) (PromotionResult, error) {
	g, err := e.GetGeneration(ctx, p.Version)
	if err != nil {
		return PromotionResult{}, err
	}
	snap, err := e.loadSnapshot(ctx, g)
	if err != nil {
		return PromotionResult{}, err
	}
	gateSet := p.Gates
	if gateSet == nil {
		gateSet = gates.Default()
	}
	results := gates.Evaluate(snap, gateSet)
	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return PromotionResult{
			Success:     false,
			Message:     fmt.Sprintf("%d promotion gate(s) failed", failed),
			GateResults: results,
		}, nil
	}

	actor := p.Actor
	if actor == "" {
		actor = e.actor()
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PromotionResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkPromotedTx(ctx, tx, g.ID, now, actor); err != nil {
		return PromotionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GenerationPromoted, "generation", g.ID, actor, events.EventPayload{"version": g.Version, "promoted_by": actor}); err != nil {
		return PromotionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PromotionResult{}, err
	}

	res := PromotionResult{
		Success:     true,
		Message:     fmt.Sprintf("Generation %s promoted successfully", g.Version),
		GateResults: results,
	}
	if !p.NoTag {
		res.Tag = g.Version
		res.TagCreated = git.CreateTag(ctx, e.Git, g.Version, releaseTagMessage(g)) == nil
	}
	e.emit(ctx, events.GenerationPromoted, map[string]any{"generation_id": g.ID, "version": g.Version})
	return res, nil
}

func (e Engine) loadSnapshot(ctx context.Context, g domain.Generation) (gates.Snapshot, error) {
	evos, err := e.Repo.ListEvolutions(ctx, repo.EvolutionFilters{GenerationID: g.ID})
	if err != nil {
		return gates.Snapshot{}, err
	}
	return gates.Snapshot{Generation: g, Changes: g.Changes, Evolutions: evos}, nil
}

func releaseTagMessage(g domain.Generation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Release %s\n\n%s\n\nChanges:\n", g.Version, g.Description)
	for _, c := range g.Changes {
		fmt.Fprintf(&b, "- [%s] %s\n", c.Type, c.Title)
	}
	return b.String()
}

// AuditTrail returns recent audit events, newest first.
func (e Engine) AuditTrail(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}
