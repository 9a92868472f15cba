package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
	"shipline/internal/version"
)

// ErrVersionExists is returned when a received generation's version is
// already present in this workspace.
var ErrVersionExists = errors.New("version already exists")

// ReceiveGenerationParams is a generation as pushed by an origin workspace.
// OriginID is the generation's id over there; this workspace assigns its own.
type ReceiveGenerationParams struct {
	OriginID         string
	Version          string
	Description      string
	Codename         string
	Status           string
	PipelineTemplate string
	CreatedAt        string
	PromotedAt       *string
	CreatedBy        string
	PromotedBy       *string
	Changes          []domain.Change
	Actor            string
}

// ReceiveGeneration stores a generation pushed from another workspace. The
// received scalars are kept as-is so the hub mirrors the origin's history
// instead of rewriting it.
func (e Engine) ReceiveGeneration(ctx context.Context, p ReceiveGenerationParams) (domain.Generation, error) {
	v := version.Normalize(p.Version)
	if _, _, _, err := version.Parse(v); err != nil {
		return domain.Generation{}, err
	}
	if _, err := e.Repo.GetGenerationByVersion(ctx, v); err == nil {
		return domain.Generation{}, fmt.Errorf("%w: %s", ErrVersionExists, v)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Generation{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	g := domain.Generation{
		ID:               uuid.New().String(),
		Version:          v,
		Description:      p.Description,
		Codename:         p.Codename,
		Status:           p.Status,
		PipelineTemplate: p.PipelineTemplate,
		SyncStatus:       "synced",
		CreatedAt:        p.CreatedAt,
		PromotedAt:       p.PromotedAt,
		CreatedBy:        p.CreatedBy,
		PromotedBy:       p.PromotedBy,
		LastSyncedAt:     &now,
	}
	if g.Status == "" {
		g.Status = "draft"
	}
	if g.CreatedAt == "" {
		g.CreatedAt = now
	}
	if p.OriginID != "" {
		origin := p.OriginID
		g.RemoteID = &origin
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Generation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGenerationTx(ctx, tx, g); err != nil {
		return domain.Generation{}, err
	}
	for _, c := range p.Changes {
		c.GenerationID = g.ID
		if c.Status == "" {
			c.Status = "pending"
		}
		if err := e.Repo.InsertChangeTx(ctx, tx, c); err != nil {
			return domain.Generation{}, err
		}
		g.Changes = append(g.Changes, c)
	}
	if err := e.Events.Append(ctx, tx, events.GenerationCreated, "generation", g.ID, p.Actor, events.EventPayload{"version": g.Version, "status": g.Status}); err != nil {
		return domain.Generation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Generation{}, err
	}
	e.emit(ctx, events.GenerationCreated, map[string]any{"generation_id": g.ID, "version": g.Version})
	return g, nil
}

// ReceiveGenerationUpdate replaces a stored generation's state with a pushed
// one. Changes merge additively; rows this workspace added on its own are
// never dropped.
func (e Engine) ReceiveGenerationUpdate(ctx context.Context, id string, p ReceiveGenerationParams) (domain.Generation, error) {
	now := e.now().UTC().Format(time.RFC3339)
	g := domain.Generation{
		Version:          version.Normalize(p.Version),
		Description:      p.Description,
		Codename:         p.Codename,
		Status:           p.Status,
		PipelineTemplate: p.PipelineTemplate,
		PromotedAt:       p.PromotedAt,
		CreatedBy:        p.CreatedBy,
		PromotedBy:       p.PromotedBy,
		Changes:          p.Changes,
	}
	if g.Status == "" {
		g.Status = "draft"
	}
	for i := range g.Changes {
		if g.Changes[i].Status == "" {
			g.Changes[i].Status = "pending"
		}
	}
	if err := e.Repo.UpdateGenerationFromRemote(ctx, id, g, now); err != nil {
		return domain.Generation{}, err
	}

	stored, err := e.Repo.GetGeneration(ctx, id)
	if err != nil {
		return domain.Generation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Generation{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.GenerationUpdated, "generation", stored.ID, p.Actor, events.EventPayload{"version": stored.Version}); err != nil {
		return domain.Generation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Generation{}, err
	}
	e.emit(ctx, events.GenerationUpdated, map[string]any{"generation_id": stored.ID, "version": stored.Version})
	return stored, nil
}

// ReceiveEvolutionParams is an evolution as pushed by an origin workspace.
type ReceiveEvolutionParams struct {
	OriginID      string
	ChangeID      string
	Tag           string
	Status        string
	PipelineRunID *string
	StartedAt     string
	CompletedAt   *string
	CreatedBy     string
	Actor         string
}

// ReceiveEvolution stores an evolution pushed under a stored generation. A
// tag collision surfaces as repo.ErrTagTaken.
func (e Engine) ReceiveEvolution(ctx context.Context, generationID string, p ReceiveEvolutionParams) (domain.Evolution, error) {
	if p.Tag == "" {
		return domain.Evolution{}, errors.New("tag is required")
	}
	if _, err := e.Repo.GetGeneration(ctx, generationID); err != nil {
		return domain.Evolution{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	evo := domain.Evolution{
		ID:            uuid.New().String(),
		GenerationID:  generationID,
		ChangeID:      p.ChangeID,
		Tag:           p.Tag,
		Status:        p.Status,
		PipelineRunID: p.PipelineRunID,
		StartedAt:     p.StartedAt,
		CompletedAt:   p.CompletedAt,
		SyncStatus:    "synced",
		CreatedBy:     p.CreatedBy,
		LastSyncedAt:  &now,
	}
	if evo.Status == "" {
		evo.Status = "pending"
	}
	if evo.StartedAt == "" {
		evo.StartedAt = now
	}
	if p.OriginID != "" {
		origin := p.OriginID
		evo.RemoteID = &origin
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evolution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvolutionTx(ctx, tx, evo); err != nil {
		return domain.Evolution{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EvolutionCreated, "evolution", evo.ID, p.Actor, events.EventPayload{"tag": evo.Tag, "change": evo.ChangeID}); err != nil {
		return domain.Evolution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evolution{}, err
	}
	e.emit(ctx, events.EvolutionCreated, map[string]any{"tag": evo.Tag, "generation_id": evo.GenerationID, "change_id": evo.ChangeID})
	return evo, nil
}

// ReceiveEvolutionUpdate applies a pushed run state to a stored evolution.
// Terminal states are recorded as completion events so hub-side subscribers
// see them.
func (e Engine) ReceiveEvolutionUpdate(ctx context.Context, id string, p ReceiveEvolutionParams) (domain.Evolution, error) {
	evo, err := e.Repo.GetEvolution(ctx, id)
	if err != nil {
		return domain.Evolution{}, err
	}
	status := p.Status
	if status == "" {
		status = evo.Status
	}

	var evtType string
	switch status {
	case "pass":
		evtType = events.EvolutionCompleted
	case "fail":
		evtType = events.EvolutionFailed
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evolution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEvolutionStatusTx(ctx, tx, id, status, p.PipelineRunID, p.CompletedAt); err != nil {
		return domain.Evolution{}, err
	}
	if evtType != "" && evo.Status != status {
		if err := e.Events.Append(ctx, tx, evtType, "evolution", id, p.Actor, events.EventPayload{"tag": evo.Tag, "status": status}); err != nil {
			return domain.Evolution{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Evolution{}, err
	}

	evo.Status = status
	if p.PipelineRunID != nil {
		evo.PipelineRunID = p.PipelineRunID
	}
	if p.CompletedAt != nil {
		evo.CompletedAt = p.CompletedAt
	}
	if evtType != "" {
		e.emit(ctx, evtType, map[string]any{"tag": evo.Tag, "generation_id": evo.GenerationID, "change_id": evo.ChangeID, "status": status})
	}
	return evo, nil
}

// DeleteGeneration removes a stored generation with its changes and
// evolutions.
func (e Engine) DeleteGeneration(ctx context.Context, id string) error {
	return e.Repo.DeleteGeneration(ctx, id)
}

// DeleteEvolution removes a stored evolution.
func (e Engine) DeleteEvolution(ctx context.Context, id string) error {
	return e.Repo.DeleteEvolution(ctx, id)
}
