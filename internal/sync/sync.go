// Package sync reconciles workspace state with a Shipline hub. The hub is
// canonical for anything it has seen; linkage runs through remote_id, never
// through version strings alone.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"shipline/internal/cloud"
	"shipline/internal/domain"
	"shipline/internal/repo"
	"shipline/internal/version"
)

type CloudSync struct {
	Repo   repo.Repo
	Client *cloud.Client
	Now    func() time.Time
}

func New(r repo.Repo, c *cloud.Client) CloudSync {
	return CloudSync{Repo: r, Client: c, Now: time.Now}
}

func (s CloudSync) nowStr() string {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

type PullConflict struct {
	Version    string `json:"version"`
	Reason     string `json:"reason"`
	Resolution string `json:"resolution"`
}

type PullResult struct {
	New       int            `json:"new"`
	Updated   int            `json:"updated"`
	Conflicts []PullConflict `json:"conflicts"`
}

type PushError struct {
	Version    string `json:"version,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Error      string `json:"error"`
	Resolution string `json:"resolution,omitempty"`
}

type PushResult struct {
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Errors  []PushError `json:"errors"`
}

// Pull fetches every hub generation and folds it into the workspace. Linked
// generations take the hub's scalars with changes merged additively, so
// local-only rows survive. An unlinked local generation sharing a hub version
// is reported as a conflict and left untouched.
func (s CloudSync) Pull(ctx context.Context) (PullResult, error) {
	res := PullResult{Conflicts: []PullConflict{}}
	cloudGens, err := s.Client.ListGenerations(ctx)
	if err != nil {
		return res, err
	}
	for _, cg := range cloudGens {
		local, err := s.Repo.GetGenerationByRemoteID(ctx, cg.ID)
		switch {
		case err == nil:
			if err := s.Repo.UpdateGenerationFromRemote(ctx, local.ID, remoteToDomain(cg, s.nowStr()), s.nowStr()); err != nil {
				return res, err
			}
			res.Updated++
		case errors.Is(err, repo.ErrNotFound):
			_, verr := s.Repo.GetGenerationByVersion(ctx, cg.Version)
			if verr == nil {
				res.Conflicts = append(res.Conflicts, PullConflict{
					Version:    cg.Version,
					Reason:     "Local and cloud have same version",
					Resolution: "Rename local version or delete",
				})
				continue
			}
			if !errors.Is(verr, repo.ErrNotFound) {
				return res, verr
			}
			if err := s.Repo.InsertGenerationFromRemote(ctx, remoteToDomain(cg, s.nowStr())); err != nil {
				return res, err
			}
			res.New++
		default:
			return res, err
		}
	}
	if err := s.Repo.SetSyncValue(ctx, "last_pull_timestamp", s.nowStr()); err != nil {
		return res, err
	}
	return res, nil
}

// Push mirrors local generations to the hub: the named version, or every
// generation whose sync status is pending. One failure never blocks the rest
// of the batch.
func (s CloudSync) Push(ctx context.Context, ver string) (PushResult, error) {
	res := PushResult{Errors: []PushError{}}
	var gens []domain.Generation
	if ver != "" {
		v := version.Normalize(ver)
		g, err := s.Repo.GetGenerationByVersion(ctx, v)
		if errors.Is(err, repo.ErrNotFound) {
			res.Errors = append(res.Errors, PushError{Version: v, Error: "Generation not found locally"})
			return res, nil
		}
		if err != nil {
			return res, err
		}
		gens = []domain.Generation{g}
	} else {
		var err error
		gens, err = s.Repo.PendingSyncGenerations(ctx)
		if err != nil {
			return res, err
		}
	}

	for _, g := range gens {
		if err := s.pushGeneration(ctx, g, &res); err != nil {
			res.Errors = append(res.Errors, PushError{Version: g.Version, Error: err.Error()})
			_ = s.Repo.SetGenerationSync(ctx, g.ID, "failed", nil, "")
		}
	}
	return res, nil
}

func (s CloudSync) pushGeneration(ctx context.Context, g domain.Generation, res *PushResult) error {
	if g.RemoteID != nil {
		if _, err := s.Client.UpdateGeneration(ctx, *g.RemoteID, domainToRemote(g)); err != nil {
			return err
		}
		if err := s.Repo.SetGenerationSync(ctx, g.ID, "synced", nil, s.nowStr()); err != nil {
			return err
		}
		res.Updated++
		return nil
	}

	// unlinked: probe by version before creating
	remote, err := s.Client.GetGenerationByVersion(ctx, g.Version)
	switch {
	case err == nil:
		if remote.GenerationID == g.ID {
			// same lineage, a prior push lost the link; relink and update
			if _, err := s.Client.UpdateGeneration(ctx, remote.ID, domainToRemote(g)); err != nil {
				return err
			}
			rid := remote.ID
			if err := s.Repo.SetGenerationSync(ctx, g.ID, "synced", &rid, s.nowStr()); err != nil {
				return err
			}
			res.Updated++
			return nil
		}
		res.Errors = append(res.Errors, PushError{
			Version:    g.Version,
			Error:      fmt.Sprintf("Version %s already exists in cloud", g.Version),
			Resolution: "Use different version or pull to sync",
		})
		return nil
	case errors.Is(err, cloud.ErrNotFound):
		created, err := s.Client.CreateGeneration(ctx, domainToRemote(g))
		if err != nil {
			return err
		}
		rid := created.ID
		if err := s.Repo.SetGenerationSync(ctx, g.ID, "synced", &rid, s.nowStr()); err != nil {
			return err
		}
		res.Created++
		return nil
	default:
		return err
	}
}

// PushEvolutions mirrors one generation's evolutions to the hub. A duplicate
// tag on create means a prior push lost the link; the hub copy is matched by
// its origin id and updated instead.
func (s CloudSync) PushEvolutions(ctx context.Context, ver string) (PushResult, error) {
	res := PushResult{Errors: []PushError{}}
	v := version.Normalize(ver)
	g, err := s.Repo.GetGenerationByVersion(ctx, v)
	if errors.Is(err, repo.ErrNotFound) {
		res.Errors = append(res.Errors, PushError{Version: v, Error: "Generation not found"})
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if g.RemoteID == nil {
		res.Errors = append(res.Errors, PushError{
			Version:    g.Version,
			Error:      "Generation not linked to cloud",
			Resolution: "Push the generation first",
		})
		return res, nil
	}

	evos, err := s.Repo.ListEvolutions(ctx, repo.EvolutionFilters{GenerationID: g.ID})
	if err != nil {
		return res, err
	}
	for _, evo := range evos {
		if err := s.pushEvolution(ctx, *g.RemoteID, evo, &res); err != nil {
			res.Errors = append(res.Errors, PushError{Tag: evo.Tag, Error: err.Error()})
		}
	}
	return res, nil
}

func (s CloudSync) pushEvolution(ctx context.Context, remoteGenID string, evo domain.Evolution, res *PushResult) error {
	if evo.RemoteID != nil {
		if _, err := s.Client.UpdateEvolution(ctx, *evo.RemoteID, evolutionToRemote(evo)); err != nil {
			return err
		}
		if err := s.Repo.SetEvolutionSync(ctx, evo.ID, "synced", nil, s.nowStr()); err != nil {
			return err
		}
		res.Updated++
		return nil
	}

	created, err := s.Client.CreateEvolution(ctx, remoteGenID, evolutionToRemote(evo))
	if err != nil {
		var apiErr *cloud.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return s.relinkEvolution(ctx, remoteGenID, evo, res)
		}
		return err
	}
	rid := created.ID
	if err := s.Repo.SetEvolutionSync(ctx, evo.ID, "synced", &rid, s.nowStr()); err != nil {
		return err
	}
	res.Created++
	return nil
}

func (s CloudSync) relinkEvolution(ctx context.Context, remoteGenID string, evo domain.Evolution, res *PushResult) error {
	remotes, err := s.Client.ListEvolutions(ctx, remoteGenID)
	if err != nil {
		return err
	}
	for _, r := range remotes {
		if r.EvolutionID != evo.ID {
			continue
		}
		if _, err := s.Client.UpdateEvolution(ctx, r.ID, evolutionToRemote(evo)); err != nil {
			return err
		}
		rid := r.ID
		if err := s.Repo.SetEvolutionSync(ctx, evo.ID, "synced", &rid, s.nowStr()); err != nil {
			return err
		}
		res.Updated++
		return nil
	}
	return fmt.Errorf("evolution %s already exists in cloud under a different origin", evo.Tag)
}

type EvolutionSyncStatus struct {
	Tag        string  `json:"tag"`
	SyncStatus string  `json:"sync_status"`
	RemoteID   *string `json:"remote_id"`
}

type GenerationSyncStatus struct {
	Version      string                `json:"version"`
	SyncStatus   string                `json:"sync_status"`
	RemoteID     *string               `json:"remote_id"`
	LastSyncedAt *string               `json:"last_synced_at"`
	Evolutions   []EvolutionSyncStatus `json:"evolutions,omitempty"`
}

type StatusSummary struct {
	Total     int `json:"total"`
	Synced    int `json:"synced"`
	Pending   int `json:"pending"`
	Conflicts int `json:"conflicts"`
}

type StatusResult struct {
	Summary     *StatusSummary         `json:"summary,omitempty"`
	Generations []GenerationSyncStatus `json:"generations,omitempty"`
	Generation  *GenerationSyncStatus  `json:"generation,omitempty"`
}

// Status reports sync state for one version, or a summary over the whole
// workspace when ver is empty.
func (s CloudSync) Status(ctx context.Context, ver string) (StatusResult, error) {
	if ver != "" {
		return s.statusForVersion(ctx, version.Normalize(ver))
	}

	gens, err := s.Repo.ListGenerations(ctx, repo.GenerationFilters{})
	if err != nil {
		return StatusResult{}, err
	}
	summary := StatusSummary{Total: len(gens)}
	rows := make([]GenerationSyncStatus, 0, len(gens))
	for _, g := range gens {
		switch g.SyncStatus {
		case "synced":
			summary.Synced++
		case "not_synced", "syncing", "":
			summary.Pending++
		case "conflict":
			summary.Conflicts++
		}
		rows = append(rows, GenerationSyncStatus{
			Version:      g.Version,
			SyncStatus:   defaultSyncStatus(g.SyncStatus),
			RemoteID:     g.RemoteID,
			LastSyncedAt: g.LastSyncedAt,
		})
	}
	return StatusResult{Summary: &summary, Generations: rows}, nil
}

func (s CloudSync) statusForVersion(ctx context.Context, v string) (StatusResult, error) {
	g, err := s.Repo.GetGenerationByVersion(ctx, v)
	if errors.Is(err, repo.ErrNotFound) {
		return StatusResult{Generation: &GenerationSyncStatus{
			Version:    v,
			SyncStatus: "not_found",
			Evolutions: []EvolutionSyncStatus{},
		}}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}
	evos, err := s.Repo.ListEvolutions(ctx, repo.EvolutionFilters{GenerationID: g.ID})
	if err != nil {
		return StatusResult{}, err
	}
	rows := make([]EvolutionSyncStatus, 0, len(evos))
	for _, evo := range evos {
		rows = append(rows, EvolutionSyncStatus{
			Tag:        evo.Tag,
			SyncStatus: defaultSyncStatus(evo.SyncStatus),
			RemoteID:   evo.RemoteID,
		})
	}
	return StatusResult{Generation: &GenerationSyncStatus{
		Version:      g.Version,
		SyncStatus:   defaultSyncStatus(g.SyncStatus),
		RemoteID:     g.RemoteID,
		LastSyncedAt: g.LastSyncedAt,
		Evolutions:   rows,
	}}, nil
}

type Conflict struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DetectConflicts probes the hub for versions that exist on both sides with
// no remote_id linkage. Probe failures are treated as no-conflict.
func (s CloudSync) DetectConflicts(ctx context.Context) ([]Conflict, error) {
	gens, err := s.Repo.ListGenerations(ctx, repo.GenerationFilters{})
	if err != nil {
		return nil, err
	}
	conflicts := []Conflict{}
	for _, g := range gens {
		if g.RemoteID != nil || defaultSyncStatus(g.SyncStatus) != "not_synced" {
			continue
		}
		if _, err := s.Client.GetGenerationByVersion(ctx, g.Version); err == nil {
			conflicts = append(conflicts, Conflict{
				Version: g.Version,
				Type:    "version_exists",
				Message: fmt.Sprintf("Version %s exists in cloud but not linked locally", g.Version),
			})
		}
	}
	return conflicts, nil
}

func defaultSyncStatus(s string) string {
	if s == "" {
		return "not_synced"
	}
	return s
}

func domainToRemote(g domain.Generation) cloud.Generation {
	cg := cloud.Generation{
		GenerationID:     g.ID,
		Version:          g.Version,
		Description:      g.Description,
		Codename:         g.Codename,
		Status:           g.Status,
		PipelineTemplate: g.PipelineTemplate,
		CreatedAt:        g.CreatedAt,
		PromotedAt:       g.PromotedAt,
		CreatedBy:        g.CreatedBy,
		PromotedBy:       g.PromotedBy,
	}
	for _, c := range g.Changes {
		cg.Changes = append(cg.Changes, cloud.Change{
			ChangeID:    c.ID,
			Type:        c.Type,
			Title:       c.Title,
			Description: c.Description,
			Status:      c.Status,
		})
	}
	return cg
}

func remoteToDomain(cg cloud.Generation, now string) domain.Generation {
	g := domain.Generation{
		ID:               cg.GenerationID,
		Version:          cg.Version,
		Description:      cg.Description,
		Codename:         cg.Codename,
		Status:           cg.Status,
		PipelineTemplate: cg.PipelineTemplate,
		SyncStatus:       "synced",
		RemoteID:         &cg.ID,
		CreatedAt:        cg.CreatedAt,
		PromotedAt:       cg.PromotedAt,
		CreatedBy:        cg.CreatedBy,
		PromotedBy:       cg.PromotedBy,
		LastSyncedAt:     &now,
	}
	if g.Status == "" {
		g.Status = "draft"
	}
	for _, c := range cg.Changes {
		status := c.Status
		if status == "" {
			status = "pending"
		}
		g.Changes = append(g.Changes, domain.Change{
			ID:           c.ChangeID,
			GenerationID: g.ID,
			Type:         c.Type,
			Title:        c.Title,
			Description:  c.Description,
			Status:       status,
		})
	}
	return g
}

func evolutionToRemote(e domain.Evolution) cloud.Evolution {
	return cloud.Evolution{
		EvolutionID:   e.ID,
		GenerationID:  e.GenerationID,
		ChangeID:      e.ChangeID,
		Tag:           e.Tag,
		Status:        e.Status,
		PipelineRunID: e.PipelineRunID,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		CreatedBy:     e.CreatedBy,
	}
}
