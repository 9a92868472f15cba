package engine

import (
	"context"
	"errors"
	"fmt"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/gates"
	"shipline/internal/repo"
	"shipline/internal/version"
)

type HotfixParams struct {
	BaseVersion string
	IssueID     string
	Title       string
	Description string
	Actor       string
}

// CreateHotfix opens an expedited patch generation on top of base: the next
// free patch version with a single fix-type change. Hot-fixes stack, so the
// next version follows the highest existing patch of the base line.
func (e Engine) CreateHotfix(ctx context.Context, p HotfixParams) (domain.Generation, error) {
	if p.IssueID == "" {
		return domain.Generation{}, errors.New("issue id is required")
	}
	if p.Title == "" {
		return domain.Generation{}, errors.New("title is required")
	}
	base := version.Normalize(p.BaseVersion)
	prefix, err := version.PatchPrefix(base)
	if err != nil {
		return domain.Generation{}, err
	}
	latest, err := e.Repo.LatestPatchVersion(ctx, prefix)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Generation{}, err
		}
		latest = ""
	}
	next, err := version.NextPatch(base, latest)
	if err != nil {
		return domain.Generation{}, err
	}

	desc := p.Description
	if desc == "" {
		desc = fmt.Sprintf("Hot-fix for %s", base)
	}
	return e.CreateGeneration(ctx, CreateGenerationParams{
		Version:     next,
		Description: fmt.Sprintf("Hot-fix for %s: %s", base, p.Title),
		Changes: []ChangeParams{{
			ID:          p.IssueID,
			Type:        "fix",
			Title:       p.Title,
			Description: desc,
		}},
		Actor: p.Actor,
	})
}

// PromoteHotfix promotes through the stricter hot-fix gate and records the
// expedited path in the audit trail.
func (e Engine) PromoteHotfix(ctx context.Context, versionStr, actor string) (PromotionResult, error) {
	res, err := e.Promote(ctx, PromoteParams{
		Version: versionStr,
		Gates:   []gates.Gate{gates.HotfixReady{}},
		Actor:   actor,
	})
	if err != nil || !res.Success {
		return res, err
	}

	g, err := e.GetGeneration(ctx, versionStr)
	if err != nil {
		return res, err
	}
	if actor == "" {
		actor = e.actor()
	}
	promotedAt := ""
	if g.PromotedAt != nil {
		promotedAt = *g.PromotedAt
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.HotfixPromoted, "generation", g.ID, actor, events.EventPayload{
		"version":     g.Version,
		"is_hotfix":   true,
		"promoted_at": promotedAt,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ListHotfixes returns the patch generations, newest first.
func (e Engine) ListHotfixes(ctx context.Context) ([]domain.Generation, error) {
	return e.Repo.ListHotfixGenerations(ctx)
}

type HotfixStats struct {
	TotalHotfixes        int      `json:"total_hotfixes"`
	PromotedHotfixes     int      `json:"promoted_hotfixes"`
	PendingHotfixes      int      `json:"pending_hotfixes"`
	AverageTimeToPromote *float64 `json:"average_time_to_promote"`
}

func (e Engine) HotfixStats(ctx context.Context) (HotfixStats, error) {
	gens, err := e.Repo.ListHotfixGenerations(ctx)
	if err != nil {
		return HotfixStats{}, err
	}
	// TODO: compute AverageTimeToPromote from created/promoted timestamps
	stats := HotfixStats{TotalHotfixes: len(gens)}
	for _, g := range gens {
		switch g.Status {
		case "promoted":
			stats.PromotedHotfixes++
		case "draft":
			stats.PendingHotfixes++
		}
	}
	return stats, nil
}
