package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrTagTaken is returned when an evolution tag collides with an existing one.
// Callers recompute the tag and retry.
var ErrTagTaken = errors.New("tag already taken")

const generationCols = `generation_id,version,description,codename,status,pipeline_template,sync_status,remote_id,created_at,promoted_at,created_by,promoted_by,team_id,last_synced_at`

func scanGeneration(scan func(dest ...any) error) (domain.Generation, error) {
	var g domain.Generation
	var description, codename, pipelineTemplate, remoteID, promotedAt, createdBy, promotedBy, teamID, lastSyncedAt sql.NullString
	err := scan(&g.ID, &g.Version, &description, &codename, &g.Status, &pipelineTemplate, &g.SyncStatus, &remoteID, &g.CreatedAt, &promotedAt, &createdBy, &promotedBy, &teamID, &lastSyncedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if description.Valid {
		g.Description = description.String
	}
	if codename.Valid {
		g.Codename = codename.String
	}
	if pipelineTemplate.Valid {
		g.PipelineTemplate = pipelineTemplate.String
	}
	if remoteID.Valid {
		g.RemoteID = &remoteID.String
	}
	if promotedAt.Valid {
		g.PromotedAt = &promotedAt.String
	}
	if createdBy.Valid {
		g.CreatedBy = createdBy.String
	}
	if promotedBy.Valid {
		g.PromotedBy = &promotedBy.String
	}
	if teamID.Valid {
		g.TeamID = &teamID.String
	}
	if lastSyncedAt.Valid {
		g.LastSyncedAt = &lastSyncedAt.String
	}
	return g, nil
}

func (r Repo) InsertGenerationTx(ctx context.Context, tx *sql.Tx, g domain.Generation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generations(`+generationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.Version, nullable(g.Description), nullable(g.Codename), g.Status, nullable(g.PipelineTemplate), g.SyncStatus,
		nullableStringPtr(g.RemoteID), g.CreatedAt, nullableStringPtr(g.PromotedAt), nullable(g.CreatedBy),
		nullableStringPtr(g.PromotedBy), nullableStringPtr(g.TeamID), nullableStringPtr(g.LastSyncedAt))
	return err
}

// GetGeneration loads a generation by ID with its changes attached.
func (r Repo) GetGeneration(ctx context.Context, id string) (domain.Generation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE generation_id=?`, id)
	g, err := scanGeneration(row.Scan)
	if err != nil {
		return g, err
	}
	g.Changes, err = r.ListChanges(ctx, g.ID)
	return g, err
}

func (r Repo) GetGenerationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Generation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE generation_id=?`, id)
	return scanGeneration(row.Scan)
}

// GetGenerationByVersion loads a generation by its normalized version string,
// changes attached.
func (r Repo) GetGenerationByVersion(ctx context.Context, version string) (domain.Generation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE version=?`, version)
	g, err := scanGeneration(row.Scan)
	if err != nil {
		return g, err
	}
	g.Changes, err = r.ListChanges(ctx, g.ID)
	return g, err
}

func (r Repo) GetGenerationByVersionTx(ctx context.Context, tx *sql.Tx, version string) (domain.Generation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE version=?`, version)
	return scanGeneration(row.Scan)
}

func (r Repo) GetGenerationByRemoteID(ctx context.Context, remoteID string) (domain.Generation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE remote_id=?`, remoteID)
	return scanGeneration(row.Scan)
}

type GenerationFilters struct {
	Status          string
	SyncStatus      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListGenerations(ctx context.Context, f GenerationFilters) ([]domain.Generation, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SyncStatus != "" {
		clauses = append(clauses, "sync_status=?")
		args = append(args, f.SyncStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND generation_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + generationCols + ` FROM generations ` + where + ` ORDER BY created_at DESC, generation_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpdateGenerationTx rewrites the editable scalar fields. Status and promotion
// columns change only through MarkPromotedTx.
func (r Repo) UpdateGenerationTx(ctx context.Context, tx *sql.Tx, g domain.Generation) error {
	res, err := tx.ExecContext(ctx, `UPDATE generations SET description=?, codename=?, pipeline_template=? WHERE generation_id=?`,
		nullable(g.Description), nullable(g.Codename), nullable(g.PipelineTemplate), g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkPromotedTx(ctx context.Context, tx *sql.Tx, id, promotedAt, promotedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE generations SET status='promoted', promoted_at=?, promoted_by=? WHERE generation_id=?`,
		promotedAt, promotedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetGenerationSync(ctx context.Context, id, syncStatus string, remoteID *string, lastSyncedAt string) error {
	fields := []string{"sync_status=?"}
	args := []any{syncStatus}
	if remoteID != nil {
		fields = append(fields, "remote_id=?")
		args = append(args, *remoteID)
	}
	if lastSyncedAt != "" {
		fields = append(fields, "last_synced_at=?")
		args = append(args, lastSyncedAt)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE generations SET %s WHERE generation_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGeneration removes a generation. Changes and evolutions go with it
// through the cascade.
func (r Repo) DeleteGeneration(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM generations WHERE generation_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestPatchVersion returns the highest stored version beginning with the
// given "vX.Y." prefix, or ErrNotFound.
func (r Repo) LatestPatchVersion(ctx context.Context, prefix string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT version FROM generations WHERE version LIKE ? ORDER BY version DESC LIMIT 1`, prefix+"%").Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// ListHotfixGenerations returns patch releases, newest first. Release
// candidates are excluded by tag shape.
func (r Repo) ListHotfixGenerations(ctx context.Context) ([]domain.Generation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+generationCols+` FROM generations WHERE version LIKE '%.%._%' AND version NOT LIKE '%rc%' ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) PendingSyncGenerations(ctx context.Context) ([]domain.Generation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+generationCols+` FROM generations WHERE sync_status != 'synced' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertChangeTx(ctx context.Context, tx *sql.Tx, c domain.Change) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generation_changes(change_id,generation_id,type,title,description,status,pipeline) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.GenerationID, c.Type, c.Title, nullable(c.Description), c.Status, nullableStringPtr(c.Pipeline))
	return err
}

func (r Repo) GetChange(ctx context.Context, generationID, changeID string) (domain.Change, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT change_id,generation_id,type,title,description,status,pipeline FROM generation_changes WHERE generation_id=? AND change_id=?`, generationID, changeID)
	c, err := scanChange(row.Scan)
	if err != nil {
		return c, err
	}
	links, err := r.ListChangePipelines(ctx, generationID, changeID)
	if err != nil {
		return c, err
	}
	for _, l := range links {
		c.Pipelines = append(c.Pipelines, l.PipelineName)
	}
	return c, nil
}

func scanChange(scan func(dest ...any) error) (domain.Change, error) {
	var c domain.Change
	var description, pipeline sql.NullString
	err := scan(&c.ID, &c.GenerationID, &c.Type, &c.Title, &description, &c.Status, &pipeline)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if description.Valid {
		c.Description = description.String
	}
	if pipeline.Valid {
		c.Pipeline = &pipeline.String
	}
	return c, nil
}

func (r Repo) ListChanges(ctx context.Context, generationID string) ([]domain.Change, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT change_id,generation_id,type,title,description,status,pipeline FROM generation_changes WHERE generation_id=? ORDER BY rowid`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	links, err := r.listChangePipelineRows(ctx, generationID, "")
	if err != nil {
		return nil, err
	}
	byChange := map[string][]string{}
	for _, l := range links {
		byChange[l.ChangeID] = append(byChange[l.ChangeID], l.PipelineName)
	}
	for i := range res {
		res[i].Pipelines = byChange[res[i].ID]
	}
	return res, nil
}

func (r Repo) UpdateChangeStatusTx(ctx context.Context, tx *sql.Tx, generationID, changeID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE generation_changes SET status=? WHERE generation_id=? AND change_id=?`, status, generationID, changeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChangeTx removes the change and its pipeline links. Evolutions that
// already ran against the change are kept.
func (r Repo) DeleteChangeTx(ctx context.Context, tx *sql.Tx, generationID, changeID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM change_pipelines WHERE generation_id=? AND change_id=?`, generationID, changeID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generation_changes WHERE generation_id=? AND change_id=?`, generationID, changeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChangePipelinesTx rewrites the pipeline links for a change. The first
// name is the primary unless primary names one explicitly.
func (r Repo) ReplaceChangePipelinesTx(ctx context.Context, tx *sql.Tx, generationID, changeID string, names []string, primary, createdBy, now string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM change_pipelines WHERE generation_id=? AND change_id=?`, generationID, changeID); err != nil {
		return err
	}
	for i, name := range names {
		isPrimary := 0
		if (primary == "" && i == 0) || name == primary {
			isPrimary = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO change_pipelines(change_id,generation_id,pipeline_name,is_primary,created_by,created_at) VALUES (?,?,?,?,?,?)`,
			changeID, generationID, name, isPrimary, nullable(createdBy), now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListChangePipelines(ctx context.Context, generationID, changeID string) ([]domain.ChangePipeline, error) {
	return r.listChangePipelineRows(ctx, generationID, changeID)
}

func (r Repo) listChangePipelineRows(ctx context.Context, generationID, changeID string) ([]domain.ChangePipeline, error) {
	query := `SELECT change_id,generation_id,pipeline_name,is_primary,created_by,created_at FROM change_pipelines WHERE generation_id=?`
	args := []any{generationID}
	if changeID != "" {
		query += ` AND change_id=?`
		args = append(args, changeID)
	}
	query += ` ORDER BY is_primary DESC, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangePipeline
	for rows.Next() {
		var cp domain.ChangePipeline
		var createdBy sql.NullString
		var isPrimary int
		if err := rows.Scan(&cp.ChangeID, &cp.GenerationID, &cp.PipelineName, &isPrimary, &createdBy, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.IsPrimary = isPrimary != 0
		if createdBy.Valid {
			cp.CreatedBy = createdBy.String
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var entityID, payload sql.NullString
	if err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
