package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

const evolutionCols = `evolution_id,generation_id,change_id,tag,status,pipeline_run_id,started_at,completed_at,sync_status,remote_id,last_synced_at,created_by`

func scanEvolution(scan func(dest ...any) error) (domain.Evolution, error) {
	var e domain.Evolution
	var runID, completedAt, remoteID, lastSyncedAt, createdBy sql.NullString
	err := scan(&e.ID, &e.GenerationID, &e.ChangeID, &e.Tag, &e.Status, &runID, &e.StartedAt, &completedAt, &e.SyncStatus, &remoteID, &lastSyncedAt, &createdBy)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if runID.Valid {
		e.PipelineRunID = &runID.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	if remoteID.Valid {
		e.RemoteID = &remoteID.String
	}
	if lastSyncedAt.Valid {
		e.LastSyncedAt = &lastSyncedAt.String
	}
	if createdBy.Valid {
		e.CreatedBy = createdBy.String
	}
	return e, nil
}

func (r Repo) InsertEvolution(ctx context.Context, e domain.Evolution) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertEvolutionTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertEvolutionTx inserts a new evolution. A tag collision surfaces as
// ErrTagTaken so the caller can recompute the tag and retry.
func (r Repo) InsertEvolutionTx(ctx context.Context, tx *sql.Tx, e domain.Evolution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evolutions(`+evolutionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.GenerationID, e.ChangeID, e.Tag, e.Status, nullableStringPtr(e.PipelineRunID), e.StartedAt,
		nullableStringPtr(e.CompletedAt), e.SyncStatus, nullableStringPtr(e.RemoteID), nullableStringPtr(e.LastSyncedAt), nullable(e.CreatedBy))
	if isUniqueViolation(err, "evolutions.tag") {
		return ErrTagTaken
	}
	return err
}

func (r Repo) GetEvolution(ctx context.Context, id string) (domain.Evolution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evolutionCols+` FROM evolutions WHERE evolution_id=?`, id)
	return scanEvolution(row.Scan)
}

func (r Repo) GetEvolutionByTag(ctx context.Context, tag string) (domain.Evolution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evolutionCols+` FROM evolutions WHERE tag=?`, tag)
	return scanEvolution(row.Scan)
}

func (r Repo) GetEvolutionByTagTx(ctx context.Context, tx *sql.Tx, tag string) (domain.Evolution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+evolutionCols+` FROM evolutions WHERE tag=?`, tag)
	return scanEvolution(row.Scan)
}

type EvolutionFilters struct {
	GenerationID string
	ChangeID     string
	Status       string
	Limit        int
}

// ListEvolutions returns evolutions newest first.
func (r Repo) ListEvolutions(ctx context.Context, f EvolutionFilters) ([]domain.Evolution, error) {
	var clauses []string
	var args []any
	if f.GenerationID != "" {
		clauses = append(clauses, "generation_id=?")
		args = append(args, f.GenerationID)
	}
	if f.ChangeID != "" {
		clauses = append(clauses, "change_id=?")
		args = append(args, f.ChangeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + evolutionCols + ` FROM evolutions ` + where + ` ORDER BY started_at DESC, evolution_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evolution
	for rows.Next() {
		e, err := scanEvolution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEvolutionsByChange(ctx context.Context, generationID, changeID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM evolutions WHERE generation_id=? AND change_id=?`, generationID, changeID).Scan(&n)
	return n, err
}

// ListEvolutionTags returns every tag beginning with the given prefix,
// e.g. "v1.0.0-rc.".
func (r Repo) ListEvolutionTags(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tag FROM evolutions WHERE tag LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (r Repo) ListEvolutionTagsTx(ctx context.Context, tx *sql.Tx, prefix string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT tag FROM evolutions WHERE tag LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// UpdateEvolutionStatusTx updates the run state. Nil runID and completedAt
// leave the stored values untouched.
func (r Repo) UpdateEvolutionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, runID, completedAt *string) error {
	fields := []string{"status=?"}
	args := []any{status}
	if runID != nil {
		fields = append(fields, "pipeline_run_id=?")
		args = append(args, nullableStringPtr(runID))
	}
	if completedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *completedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE evolutions SET %s WHERE evolution_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetEvolutionSync(ctx context.Context, id, syncStatus string, remoteID *string, lastSyncedAt string) error {
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
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE evolutions SET %s WHERE evolution_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEvolution(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM evolutions WHERE evolution_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, constraint)
}
