package repo

import (
	"context"
	"database/sql"
	"time"

	"shipline/internal/domain"
)

func (r Repo) GetSyncValue(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

func (r Repo) SetSyncValue(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_metadata(key, value, updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

// InsertGenerationFromRemote stores a generation fetched from the hub,
// keeping the origin workspace ID and linking the remote one.
func (r Repo) InsertGenerationFromRemote(ctx context.Context, g domain.Generation) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertGenerationTx(ctx, tx, g); err != nil {
		return err
	}
	for _, c := range g.Changes {
		c.GenerationID = g.ID
		if err := r.upsertChangeTx(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateGenerationFromRemote merges hub state into an existing local
// generation. Scalars follow the hub; changes are upserted by ID so rows that
// exist only locally survive the merge.
func (r Repo) UpdateGenerationFromRemote(ctx context.Context, localID string, g domain.Generation, now string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE generations SET version=?, description=?, codename=?, status=?, pipeline_template=?, promoted_at=?, created_by=?, promoted_by=?, sync_status='synced', last_synced_at=? WHERE generation_id=?`,
		g.Version, nullable(g.Description), nullable(g.Codename), g.Status, nullable(g.PipelineTemplate), nullableStringPtr(g.PromotedAt),
		nullable(g.CreatedBy), nullableStringPtr(g.PromotedBy), now, localID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, c := range g.Changes {
		c.GenerationID = localID
		if err := r.upsertChangeTx(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) upsertChangeTx(ctx context.Context, tx *sql.Tx, c domain.Change) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generation_changes(change_id,generation_id,type,title,description,status,pipeline) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(generation_id, change_id) DO UPDATE SET type=excluded.type, title=excluded.title, description=excluded.description, status=excluded.status`,
		c.ID, c.GenerationID, c.Type, c.Title, nullable(c.Description), c.Status, nullableStringPtr(c.Pipeline))
	return err
}
