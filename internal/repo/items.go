package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"stageline/internal/domain"
)

const itemColumns = `id,project_id,stage,COALESCE(severity,''),kind,title,COALESCE(summary,''),unread,artifact_ids_json,metadata_json,created_at,updated_at`

func (r *Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	var meta any
	if len(it.Metadata) > 0 {
		data, err := json.Marshal(it.Metadata)
		if err != nil {
			return err
		}
		meta = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,project_id,stage,severity,kind,title,summary,unread,artifact_ids_json,metadata_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Stage, nullable(it.Severity), it.Kind, it.Title, nullable(it.Summary),
		boolToInt(it.Unread), marshalList(it.LinkedArtifactIDs), meta, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r *Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row)
}

// GetItemTx reads the item inside the caller's transaction so stage checks
// and the subsequent write see the same snapshot.
func (r *Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row)
}

func (r *Repo) ListItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.WorkItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateItemStageTx(ctx context.Context, tx *sql.Tx, id, stage, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET stage=?, updated_at=? WHERE id=?`, stage, now, id)
	return err
}

func (r *Repo) MarkItemRead(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET unread=0, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- board ---

// BoardEntryForTx returns the stage the item currently sits in, or
// ErrNotFound when the item is off the board.
func (r *Repo) BoardEntryForTx(ctx context.Context, tx *sql.Tx, projectID, itemID string) (string, error) {
	row := tx.QueryRowContext(ctx, `SELECT stage FROM stage_entries WHERE project_id=? AND item_id=?`, projectID, itemID)
	var stage string
	if err := row.Scan(&stage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return stage, nil
}

// AppendBoardEntryTx places the item at the tail of the stage bucket. The
// primary key on (project_id,item_id) guarantees one bucket per item, so
// the caller must remove any previous entry first.
func (r *Repo) AppendBoardEntryTx(ctx context.Context, tx *sql.Tx, projectID, stage, itemID string) error {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM stage_entries WHERE project_id=? AND stage=?`, projectID, stage)
	var pos int
	if err := row.Scan(&pos); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_entries(project_id,stage,position,item_id) VALUES (?,?,?,?)`,
		projectID, stage, pos, itemID)
	return err
}

func (r *Repo) RemoveBoardEntryTx(ctx context.Context, tx *sql.Tx, projectID, itemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM stage_entries WHERE project_id=? AND item_id=?`, projectID, itemID)
	return err
}

// GetBoard returns every configured stage bucket in insertion order.
// Stages with no entries map to empty slices, never nil.
func (r *Repo) GetBoard(ctx context.Context, projectID string, stages []string) (domain.StageBoard, error) {
	board := domain.StageBoard{ProjectID: projectID, Stages: make(map[string][]string, len(stages))}
	for _, s := range stages {
		board.Stages[s] = []string{}
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT stage,item_id FROM stage_entries WHERE project_id=? ORDER BY stage, position`, projectID)
	if err != nil {
		return domain.StageBoard{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var stage, itemID string
		if err := rows.Scan(&stage, &itemID); err != nil {
			return domain.StageBoard{}, err
		}
		board.Stages[stage] = append(board.Stages[stage], itemID)
	}
	return board, rows.Err()
}

// --- transitions ---

func (r *Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.StageTransition) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO stage_transitions(item_id,from_stage,to_stage,project_id,actor_id,ts) VALUES (?,?,?,?,?,?)`,
		t.ItemID, nullablePtr(t.FromStage), t.ToStage, t.ProjectID, t.ActorID, t.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransitions returns the audit log for a project oldest first. When
// itemID is set only that item's rows are returned.
func (r *Repo) ListTransitions(ctx context.Context, projectID, itemID string) ([]domain.StageTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,item_id,from_stage,to_stage,project_id,actor_id,ts
		FROM stage_transitions WHERE project_id=? AND (?='' OR item_id=?) ORDER BY id`,
		projectID, itemID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.StageTransition{}
	for rows.Next() {
		var t domain.StageTransition
		var from sql.NullString
		if err := rows.Scan(&t.ID, &t.ItemID, &from, &t.ToStage, &t.ProjectID, &t.ActorID, &t.TS); err != nil {
			return nil, err
		}
		if from.Valid {
			t.FromStage = &from.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var unread int
	var artifacts, meta sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.Stage, &it.Severity, &it.Kind, &it.Title, &it.Summary,
		&unread, &artifacts, &meta, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkItem{}, ErrNotFound
		}
		return domain.WorkItem{}, err
	}
	it.Unread = unread != 0
	it.LinkedArtifactIDs = unmarshalList(artifacts)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &it.Metadata)
	}
	return it, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
