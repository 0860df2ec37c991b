package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r *Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.UploadSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,project_id,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *Repo) GetSession(ctx context.Context, id string) (domain.UploadSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM sessions WHERE id=?`, id)
	s, err := scanSession(row)
	if err != nil {
		return domain.UploadSession{}, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,name,source_tag,status,position FROM session_files WHERE session_id=? ORDER BY position`, id)
	if err != nil {
		return domain.UploadSession{}, err
	}
	defer rows.Close()
	s.Files, err = scanFiles(rows)
	return s, err
}

func (r *Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.UploadSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM sessions WHERE id=?`, id)
	s, err := scanSession(row)
	if err != nil {
		return domain.UploadSession{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id,session_id,name,source_tag,status,position FROM session_files WHERE session_id=? ORDER BY position`, id)
	if err != nil {
		return domain.UploadSession{}, err
	}
	defer rows.Close()
	s.Files, err = scanFiles(rows)
	return s, err
}

func (r *Repo) ListSessions(ctx context.Context, projectID string) ([]domain.UploadSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,status,created_at,updated_at FROM sessions WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.UploadSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		frows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,name,source_tag,status,position FROM session_files WHERE session_id=? ORDER BY position`, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Files, err = scanFiles(frows)
		frows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repo) UpdateSessionStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, updated_at=? WHERE id=?`, status, now, id)
	return err
}

func (r *Repo) DeleteSessionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- session files ---

// NextFilePositionTx returns the 1-based position for the next upload.
// Positions only grow, so source tags stay stable across file removals.
func (r *Repo) NextFilePositionTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM session_files WHERE session_id=?`, sessionID)
	var pos int
	if err := row.Scan(&pos); err != nil {
		return 0, err
	}
	return pos, nil
}

func (r *Repo) InsertSessionFileTx(ctx context.Context, tx *sql.Tx, f domain.SourceFile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_files(id,session_id,name,source_tag,status,position) VALUES (?,?,?,?,?,?)`,
		f.ID, f.SessionID, f.Name, f.SourceTag, f.Status, f.Position)
	return err
}

func (r *Repo) UpdateSessionFileStatusTx(ctx context.Context, tx *sql.Tx, fileID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE session_files SET status=? WHERE id=?`, status, fileID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row rowScanner) (domain.UploadSession, error) {
	var s domain.UploadSession
	err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UploadSession{}, ErrNotFound
		}
		return domain.UploadSession{}, err
	}
	s.Files = []domain.SourceFile{}
	return s, nil
}

func scanFiles(rows *sql.Rows) ([]domain.SourceFile, error) {
	out := []domain.SourceFile{}
	for rows.Next() {
		var f domain.SourceFile
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Name, &f.SourceTag, &f.Status, &f.Position); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
