package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const briefColumns = `id,item_id,project_id,version,status,COALESCE(problem_statement,''),goals_json,risks_json,user_stories_json,created_at,updated_at,frozen_at`

func (r *Repo) InsertBrief(ctx context.Context, tx *sql.Tx, b domain.ProductBrief) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO briefs(id,item_id,project_id,version,status,problem_statement,goals_json,risks_json,user_stories_json,created_at,updated_at,frozen_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ItemID, b.ProjectID, b.Version, b.Status, nullable(b.ProblemStatement),
		marshalList(b.Goals), marshalList(b.Risks), marshalList(b.UserStories),
		b.CreatedAt, b.UpdatedAt, nullablePtr(b.FrozenAt))
	return err
}

func (r *Repo) GetBrief(ctx context.Context, id string) (domain.ProductBrief, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id=?`, id)
	return scanBrief(row)
}

func (r *Repo) GetBriefTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProductBrief, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id=?`, id)
	return scanBrief(row)
}

// LatestBriefForItem returns the highest-version brief for a work item.
func (r *Repo) LatestBriefForItem(ctx context.Context, itemID string) (domain.ProductBrief, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE item_id=? ORDER BY version DESC LIMIT 1`, itemID)
	return scanBrief(row)
}

func (r *Repo) LatestBriefForItemTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.ProductBrief, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE item_id=? ORDER BY version DESC LIMIT 1`, itemID)
	return scanBrief(row)
}

func (r *Repo) ListBriefs(ctx context.Context, projectID string) ([]domain.ProductBrief, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE project_id=? ORDER BY item_id, version`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ProductBrief{}
	for rows.Next() {
		b, err := scanBrief(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateBriefTx(ctx context.Context, tx *sql.Tx, b domain.ProductBrief) error {
	_, err := tx.ExecContext(ctx, `UPDATE briefs SET status=?, problem_statement=?, goals_json=?, risks_json=?, user_stories_json=?, updated_at=?, frozen_at=? WHERE id=?`,
		b.Status, nullable(b.ProblemStatement), marshalList(b.Goals), marshalList(b.Risks), marshalList(b.UserStories),
		b.UpdatedAt, nullablePtr(b.FrozenAt), b.ID)
	return err
}

func scanBrief(row rowScanner) (domain.ProductBrief, error) {
	var b domain.ProductBrief
	var goals, risks, stories, frozen sql.NullString
	err := row.Scan(&b.ID, &b.ItemID, &b.ProjectID, &b.Version, &b.Status, &b.ProblemStatement,
		&goals, &risks, &stories, &b.CreatedAt, &b.UpdatedAt, &frozen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProductBrief{}, ErrNotFound
		}
		return domain.ProductBrief{}, err
	}
	b.Goals = unmarshalList(goals)
	b.Risks = unmarshalList(risks)
	b.UserStories = unmarshalList(stories)
	if frozen.Valid {
		b.FrozenAt = &frozen.String
	}
	return b, nil
}
