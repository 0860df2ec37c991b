// Package repo is the SQLite persistence layer. All writes that belong to
// one logical mutation go through a single transaction opened by the
// caller; the Tx-suffixed methods participate in it.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

// --- projects ---

func (r *Repo) CreateProject(ctx context.Context, tx *sql.Tx, id, kind, description, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		id, kind, "active", nullable(description), now)
	return err
}

func (r *Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, ErrNotFound
		}
		return domain.Project{}, err
	}
	return p, nil
}

func (r *Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Project{}
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SingleProject returns the project when exactly one exists. Used by the
// CLI to resolve the target project when --project is not given.
func (r *Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	all, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(all) != 1 {
		return domain.Project{}, ErrNotFound
	}
	return all[0], nil
}

// DeleteProject removes the project row; dependent rows cascade.
func (r *Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- project configs ---

func (r *Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID string, cfg any, now string) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		projectID, string(data), now, now)
	return err
}

func (r *Repo) GetProjectConfig(ctx context.Context, projectID string, out any) error {
	row := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(data), out)
}

// --- event log ---

// EventsAfter returns durable log rows with id > after, oldest first.
func (r *Repo) EventsAfter(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		FROM events WHERE (?='' OR project_id=?) AND id>? ORDER BY id LIMIT ?`,
		projectID, projectID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns the newest rows, newest first.
func (r *Repo) LatestEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		FROM events WHERE (?='' OR project_id=?) ORDER BY id DESC LIMIT ?`,
		projectID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	out := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(data sql.NullString) []string {
	if !data.Valid || data.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(data.String), &out)
	return out
}
