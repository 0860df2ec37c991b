package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const taskColumns = `id,project_id,brief_id,title,status,assigned_agent,priority,created_at,updated_at,completed_at`

func (r *Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,brief_id,title,status,assigned_agent,priority,created_at,updated_at,completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullablePtr(t.BriefID), t.Title, t.Status, nullablePtr(t.AssignedAgent),
		nullableInt(t.Priority), t.CreatedAt, t.UpdatedAt, nullablePtr(t.CompletedAt))
	if err != nil {
		return err
	}
	return r.replaceTaskDepsTx(ctx, tx, t.ID, t.DependsOn)
}

func (r *Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, err
	}
	t.DependsOn, err = r.taskDeps(ctx, id)
	return t, err
}

func (r *Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, id)
	if err != nil {
		return domain.Task{}, err
	}
	defer rows.Close()
	t.DependsOn, err = scanIDs(rows)
	return t, err
}

// ListTasks returns every task in the project, deps populated. Ordered by
// priority (nulls last) then creation.
func (r *Repo) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=?
		ORDER BY priority IS NULL, priority, created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := r.allTaskDeps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn = deps[out[i].ID]
	}
	return out, nil
}

func (r *Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, assigned_agent=?, priority=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, t.Status, nullablePtr(t.AssignedAgent), nullableInt(t.Priority), t.UpdatedAt, nullablePtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	return r.replaceTaskDepsTx(ctx, tx, t.ID, t.DependsOn)
}

func (r *Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DependentsOf returns ids of tasks that list the given task as a
// dependency.
func (r *Repo) DependentsOf(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on_task_id=? ORDER BY task_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *Repo) replaceTaskDepsTx(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id,depends_on_task_id) VALUES (?,?)`, taskID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) taskDeps(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *Repo) allTaskDeps(ctx context.Context, projectID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id, d.depends_on_task_id FROM task_deps d
		JOIN tasks t ON t.id = d.task_id WHERE t.project_id=? ORDER BY d.task_id, d.depends_on_task_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		out[taskID] = append(out[taskID], dep)
	}
	return out, rows.Err()
}

// --- progress ---

func (r *Repo) AppendProgressTx(ctx context.Context, tx *sql.Tx, taskID string, percent int, message, ts string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO task_progress(task_id,percent,message,ts) VALUES (?,?,?,?)`,
		taskID, percent, message, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repo) ListProgress(ctx context.Context, taskID string) ([]domain.ProgressMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,percent,message,ts FROM task_progress WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ProgressMessage{}
	for rows.Next() {
		var m domain.ProgressMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Percent, &m.Message, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var briefID, agent, completed sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&t.ID, &t.ProjectID, &briefID, &t.Title, &t.Status, &agent, &priority, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	if briefID.Valid {
		t.BriefID = &briefID.String
	}
	if agent.Valid {
		t.AssignedAgent = &agent.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
