package repo

import (
	"context"
	"database/sql"

	"agentbond/internal/domain"
)

const taskColumns = `id,client,worker,title,description,status,total_amount,released_amount,milestone_count,destination_domain,destination_recipient,created_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var worker, description, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Client, &worker, &t.Title, &description, &t.Status, &t.TotalAmount, &t.ReleasedAmount,
		&t.MilestoneCount, &t.DestinationDomain, &t.DestinationRecipient, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if worker.Valid {
		t.Worker = &worker.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// InsertTaskTx stores a new task and its milestones and returns the assigned id.
func (r Repo) InsertTaskTx(ctx context.Context, q Querier, t domain.Task) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO tasks(client,worker,title,description,status,total_amount,released_amount,milestone_count,destination_domain,destination_recipient,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Client, nullableStringPtr(t.Worker), t.Title, nullable(t.Description), t.Status, t.TotalAmount, t.ReleasedAmount,
		t.MilestoneCount, t.DestinationDomain, t.DestinationRecipient, t.CreatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, m := range t.Milestones {
		m.TaskID = id
		if err := r.InsertMilestoneTx(ctx, q, m); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// UpdateTaskTx persists the mutable task fields.
func (r Repo) UpdateTaskTx(ctx context.Context, q Querier, t domain.Task) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET worker=?, status=?, released_amount=?, completed_at=? WHERE id=?`,
		nullableStringPtr(t.Worker), t.Status, t.ReleasedAmount, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTaskTx(ctx context.Context, q Querier, id int64) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.GetTaskTx(ctx, r.DB, id)
}

// ListOpenTasks returns open tasks in ascending id order.
func (r Repo) ListOpenTasks(ctx context.Context, offset, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY id ASC LIMIT ? OFFSET ?`,
		domain.TaskOpen, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertMilestoneTx(ctx context.Context, q Querier, m domain.Milestone) error {
	_, err := q.ExecContext(ctx, `INSERT INTO milestones(task_id,idx,description,amount,status,deliverable_hash) VALUES (?,?,?,?,?,?)`,
		m.TaskID, m.Index, m.Description, m.Amount, m.Status, m.DeliverableHash)
	return err
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, q Querier, m domain.Milestone) error {
	res, err := q.ExecContext(ctx, `UPDATE milestones SET status=?, deliverable_hash=? WHERE task_id=? AND idx=?`,
		m.Status, m.DeliverableHash, m.TaskID, m.Index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	err := row.Scan(&m.TaskID, &m.Index, &m.Description, &m.Amount, &m.Status, &m.DeliverableHash)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) GetMilestoneTx(ctx context.Context, q Querier, taskID int64, idx int) (domain.Milestone, error) {
	return scanMilestone(q.QueryRowContext(ctx, `SELECT task_id,idx,description,amount,status,deliverable_hash FROM milestones WHERE task_id=? AND idx=?`, taskID, idx))
}

func (r Repo) GetMilestone(ctx context.Context, taskID int64, idx int) (domain.Milestone, error) {
	return r.GetMilestoneTx(ctx, r.DB, taskID, idx)
}

// ListMilestonesTx returns a task's milestones ordered by index.
func (r Repo) ListMilestonesTx(ctx context.Context, q Querier, taskID int64) ([]domain.Milestone, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,idx,description,amount,status,deliverable_hash FROM milestones WHERE task_id=? ORDER BY idx ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMilestones(ctx context.Context, taskID int64) ([]domain.Milestone, error) {
	return r.ListMilestonesTx(ctx, r.DB, taskID)
}

// CountMilestonesTx counts a task's milestones in the given status.
func (r Repo) CountMilestonesTx(ctx context.Context, q Querier, taskID int64, status domain.MilestoneStatus) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE task_id=? AND status=?`, taskID, status).Scan(&n)
	return n, err
}
