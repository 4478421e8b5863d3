package repo

import (
	"context"
	"database/sql"

	"agentbond/internal/domain"
)

const agentColumns = `id,name,registered_at,seq,tasks_completed,tasks_posted,total_earned,total_spent,disputes_won,disputes_lost,x402_calls_served,x402_revenue,avg_rating,rating_count`

func scanAgent(row rowScanner) (domain.AgentProfile, error) {
	var p domain.AgentProfile
	err := row.Scan(&p.ID, &p.Name, &p.RegisteredAt, &p.Seq, &p.TasksCompleted, &p.TasksPosted, &p.TotalEarned, &p.TotalSpent,
		&p.DisputesWon, &p.DisputesLost, &p.X402CallsServed, &p.X402Revenue, &p.AvgRating, &p.RatingCount)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// NextAgentSeqTx returns the registration sequence number for a new agent.
func (r Repo) NextAgentSeqTx(ctx context.Context, q Querier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),-1)+1 FROM agents`).Scan(&seq)
	return seq, err
}

func (r Repo) InsertAgentTx(ctx context.Context, q Querier, p domain.AgentProfile) error {
	_, err := q.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.RegisteredAt, p.Seq, p.TasksCompleted, p.TasksPosted, p.TotalEarned, p.TotalSpent,
		p.DisputesWon, p.DisputesLost, p.X402CallsServed, p.X402Revenue, p.AvgRating, p.RatingCount)
	return err
}

// UpdateAgentTx writes back every counter of a profile.
func (r Repo) UpdateAgentTx(ctx context.Context, q Querier, p domain.AgentProfile) error {
	res, err := q.ExecContext(ctx, `UPDATE agents SET tasks_completed=?, tasks_posted=?, total_earned=?, total_spent=?, disputes_won=?, disputes_lost=?, x402_calls_served=?, x402_revenue=?, avg_rating=?, rating_count=? WHERE id=?`,
		p.TasksCompleted, p.TasksPosted, p.TotalEarned, p.TotalSpent, p.DisputesWon, p.DisputesLost,
		p.X402CallsServed, p.X402Revenue, p.AvgRating, p.RatingCount, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgentTx(ctx context.Context, q Querier, id string) (domain.AgentProfile, error) {
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.AgentProfile, error) {
	return r.GetAgentTx(ctx, r.DB, id)
}

// ListAgentsBySeq returns profiles in registration order.
func (r Repo) ListAgentsBySeq(ctx context.Context, offset, limit int) ([]domain.AgentProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY seq ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentProfile
	for rows.Next() {
		p, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}
