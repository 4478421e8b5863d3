package repo

import (
	"context"
	"database/sql"

	"agentbond/internal/domain"
)

// GetBalanceTx returns the account balance; unknown accounts hold zero.
func (r Repo) GetBalanceTx(ctx context.Context, q Querier, account string) (domain.Amount, error) {
	var amt domain.Amount
	err := q.QueryRowContext(ctx, `SELECT amount FROM balances WHERE account=?`, account).Scan(&amt)
	if err == sql.ErrNoRows {
		return domain.Amount{}, nil
	}
	return amt, err
}

func (r Repo) SetBalanceTx(ctx context.Context, q Querier, account string, amt domain.Amount) error {
	_, err := q.ExecContext(ctx, `INSERT INTO balances(account,amount) VALUES (?,?)
ON CONFLICT(account) DO UPDATE SET amount=excluded.amount`, account, amt)
	return err
}

// ListBalances returns every account with a balance row, ordered by account.
func (r Repo) ListBalances(ctx context.Context) ([]domain.Balance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT account,amount FROM balances ORDER BY account ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.Account, &b.Amount); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// GetEscrowStatsTx returns the escrow's aggregate for agent; unknown agents
// have zeroed stats.
func (r Repo) GetEscrowStatsTx(ctx context.Context, q Querier, agent string) (domain.AgentStats, error) {
	s := domain.AgentStats{Agent: agent}
	err := q.QueryRowContext(ctx, `SELECT tasks_completed,total_earned,disputes_lost FROM escrow_stats WHERE agent=?`, agent).
		Scan(&s.TasksCompleted, &s.TotalEarned, &s.DisputesLost)
	if err == sql.ErrNoRows {
		return s, nil
	}
	return s, err
}

func (r Repo) GetEscrowStats(ctx context.Context, agent string) (domain.AgentStats, error) {
	return r.GetEscrowStatsTx(ctx, r.DB, agent)
}

func (r Repo) UpsertEscrowStatsTx(ctx context.Context, q Querier, s domain.AgentStats) error {
	_, err := q.ExecContext(ctx, `INSERT INTO escrow_stats(agent,tasks_completed,total_earned,disputes_lost) VALUES (?,?,?,?)
ON CONFLICT(agent) DO UPDATE SET tasks_completed=excluded.tasks_completed, total_earned=excluded.total_earned, disputes_lost=excluded.disputes_lost`,
		s.Agent, s.TasksCompleted, s.TotalEarned, s.DisputesLost)
	return err
}
