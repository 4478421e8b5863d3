package escrow

import (
	"context"

	"agentbond/internal/domain"
)

// GetTask returns the task with its milestones.
func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.loadTaskTx(ctx, e.DB, id)
	if err != nil {
		return t, err
	}
	t.Milestones, err = e.Repo.ListMilestones(ctx, id)
	return t, err
}

func (e Engine) GetMilestone(ctx context.Context, id int64, idx int) (domain.Milestone, error) {
	t, err := e.loadTaskTx(ctx, e.DB, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	return e.loadMilestoneTx(ctx, e.DB, t, idx)
}

func (e Engine) Milestones(ctx context.Context, id int64) ([]domain.Milestone, error) {
	if _, err := e.loadTaskTx(ctx, e.DB, id); err != nil {
		return nil, err
	}
	return e.Repo.ListMilestones(ctx, id)
}

// AgentStats returns the escrow's own aggregate for agent. It does not
// require a reputation profile.
func (e Engine) AgentStats(ctx context.Context, agent string) (domain.AgentStats, error) {
	return e.Repo.GetEscrowStats(ctx, agent)
}

// OpenTasks returns up to limit open tasks after skipping offset of them,
// in ascending id order.
func (e Engine) OpenTasks(ctx context.Context, offset, limit int) ([]domain.Task, error) {
	if offset < 0 || limit < 0 {
		return nil, domain.ErrInvalidPage
	}
	out := []domain.Task{}
	if limit == 0 {
		return out, nil
	}
	tasks, err := e.Repo.ListOpenTasks(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	return append(out, tasks...), nil
}
