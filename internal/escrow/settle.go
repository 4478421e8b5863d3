package escrow

import (
	"context"
	"fmt"
	"time"

	"agentbond/internal/domain"
	"agentbond/internal/events"
	"agentbond/internal/repo"
)

type payout struct {
	Worker domain.Amount
	Fee    domain.Amount
}

func (p payout) payload(idx int) events.EventPayload {
	return events.EventPayload{"index": idx, "worker_payout": p.Worker.String(), "fee": p.Fee.String()}
}

// Fee returns the platform cut of amount, truncated toward zero.
func Fee(amount domain.Amount, bps uint64) domain.Amount {
	return amount.BasisPoints(bps)
}

func (e Engine) consume(t *domain.Task, amount domain.Amount) error {
	next, err := t.ReleasedAmount.Add(amount)
	if err != nil {
		return err
	}
	if next.Cmp(t.TotalAmount) > 0 {
		return fmt.Errorf("%w: task %d released %s of %s, cannot add %s", domain.ErrOverRelease, t.ID, t.ReleasedAmount, t.TotalAmount, amount)
	}
	t.ReleasedAmount = next
	return nil
}

// release pays amount less the fee to the worker and the fee to the
// collector, both out of custody.
func (e Engine) release(ctx context.Context, q repo.Querier, t *domain.Task, amount domain.Amount) (payout, error) {
	if t.Worker == nil {
		return payout{}, domain.ErrNotInProgress
	}
	if err := e.consume(t, amount); err != nil {
		return payout{}, err
	}
	fee := Fee(amount, e.Config.FeeBasisPoints)
	net, err := amount.Sub(fee)
	if err != nil {
		return payout{}, err
	}
	if err := e.Funds.Transfer(ctx, q, e.Config.CustodyAccount, *t.Worker, net); err != nil {
		return payout{}, err
	}
	if err := e.Funds.Transfer(ctx, q, e.Config.CustodyAccount, e.Config.FeeCollector, fee); err != nil {
		return payout{}, err
	}
	return payout{Worker: net, Fee: fee}, nil
}

// refund returns amount to the client from custody.
func (e Engine) refund(ctx context.Context, q repo.Querier, t *domain.Task, amount domain.Amount) error {
	if err := e.consume(t, amount); err != nil {
		return err
	}
	return e.Funds.Transfer(ctx, q, e.Config.CustodyAccount, t.Client, amount)
}

// completeIfSettled moves an in-progress task to completed once every
// milestone is approved or released.
func (e Engine) completeIfSettled(ctx context.Context, q repo.Querier, t *domain.Task) error {
	if t.Status != domain.TaskInProgress || t.Worker == nil {
		return nil
	}
	milestones, err := e.Repo.ListMilestonesTx(ctx, q, t.ID)
	if err != nil {
		return fmt.Errorf("list milestones: %w", err)
	}
	for _, m := range milestones {
		if !m.Status.Settled() {
			return nil
		}
	}
	worker := *t.Worker
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	if err := e.bumpStats(ctx, q, worker, func(s *domain.AgentStats) error {
		earned, err := s.TotalEarned.Add(t.ReleasedAmount)
		if err != nil {
			return err
		}
		s.TotalEarned = earned
		s.TasksCompleted++
		return nil
	}); err != nil {
		return err
	}
	if err := e.forward(ctx, q, worker, func(rep Reputation) error {
		return rep.RecordTaskCompletionTx(ctx, q, e.Config.CustodyAccount, worker, t.ReleasedAmount)
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, q, events.TaskCompleted, "task", taskRef(t.ID), worker, events.EventPayload{
		"released_amount": t.ReleasedAmount.String(),
	})
}

func (e Engine) bumpStats(ctx context.Context, q repo.Querier, agent string, apply func(*domain.AgentStats) error) error {
	if agent == "" {
		return nil
	}
	s, err := e.Repo.GetEscrowStatsTx(ctx, q, agent)
	if err != nil {
		return fmt.Errorf("load stats %s: %w", agent, err)
	}
	if err := apply(&s); err != nil {
		return err
	}
	return e.Repo.UpsertEscrowStatsTx(ctx, q, s)
}
