package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"agentbond/internal/config"
	"agentbond/internal/domain"
	"agentbond/internal/events"
	"agentbond/internal/repo"
)

// Funds moves balances inside the caller's transaction.
type Funds interface {
	Transfer(ctx context.Context, q repo.Querier, from, to string, amount domain.Amount) error
}

// Reputation receives completion, creation and dispute outcomes. Writes are
// made as the custody account, which the reputation policy must trust.
type Reputation interface {
	IsRegisteredTx(ctx context.Context, q repo.Querier, id string) (bool, error)
	RecordTaskCompletionTx(ctx context.Context, q repo.Querier, caller, agent string, earned domain.Amount) error
	RecordTaskCreationTx(ctx context.Context, q repo.Querier, caller, agent string, spent domain.Amount) error
	RecordDisputeTx(ctx context.Context, q repo.Querier, caller, winner, loser string) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Funds  Funds
	// Reputation is optional; nil disables forwarding.
	Reputation Reputation
	Config     config.EscrowConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg config.EscrowConfig, funds Funds, rep Reputation, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{},
		Funds:      funds,
		Reputation: rep,
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) maxMilestones() int {
	if e.Config.MaxMilestones > 0 {
		return e.Config.MaxMilestones
	}
	return config.MaxMilestones
}

func taskRef(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (e Engine) loadTaskTx(ctx context.Context, q repo.Querier, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return t, fmt.Errorf("load task %d: %w", id, err)
	}
	return t, nil
}

func (e Engine) loadMilestoneTx(ctx context.Context, q repo.Querier, t domain.Task, idx int) (domain.Milestone, error) {
	if idx < 0 || idx >= t.MilestoneCount {
		return domain.Milestone{}, fmt.Errorf("%w: task %d has %d milestones", domain.ErrInvalidMilestone, t.ID, t.MilestoneCount)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, q, t.ID, idx)
	if errors.Is(err, repo.ErrNotFound) {
		return m, fmt.Errorf("%w: %d/%d", domain.ErrInvalidMilestone, t.ID, idx)
	}
	if err != nil {
		return m, fmt.Errorf("load milestone %d/%d: %w", t.ID, idx, err)
	}
	return m, nil
}

// CreateTaskOptions are parameters for posting a task.
type CreateTaskOptions struct {
	Caller                string
	Title                 string
	Description           string
	MilestoneDescriptions []string
	MilestoneAmounts      []domain.Amount
	DestinationDomain     uint32
	DestinationRecipient  domain.Hash
}

// reserved reports whether id is one of the accounts the escrow itself
// operates: custody, fee collection and arbitration.
func (e Engine) reserved(id string) bool {
	return id == e.Config.CustodyAccount || id == e.Config.FeeCollector || id == e.Config.Arbiter
}

// CreateTask escrows the sum of the milestone amounts from the caller and
// opens the task. Reserved escrow accounts cannot post tasks.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, error) {
	if opts.Caller == "" {
		return domain.Task{}, domain.ErrMissingCaller
	}
	if e.reserved(opts.Caller) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrReservedAccount, opts.Caller)
	}
	n := len(opts.MilestoneDescriptions)
	if n == 0 || n > e.maxMilestones() || n != len(opts.MilestoneAmounts) {
		return domain.Task{}, domain.ErrInvalidMilestoneSet
	}
	var total domain.Amount
	milestones := make([]domain.Milestone, 0, n)
	for i, amt := range opts.MilestoneAmounts {
		if amt.IsZero() {
			return domain.Task{}, fmt.Errorf("%w: milestone %d has zero amount", domain.ErrInvalidMilestoneSet, i)
		}
		var err error
		if total, err = total.Add(amt); err != nil {
			return domain.Task{}, err
		}
		milestones = append(milestones, domain.Milestone{
			Index:       i,
			Description: opts.MilestoneDescriptions[i],
			Amount:      amt,
			Status:      domain.MilestonePending,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Funds.Transfer(ctx, tx, opts.Caller, e.Config.CustodyAccount, total); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		Client:               opts.Caller,
		Title:                opts.Title,
		Description:          opts.Description,
		Status:               domain.TaskOpen,
		TotalAmount:          total,
		MilestoneCount:       n,
		DestinationDomain:    opts.DestinationDomain,
		DestinationRecipient: opts.DestinationRecipient,
		CreatedAt:            e.now().UTC().Format(time.RFC3339),
		Milestones:           milestones,
	}
	id, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	for i := range t.Milestones {
		t.Milestones[i].TaskID = id
	}
	if err := e.forward(ctx, tx, t.Client, func(rep Reputation) error {
		return rep.RecordTaskCreationTx(ctx, tx, e.Config.CustodyAccount, t.Client, total)
	}); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", taskRef(id), opts.Caller, events.EventPayload{
		"total_amount": total.String(), "milestones": n,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// forward calls fn when a reputation engine is wired and agent has a
// profile. Unregistered agents are skipped so fund movement never depends
// on reputation state.
func (e Engine) forward(ctx context.Context, q repo.Querier, agent string, fn func(Reputation) error) error {
	if e.Reputation == nil {
		return nil
	}
	ok, err := e.Reputation.IsRegisteredTx(ctx, q, agent)
	if err != nil {
		return err
	}
	if !ok {
		e.logger().Debug("reputation forward skipped", "agent", agent)
		return nil
	}
	return fn(e.Reputation)
}

// AcceptTask records the caller as worker and starts the task. Reserved
// escrow accounts cannot accept work.
func (e Engine) AcceptTask(ctx context.Context, caller string, id int64) (domain.Task, error) {
	if caller == "" {
		return domain.Task{}, domain.ErrMissingCaller
	}
	if e.reserved(caller) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrReservedAccount, caller)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskOpen {
		return domain.Task{}, domain.ErrNotOpen
	}
	if caller == t.Client {
		return domain.Task{}, domain.ErrSelfAcceptForbidden
	}
	t.Worker = &caller
	t.Status = domain.TaskInProgress
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskAccepted, "task", taskRef(id), caller, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeliverMilestone stores the deliverable digest for a pending milestone.
// A milestone whose amount no longer fits in the task's unreleased total,
// as after a refund consumed part of it, is rejected with ErrOverRelease.
func (e Engine) DeliverMilestone(ctx context.Context, caller string, id int64, idx int, hash domain.Hash) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if caller == "" || !t.IsWorker(caller) {
		return domain.Milestone{}, domain.ErrNotWorker
	}
	if t.Status != domain.TaskInProgress {
		return domain.Milestone{}, domain.ErrNotInProgress
	}
	m, err := e.loadMilestoneTx(ctx, tx, t, idx)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestonePending {
		return domain.Milestone{}, domain.ErrMilestoneNotPending
	}
	// t is not written back here; consume only checks the remaining headroom.
	if err := e.consume(&t, m.Amount); err != nil {
		return domain.Milestone{}, err
	}
	m.Status = domain.MilestoneDelivered
	m.DeliverableHash = hash
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("update milestone: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneDelivered, "task", taskRef(id), caller, events.EventPayload{
		"index": idx, "deliverable_hash": hash.Hex(),
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// ApproveMilestone pays out a delivered milestone and completes the task
// once every milestone is settled.
func (e Engine) ApproveMilestone(ctx context.Context, caller string, id int64, idx int) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if caller == "" || caller != t.Client {
		return domain.Task{}, domain.ErrNotClient
	}
	if t.Status != domain.TaskInProgress {
		return domain.Task{}, domain.ErrNotInProgress
	}
	m, err := e.loadMilestoneTx(ctx, tx, t, idx)
	if err != nil {
		return domain.Task{}, err
	}
	if m.Status != domain.MilestoneDelivered {
		return domain.Task{}, domain.ErrMilestoneNotDelivered
	}
	payout, err := e.release(ctx, tx, &t, m.Amount)
	if err != nil {
		return domain.Task{}, err
	}
	m.Status = domain.MilestoneApproved
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Task{}, fmt.Errorf("update milestone: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneApproved, "task", taskRef(id), caller, payout.payload(idx)); err != nil {
		return domain.Task{}, err
	}
	if err := e.completeIfSettled(ctx, tx, &t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DisputeMilestone freezes a delivered milestone and the task until the
// arbiter rules.
func (e Engine) DisputeMilestone(ctx context.Context, caller string, id int64, idx int) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if caller == "" || caller != t.Client {
		return domain.Task{}, domain.ErrNotClient
	}
	m, err := e.loadMilestoneTx(ctx, tx, t, idx)
	if err != nil {
		return domain.Task{}, err
	}
	if m.Status != domain.MilestoneDelivered {
		return domain.Task{}, domain.ErrMilestoneNotDelivered
	}
	m.Status = domain.MilestoneDisputed
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Task{}, fmt.Errorf("update milestone: %w", err)
	}
	t.Status = domain.TaskDisputed
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneDisputed, "task", taskRef(id), caller, events.EventPayload{"index": idx}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ResolveDispute settles a disputed milestone. In the worker's favour it is
// paid like an approval; otherwise its amount is refunded to the client and
// it reopens for re-delivery. The refunded amount still counts toward
// released_amount. The task returns to in_progress only once none of its
// milestones remain disputed; until then it stays disputed.
func (e Engine) ResolveDispute(ctx context.Context, caller string, id int64, idx int, inFavorOfWorker bool) (domain.Task, error) {
	if caller == "" || caller != e.Config.Arbiter {
		return domain.Task{}, domain.ErrNotArbiter
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskDisputed {
		return domain.Task{}, domain.ErrNotDisputed
	}
	m, err := e.loadMilestoneTx(ctx, tx, t, idx)
	if err != nil {
		return domain.Task{}, err
	}
	if m.Status != domain.MilestoneDisputed {
		return domain.Task{}, domain.ErrMilestoneNotDisputed
	}
	worker := ""
	if t.Worker != nil {
		worker = *t.Worker
	}
	payload := events.EventPayload{"index": idx, "in_favor_of_worker": inFavorOfWorker}
	if inFavorOfWorker {
		payout, err := e.release(ctx, tx, &t, m.Amount)
		if err != nil {
			return domain.Task{}, err
		}
		payload = payout.payload(idx)
		payload["in_favor_of_worker"] = true
		m.Status = domain.MilestoneReleased
	} else {
		if err := e.refund(ctx, tx, &t, m.Amount); err != nil {
			return domain.Task{}, err
		}
		payload["refunded"] = m.Amount.String()
		m.Status = domain.MilestonePending
		if err := e.bumpStats(ctx, tx, worker, func(s *domain.AgentStats) error {
			s.DisputesLost++
			return nil
		}); err != nil {
			return domain.Task{}, err
		}
		if e.Reputation != nil {
			if err := e.Reputation.RecordDisputeTx(ctx, tx, e.Config.CustodyAccount, t.Client, worker); err != nil {
				return domain.Task{}, err
			}
		}
	}
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Task{}, fmt.Errorf("update milestone: %w", err)
	}
	stillDisputed, err := e.Repo.CountMilestonesTx(ctx, tx, t.ID, domain.MilestoneDisputed)
	if err != nil {
		return domain.Task{}, err
	}
	if stillDisputed == 0 {
		t.Status = domain.TaskInProgress
		if err := e.completeIfSettled(ctx, tx, &t); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.DisputeResolved, "task", taskRef(id), caller, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CancelTask refunds an unaccepted task in full.
func (e Engine) CancelTask(ctx context.Context, caller string, id int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.loadTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if caller == "" || caller != t.Client {
		return domain.Task{}, domain.ErrNotClient
	}
	if t.Status != domain.TaskOpen {
		return domain.Task{}, domain.ErrNotOpen
	}
	if err := e.Funds.Transfer(ctx, tx, e.Config.CustodyAccount, t.Client, t.TotalAmount); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskCancelled
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCancelled, "task", taskRef(id), caller, events.EventPayload{
		"refunded": t.TotalAmount.String(),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
