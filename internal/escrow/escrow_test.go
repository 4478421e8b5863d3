package escrow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentbond/internal/auth"
	"agentbond/internal/config"
	"agentbond/internal/db"
	"agentbond/internal/domain"
	"agentbond/internal/escrow"
	"agentbond/internal/ledger"
	"agentbond/internal/migrate"
	"agentbond/internal/repo"
	"agentbond/internal/reputation"
)

type testEnv struct {
	Engine     escrow.Engine
	Ledger     ledger.Ledger
	Reputation reputation.Engine
	Config     *config.Config
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	led := ledger.New(conn, auth.NewTrustedCallers(cfg.Reputation.Admins...))
	rep := reputation.New(conn, auth.NewTrustedCallers(cfg.TrustedCallers()...), nil)
	rep.Now = now
	eng := escrow.New(conn, cfg.Escrow, led, rep, nil)
	eng.Now = now
	return testEnv{Engine: eng, Ledger: led, Reputation: rep, Config: cfg, Ctx: ctx}
}

func units(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseUnits(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return a
}

func (env testEnv) fund(t *testing.T, account, amount string) {
	t.Helper()
	if _, err := env.Ledger.Fund(env.Ctx, "admin", account, units(t, amount)); err != nil {
		t.Fatalf("fund %s: %v", account, err)
	}
}

func (env testEnv) balance(t *testing.T, account string) string {
	t.Helper()
	b, err := env.Ledger.Balance(env.Ctx, account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b.Amount.Units()
}

// twoMilestoneTask funds alice, posts a [2.50, 2.50] task and lets bob accept it.
func (env testEnv) twoMilestoneTask(t *testing.T) domain.Task {
	t.Helper()
	env.fund(t, "alice", "10")
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		Title:                 "summarize corpus",
		MilestoneDescriptions: []string{"draft", "final"},
		MilestoneAmounts:      []domain.Amount{units(t, "2.50"), units(t, "2.50")},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return task
}

func (env testEnv) deliver(t *testing.T, id int64, idx int) {
	t.Helper()
	hash := domain.Keccak256Hash([]byte("deliverable"))
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "bob", id, idx, hash); err != nil {
		t.Fatalf("deliver %d: %v", idx, err)
	}
}

func TestMilestoneApprovalCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Reputation.RegisterAgent(env.Ctx, "alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Reputation.RegisterAgent(env.Ctx, "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	task := env.twoMilestoneTask(t)
	if task.ID != 1 || task.TotalAmount.Units() != "5" {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := env.balance(t, "alice"); got != "5" {
		t.Fatalf("alice balance = %s", got)
	}
	if got := env.balance(t, "escrow"); got != "5" {
		t.Fatalf("custody balance = %s", got)
	}

	env.deliver(t, task.ID, 0)
	got, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0)
	if err != nil {
		t.Fatalf("approve 0: %v", err)
	}
	if got.Status != domain.TaskInProgress {
		t.Fatalf("status after first approval = %s", got.Status)
	}
	if b := env.balance(t, "bob"); b != "2.4625" {
		t.Fatalf("worker balance = %s", b)
	}
	if b := env.balance(t, "fee-collector"); b != "0.0375" {
		t.Fatalf("fee balance = %s", b)
	}

	env.deliver(t, task.ID, 1)
	got, err = env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 1)
	if err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if got.Status != domain.TaskCompleted || got.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", got)
	}
	if got.ReleasedAmount.Units() != "5" {
		t.Fatalf("released = %s", got.ReleasedAmount.Units())
	}
	if b := env.balance(t, "bob"); b != "4.925" {
		t.Fatalf("worker balance = %s", b)
	}
	if b := env.balance(t, "escrow"); b != "0" {
		t.Fatalf("custody balance = %s", b)
	}

	stats, err := env.Engine.AgentStats(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TasksCompleted != 1 || stats.TotalEarned.Units() != "5" {
		t.Fatalf("stats = %+v", stats)
	}
	bob, err := env.Reputation.Profile(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.TasksCompleted != 1 || bob.TotalEarned.Units() != "5" {
		t.Fatalf("bob profile = %+v", bob)
	}
	alice, err := env.Reputation.Profile(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.TasksPosted != 1 || alice.TotalSpent.Units() != "5" {
		t.Fatalf("alice profile = %+v", alice)
	}

	// completed tasks accept no further transitions
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 1); !errors.Is(err, domain.ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress, got %v", err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, "alice", task.ID); !errors.Is(err, domain.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestDisputeResolvedForClientRefunds(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Reputation.RegisterAgent(env.Ctx, "bob", "Bob"); err != nil {
		t.Fatal(err)
	}
	task := env.twoMilestoneTask(t)
	env.deliver(t, task.ID, 0)

	got, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 0)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if got.Status != domain.TaskDisputed {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "bob", task.ID, 1, domain.Hash{}); !errors.Is(err, domain.ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress while disputed, got %v", err)
	}

	before := env.balance(t, "alice")
	got, err = env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if before != "5" || env.balance(t, "alice") != "7.5" {
		t.Fatalf("alice balance %s -> %s", before, env.balance(t, "alice"))
	}
	if got.Status != domain.TaskInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	// the refunded amount still counts as released
	if got.ReleasedAmount.Units() != "2.5" {
		t.Fatalf("released = %s", got.ReleasedAmount.Units())
	}
	m, err := env.Engine.GetMilestone(env.Ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePending {
		t.Fatalf("milestone status = %s", m.Status)
	}
	stats, err := env.Engine.AgentStats(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if stats.DisputesLost != 1 {
		t.Fatalf("escrow disputes lost = %d", stats.DisputesLost)
	}
	bob, err := env.Reputation.Profile(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.DisputesLost != 1 {
		t.Fatalf("profile disputes lost = %d", bob.DisputesLost)
	}
	if b := env.balance(t, "bob"); b != "0" {
		t.Fatalf("worker was paid %s", b)
	}
}

func TestOverReleaseAfterRefundIsRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.twoMilestoneTask(t)
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, false); err != nil {
		t.Fatal(err)
	}
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatalf("approve redelivered: %v", err)
	}

	// another task's deposit sits in the same custody account
	env.fund(t, "carol", "3")
	if _, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "carol",
		MilestoneDescriptions: []string{"only"},
		MilestoneAmounts:      []domain.Amount{units(t, "3")},
	}); err != nil {
		t.Fatal(err)
	}
	supply, err := env.Ledger.Supply(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}

	// the refund used up milestone 1's share, so delivery is refused
	_, err = env.Engine.DeliverMilestone(env.Ctx, "bob", task.ID, 1, domain.Keccak256Hash([]byte("final")))
	if !errors.Is(err, domain.ErrOverRelease) || domain.KindOf(err) != domain.KindIllegalState {
		t.Fatalf("expected ErrOverRelease on delivery, got %v", err)
	}
	m, err := env.Engine.GetMilestone(env.Ctx, task.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePending || !m.DeliverableHash.IsZero() {
		t.Fatalf("milestone = %+v", m)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 1); !errors.Is(err, domain.ErrMilestoneNotDelivered) {
		t.Fatalf("expected ErrMilestoneNotDelivered, got %v", err)
	}
	if b := env.balance(t, "escrow"); b != "3" {
		t.Fatalf("custody balance = %s", b)
	}
	after, err := env.Ledger.Supply(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(supply) {
		t.Fatalf("supply changed %s -> %s", supply, after)
	}
}

func TestApprovalGuardsOverReleaseForEarlierDeliveries(t *testing.T) {
	env := newTestEnv(t)
	task := env.twoMilestoneTask(t)
	env.deliver(t, task.ID, 0)
	env.deliver(t, task.ID, 1)
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, false); err != nil {
		t.Fatal(err)
	}
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatalf("approve 0: %v", err)
	}
	// milestone 1 was delivered before the refund and no longer fits
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 1); !errors.Is(err, domain.ErrOverRelease) {
		t.Fatalf("expected ErrOverRelease, got %v", err)
	}
	if b := env.balance(t, "escrow"); b != "0" {
		t.Fatalf("custody balance = %s", b)
	}
}

func TestReservedAccountsCannotBeTaskParties(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "5")
	if _, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"only"},
		MilestoneAmounts:      []domain.Amount{units(t, "5")},
	}); err != nil {
		t.Fatal(err)
	}

	for _, account := range []string{"escrow", "fee-collector", "arbiter"} {
		_, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
			Caller:                account,
			MilestoneDescriptions: []string{"only"},
			MilestoneAmounts:      []domain.Amount{units(t, "5")},
		})
		if !errors.Is(err, domain.ErrReservedAccount) || domain.KindOf(err) != domain.KindUnauthorized {
			t.Fatalf("create as %s: expected ErrReservedAccount, got %v", account, err)
		}
		if _, err := env.Engine.AcceptTask(env.Ctx, account, 1); !errors.Is(err, domain.ErrReservedAccount) {
			t.Fatalf("accept as %s: expected ErrReservedAccount, got %v", account, err)
		}
	}

	open, err := env.Engine.OpenTasks(env.Ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Client != "alice" {
		t.Fatalf("open tasks = %+v", open)
	}
	if b := env.balance(t, "escrow"); b != "5" {
		t.Fatalf("custody balance = %s", b)
	}
}

func TestConcurrentApprovalsPayOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.twoMilestoneTask(t)
	env.deliver(t, task.ID, 0)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) != domain.KindIllegalState:
			t.Fatalf("losing approval returned %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful approvals = %d", ok)
	}
	if b := env.balance(t, "bob"); b != "2.4625" {
		t.Fatalf("worker balance = %s", b)
	}
	if b := env.balance(t, "escrow"); b != "2.5" {
		t.Fatalf("custody balance = %s", b)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReleasedAmount.Units() != "2.5" {
		t.Fatalf("released = %s", got.ReleasedAmount.Units())
	}
}

func TestDisputeResolvedForWorkerCompletes(t *testing.T) {
	env := newTestEnv(t)
	task := env.twoMilestoneTask(t)
	env.deliver(t, task.ID, 0)
	env.deliver(t, task.ID, 1)
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 1); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskDisputed {
		t.Fatalf("task should stay disputed while milestone 1 is disputed, got %s", got.Status)
	}
	got, err = env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if b := env.balance(t, "bob"); b != "4.925" {
		t.Fatalf("worker balance = %s", b)
	}
	full, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range full.Milestones {
		if m.Status != domain.MilestoneReleased {
			t.Fatalf("milestone %d status = %s", m.Index, m.Status)
		}
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, true); !errors.Is(err, domain.ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "4")
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"a", "b"},
		MilestoneAmounts:      []domain.Amount{units(t, "1"), units(t, "2")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, "bob", task.ID); !errors.Is(err, domain.ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	got, err := env.Engine.CancelTask(env.Ctx, "alice", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCancelled || env.balance(t, "alice") != "4" {
		t.Fatalf("cancel failed: %s, balance %s", got.Status, env.balance(t, "alice"))
	}
	if _, err := env.Engine.CancelTask(env.Ctx, "alice", task.ID); !errors.Is(err, domain.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", task.ID); !errors.Is(err, domain.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}

	accepted := env.twoMilestoneTask(t)
	if _, err := env.Engine.CancelTask(env.Ctx, "alice", accepted.ID); !errors.Is(err, domain.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after accept, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "1")
	one := units(t, "0.1")
	cases := map[string]escrow.CreateTaskOptions{
		"empty":      {Caller: "alice"},
		"mismatched": {Caller: "alice", MilestoneDescriptions: []string{"a", "b"}, MilestoneAmounts: []domain.Amount{one}},
		"zero":       {Caller: "alice", MilestoneDescriptions: []string{"a"}, MilestoneAmounts: []domain.Amount{{}}},
		"too many": {
			Caller:                "alice",
			MilestoneDescriptions: make([]string, 11),
			MilestoneAmounts:      []domain.Amount{one, one, one, one, one, one, one, one, one, one, one},
		},
	}
	for name, opts := range cases {
		if _, err := env.Engine.CreateTask(env.Ctx, opts); !errors.Is(err, domain.ErrInvalidMilestoneSet) {
			t.Fatalf("%s: expected ErrInvalidMilestoneSet, got %v", name, err)
		}
	}

	_, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"a", "b"},
		MilestoneAmounts:      []domain.Amount{units(t, "0.6"), units(t, "0.5")},
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b := env.balance(t, "alice"); b != "1" {
		t.Fatalf("balance changed to %s", b)
	}
	open, err := env.Engine.OpenTasks(env.Ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("failed create left %d tasks", len(open))
	}

	ten := make([]domain.Amount, 10)
	for i := range ten {
		ten[i] = one
	}
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: make([]string, 10),
		MilestoneAmounts:      ten,
	})
	if err != nil {
		t.Fatalf("ten milestones: %v", err)
	}
	if task.MilestoneCount != 10 || task.TotalAmount.Units() != "1" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "5")
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"a"},
		MilestoneAmounts:      []domain.Amount{units(t, "1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "alice", task.ID); !errors.Is(err, domain.ErrSelfAcceptForbidden) {
		t.Fatalf("expected ErrSelfAcceptForbidden, got %v", err)
	}
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "bob", task.ID, 0, domain.Hash{}); !errors.Is(err, domain.ErrNotWorker) {
		t.Fatalf("expected ErrNotWorker on open task, got %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "carol", task.ID); !errors.Is(err, domain.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "carol", task.ID, 0, domain.Hash{}); !errors.Is(err, domain.ErrNotWorker) {
		t.Fatalf("expected ErrNotWorker, got %v", err)
	}
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "bob", task.ID, 1, domain.Hash{}); !errors.Is(err, domain.ErrInvalidMilestone) {
		t.Fatalf("expected ErrInvalidMilestone, got %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0); !errors.Is(err, domain.ErrMilestoneNotDelivered) {
		t.Fatalf("expected ErrMilestoneNotDelivered, got %v", err)
	}
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "alice", task.ID, 0); !errors.Is(err, domain.ErrMilestoneNotDelivered) {
		t.Fatalf("expected ErrMilestoneNotDelivered, got %v", err)
	}
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.DeliverMilestone(env.Ctx, "bob", task.ID, 0, domain.Hash{}); !errors.Is(err, domain.ErrMilestoneNotPending) {
		t.Fatalf("expected ErrMilestoneNotPending, got %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "bob", task.ID, 0); !errors.Is(err, domain.ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	if _, err := env.Engine.DisputeMilestone(env.Ctx, "bob", task.ID, 0); !errors.Is(err, domain.ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "alice", task.ID, 0, false); !errors.Is(err, domain.ErrNotArbiter) {
		t.Fatalf("expected ErrNotArbiter, got %v", err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "arbiter", task.ID, 0, false); !errors.Is(err, domain.ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, 42); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := env.Engine.GetMilestone(env.Ctx, task.ID, -1); !errors.Is(err, domain.ErrInvalidMilestone) {
		t.Fatalf("expected ErrInvalidMilestone, got %v", err)
	}
}

func TestFeeTruncatesTowardZero(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Fund(env.Ctx, "admin", "alice", domain.NewAmount(66)); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"tiny"},
		MilestoneAmounts:      []domain.Amount{domain.NewAmount(66)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatal(err)
	}
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0); err != nil {
		t.Fatal(err)
	}
	bob, err := env.Ledger.Balance(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.Amount.String() != "66" {
		t.Fatalf("worker got %s", bob.Amount)
	}
	if fee := escrow.Fee(domain.NewAmount(2500000), 150); fee.String() != "37500" {
		t.Fatalf("fee = %s", fee)
	}
}

func TestOpenTasksPagination(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "10")
	var ids []int64
	for i := 0; i < 4; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
			Caller:                "alice",
			MilestoneDescriptions: []string{"x"},
			MilestoneAmounts:      []domain.Amount{units(t, "1")},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", ids[1]); err != nil {
		t.Fatal(err)
	}
	page, err := env.Engine.OpenTasks(env.Ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[2] {
		t.Fatalf("first page = %+v", page)
	}
	page, err = env.Engine.OpenTasks(env.Ctx, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != ids[3] {
		t.Fatalf("second page = %+v", page)
	}
	page, err = env.Engine.OpenTasks(env.Ctx, 10, 5)
	if err != nil || len(page) != 0 {
		t.Fatalf("past the end = %+v, %v", page, err)
	}
	if _, err := env.Engine.OpenTasks(env.Ctx, 0, -1); !errors.Is(err, domain.ErrInvalidPage) {
		t.Fatalf("expected ErrInvalidPage, got %v", err)
	}
}

type failingReputation struct {
	escrow.Reputation
}

func (failingReputation) IsRegisteredTx(context.Context, repo.Querier, string) (bool, error) {
	return true, nil
}

func (failingReputation) RecordTaskCreationTx(context.Context, repo.Querier, string, string, domain.Amount) error {
	return nil
}

func (failingReputation) RecordTaskCompletionTx(context.Context, repo.Querier, string, string, domain.Amount) error {
	return errors.New("reputation store unavailable")
}

func TestFailedForwardRollsBackApproval(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Reputation = failingReputation{}
	env.fund(t, "alice", "1")
	task, err := env.Engine.CreateTask(env.Ctx, escrow.CreateTaskOptions{
		Caller:                "alice",
		MilestoneDescriptions: []string{"x"},
		MilestoneAmounts:      []domain.Amount{units(t, "1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatal(err)
	}
	env.deliver(t, task.ID, 0)
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, 0); err == nil {
		t.Fatalf("expected forward failure")
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskInProgress || !got.ReleasedAmount.IsZero() || got.Milestones[0].Status != domain.MilestoneDelivered {
		t.Fatalf("partial mutation: %+v", got)
	}
	if b := env.balance(t, "bob"); b != "0" {
		t.Fatalf("worker paid %s despite rollback", b)
	}
	if b := env.balance(t, "escrow"); b != "1" {
		t.Fatalf("custody balance = %s", b)
	}
}

func TestUnregisteredPartiesStillSettle(t *testing.T) {
	env := newTestEnv(t)
	task := env.twoMilestoneTask(t)
	for idx := 0; idx < 2; idx++ {
		env.deliver(t, task.ID, idx)
		if _, err := env.Engine.ApproveMilestone(env.Ctx, "alice", task.ID, idx); err != nil {
			t.Fatalf("approve %d: %v", idx, err)
		}
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	score, err := env.Reputation.TrustScore(env.Ctx, "bob")
	if err != nil || score != 0 {
		t.Fatalf("score = %d, %v", score, err)
	}
}
