package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentbond/internal/auth"
	"agentbond/internal/domain"
	"agentbond/internal/events"
	"agentbond/internal/repo"
)

const (
	MaxNameLength   = 64
	MinRating       = 1
	MaxRating       = 100
	completionBonus = 10
	disputePenalty  = 5
)

// Engine owns agent profiles. Profiles are keyed by identity and can be
// neither deleted nor reassigned.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Policy gates the counter writes made on behalf of escrow and admins.
	Policy auth.Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, policy auth.Policy, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Policy: policy,
		Logger: logger,
		Now:    time.Now,
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

func (e Engine) authorize(caller string) error {
	if e.Policy == nil {
		return domain.ErrUnauthorized
	}
	return e.Policy.Authorize(caller)
}

// inTx runs fn in a transaction that commits only when fn succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) loadTx(ctx context.Context, q repo.Querier, id string) (domain.AgentProfile, error) {
	p, err := e.Repo.GetAgentTx(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, fmt.Errorf("%w: %s", domain.ErrAgentNotRegistered, id)
	}
	if err != nil {
		return p, fmt.Errorf("load agent %s: %w", id, err)
	}
	return p, nil
}

// RegisterAgent creates the caller's profile with zeroed counters.
func (e Engine) RegisterAgent(ctx context.Context, caller, name string) (domain.AgentProfile, error) {
	if caller == "" {
		return domain.AgentProfile{}, domain.ErrMissingCaller
	}
	if len(name) < 1 || len(name) > MaxNameLength {
		return domain.AgentProfile{}, domain.ErrInvalidName
	}
	var p domain.AgentProfile
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		registered, err := e.IsRegisteredTx(ctx, tx, caller)
		if err != nil {
			return err
		}
		if registered {
			return domain.ErrAlreadyRegistered
		}
		seq, err := e.Repo.NextAgentSeqTx(ctx, tx)
		if err != nil {
			return err
		}
		p = domain.AgentProfile{
			ID:           caller,
			Name:         name,
			RegisteredAt: e.now().UTC().Format(time.RFC3339),
			Seq:          seq,
		}
		if err := e.Repo.InsertAgentTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return e.Events.Append(ctx, tx, events.AgentRegistered, "agent", caller, caller, events.EventPayload{"name": name, "seq": seq})
	})
	if err != nil {
		return domain.AgentProfile{}, err
	}
	return p, nil
}

func (e Engine) IsRegisteredTx(ctx context.Context, q repo.Querier, id string) (bool, error) {
	_, err := e.Repo.GetAgentTx(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SubmitRating folds rating into the agent's running mean. Any identity
// other than the agent may rate, registered or not.
func (e Engine) SubmitRating(ctx context.Context, caller, agent string, rating int) (domain.AgentProfile, error) {
	if caller == "" {
		return domain.AgentProfile{}, domain.ErrMissingCaller
	}
	if caller == agent {
		return domain.AgentProfile{}, domain.ErrSelfRatingForbidden
	}
	if rating < MinRating || rating > MaxRating {
		return domain.AgentProfile{}, domain.ErrInvalidRating
	}
	var p domain.AgentProfile
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = e.loadTx(ctx, tx, agent)
		if err != nil {
			return err
		}
		p.AvgRating = (p.AvgRating*p.RatingCount + int64(rating)) / (p.RatingCount + 1)
		p.RatingCount++
		if err := e.Repo.UpdateAgentTx(ctx, tx, p); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		return e.Events.Append(ctx, tx, events.AgentRated, "agent", agent, caller, events.EventPayload{"rating": rating})
	})
	if err != nil {
		return domain.AgentProfile{}, err
	}
	return p, nil
}

// RecordTaskCompletionTx credits a completed task and its earnings.
func (e Engine) RecordTaskCompletionTx(ctx context.Context, q repo.Querier, caller, agent string, earned domain.Amount) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	p, err := e.loadTx(ctx, q, agent)
	if err != nil {
		return err
	}
	if p.TotalEarned, err = p.TotalEarned.Add(earned); err != nil {
		return err
	}
	p.TasksCompleted++
	return e.Repo.UpdateAgentTx(ctx, q, p)
}

func (e Engine) RecordTaskCompletion(ctx context.Context, caller, agent string, earned domain.Amount) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.RecordTaskCompletionTx(ctx, tx, caller, agent, earned)
	})
}

// RecordTaskCreationTx credits a posted task and the amount escrowed for it.
func (e Engine) RecordTaskCreationTx(ctx context.Context, q repo.Querier, caller, agent string, spent domain.Amount) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	p, err := e.loadTx(ctx, q, agent)
	if err != nil {
		return err
	}
	if p.TotalSpent, err = p.TotalSpent.Add(spent); err != nil {
		return err
	}
	p.TasksPosted++
	return e.Repo.UpdateAgentTx(ctx, q, p)
}

func (e Engine) RecordTaskCreation(ctx context.Context, caller, agent string, spent domain.Amount) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.RecordTaskCreationTx(ctx, tx, caller, agent, spent)
	})
}

// RecordX402ServiceTx credits paid API calls served by agent.
func (e Engine) RecordX402ServiceTx(ctx context.Context, q repo.Querier, caller, agent string, calls int64, revenue domain.Amount) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	if calls < 0 {
		return domain.ErrInvalidAmount
	}
	p, err := e.loadTx(ctx, q, agent)
	if err != nil {
		return err
	}
	if p.X402Revenue, err = p.X402Revenue.Add(revenue); err != nil {
		return err
	}
	p.X402CallsServed += calls
	if err := e.Repo.UpdateAgentTx(ctx, q, p); err != nil {
		return err
	}
	return e.Events.Append(ctx, q, events.AgentX402Served, "agent", agent, caller,
		events.EventPayload{"calls": calls, "revenue": revenue.String()})
}

func (e Engine) RecordX402Service(ctx context.Context, caller, agent string, calls int64, revenue domain.Amount) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.RecordX402ServiceTx(ctx, tx, caller, agent, calls, revenue)
	})
}

// RecordDisputeTx counts a dispute outcome. Unregistered parties are skipped.
func (e Engine) RecordDisputeTx(ctx context.Context, q repo.Querier, caller, winner, loser string) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	bump := func(id string, apply func(*domain.AgentProfile)) error {
		p, err := e.Repo.GetAgentTx(ctx, q, id)
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Debug("dispute party not registered", "agent", id)
			return nil
		}
		if err != nil {
			return err
		}
		apply(&p)
		return e.Repo.UpdateAgentTx(ctx, q, p)
	}
	if err := bump(winner, func(p *domain.AgentProfile) { p.DisputesWon++ }); err != nil {
		return err
	}
	return bump(loser, func(p *domain.AgentProfile) { p.DisputesLost++ })
}

func (e Engine) RecordDispute(ctx context.Context, caller, winner, loser string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.RecordDisputeTx(ctx, tx, caller, winner, loser)
	})
}

func (e Engine) Profile(ctx context.Context, agent string) (domain.AgentProfile, error) {
	return e.loadTx(ctx, e.DB, agent)
}

// TrustScore derives the agent's score from its current profile. Unknown
// agents score zero.
func (e Engine) TrustScore(ctx context.Context, agent string) (int64, error) {
	p, err := e.Repo.GetAgent(ctx, agent)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return Score(p), nil
}

// Score is avgRating + min(tasksCompleted, 10) - 5*disputesLost, floored at
// zero. Profiles that were never rated score zero.
func Score(p domain.AgentProfile) int64 {
	if p.RatingCount == 0 {
		return 0
	}
	score := p.AvgRating + min(p.TasksCompleted, completionBonus) - disputePenalty*p.DisputesLost
	return max(score, 0)
}

func (e Engine) AgentCount(ctx context.Context) (int, error) {
	return e.Repo.CountAgents(ctx)
}

// Leaderboard returns a page of agents in registration order with their
// trust scores.
func (e Engine) Leaderboard(ctx context.Context, offset, limit int) ([]domain.LeaderboardEntry, error) {
	if offset < 0 || limit < 0 {
		return nil, domain.ErrInvalidPage
	}
	total, err := e.Repo.CountAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.LeaderboardEntry{}
	if offset >= total || limit == 0 {
		return out, nil
	}
	profiles, err := e.Repo.ListAgentsBySeq(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		out = append(out, domain.LeaderboardEntry{Agent: p.ID, Name: p.Name, TrustScore: Score(p)})
	}
	return out, nil
}
