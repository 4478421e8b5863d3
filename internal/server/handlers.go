package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentbond/internal/domain"
	"agentbond/internal/escrow"
	"agentbond/internal/reputation"
)

type taskPath struct {
	ID int64 `path:"id" minimum:"1"`
}

type milestonePath struct {
	ID  int64 `path:"id" minimum:"1"`
	Idx int   `path:"idx" minimum:"0"`
}

type pageQuery struct {
	Offset int `query:"offset" minimum:"0"`
	Limit  int `query:"limit" default:"50" minimum:"0" maximum:"200"`
}

func (a *api) registerAgents(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPost,
		Path:        "/agents",
		Summary:     "Register the caller as an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*out[AgentResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		p, err := a.svc.Reputation.RegisterAgent(ctx, actor, input.Body.Name)
		if serr := a.done("agent.register", start, err); serr != nil {
			return nil, serr
		}
		return &out[AgentResponse]{Body: agentResponse(p, 0)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get an agent profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[AgentResponse], error) {
		p, err := a.svc.Reputation.Profile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[AgentResponse]{Body: agentResponse(p, a.score(p))}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "rate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/ratings",
		Summary:     "Rate an agent from 1 to 100",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RatingRequest `json:"body"`
	}) (*out[AgentResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		p, err := a.svc.Reputation.SubmitRating(ctx, actor, input.ID, input.Body.Rating)
		if serr := a.done("agent.rate", start, err); serr != nil {
			return nil, serr
		}
		return &out[AgentResponse]{Body: agentResponse(p, a.score(p))}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "agent-trust",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/trust",
		Summary:     "Trust score (0 for unknown agents)",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*out[TrustResponse], error) {
		score, err := a.svc.Reputation.TrustScore(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[TrustResponse]{Body: TrustResponse{Agent: input.ID, TrustScore: score}}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "record-x402",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/x402",
		Summary:     "Record paid API calls served by an agent",
		Description: "Restricted to trusted callers.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body X402Request `json:"body"`
	}) (*out[AgentResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		revenue, err := domain.ParseUnits(input.Body.Revenue)
		if err == nil {
			err = a.svc.Reputation.RecordX402Service(ctx, actor, input.ID, input.Body.Calls, revenue)
		}
		if serr := a.done("agent.x402", start, err); serr != nil {
			return nil, serr
		}
		p, err := a.svc.Reputation.Profile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[AgentResponse]{Body: agentResponse(p, a.score(p))}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Agents by trust score in registration order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *pageQuery) (*out[[]LeaderboardEntryResponse], error) {
		entries, err := a.svc.Reputation.Leaderboard(ctx, input.Offset, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]LeaderboardEntryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, LeaderboardEntryResponse{Agent: e.Agent, Name: e.Name, TrustScore: e.TrustScore})
		}
		return &out[[]LeaderboardEntryResponse]{Body: resp}, nil
	})
}

func (a *api) registerTasks(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Post a task and escrow its milestone amounts",
		Errors:      []int{http.StatusBadRequest, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*out[TaskResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		opts, err := createTaskOptions(actor, input.Body)
		var task domain.Task
		if err == nil {
			task, err = a.svc.Escrow.CreateTask(ctx, opts)
		}
		if serr := a.done("task.create", start, err); serr != nil {
			return nil, serr
		}
		return &out[TaskResponse]{Body: taskResponse(task)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-open-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List open tasks in creation order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *pageQuery) (*out[[]TaskResponse], error) {
		tasks, err := a.svc.Escrow.OpenTasks(ctx, input.Offset, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[[]TaskResponse]{Body: mapTasks(tasks)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task with its milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*out[TaskResponse], error) {
		task, err := a.svc.Escrow.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[TaskResponse]{Body: taskResponse(task)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/accept",
		Summary:     "Accept an open task as its worker",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*out[TaskResponse], error) {
		return a.taskOp(ctx, "task.accept", func(actor string) (domain.Task, error) {
			return a.svc.Escrow.AcceptTask(ctx, actor, input.ID)
		})
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel an open task and refund the client",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*out[TaskResponse], error) {
		return a.taskOp(ctx, "task.cancel", func(actor string) (domain.Task, error) {
			return a.svc.Escrow.CancelTask(ctx, actor, input.ID)
		})
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "agent-stats",
		Method:      http.MethodGet,
		Path:        "/stats/{agent}",
		Summary:     "Escrow statistics for an identity",
	}, func(ctx context.Context, input *struct {
		Agent string `path:"agent"`
	}) (*out[StatsResponse], error) {
		stats, err := a.svc.Escrow.AgentStats(ctx, input.Agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[StatsResponse]{Body: statsResponse(stats)}, nil
	})
}

func (a *api) registerMilestones(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "deliver-milestone",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/milestones/{idx}/deliver",
		Summary:     "Submit a deliverable hash for a pending milestone",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		milestonePath
		Body DeliverRequest `json:"body"`
	}) (*out[MilestoneResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		hash, err := domain.ParseHash(input.Body.DeliverableHash)
		var m domain.Milestone
		if err == nil {
			m, err = a.svc.Escrow.DeliverMilestone(ctx, actor, input.ID, input.Idx, hash)
		}
		if serr := a.done("milestone.deliver", start, err); serr != nil {
			return nil, serr
		}
		return &out[MilestoneResponse]{Body: milestoneResponse(m)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/milestones/{idx}/approve",
		Summary:     "Approve a delivered milestone and release its payment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *milestonePath) (*out[TaskResponse], error) {
		return a.taskOp(ctx, "milestone.approve", func(actor string) (domain.Task, error) {
			return a.svc.Escrow.ApproveMilestone(ctx, actor, input.ID, input.Idx)
		})
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "dispute-milestone",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/milestones/{idx}/dispute",
		Summary:     "Dispute a delivered milestone",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *milestonePath) (*out[TaskResponse], error) {
		return a.taskOp(ctx, "milestone.dispute", func(actor string) (domain.Task, error) {
			return a.svc.Escrow.DisputeMilestone(ctx, actor, input.ID, input.Idx)
		})
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/milestones/{idx}/resolve",
		Summary:     "Arbiter resolves a disputed milestone",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		milestonePath
		Body ResolveRequest `json:"body"`
	}) (*out[TaskResponse], error) {
		return a.taskOp(ctx, "dispute.resolve", func(actor string) (domain.Task, error) {
			return a.svc.Escrow.ResolveDispute(ctx, actor, input.ID, input.Idx, input.Body.InFavorOfWorker)
		})
	})
}

func (a *api) registerLedger(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{account}",
		Summary:     "Get an account balance",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*out[BalanceResponse], error) {
		bal, err := a.svc.Ledger.Balance(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &out[BalanceResponse]{Body: balanceResponse(bal)}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/balances/{account}/deposit",
		Summary:     "Fund an account (admins only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string         `path:"account"`
		Body    DepositRequest `json:"body"`
	}) (*out[BalanceResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		amount, err := domain.ParseUnits(input.Body.Amount)
		var bal domain.Balance
		if err == nil {
			bal, err = a.svc.Ledger.Fund(ctx, actor, input.Account, amount)
		}
		if serr := a.done("balance.deposit", start, err); serr != nil {
			return nil, serr
		}
		return &out[BalanceResponse]{Body: balanceResponse(bal)}, nil
	})
}

func (a *api) registerAPIKeys(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/apikeys",
		Summary:     "Create an API key for the caller",
		Description: "The key is only returned once.",
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*out[APIKeyResponse], error) {
		start := time.Now()
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		key, rec, err := a.svc.IssueAPIKey(ctx, actor, input.Body.Name)
		if serr := a.done("apikey.create", start, err); serr != nil {
			return nil, serr
		}
		return &out[APIKeyResponse]{Body: APIKeyResponse{
			ID:        rec.ID,
			ActorID:   rec.ActorID,
			Name:      rec.Name,
			Key:       key,
			CreatedAt: rec.CreatedAt,
		}}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*out[[]APIKeyResponse], error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		keys, err := a.svc.Repo.ListAPIKeys(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &out[[]APIKeyResponse]{Body: resp}, nil
	})
}

// taskOp runs a caller-attributed task mutation.
func (a *api) taskOp(ctx context.Context, op string, fn func(actor string) (domain.Task, error)) (*out[TaskResponse], error) {
	start := time.Now()
	actor, serr := actorIDFromContext(ctx)
	if serr != nil {
		return nil, serr
	}
	task, err := fn(actor)
	if serr := a.done(op, start, err); serr != nil {
		return nil, serr
	}
	return &out[TaskResponse]{Body: taskResponse(task)}, nil
}

func (a *api) score(p domain.AgentProfile) int64 {
	return reputation.Score(p)
}

func createTaskOptions(actor string, req CreateTaskRequest) (escrow.CreateTaskOptions, error) {
	opts := escrow.CreateTaskOptions{
		Caller:            actor,
		Title:             req.Title,
		Description:       req.Description,
		DestinationDomain: req.DestinationDomain,
	}
	for _, m := range req.Milestones {
		amount, err := domain.ParseUnits(m.Amount)
		if err != nil {
			return opts, err
		}
		opts.MilestoneDescriptions = append(opts.MilestoneDescriptions, m.Description)
		opts.MilestoneAmounts = append(opts.MilestoneAmounts, amount)
	}
	recipient, err := domain.ParseHash(req.DestinationRecipient)
	if err != nil {
		return opts, err
	}
	opts.DestinationRecipient = recipient
	return opts, nil
}
