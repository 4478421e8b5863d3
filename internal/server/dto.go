package server

import (
	"encoding/json"

	"agentbond/internal/domain"
)

// Request payloads. Amounts are decimal unit strings ("2.50").

type MilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount" example:"2.50"`
}

type CreateTaskRequest struct {
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Milestones           []MilestoneRequest `json:"milestones" minItems:"1" maxItems:"10"`
	DestinationDomain    uint32             `json:"destination_domain,omitempty"`
	DestinationRecipient string             `json:"destination_recipient,omitempty" example:"0x0000000000000000000000000000000000000000000000000000000000000000"`
}

type DeliverRequest struct {
	DeliverableHash string `json:"deliverable_hash"`
}

type ResolveRequest struct {
	InFavorOfWorker bool `json:"in_favor_of_worker"`
}

type RegisterAgentRequest struct {
	Name string `json:"name"`
}

type RatingRequest struct {
	Rating int `json:"rating" minimum:"1" maximum:"100"`
}

type X402Request struct {
	Calls   int64  `json:"calls" minimum:"0"`
	Revenue string `json:"revenue" example:"0.25"`
}

type DepositRequest struct {
	Amount string `json:"amount" example:"10"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type MilestoneResponse struct {
	Index           int    `json:"index"`
	Description     string `json:"description"`
	Amount          string `json:"amount"`
	Status          string `json:"status" enum:"pending,delivered,approved,disputed,released"`
	DeliverableHash string `json:"deliverable_hash"`
}

type TaskResponse struct {
	ID                   int64               `json:"id"`
	Client               string              `json:"client"`
	Worker               string              `json:"worker,omitempty"`
	Title                string              `json:"title"`
	Description          string              `json:"description,omitempty"`
	Status               string              `json:"status" enum:"open,in_progress,completed,disputed,cancelled"`
	TotalAmount          string              `json:"total_amount"`
	ReleasedAmount       string              `json:"released_amount"`
	MilestoneCount       int                 `json:"milestone_count"`
	DestinationDomain    uint32              `json:"destination_domain"`
	DestinationRecipient string              `json:"destination_recipient"`
	CreatedAt            string              `json:"created_at" format:"date-time"`
	CompletedAt          *string             `json:"completed_at,omitempty" format:"date-time"`
	Milestones           []MilestoneResponse `json:"milestones,omitempty"`
}

type AgentResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	RegisteredAt    string `json:"registered_at" format:"date-time"`
	TasksCompleted  int64  `json:"tasks_completed"`
	TasksPosted     int64  `json:"tasks_posted"`
	TotalEarned     string `json:"total_earned"`
	TotalSpent      string `json:"total_spent"`
	DisputesWon     int64  `json:"disputes_won"`
	DisputesLost    int64  `json:"disputes_lost"`
	X402CallsServed int64  `json:"x402_calls_served"`
	X402Revenue     string `json:"x402_revenue"`
	AvgRating       int64  `json:"avg_rating"`
	RatingCount     int64  `json:"rating_count"`
	TrustScore      int64  `json:"trust_score"`
}

type TrustResponse struct {
	Agent      string `json:"agent"`
	TrustScore int64  `json:"trust_score"`
}

type LeaderboardEntryResponse struct {
	Agent      string `json:"agent"`
	Name       string `json:"name"`
	TrustScore int64  `json:"trust_score"`
}

type StatsResponse struct {
	Agent          string `json:"agent"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarned    string `json:"total_earned"`
	DisputesLost   int64  `json:"disputes_lost"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
	Admin   bool   `json:"admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		Index:           m.Index,
		Description:     m.Description,
		Amount:          m.Amount.Units(),
		Status:          string(m.Status),
		DeliverableHash: m.DeliverableHash.Hex(),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                   t.ID,
		Client:               t.Client,
		Title:                t.Title,
		Description:          t.Description,
		Status:               string(t.Status),
		TotalAmount:          t.TotalAmount.Units(),
		ReleasedAmount:       t.ReleasedAmount.Units(),
		MilestoneCount:       t.MilestoneCount,
		DestinationDomain:    t.DestinationDomain,
		DestinationRecipient: t.DestinationRecipient.Hex(),
		CreatedAt:            t.CreatedAt,
		CompletedAt:          t.CompletedAt,
	}
	if t.Worker != nil {
		resp.Worker = *t.Worker
	}
	for _, m := range t.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse(m))
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func agentResponse(p domain.AgentProfile, score int64) AgentResponse {
	return AgentResponse{
		ID:              p.ID,
		Name:            p.Name,
		RegisteredAt:    p.RegisteredAt,
		TasksCompleted:  p.TasksCompleted,
		TasksPosted:     p.TasksPosted,
		TotalEarned:     p.TotalEarned.Units(),
		TotalSpent:      p.TotalSpent.Units(),
		DisputesWon:     p.DisputesWon,
		DisputesLost:    p.DisputesLost,
		X402CallsServed: p.X402CallsServed,
		X402Revenue:     p.X402Revenue.Units(),
		AvgRating:       p.AvgRating,
		RatingCount:     p.RatingCount,
		TrustScore:      score,
	}
}

func statsResponse(s domain.AgentStats) StatsResponse {
	return StatsResponse{
		Agent:          s.Agent,
		TasksCompleted: s.TasksCompleted,
		TotalEarned:    s.TotalEarned.Units(),
		DisputesLost:   s.DisputesLost,
	}
}

func balanceResponse(b domain.Balance) BalanceResponse {
	return BalanceResponse{Account: b.Account, Amount: b.Amount.Units()}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
