package domain

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskDisputed   TaskStatus = "disputed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneDelivered MilestoneStatus = "delivered"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneDisputed  MilestoneStatus = "disputed"
	MilestoneReleased  MilestoneStatus = "released"
)

// Settled reports whether the milestone's funds went to the worker.
func (s MilestoneStatus) Settled() bool {
	return s == MilestoneApproved || s == MilestoneReleased
}

type Task struct {
	ID                   int64       `json:"id"`
	Client               string      `json:"client"`
	Worker               *string     `json:"worker,omitempty"`
	Title                string      `json:"title"`
	Description          string      `json:"description,omitempty"`
	Status               TaskStatus  `json:"status" enum:"open,in_progress,completed,disputed,cancelled"`
	TotalAmount          Amount      `json:"total_amount"`
	ReleasedAmount       Amount      `json:"released_amount"`
	MilestoneCount       int         `json:"milestone_count"`
	DestinationDomain    uint32      `json:"destination_domain"`
	DestinationRecipient Hash        `json:"destination_recipient"`
	CreatedAt            string      `json:"created_at" format:"date-time"`
	CompletedAt          *string     `json:"completed_at,omitempty" format:"date-time"`
	Milestones           []Milestone `json:"milestones,omitempty"`
}

// IsWorker reports whether id accepted the task.
func (t Task) IsWorker(id string) bool {
	return t.Worker != nil && *t.Worker == id
}

type Milestone struct {
	TaskID          int64           `json:"task_id"`
	Index           int             `json:"index"`
	Description     string          `json:"description"`
	Amount          Amount          `json:"amount"`
	Status          MilestoneStatus `json:"status" enum:"pending,delivered,approved,disputed,released"`
	DeliverableHash Hash            `json:"deliverable_hash"`
}

type AgentProfile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	RegisteredAt    string `json:"registered_at" format:"date-time"`
	Seq             int64  `json:"seq"`
	TasksCompleted  int64  `json:"tasks_completed"`
	TasksPosted     int64  `json:"tasks_posted"`
	TotalEarned     Amount `json:"total_earned"`
	TotalSpent      Amount `json:"total_spent"`
	DisputesWon     int64  `json:"disputes_won"`
	DisputesLost    int64  `json:"disputes_lost"`
	X402CallsServed int64  `json:"x402_calls_served"`
	X402Revenue     Amount `json:"x402_revenue"`
	AvgRating       int64  `json:"avg_rating"`
	RatingCount     int64  `json:"rating_count"`
}

// AgentStats is the escrow's own per-identity aggregate.
type AgentStats struct {
	Agent          string `json:"agent"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarned    Amount `json:"total_earned"`
	DisputesLost   int64  `json:"disputes_lost"`
}

type LeaderboardEntry struct {
	Agent      string `json:"agent"`
	Name       string `json:"name"`
	TrustScore int64  `json:"trust_score"`
}

type Balance struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
