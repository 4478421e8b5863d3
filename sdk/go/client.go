package agentbondsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal agentbond HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers only
	// honor it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Milestone is one payable unit of a task. Amounts are decimal unit strings.
type Milestone struct {
	Index           int    `json:"index,omitempty"`
	Description     string `json:"description"`
	Amount          string `json:"amount"`
	Status          string `json:"status,omitempty"`
	DeliverableHash string `json:"deliverable_hash,omitempty"`
}

type Task struct {
	ID                   int64       `json:"id"`
	Client               string      `json:"client"`
	Worker               string      `json:"worker,omitempty"`
	Title                string      `json:"title"`
	Description          string      `json:"description,omitempty"`
	Status               string      `json:"status"`
	TotalAmount          string      `json:"total_amount"`
	ReleasedAmount       string      `json:"released_amount"`
	MilestoneCount       int         `json:"milestone_count"`
	DestinationDomain    uint32      `json:"destination_domain"`
	DestinationRecipient string      `json:"destination_recipient"`
	CreatedAt            string      `json:"created_at"`
	CompletedAt          *string     `json:"completed_at,omitempty"`
	Milestones           []Milestone `json:"milestones,omitempty"`
}

// NewTask describes a task to post.
type NewTask struct {
	Title                string      `json:"title"`
	Description          string      `json:"description,omitempty"`
	Milestones           []Milestone `json:"milestones"`
	DestinationDomain    uint32      `json:"destination_domain,omitempty"`
	DestinationRecipient string      `json:"destination_recipient,omitempty"`
}

type Agent struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	RegisteredAt    string `json:"registered_at"`
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

type LeaderboardEntry struct {
	Agent      string `json:"agent"`
	Name       string `json:"name"`
	TrustScore int64  `json:"trust_score"`
}

type Stats struct {
	Agent          string `json:"agent"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarned    string `json:"total_earned"`
	DisputesLost   int64  `json:"disputes_lost"`
}

type Balance struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgent registers the calling identity.
func (c *Client) RegisterAgent(ctx context.Context, name string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) Agent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Rate submits a 1-100 rating for agent.
func (c *Client) Rate(ctx context.Context, agent string, rating int) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agent)+"/ratings", map[string]any{"rating": rating}, &resp)
	return resp, err
}

func (c *Client) TrustScore(ctx context.Context, agent string) (int64, error) {
	var resp struct {
		TrustScore int64 `json:"trust_score"`
	}
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(agent)+"/trust", nil, &resp)
	return resp.TrustScore, err
}

func (c *Client) Leaderboard(ctx context.Context, offset, limit int) ([]LeaderboardEntry, error) {
	var resp []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("leaderboard?offset=%d&limit=%d", offset, limit), nil, &resp)
	return resp, err
}

// CreateTask posts a task, escrowing the milestone amounts from the caller.
func (c *Client) CreateTask(ctx context.Context, task NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", task, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// OpenTasks lists tasks still accepting a worker.
func (c *Client) OpenTasks(ctx context.Context, offset, limit int) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks?offset=%d&limit=%d", offset, limit), nil, &resp)
	return resp, err
}

func (c *Client) AcceptTask(ctx context.Context, id int64) (Task, error) {
	return c.taskAction(ctx, fmt.Sprintf("tasks/%d/accept", id), nil)
}

func (c *Client) CancelTask(ctx context.Context, id int64) (Task, error) {
	return c.taskAction(ctx, fmt.Sprintf("tasks/%d/cancel", id), nil)
}

// Deliver submits a deliverable hash (0x-prefixed hex) for a milestone.
func (c *Client) Deliver(ctx context.Context, id int64, idx int, hash string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, milestonePath(id, idx, "deliver"), map[string]any{"deliverable_hash": hash}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id int64, idx int) (Task, error) {
	return c.taskAction(ctx, milestonePath(id, idx, "approve"), nil)
}

func (c *Client) Dispute(ctx context.Context, id int64, idx int) (Task, error) {
	return c.taskAction(ctx, milestonePath(id, idx, "dispute"), nil)
}

func (c *Client) Resolve(ctx context.Context, id int64, idx int, inFavorOfWorker bool) (Task, error) {
	return c.taskAction(ctx, milestonePath(id, idx, "resolve"), map[string]any{"in_favor_of_worker": inFavorOfWorker})
}

func (c *Client) Stats(ctx context.Context, agent string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats/"+url.PathEscape(agent), nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, account string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "balances/"+url.PathEscape(account), nil, &resp)
	return resp, err
}

// Deposit funds account; admins only.
func (c *Client) Deposit(ctx context.Context, account, amount string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodPost, "balances/"+url.PathEscape(account)+"/deposit", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) taskAction(ctx context.Context, endpoint string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func milestonePath(id int64, idx int, action string) string {
	return fmt.Sprintf("tasks/%d/milestones/%d/%s", id, idx, action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
