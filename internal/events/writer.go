package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentbond/internal/repo"
)

// Event types recorded in the audit log.
const (
	TaskCreated        = "task.created"
	TaskAccepted       = "task.accepted"
	TaskCompleted      = "task.completed"
	TaskCancelled      = "task.cancelled"
	MilestoneDelivered = "milestone.delivered"
	MilestoneApproved  = "milestone.approved"
	MilestoneDisputed  = "milestone.disputed"
	DisputeResolved    = "dispute.resolved"
	AgentRegistered    = "agent.registered"
	AgentRated         = "agent.rated"
	AgentX402Served    = "agent.x402_served"
	BalanceFunded      = "balance.funded"
	APIKeyCreated      = "apikey.created"
	ConfigImported     = "config.imported"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so it commits or
// rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
