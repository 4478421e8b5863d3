package agentbondsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"agentbond/internal/app"
	"agentbond/internal/config"
	"agentbond/internal/db"
	"agentbond/internal/migrate"
	"agentbond/internal/server"
)

func newClients(t *testing.T) func(actor string) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Services: app.Build(conn, config.Default(), nil),
		Auth:     server.AuthConfig{JWTSecret: "sdk-test", AllowActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return func(actor string) *Client {
		c := New(srv.URL)
		c.ActorID = actor
		return c
	}
}

func TestClientEscrowRoundTrip(t *testing.T) {
	ctx := context.Background()
	as := newClients(t)
	client, worker := as("client"), as("worker")

	_, err := as("admin").Deposit(ctx, "client", "3")
	require.NoError(t, err)
	_, err = worker.RegisterAgent(ctx, "Worker")
	require.NoError(t, err)

	task, err := client.CreateTask(ctx, NewTask{
		Title:      "Translate",
		Milestones: []Milestone{{Description: "draft", Amount: "2.50"}},
	})
	require.NoError(t, err)
	require.Equal(t, "open", task.Status)

	open, err := worker.OpenTasks(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = worker.AcceptTask(ctx, task.ID)
	require.NoError(t, err)
	m, err := worker.Deliver(ctx, task.ID, 0, "0x"+strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.Equal(t, "delivered", m.Status)
	task, err = client.Approve(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "completed", task.Status)

	bal, err := worker.Balance(ctx, "worker")
	require.NoError(t, err)
	require.Equal(t, "2.4625", bal.Amount)

	profile, err := worker.Agent(ctx, "worker")
	require.NoError(t, err)
	require.EqualValues(t, 1, profile.TasksCompleted)

	_, err = client.Rate(ctx, "worker", 90)
	require.NoError(t, err)
	score, err := client.TrustScore(ctx, "worker")
	require.NoError(t, err)
	require.EqualValues(t, 91, score)

	evts, err := client.Events(ctx, 5)
	require.NoError(t, err)
	require.Len(t, evts, 5)
	require.Equal(t, "agent.rated", evts[0].Type)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	as := newClients(t)
	_, err := as("nobody").CreateTask(context.Background(), NewTask{
		Title:      "x",
		Milestones: []Milestone{{Description: "a", Amount: "1"}},
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	require.Equal(t, "insufficient_funds", apiErr.Code)
}
