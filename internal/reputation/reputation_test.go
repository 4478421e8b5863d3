package reputation_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbond/internal/auth"
	"agentbond/internal/db"
	"agentbond/internal/domain"
	"agentbond/internal/migrate"
	"agentbond/internal/reputation"
)

type testEnv struct {
	Engine reputation.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := reputation.New(conn, auth.NewTrustedCallers("escrow", "admin"), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestRatingsCompletionsAndDisputes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, "A", "agent-a")
	require.NoError(t, err)

	_, err = env.Engine.SubmitRating(env.Ctx, "B", "A", 80)
	require.NoError(t, err)
	p, err := env.Engine.SubmitRating(env.Ctx, "C", "A", 90)
	require.NoError(t, err)
	require.Equal(t, int64(85), p.AvgRating)
	require.Equal(t, int64(2), p.RatingCount)

	for i := 0; i < 5; i++ {
		require.NoError(t, env.Engine.RecordTaskCompletion(env.Ctx, "escrow", "A", domain.NewAmount(1000000)))
	}
	score, err := env.Engine.TrustScore(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(90), score)

	require.NoError(t, env.Engine.RecordDispute(env.Ctx, "escrow", "B", "A"))
	score, err = env.Engine.TrustScore(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(85), score)

	p, err = env.Engine.Profile(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(5), p.TasksCompleted)
	require.Equal(t, "5000000", p.TotalEarned.String())
	require.Equal(t, int64(1), p.DisputesLost)
}

func TestRatingOrderDoesNotMatter(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"X", "Y"} {
		_, err := env.Engine.RegisterAgent(env.Ctx, id, id)
		require.NoError(t, err)
	}
	_, err := env.Engine.SubmitRating(env.Ctx, "r", "X", 80)
	require.NoError(t, err)
	x, err := env.Engine.SubmitRating(env.Ctx, "r", "X", 90)
	require.NoError(t, err)
	_, err = env.Engine.SubmitRating(env.Ctx, "r", "Y", 90)
	require.NoError(t, err)
	y, err := env.Engine.SubmitRating(env.Ctx, "r", "Y", 80)
	require.NoError(t, err)
	require.Equal(t, x.AvgRating, y.AvgRating)
}

func TestRatingTruncates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, "A", "a")
	require.NoError(t, err)
	_, err = env.Engine.SubmitRating(env.Ctx, "r", "A", 50)
	require.NoError(t, err)
	p, err := env.Engine.SubmitRating(env.Ctx, "r", "A", 51)
	require.NoError(t, err)
	require.Equal(t, int64(50), p.AvgRating)
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, "A", "")
	require.ErrorIs(t, err, domain.ErrInvalidName)
	_, err = env.Engine.RegisterAgent(env.Ctx, "A", strings.Repeat("n", 65))
	require.ErrorIs(t, err, domain.ErrInvalidName)

	p, err := env.Engine.RegisterAgent(env.Ctx, "A", strings.Repeat("n", 64))
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Seq)
	require.Equal(t, "2026-01-01T00:00:00Z", p.RegisteredAt)

	_, err = env.Engine.RegisterAgent(env.Ctx, "A", "again")
	require.ErrorIs(t, err, domain.ErrAlreadyRegistered)
	_, err = env.Engine.RegisterAgent(env.Ctx, "", "anon")
	require.ErrorIs(t, err, domain.ErrMissingCaller)
}

func TestRatingRejections(t *testing.T) {
	env := newTestEnv(t)
	// self-rating is rejected even before registration
	_, err := env.Engine.SubmitRating(env.Ctx, "A", "A", 50)
	require.ErrorIs(t, err, domain.ErrSelfRatingForbidden)

	_, err = env.Engine.SubmitRating(env.Ctx, "B", "A", 50)
	require.ErrorIs(t, err, domain.ErrAgentNotRegistered)

	_, err = env.Engine.RegisterAgent(env.Ctx, "A", "a")
	require.NoError(t, err)
	for _, r := range []int{0, 101, -3} {
		_, err = env.Engine.SubmitRating(env.Ctx, "B", "A", r)
		require.ErrorIs(t, err, domain.ErrInvalidRating)
	}
	p, err := env.Engine.Profile(env.Ctx, "A")
	require.NoError(t, err)
	require.Zero(t, p.RatingCount)
}

func TestRestrictedWritesNeedTrustedCaller(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, "A", "a")
	require.NoError(t, err)

	err = env.Engine.RecordTaskCompletion(env.Ctx, "mallory", "A", domain.NewAmount(1))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = env.Engine.RecordTaskCreation(env.Ctx, "A", "A", domain.NewAmount(1))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = env.Engine.RecordX402Service(env.Ctx, "mallory", "A", 1, domain.NewAmount(1))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = env.Engine.RecordDispute(env.Ctx, "mallory", "A", "B")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = env.Engine.RecordTaskCompletion(env.Ctx, "admin", "ghost", domain.NewAmount(1))
	require.ErrorIs(t, err, domain.ErrAgentNotRegistered)

	require.NoError(t, env.Engine.RecordTaskCreation(env.Ctx, "admin", "A", domain.NewAmount(7)))
	require.NoError(t, env.Engine.RecordX402Service(env.Ctx, "admin", "A", 3, domain.NewAmount(300)))
	// unregistered loser is skipped silently
	require.NoError(t, env.Engine.RecordDispute(env.Ctx, "escrow", "A", "ghost"))

	p, err := env.Engine.Profile(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.TasksPosted)
	require.Equal(t, "7", p.TotalSpent.String())
	require.Equal(t, int64(3), p.X402CallsServed)
	require.Equal(t, "300", p.X402Revenue.String())
	require.Equal(t, int64(1), p.DisputesWon)
	require.Zero(t, p.TasksCompleted)
}

func TestScoreFloorsAtZero(t *testing.T) {
	require.Zero(t, reputation.Score(domain.AgentProfile{AvgRating: 0}))
	require.Zero(t, reputation.Score(domain.AgentProfile{AvgRating: 10, RatingCount: 1, DisputesLost: 3}))
	require.Equal(t, int64(60), reputation.Score(domain.AgentProfile{AvgRating: 50, RatingCount: 1, TasksCompleted: 42}))
	// completions without a rating do not count
	require.Zero(t, reputation.Score(domain.AgentProfile{TasksCompleted: 5}))
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	board, err := env.Engine.Leaderboard(env.Ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, board)

	for _, id := range []string{"c", "a", "b"} {
		_, err := env.Engine.RegisterAgent(env.Ctx, id, "name-"+id)
		require.NoError(t, err)
	}
	_, err = env.Engine.SubmitRating(env.Ctx, "z", "a", 70)
	require.NoError(t, err)

	board, err = env.Engine.Leaderboard(env.Ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, board, 3)
	require.Equal(t, "c", board[0].Agent)
	require.Equal(t, "a", board[1].Agent)
	require.Equal(t, int64(70), board[1].TrustScore)
	require.Equal(t, "b", board[2].Agent)

	board, err = env.Engine.Leaderboard(env.Ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, board, 1)
	require.Equal(t, "a", board[0].Agent)

	board, err = env.Engine.Leaderboard(env.Ctx, 3, 5)
	require.NoError(t, err)
	require.Empty(t, board)

	_, err = env.Engine.Leaderboard(env.Ctx, -1, 5)
	require.ErrorIs(t, err, domain.ErrInvalidPage)

	count, err := env.Engine.AgentCount(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	score, err := env.Engine.TrustScore(env.Ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, score)
}
