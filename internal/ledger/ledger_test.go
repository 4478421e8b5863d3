package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentbond/internal/auth"
	"agentbond/internal/db"
	"agentbond/internal/domain"
	"agentbond/internal/ledger"
	"agentbond/internal/migrate"
	"agentbond/internal/repo"
)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return ledger.New(conn, auth.NewTrustedCallers("admin"))
}

func TestFundRequiresAdmin(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Fund(ctx, "alice", "alice", domain.NewAmount(10))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	bal, err := l.Fund(ctx, "admin", "alice", domain.NewAmount(10))
	require.NoError(t, err)
	require.Equal(t, "10", bal.Amount.String())

	_, err = l.Fund(ctx, "admin", "alice", domain.Amount{})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	evts, err := l.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "balance"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "alice", evts[0].EntityID)
}

func TestTransferConservesSupply(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Fund(ctx, "admin", "alice", domain.NewAmount(100))
	require.NoError(t, err)
	_, err = l.Fund(ctx, "admin", "bob", domain.NewAmount(50))
	require.NoError(t, err)

	require.NoError(t, l.Transfer(ctx, l.DB, "alice", "bob", domain.NewAmount(30)))
	require.NoError(t, l.Transfer(ctx, l.DB, "bob", "carol", domain.NewAmount(80)))

	supply, err := l.Supply(ctx)
	require.NoError(t, err)
	require.Equal(t, "150", supply.String())

	carol, err := l.Balance(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, "80", carol.Amount.String())
	bob, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bob.Amount.IsZero())
}

func TestTransferInsufficientFundsLeavesBalances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Fund(ctx, "admin", "alice", domain.NewAmount(5))
	require.NoError(t, err)

	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = l.Transfer(ctx, tx, "alice", "bob", domain.NewAmount(6))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
	require.NoError(t, tx.Rollback())

	alice, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "5", alice.Amount.String())
	bob, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bob.Amount.IsZero())
}

func TestTransferToSameAccountIsRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Fund(ctx, "admin", "escrow", domain.NewAmount(5))
	require.NoError(t, err)

	err = l.Transfer(ctx, l.DB, "escrow", "escrow", domain.NewAmount(5))
	require.ErrorIs(t, err, domain.ErrSelfTransfer)
	require.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	err = l.Transfer(ctx, l.DB, "escrow", "escrow", domain.Amount{})
	require.ErrorIs(t, err, domain.ErrSelfTransfer)

	bal, err := l.Balance(ctx, "escrow")
	require.NoError(t, err)
	require.Equal(t, "5", bal.Amount.String())
}
