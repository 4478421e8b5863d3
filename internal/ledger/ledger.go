package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentbond/internal/auth"
	"agentbond/internal/domain"
	"agentbond/internal/events"
	"agentbond/internal/repo"
)

// Ledger is the account balance table that escrow moves funds through.
// Transfers run inside the caller's transaction so a failed operation
// leaves every balance untouched.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Admin gates Fund. Nil means nobody may mint.
	Admin auth.Policy
}

func New(db *sql.DB, admin auth.Policy) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Admin:  admin,
	}
}

// Transfer moves amount from one account to another. Moving funds to the
// same account is rejected so a caller can never appear to pay itself.
func (l Ledger) Transfer(ctx context.Context, q repo.Querier, from, to string, amount domain.Amount) error {
	if from == "" || to == "" {
		return domain.ErrMissingCaller
	}
	if from == to {
		return fmt.Errorf("%w: %s", domain.ErrSelfTransfer, from)
	}
	if amount.IsZero() {
		return nil
	}
	fromBal, err := l.Repo.GetBalanceTx(ctx, q, from)
	if err != nil {
		return fmt.Errorf("read balance %s: %w", from, err)
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientFunds, from, fromBal, amount)
	}
	toBal, err := l.Repo.GetBalanceTx(ctx, q, to)
	if err != nil {
		return fmt.Errorf("read balance %s: %w", to, err)
	}
	credited, err := toBal.Add(amount)
	if err != nil {
		return err
	}
	debited, err := fromBal.Sub(amount)
	if err != nil {
		return err
	}
	if err := l.Repo.SetBalanceTx(ctx, q, from, debited); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := l.Repo.SetBalanceTx(ctx, q, to, credited); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

// Deposit credits account with funds entering from outside the ledger.
func (l Ledger) Deposit(ctx context.Context, q repo.Querier, account string, amount domain.Amount) (domain.Amount, error) {
	if strings.TrimSpace(account) == "" {
		return domain.Amount{}, domain.ErrMissingCaller
	}
	bal, err := l.Repo.GetBalanceTx(ctx, q, account)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("read balance %s: %w", account, err)
	}
	next, err := bal.Add(amount)
	if err != nil {
		return domain.Amount{}, err
	}
	if err := l.Repo.SetBalanceTx(ctx, q, account, next); err != nil {
		return domain.Amount{}, fmt.Errorf("credit %s: %w", account, err)
	}
	return next, nil
}

// Fund is the administrative faucet: it deposits amount into account and
// records the event.
func (l Ledger) Fund(ctx context.Context, caller, account string, amount domain.Amount) (domain.Balance, error) {
	if l.Admin == nil {
		return domain.Balance{}, domain.ErrUnauthorized
	}
	if err := l.Admin.Authorize(caller); err != nil {
		return domain.Balance{}, err
	}
	if amount.IsZero() {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Balance{}, err
	}
	defer tx.Rollback()
	next, err := l.Deposit(ctx, tx, account, amount)
	if err != nil {
		return domain.Balance{}, err
	}
	if err := l.Events.Append(ctx, tx, events.BalanceFunded, "balance", account, caller, events.EventPayload{"amount": amount.String()}); err != nil {
		return domain.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Account: account, Amount: next}, nil
}

func (l Ledger) Balance(ctx context.Context, account string) (domain.Balance, error) {
	amt, err := l.Repo.GetBalanceTx(ctx, l.DB, account)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Account: account, Amount: amt}, nil
}

func (l Ledger) Balances(ctx context.Context) ([]domain.Balance, error) {
	return l.Repo.ListBalances(ctx)
}

// Supply sums every balance. Transfers never change it.
func (l Ledger) Supply(ctx context.Context) (domain.Amount, error) {
	all, err := l.Repo.ListBalances(ctx)
	if err != nil {
		return domain.Amount{}, err
	}
	var total domain.Amount
	for _, b := range all {
		if total, err = total.Add(b.Amount); err != nil {
			return domain.Amount{}, err
		}
	}
	return total, nil
}
