package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentbond/internal/app"
	"agentbond/internal/domain"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <agent>",
		Short: "Escrow statistics for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				st, err := s.Escrow.AgentStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Account balances",
	}
	cmd.AddCommand(balanceShowCmd())
	cmd.AddCommand(balanceDepositCmd())
	cmd.AddCommand(balanceSupplyCmd())
	return cmd
}

func balanceSupplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supply",
		Short: "Sum of all balances, custody included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				total, err := s.Ledger.Supply(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"supply": total})
				}
				fmt.Println(total.Units())
				return nil
			})
		},
	}
}

func balanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [account]",
		Short: "Show one account, or every account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if len(args) == 1 {
					b, err := s.Ledger.Balance(ctx, args[0])
					if err != nil {
						return err
					}
					return printBalances([]domain.Balance{b})
				}
				items, err := s.Ledger.Balances(ctx)
				if err != nil {
					return err
				}
				return printBalances(items)
			})
		},
	}
}

func printBalances(items []domain.Balance) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Account", "Amount")
	for _, b := range items {
		tw.AppendRow(table.Row{b.Account, b.Amount.Units()})
	}
	tw.Render()
	return nil
}

func balanceDepositCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "deposit <account>",
		Short: "Fund an account (admins only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := domain.ParseUnits(amount)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				b, err := s.Ledger.Fund(ctx, actorID(), args[0], amt)
				if err != nil {
					return err
				}
				return printBalances([]domain.Balance{b})
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in units, e.g. 10 or 2.50")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
