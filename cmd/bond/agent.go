package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentbond/internal/app"
	"agentbond/internal/domain"
	"agentbond/internal/reputation"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent reputation",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentRateCmd())
	cmd.AddCommand(agentTrustCmd())
	cmd.AddCommand(agentLeaderboardCmd())
	cmd.AddCommand(agentX402Cmd())
	return cmd
}

type agentView struct {
	domain.AgentProfile
	TrustScore int64 `json:"trust_score"`
}

func printAgent(p domain.AgentProfile) error {
	return printJSONOrTable(agentView{AgentProfile: p, TrustScore: reputation.Score(p)})
}

func agentRegisterCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the caller as an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Reputation.RegisterAgent(ctx, actorID(), name)
				if err != nil {
					return err
				}
				return printAgent(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (1-64 bytes)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent>",
		Short: "Show an agent profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Reputation.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				return printAgent(p)
			})
		},
	}
}

func agentRateCmd() *cobra.Command {
	var rating int
	cmd := &cobra.Command{
		Use:   "rate <agent>",
		Short: "Rate an agent from 1 to 100",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Reputation.SubmitRating(ctx, actorID(), args[0], rating)
				if err != nil {
					return err
				}
				return printAgent(p)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-100")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func agentTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <agent>",
		Short: "Print an agent's trust score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				score, err := s.Reputation.TrustScore(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": args[0], "trust_score": score})
				}
				fmt.Println(score)
				return nil
			})
		},
	}
}

func agentLeaderboardCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "List agents by trust score in registration order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				entries, err := s.Reputation.Leaderboard(ctx, offset, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Agent", "Name", "Trust")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Agent, e.Name, e.TrustScore})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func agentX402Cmd() *cobra.Command {
	var calls int64
	var revenue string
	cmd := &cobra.Command{
		Use:   "x402 <agent>",
		Short: "Record paid API calls served by an agent (trusted callers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := domain.ParseUnits(revenue)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := s.Reputation.RecordX402Service(ctx, actorID(), args[0], calls, amount); err != nil {
					return err
				}
				p, err := s.Reputation.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				return printAgent(p)
			})
		},
	}
	cmd.Flags().Int64Var(&calls, "calls", 0, "number of calls served")
	cmd.Flags().StringVar(&revenue, "revenue", "0", "revenue earned, in units")
	return cmd
}
