package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentbond/internal/app"
	"agentbond/internal/domain"
	"agentbond/internal/escrow"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Escrowed tasks and milestones",
		Long:  "Tasks move open -> in_progress -> completed; disputes park a task until the arbiter rules. Cancelling is only possible while open.",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskOpenCmd())
	cmd.AddCommand(taskAcceptCmd())
	cmd.AddCommand(taskCancelCmd())
	cmd.AddCommand(taskDeliverCmd())
	cmd.AddCommand(taskApproveCmd())
	cmd.AddCommand(taskDisputeCmd())
	cmd.AddCommand(taskResolveCmd())
	return cmd
}

// parseMilestone splits "description:amount" at the last colon.
func parseMilestone(arg string) (string, domain.Amount, error) {
	i := strings.LastIndex(arg, ":")
	if i < 0 {
		return "", domain.Amount{}, fmt.Errorf("milestone %q must be description:amount", arg)
	}
	amount, err := domain.ParseUnits(strings.TrimSpace(arg[i+1:]))
	if err != nil {
		return "", domain.Amount{}, fmt.Errorf("milestone %q: %w", arg, err)
	}
	return strings.TrimSpace(arg[:i]), amount, nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func parseTaskRef(args []string) (int64, int, error) {
	id, err := parseTaskID(args[0])
	if err != nil {
		return 0, 0, err
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil || idx < 0 {
		return 0, 0, fmt.Errorf("invalid milestone index %q", args[1])
	}
	return id, idx, nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable("ID", "Title", "Status", "Client", "Worker", "Total", "Released", "Milestones")
	for _, t := range tasks {
		worker := ""
		if t.Worker != nil {
			worker = *t.Worker
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Client, worker, t.TotalAmount.Units(), t.ReleasedAmount.Units(), t.MilestoneCount})
	}
	tw.Render()
	return nil
}

func taskCreateCmd() *cobra.Command {
	var opts escrow.CreateTaskOptions
	var milestones []string
	var recipient string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task and escrow its milestone amounts",
		Example: `  bond task create --title "Summarize filings" \
    --milestone "draft:2.50" --milestone "final:2.50"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range milestones {
				desc, amount, err := parseMilestone(m)
				if err != nil {
					return err
				}
				opts.MilestoneDescriptions = append(opts.MilestoneDescriptions, desc)
				opts.MilestoneAmounts = append(opts.MilestoneAmounts, amount)
			}
			hash, err := domain.ParseHash(recipient)
			if err != nil {
				return err
			}
			opts.DestinationRecipient = hash
			opts.Caller = actorID()
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Escrow.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as description:amount (repeatable, 1-10)")
	cmd.Flags().Uint32Var(&opts.DestinationDomain, "destination-domain", 0, "payout domain for cross-chain delivery")
	cmd.Flags().StringVar(&recipient, "destination-recipient", "", "32-byte hex payout recipient")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task with its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Escrow.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				if err := printTasks([]domain.Task{t}); err != nil {
					return err
				}
				tw := newTable("#", "Description", "Amount", "Status", "Deliverable")
				for _, m := range t.Milestones {
					hash := ""
					if !m.DeliverableHash.IsZero() {
						hash = m.DeliverableHash.Hex()
					}
					tw.AppendRow(table.Row{m.Index, m.Description, m.Amount.Units(), m.Status, hash})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskOpenCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "open",
		Short: "List open tasks in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Escrow.OpenTasks(ctx, offset, limit)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "tasks to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum tasks")
	return cmd
}

// taskAction builds a command that applies fn to one task as the caller.
func taskAction(use, short string, nargs int, fn func(context.Context, *app.Services, []string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := fn(ctx, s, args)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskAcceptCmd() *cobra.Command {
	return taskAction("accept <id>", "Accept an open task as its worker", 1, func(ctx context.Context, s *app.Services, args []string) (domain.Task, error) {
		id, err := parseTaskID(args[0])
		if err != nil {
			return domain.Task{}, err
		}
		return s.Escrow.AcceptTask(ctx, actorID(), id)
	})
}

func taskCancelCmd() *cobra.Command {
	return taskAction("cancel <id>", "Cancel an open task and refund the client", 1, func(ctx context.Context, s *app.Services, args []string) (domain.Task, error) {
		id, err := parseTaskID(args[0])
		if err != nil {
			return domain.Task{}, err
		}
		return s.Escrow.CancelTask(ctx, actorID(), id)
	})
}

func taskApproveCmd() *cobra.Command {
	return taskAction("approve <id> <milestone>", "Approve a delivered milestone and release its payment", 2, func(ctx context.Context, s *app.Services, args []string) (domain.Task, error) {
		id, idx, err := parseTaskRef(args)
		if err != nil {
			return domain.Task{}, err
		}
		return s.Escrow.ApproveMilestone(ctx, actorID(), id, idx)
	})
}

func taskDisputeCmd() *cobra.Command {
	return taskAction("dispute <id> <milestone>", "Dispute a delivered milestone", 2, func(ctx context.Context, s *app.Services, args []string) (domain.Task, error) {
		id, idx, err := parseTaskRef(args)
		if err != nil {
			return domain.Task{}, err
		}
		return s.Escrow.DisputeMilestone(ctx, actorID(), id, idx)
	})
}

func taskResolveCmd() *cobra.Command {
	var worker bool
	cmd := taskAction("resolve <id> <milestone>", "Resolve a disputed milestone (arbiter only)", 2, func(ctx context.Context, s *app.Services, args []string) (domain.Task, error) {
		id, idx, err := parseTaskRef(args)
		if err != nil {
			return domain.Task{}, err
		}
		return s.Escrow.ResolveDispute(ctx, actorID(), id, idx, worker)
	})
	cmd.Flags().BoolVar(&worker, "worker", false, "rule in favor of the worker (default refunds the client)")
	return cmd
}

func taskDeliverCmd() *cobra.Command {
	var hashHex, file string
	cmd := &cobra.Command{
		Use:   "deliver <id> <milestone>",
		Short: "Submit a deliverable for a pending milestone",
		Long:  "The deliverable is recorded as a 32-byte digest: pass it with --hash or let --file compute its Keccak-256.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := parseTaskRef(args)
			if err != nil {
				return err
			}
			hash, err := deliverableHash(hashHex, file)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				m, err := s.Escrow.DeliverMilestone(ctx, actorID(), id, idx, hash)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&hashHex, "hash", "", "deliverable digest (0x-prefixed hex)")
	cmd.Flags().StringVar(&file, "file", "", "file whose Keccak-256 is the deliverable digest")
	return cmd
}

func deliverableHash(hashHex, file string) (domain.Hash, error) {
	switch {
	case hashHex != "" && file != "":
		return domain.Hash{}, fmt.Errorf("use either --hash or --file")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return domain.Hash{}, err
		}
		return domain.Keccak256Hash(data), nil
	default:
		return domain.ParseHash(hashHex)
	}
}
