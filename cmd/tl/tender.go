package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenderline/internal/commit"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/repo"
)

func tenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tender",
		Short: "Manage tenders",
		Long:  "A tender moves bidding -> revealing -> winner_selected -> in_progress -> completed, or ends cancelled when no bid is valid.",
	}
	cmd.AddCommand(tenderCreateCmd())
	cmd.AddCommand(tenderShowCmd())
	cmd.AddCommand(tenderListCmd())
	cmd.AddCommand(tenderSelectWinnerCmd())
	cmd.AddCommand(tenderBidsCmd())
	cmd.AddCommand(tenderMilestonesCmd())
	return cmd
}

func tenderCreateCmd() *cobra.Command {
	var description, descriptionHash, maxBudget, auditor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a tender (owner only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			budget, err := parseAmount("max-budget", maxBudget)
			if err != nil {
				return err
			}
			var desc commit.Digest
			switch {
			case descriptionHash != "":
				if desc, err = commit.ParseDigest(descriptionHash); err != nil {
					return fmt.Errorf("--description-hash: %w", err)
				}
			case description != "":
				desc = commit.Describe(description)
			default:
				return fmt.Errorf("--description or --description-hash required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTender(ctx, engine.CreateTenderOptions{
					DescriptionHash: desc,
					MaxBudget:       budget,
					Auditor:         auditor,
					ActorID:         actor,
				})
				if err != nil {
					return err
				}
				return printObject(t)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "off-chain description, hashed with keccak256")
	cmd.Flags().StringVar(&descriptionHash, "description-hash", "", "precomputed 32-byte description hash (hex)")
	cmd.Flags().StringVar(&maxBudget, "max-budget", "", "maximum acceptable bid")
	cmd.Flags().StringVar(&auditor, "auditor", "", "principal approving milestones")
	_ = cmd.MarkFlagRequired("max-budget")
	_ = cmd.MarkFlagRequired("auditor")
	return cmd
}

func tenderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a tender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenderID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTender(ctx, id)
				if err != nil {
					return err
				}
				now, err := e.Clock(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"tender": t,
					"phase":  engine.Phase(t, now),
					"clock":  now,
				}
				if t.HasWinner() {
					out["milestone_payment"] = engine.MilestonePayment(t).Dec()
					out["remainder"] = engine.Remainder(t).Dec()
				}
				return printObject(out)
			})
		},
	}
}

func tenderListCmd() *cobra.Command {
	var state, owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTenders(ctx, repo.TenderFilters{State: state, Owner: owner, Limit: limit})
				if err != nil {
					return err
				}
				now, err := e.Clock(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					winner := "-"
					if t.Winner != nil {
						winner = *t.Winner
					}
					rows = append(rows, table.Row{
						t.ID, engine.Phase(t, now), decimal(t.MaxBudget), t.Auditor, winner, decimal(t.WinningBid),
						fmt.Sprintf("%d/%d", t.CurrentMilestone, t.TotalMilestones),
					})
				}
				return printTable(items, table.Row{"ID", "Phase", "Max budget", "Auditor", "Winner", "Winning bid", "Milestones"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by stored state")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func tenderSelectWinnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-winner <id>",
		Short: "Close reveals and pick the lowest valid bid",
		Long:  "Anyone may call this once the reveal deadline has passed. Without a valid bid the tender is cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenderID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SelectWinner(ctx, id, actor)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && t.State == domain.StateCancelled {
					fmt.Printf("tender %d cancelled: %s\n", t.ID, engine.CancelNoValidBids)
					return nil
				}
				return printObject(t)
			})
		},
	}
}

func tenderBidsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bids <id>",
		Short: "List bids in submission order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenderID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bids, err := e.Bids(ctx, id)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(bids))
				for _, b := range bids {
					rows = append(rows, table.Row{b.Position, b.Bidder, b.CommitHash.String(), b.Revealed, b.Valid, decimal(b.RevealedAmount)})
				}
				return printTable(bids, table.Row{"#", "Bidder", "Commitment", "Revealed", "Valid", "Amount"}, rows)
			})
		},
	}
}

func tenderMilestonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "milestones <id>",
		Short: "List approved milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenderID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Milestones(ctx, id)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.Number, decimal(m.Amount), m.Recipient, m.ApprovedBy, m.ApprovedAt, m.Seq})
				}
				return printTable(items, table.Row{"#", "Amount", "Recipient", "Approved by", "Approved at", "Seq"}, rows)
			})
		},
	}
}
