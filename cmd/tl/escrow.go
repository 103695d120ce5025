package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tenderline/internal/engine"
)

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestone",
		Short: "Approve milestones (auditor only)",
	}
	cmd.AddCommand(milestoneApproveCmd())
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	var tender, funds string
	var number int
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the next milestone and credit the winner",
		Long:  "Funds must cover the milestone payment; any excess is refunded to the auditor. The division remainder (winning bid mod milestones) is reported by tender show and never paid out.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseTenderID(tender)
			if err != nil {
				return err
			}
			v, err := parseAmount("funds", funds)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ApproveMilestone(ctx, engine.ApproveOptions{TenderID: id, Number: number, Funds: v, ActorID: actor})
				if err != nil {
					return err
				}
				return printObject(m)
			})
		},
	}
	cmd.Flags().StringVar(&tender, "tender", "", "tender id")
	cmd.Flags().IntVar(&number, "number", 0, "milestone number (1-based)")
	cmd.Flags().StringVar(&funds, "funds", "", "funds supplied with the approval")
	_ = cmd.MarkFlagRequired("tender")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func balanceCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show pending withdrawable credit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				actor, err := actorID()
				if err != nil {
					return err
				}
				principal = actor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Balance(ctx, principal)
				if err != nil {
					return err
				}
				return printObject(b)
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal to inspect (defaults to --actor-id)")
	return cmd
}

func withdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "Pull all pending credit",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Withdraw(ctx, actor)
				if err != nil {
					return err
				}
				return printObject(t)
			})
		},
	}
}

func transfersCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List outbound transfers (refunds and withdrawals)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Transfers(ctx, recipient)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					tender := "-"
					if t.TenderID != nil {
						tender = fmt.Sprint(*t.TenderID)
					}
					rows = append(rows, table.Row{t.CreatedAt, t.Recipient, decimal(t.Amount), t.Reason, tender})
				}
				return printTable(items, table.Row{"At", "Recipient", "Amount", "Reason", "Tender"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "filter by recipient")
	return cmd
}
