package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"tenderline/internal/commit"
	"tenderline/internal/engine"
)

// sealedBid is what a bidder must keep to reveal later.
type sealedBid struct {
	TenderID int64         `json:"tender_id,omitempty"`
	Bidder   string        `json:"bidder"`
	Amount   string        `json:"amount"`
	Nonce    commit.Nonce  `json:"nonce"`
	Hash     commit.Digest `json:"hash"`
}

func bidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bid",
		Short: "Seal, submit and reveal bids",
		Long:  "A bid is committed as keccak256(amount, nonce, bidder) during bidding and opened with the same amount and nonce during revealing. Losing the nonce means the bid can never be revealed.",
	}
	cmd.AddCommand(bidHashCmd())
	cmd.AddCommand(bidSealCmd())
	cmd.AddCommand(bidCommitCmd())
	cmd.AddCommand(bidRevealCmd())
	return cmd
}

func bidHashCmd() *cobra.Command {
	var amount, nonce, bidder string
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute a commitment offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bidder == "" {
				actor, err := actorID()
				if err != nil {
					return err
				}
				bidder = actor
			}
			v, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			var n commit.Nonce
			if nonce == "" {
				if n, err = commit.NewNonce(); err != nil {
					return err
				}
			} else if n, err = commit.ParseNonce(nonce); err != nil {
				return fmt.Errorf("--nonce: %w", err)
			}
			return printObject(sealedBid{Bidder: bidder, Amount: v.Dec(), Nonce: n, Hash: commit.Compute(v, n, bidder)})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "bid amount")
	cmd.Flags().StringVar(&nonce, "nonce", "", "32-byte nonce (hex); random when empty")
	cmd.Flags().StringVar(&bidder, "bidder", "", "bidder principal (defaults to --actor-id)")
	return cmd
}

func bidSealCmd() *cobra.Command {
	var tender, amount, out string
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal an amount with a fresh nonce and submit the commitment",
		Long:  "Prints (or writes to --out) the amount, nonce and hash needed for bid reveal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseTenderID(tender)
			if err != nil {
				return err
			}
			v, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			n, err := commit.NewNonce()
			if err != nil {
				return err
			}
			sealed := sealedBid{TenderID: id, Bidder: actor, Amount: v.Dec(), Nonce: n, Hash: commit.Compute(v, n, actor)}
			// Persist the secret before submitting so a crash cannot strand the bid.
			if out != "" {
				if err := writeSealed(out, sealed); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.SubmitBid(ctx, id, sealed.Hash, actor); err != nil {
					return err
				}
				return printObject(sealed)
			})
		},
	}
	cmd.Flags().StringVar(&tender, "tender", "", "tender id")
	cmd.Flags().StringVar(&amount, "amount", "", "bid amount")
	cmd.Flags().StringVar(&out, "out", "", "write the sealed bid to this file")
	_ = cmd.MarkFlagRequired("tender")
	return cmd
}

func bidCommitCmd() *cobra.Command {
	var tender, hash string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Submit a precomputed commitment",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseTenderID(tender)
			if err != nil {
				return err
			}
			digest, err := commit.ParseDigest(hash)
			if err != nil {
				return fmt.Errorf("--hash: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SubmitBid(ctx, id, digest, actor)
				if err != nil {
					return err
				}
				return printObject(b)
			})
		},
	}
	cmd.Flags().StringVar(&tender, "tender", "", "tender id")
	cmd.Flags().StringVar(&hash, "hash", "", "32-byte commitment (hex)")
	_ = cmd.MarkFlagRequired("tender")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func bidRevealCmd() *cobra.Command {
	var tender, amount, nonce, from string
	cmd := &cobra.Command{
		Use:   "reveal",
		Short: "Open a commitment during the reveal window",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			if from != "" {
				sealed, err := readSealed(from)
				if err != nil {
					return err
				}
				if tender == "" && sealed.TenderID > 0 {
					tender = strconv.FormatInt(sealed.TenderID, 10)
				}
				if amount == "" {
					amount = sealed.Amount
				}
				if nonce == "" {
					nonce = sealed.Nonce.String()
				}
			}
			id, err := parseTenderID(tender)
			if err != nil {
				return err
			}
			v, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			n, err := commit.ParseNonce(nonce)
			if err != nil {
				return fmt.Errorf("--nonce: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.RevealBid(ctx, engine.RevealOptions{TenderID: id, Amount: v, Nonce: n, ActorID: actor})
				if err != nil {
					return err
				}
				return printObject(b)
			})
		},
	}
	cmd.Flags().StringVar(&tender, "tender", "", "tender id")
	cmd.Flags().StringVar(&amount, "amount", "", "amount that was sealed")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce that was sealed (hex)")
	cmd.Flags().StringVar(&from, "from", "", "read tender, amount and nonce from a file written by bid seal --out")
	return cmd
}

func writeSealed(path string, s sealedBid) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

func readSealed(path string) (sealedBid, error) {
	var s sealedBid
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}
