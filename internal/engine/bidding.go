package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/commit"
	"tenderline/internal/domain"
	"tenderline/internal/engine/auth"
	"tenderline/internal/events"
	"tenderline/internal/repo"
)

// SubmitBid stores a sealed commitment for actorID. Commitments are accepted
// only while the submission window is open on both clocks.
func (e Engine) SubmitBid(ctx context.Context, tenderID int64, hash commit.Digest, actorID string) (domain.Bid, error) {
	var b domain.Bid
	err := e.atomically(ctx, "submit_bid", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		t, err := e.loadTender(ctx, tx, tenderID)
		if err != nil {
			return err
		}
		if err := requireState(t, domain.StateBidding); err != nil {
			return err
		}
		if !t.SubmissionDeadline.Open(now) {
			return fmt.Errorf("%w: submissions for tender %d closed", ErrDeadlinePassed, t.ID)
		}
		if hash.IsZero() {
			return fmt.Errorf("%w: commitment must be non-zero", ErrInvalidInput)
		}
		if err := auth.RequireBidder(t, actorID); err != nil {
			return err
		}
		if _, err := e.Repo.GetBidTx(ctx, tx, t.ID, actorID); err == nil {
			return fmt.Errorf("%w: %s on tender %d", ErrAlreadyBid, actorID, t.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		stamp := e.stamp()
		if err := e.Repo.EnsureActor(ctx, tx, actorID, stamp); err != nil {
			return fmt.Errorf("ensure actor %s: %w", actorID, err)
		}
		b, err = e.Repo.InsertBid(ctx, tx, domain.Bid{
			TenderID:    t.ID,
			Bidder:      actorID,
			CommitHash:  hash,
			SubmittedAt: stamp,
		})
		if err != nil {
			return err
		}
		return e.emit(ctx, tx, now, events.BidSubmitted, t.ID, actorID, events.EventPayload{
			"tender_id":   t.ID,
			"bidder":      actorID,
			"commit_hash": hash.String(),
		})
	})
	if err != nil {
		return domain.Bid{}, err
	}
	e.log().Info("bid submitted", "tender_id", tenderID, "bidder", actorID, "position", b.Position)
	return b, nil
}

// RevealOptions carry the opening of a previously submitted commitment.
type RevealOptions struct {
	TenderID int64
	Amount   *uint256.Int
	Nonce    commit.Nonce
	ActorID  string
}

// RevealBid opens actorID's commitment. A bid outside (0, maxBudget] is
// recorded as revealed but invalid.
func (e Engine) RevealBid(ctx context.Context, opts RevealOptions) (domain.Bid, error) {
	var b domain.Bid
	err := e.atomically(ctx, "reveal_bid", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		t, err := e.loadTender(ctx, tx, opts.TenderID)
		if err != nil {
			return err
		}
		if err := e.advancePhase(ctx, tx, &t, now); err != nil {
			return err
		}
		if err := requireState(t, domain.StateRevealing); err != nil {
			return err
		}
		if !t.RevealDeadline.Open(now) {
			return fmt.Errorf("%w: reveals for tender %d closed", ErrDeadlinePassed, t.ID)
		}
		b, err = e.Repo.GetBidTx(ctx, tx, t.ID, opts.ActorID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: no bid found for %s on tender %d", ErrNotFound, opts.ActorID, t.ID)
		}
		if err != nil {
			return err
		}
		if b.Revealed {
			return fmt.Errorf("%w: bid of %s on tender %d already revealed", ErrInvalidState, opts.ActorID, t.ID)
		}
		if opts.Amount == nil {
			return fmt.Errorf("%w: amount is required", ErrInvalidInput)
		}
		if !commit.Verify(b.CommitHash, opts.Amount, opts.Nonce, opts.ActorID) {
			return fmt.Errorf("%w: hash mismatch", ErrIntegrity)
		}
		stamp := e.stamp()
		b.Revealed = true
		b.Valid = !opts.Amount.IsZero() && !opts.Amount.Gt(t.MaxBudget)
		b.RevealedAmount = opts.Amount.Clone()
		b.RevealedAt = &stamp
		if err := e.Repo.MarkRevealed(ctx, tx, b); err != nil {
			return err
		}
		return e.emit(ctx, tx, now, events.BidRevealed, t.ID, opts.ActorID, events.EventPayload{
			"tender_id": t.ID,
			"bidder":    opts.ActorID,
			"amount":    b.RevealedAmount.Dec(),
			"valid":     b.Valid,
		})
	})
	if err != nil {
		return domain.Bid{}, err
	}
	e.log().Info("bid revealed", "tender_id", opts.TenderID, "bidder", opts.ActorID, "valid", b.Valid)
	return b, nil
}

func (e Engine) Bids(ctx context.Context, tenderID int64) ([]domain.Bid, error) {
	if _, err := e.GetTender(ctx, tenderID); err != nil {
		return nil, err
	}
	return e.Repo.ListBids(ctx, tenderID)
}

// SelectWinner closes the reveal phase. Any principal may call it once the
// reveal deadline has passed on either clock. Without a valid bid the tender
// is cancelled, which is a successful outcome.
func (e Engine) SelectWinner(ctx context.Context, tenderID int64, actorID string) (domain.Tender, error) {
	var t domain.Tender
	err := e.atomically(ctx, "select_winner", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		var err error
		t, err = e.loadTender(ctx, tx, tenderID)
		if err != nil {
			return err
		}
		if err := e.advancePhase(ctx, tx, &t, now); err != nil {
			return err
		}
		if t.RevealDeadline.Open(now) {
			return fmt.Errorf("%w: reveals for tender %d still open", ErrDeadlineNotReached, t.ID)
		}
		if err := requireState(t, domain.StateRevealing); err != nil {
			return err
		}
		bids, err := e.Repo.ListBidsTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		best := lowestValid(bids)
		t.UpdatedAt = e.stamp()
		if best == nil {
			if err := ensureTenderTransition(t.State, domain.StateCancelled); err != nil {
				return err
			}
			t.State = domain.StateCancelled
			if err := e.Repo.UpdateTender(ctx, tx, t); err != nil {
				return err
			}
			return e.emit(ctx, tx, now, events.TenderCancelled, t.ID, actorID, events.EventPayload{
				"tender_id": t.ID,
				"reason":    CancelNoValidBids,
			})
		}
		if err := ensureTenderTransition(t.State, domain.StateWinnerSelected); err != nil {
			return err
		}
		winner := best.Bidder
		t.Winner = &winner
		t.WinningBid = best.RevealedAmount.Clone()
		t.State = domain.StateWinnerSelected
		if err := e.Repo.UpdateTender(ctx, tx, t); err != nil {
			return err
		}
		return e.emit(ctx, tx, now, events.WinnerSelected, t.ID, actorID, events.EventPayload{
			"tender_id": t.ID,
			"winner":    winner,
			"amount":    t.WinningBid.Dec(),
		})
	})
	if err != nil {
		return domain.Tender{}, err
	}
	if t.State == domain.StateCancelled {
		e.log().Info("tender cancelled", "tender_id", t.ID, "reason", CancelNoValidBids)
	} else {
		e.log().Info("winner selected", "tender_id", t.ID, "winner", *t.Winner, "amount", t.WinningBid.Dec())
	}
	return t, nil
}

const CancelNoValidBids = "No valid bids"

// lowestValid scans bids in submission order. Later bids replace the running
// best only on a strictly lower amount, so ties keep the earliest bidder.
func lowestValid(bids []domain.Bid) *domain.Bid {
	var best *domain.Bid
	for i := range bids {
		b := &bids[i]
		if !b.Revealed || !b.Valid || b.RevealedAmount == nil {
			continue
		}
		if best == nil || b.RevealedAmount.Lt(best.RevealedAmount) {
			best = b
		}
	}
	return best
}
