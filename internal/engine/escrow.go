package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/domain"
	"tenderline/internal/engine/auth"
	"tenderline/internal/events"
	"tenderline/internal/payment"
)

// MilestonePayment is the amount credited per approved milestone:
// floor(winningBid / totalMilestones).
func MilestonePayment(t domain.Tender) *uint256.Int {
	if t.WinningBid == nil || t.TotalMilestones < 1 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(t.WinningBid, uint256.NewInt(uint64(t.TotalMilestones)))
}

// Remainder is the part of the winning bid that milestone payments never
// disburse: winningBid mod totalMilestones. It is reported, not paid.
func Remainder(t domain.Tender) *uint256.Int {
	if t.WinningBid == nil || t.TotalMilestones < 1 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Mod(t.WinningBid, uint256.NewInt(uint64(t.TotalMilestones)))
}

// ApproveOptions describe a milestone approval by the auditor.
type ApproveOptions struct {
	TenderID int64
	Number   int
	// Funds supplied with the approval. Anything above the milestone payment is
	// refunded to the caller.
	Funds   *uint256.Int
	ActorID string
}

// ApproveMilestone credits the winner with one milestone payment. Milestones
// are approved strictly in order. The refund of excess funds is the last step;
// if it fails nothing is recorded.
func (e Engine) ApproveMilestone(ctx context.Context, opts ApproveOptions) (domain.Milestone, error) {
	var m domain.Milestone
	var t domain.Tender
	err := e.atomically(ctx, "approve_milestone", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		var err error
		t, err = e.loadTender(ctx, tx, opts.TenderID)
		if err != nil {
			return err
		}
		if err := auth.RequireAuditor(t, opts.ActorID); err != nil {
			return err
		}
		if err := requireState(t, domain.StateWinnerSelected, domain.StateInProgress); err != nil {
			return err
		}
		if opts.Number < 1 || opts.Number > t.TotalMilestones {
			return fmt.Errorf("%w: milestone %d outside 1..%d", ErrInvalidInput, opts.Number, t.TotalMilestones)
		}
		done, err := e.Repo.MilestoneCompletedTx(ctx, tx, t.ID, opts.Number)
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("%w: milestone %d already completed", ErrOutOfOrder, opts.Number)
		}
		if opts.Number != t.CurrentMilestone+1 {
			return fmt.Errorf("%w: expected milestone %d, got %d", ErrOutOfOrder, t.CurrentMilestone+1, opts.Number)
		}
		required := MilestonePayment(t)
		funds := opts.Funds
		if funds == nil {
			funds = new(uint256.Int)
		}
		if funds.Lt(required) {
			return fmt.Errorf("%w: insufficient funds: supplied %s, required %s", ErrInvalidInput, funds.Dec(), required.Dec())
		}

		stamp := e.stamp()
		winner := *t.Winner
		m = domain.Milestone{
			TenderID:   t.ID,
			Number:     opts.Number,
			Amount:     required,
			Recipient:  winner,
			ApprovedBy: opts.ActorID,
			ApprovedAt: stamp,
			Seq:        now.Seq,
		}
		if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
			return err
		}
		if t.State == domain.StateWinnerSelected {
			if err := ensureTenderTransition(t.State, domain.StateInProgress); err != nil {
				return err
			}
			t.State = domain.StateInProgress
		}
		t.CurrentMilestone = opts.Number
		completed := t.CurrentMilestone == t.TotalMilestones
		if completed {
			if err := ensureTenderTransition(t.State, domain.StateCompleted); err != nil {
				return err
			}
			t.State = domain.StateCompleted
		}
		t.UpdatedAt = stamp
		if err := e.Repo.UpdateTender(ctx, tx, t); err != nil {
			return err
		}
		if err := e.credit(ctx, tx, winner, required, stamp); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, now, events.MilestoneCompleted, t.ID, opts.ActorID, events.EventPayload{
			"tender_id": t.ID,
			"milestone": opts.Number,
			"amount":    required.Dec(),
			"recipient": winner,
		}); err != nil {
			return err
		}
		if completed {
			if err := e.emit(ctx, tx, now, events.TenderCompleted, t.ID, opts.ActorID, events.EventPayload{
				"tender_id": t.ID,
			}); err != nil {
				return err
			}
		}

		excess := new(uint256.Int).Sub(funds, required)
		if excess.IsZero() {
			return nil
		}
		tenderID := t.ID
		return e.transfer(ctx, tx, domain.Transfer{
			Recipient: opts.ActorID,
			Amount:    excess,
			Reason:    payment.ReasonRefund,
			TenderID:  &tenderID,
		})
	})
	if err != nil {
		return domain.Milestone{}, err
	}
	e.log().Info("milestone approved", "tender_id", t.ID, "milestone", m.Number, "amount", m.Amount.Dec(), "recipient", m.Recipient)
	if t.State == domain.StateCompleted {
		e.log().Info("tender completed", "tender_id", t.ID, "unpaid_remainder", Remainder(t).Dec())
	}
	return m, nil
}

func (e Engine) credit(ctx context.Context, tx *sql.Tx, principal string, amount *uint256.Int, stamp string) error {
	bal, err := e.Repo.GetBalanceTx(ctx, tx, principal)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal.Pending, amount)
	if overflow {
		return fmt.Errorf("%w: balance of %s overflows", ErrInvalidInput, principal)
	}
	bal.Pending = sum
	bal.UpdatedAt = stamp
	return e.Repo.SetBalance(ctx, tx, bal)
}

// Withdraw pays out actorID's whole pending balance. The balance is zeroed
// before the transfer runs; a failed transfer rolls the zeroing back.
func (e Engine) Withdraw(ctx context.Context, actorID string) (domain.Transfer, error) {
	var out domain.Transfer
	err := e.atomically(ctx, "withdraw", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		bal, err := e.Repo.GetBalanceTx(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if bal.Pending.IsZero() {
			return fmt.Errorf("%w: %s has no pending balance", ErrNothingToWithdraw, actorID)
		}
		amount := bal.Pending.Clone()
		stamp := e.stamp()
		bal.Pending = new(uint256.Int)
		bal.UpdatedAt = stamp
		if err := e.Repo.SetBalance(ctx, tx, bal); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, now, events.PaymentWithdrawn, 0, actorID, events.EventPayload{
			"recipient": actorID,
			"amount":    amount.Dec(),
		}); err != nil {
			return err
		}
		out = domain.Transfer{
			ID:        uuid.NewString(),
			Recipient: actorID,
			Amount:    amount,
			Reason:    payment.ReasonWithdrawal,
			CreatedAt: stamp,
		}
		return e.transfer(ctx, tx, out)
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	e.log().Info("payment withdrawn", "recipient", actorID, "amount", out.Amount.Dec())
	return out, nil
}

// Balance returns the pending balance of principal, zero when never credited.
func (e Engine) Balance(ctx context.Context, principal string) (domain.Balance, error) {
	return e.Repo.GetBalance(ctx, principal)
}

func (e Engine) Milestones(ctx context.Context, tenderID int64) ([]domain.Milestone, error) {
	if _, err := e.GetTender(ctx, tenderID); err != nil {
		return nil, err
	}
	return e.Repo.ListMilestones(ctx, tenderID)
}

func (e Engine) Transfers(ctx context.Context, recipient string) ([]domain.Transfer, error) {
	return e.Repo.ListTransfers(ctx, recipient)
}
