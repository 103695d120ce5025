package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tenderline/internal/commit"
	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/events"
	"tenderline/internal/migrate"
	"tenderline/internal/payment"
	"tenderline/internal/repo"
)

const (
	owner   = "city-hall"
	auditor = "audit-office"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(owner)
	for _, fn := range tweak {
		fn(cfg)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, cfg)
	env.Engine.Now = func() time.Time { return env.now }
	env.Engine.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return env
}

func repoFilter(evtType string) repo.EventFilters {
	return repo.EventFilters{Type: evtType}
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) openTender(t *testing.T, maxBudget uint64) domain.Tender {
	t.Helper()
	tender, err := env.Engine.CreateTender(env.Ctx, engine.CreateTenderOptions{
		DescriptionHash: commit.Describe("resurface main street"),
		MaxBudget:       uint256.NewInt(maxBudget),
		Auditor:         auditor,
		ActorID:         owner,
	})
	if err != nil {
		t.Fatalf("create tender: %v", err)
	}
	return tender
}

type sealedBid struct {
	bidder string
	amount *uint256.Int
	nonce  commit.Nonce
}

func (env *testEnv) bid(t *testing.T, tenderID int64, bidder string, amount uint64) sealedBid {
	t.Helper()
	nonce, err := commit.NewNonce()
	require.NoError(t, err)
	sb := sealedBid{bidder: bidder, amount: uint256.NewInt(amount), nonce: nonce}
	_, err = env.Engine.SubmitBid(env.Ctx, tenderID, commit.Compute(sb.amount, nonce, bidder), bidder)
	if err != nil {
		t.Fatalf("submit bid %s: %v", bidder, err)
	}
	return sb
}

func (env *testEnv) reveal(tenderID int64, sb sealedBid) (domain.Bid, error) {
	return env.Engine.RevealBid(env.Ctx, engine.RevealOptions{TenderID: tenderID, Amount: sb.amount, Nonce: sb.nonce, ActorID: sb.bidder})
}

func (env *testEnv) approve(tenderID int64, n int, funds uint64) (domain.Milestone, error) {
	return env.Engine.ApproveMilestone(env.Ctx, engine.ApproveOptions{TenderID: tenderID, Number: n, Funds: uint256.NewInt(funds), ActorID: auditor})
}

func (env *testEnv) eventTypes(t *testing.T, tenderID int64) []string {
	t.Helper()
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, tenderID)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

// awarded runs a tender through bidding and selection with a single bid.
func (env *testEnv) awarded(t *testing.T, amount uint64) domain.Tender {
	t.Helper()
	tender := env.openTender(t, 100)
	sb := env.bid(t, tender.ID, "acme", amount)
	env.advance(48 * time.Hour)
	_, err := env.reveal(tender.ID, sb)
	require.NoError(t, err)
	env.advance(24 * time.Hour)
	tender, err = env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.NoError(t, err)
	require.Equal(t, domain.StateWinnerSelected, tender.State)
	return tender
}

func TestTenderLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	require.Equal(t, int64(1), tender.ID)
	require.Equal(t, domain.StateBidding, tender.State)
	require.Equal(t, 2, tender.TotalMilestones)

	alice := env.bid(t, tender.ID, "alice", 8)
	bob := env.bid(t, tender.ID, "bob", 11)
	carol := env.bid(t, tender.ID, "carol", 10)

	env.advance(48 * time.Hour)
	for _, sb := range []sealedBid{alice, bob, carol} {
		b, err := env.reveal(tender.ID, sb)
		require.NoError(t, err)
		require.True(t, b.Revealed)
		require.True(t, b.Valid)
	}
	got, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRevealing, got.State)

	env.advance(24 * time.Hour)
	got, err = env.Engine.SelectWinner(env.Ctx, tender.ID, "anyone")
	require.NoError(t, err)
	require.Equal(t, domain.StateWinnerSelected, got.State)
	require.Equal(t, "alice", *got.Winner)
	require.Equal(t, uint64(8), got.WinningBid.Uint64())

	m, err := env.approve(tender.ID, 1, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), m.Amount.Uint64())
	require.Equal(t, "alice", m.Recipient)
	got, err = env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateInProgress, got.State)

	_, err = env.approve(tender.ID, 2, 4)
	require.NoError(t, err)
	got, err = env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.Equal(t, 2, got.CurrentMilestone)

	bal, err := env.Engine.Balance(env.Ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "8", bal.Pending.Dec())

	tr, err := env.Engine.Withdraw(env.Ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "8", tr.Amount.Dec())
	require.NotEmpty(t, tr.ID)

	_, err = env.Engine.Withdraw(env.Ctx, "alice")
	require.ErrorIs(t, err, engine.ErrNothingToWithdraw)

	transfers, err := env.Engine.Transfers(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, payment.ReasonWithdrawal, transfers[0].Reason)
	require.Equal(t, tr.ID, transfers[0].ID)

	require.Equal(t, []string{
		events.TenderCreated,
		events.BidSubmitted, events.BidSubmitted, events.BidSubmitted,
		events.BidRevealed, events.BidRevealed, events.BidRevealed,
		events.WinnerSelected,
		events.MilestoneCompleted,
		events.MilestoneCompleted, events.TenderCompleted,
	}, env.eventTypes(t, tender.ID))

	withdrawn, err := env.Engine.ListEvents(env.Ctx, repoFilter(events.PaymentWithdrawn))
	require.NoError(t, err)
	require.Len(t, withdrawn, 1)
	require.Equal(t, "alice", withdrawn[0].ActorID)
}

func TestOverBudgetBidIsInvalidAndNeverWins(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	high := env.bid(t, tender.ID, "bigco", 13)
	zero := env.bid(t, tender.ID, "freebie", 0)
	ok := env.bid(t, tender.ID, "fairco", 12)
	env.advance(48 * time.Hour)

	b, err := env.reveal(tender.ID, high)
	require.NoError(t, err)
	require.True(t, b.Revealed)
	require.False(t, b.Valid)
	require.Equal(t, "13", b.RevealedAmount.Dec())

	b, err = env.reveal(tender.ID, zero)
	require.NoError(t, err)
	require.False(t, b.Valid)

	b, err = env.reveal(tender.ID, ok)
	require.NoError(t, err)
	require.True(t, b.Valid)

	env.advance(24 * time.Hour)
	got, err := env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.NoError(t, err)
	require.Equal(t, "fairco", *got.Winner)
	require.Equal(t, "12", got.WinningBid.Dec())
}

func TestOnlyInvalidBidsCancelTender(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	high := env.bid(t, tender.ID, "bigco", 13)
	env.bid(t, tender.ID, "silent", 5)
	env.advance(48 * time.Hour)
	_, err := env.reveal(tender.ID, high)
	require.NoError(t, err)
	env.advance(24 * time.Hour)

	got, err := env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, got.State)
	require.False(t, got.HasWinner())

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, tender.ID)
	require.NoError(t, err)
	last := evts[len(evts)-1]
	require.Equal(t, events.TenderCancelled, last.Type)
	require.Contains(t, last.Payload, engine.CancelNoValidBids)

	_, err = env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.ErrorIs(t, err, engine.ErrInvalidState)
	require.ErrorContains(t, err, "closed (cancelled)")
	_, err = env.approve(tender.ID, 1, 10)
	require.ErrorIs(t, err, engine.ErrInvalidState)
	require.ErrorContains(t, err, "closed (cancelled)")
}

func TestSelectWithoutRevealsMovesThroughRevealing(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	env.bid(t, tender.ID, "acme", 5)
	env.advance(72 * time.Hour)

	got, err := env.Engine.SelectWinner(env.Ctx, tender.ID, "acme")
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, got.State)
}

func TestTieGoesToEarliestBidder(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	first := env.bid(t, tender.ID, "first", 9)
	second := env.bid(t, tender.ID, "second", 9)
	higher := env.bid(t, tender.ID, "third", 10)
	env.advance(48 * time.Hour)
	// reveal order must not matter
	for _, sb := range []sealedBid{higher, second, first} {
		_, err := env.reveal(tender.ID, sb)
		require.NoError(t, err)
	}
	env.advance(24 * time.Hour)
	got, err := env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.NoError(t, err)
	require.Equal(t, "first", *got.Winner)

	bids, err := env.Engine.Bids(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	for i, b := range bids {
		require.Equal(t, i+1, b.Position)
	}
	require.Equal(t, "first", bids[0].Bidder)
}

func TestCreateTenderValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.CreateTenderOptions
		want error
	}{
		{"not owner", engine.CreateTenderOptions{MaxBudget: uint256.NewInt(1), Auditor: auditor, ActorID: "mallory"}, engine.ErrUnauthorized},
		{"zero budget", engine.CreateTenderOptions{MaxBudget: uint256.NewInt(0), Auditor: auditor, ActorID: owner}, engine.ErrInvalidInput},
		{"nil budget", engine.CreateTenderOptions{Auditor: auditor, ActorID: owner}, engine.ErrInvalidInput},
		{"no auditor", engine.CreateTenderOptions{MaxBudget: uint256.NewInt(1), ActorID: owner}, engine.ErrInvalidInput},
		{"owner audits", engine.CreateTenderOptions{MaxBudget: uint256.NewInt(1), Auditor: owner, ActorID: owner}, engine.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTender(env.Ctx, tc.opts)
			require.ErrorIs(t, err, tc.want)
		})
	}

	first := env.openTender(t, 5)
	second := env.openTender(t, 5)
	require.Equal(t, int64(1), first.ID)
	require.Equal(t, int64(2), second.ID)
	require.True(t, first.SubmissionDeadline.At.Equal(env.now.Add(48*time.Hour)))
	require.True(t, first.RevealDeadline.At.Equal(env.now.Add(72*time.Hour)))
	require.Equal(t, first.SubmissionDeadline.Seq+7200, first.RevealDeadline.Seq)

	_, err := env.Engine.GetTender(env.Ctx, 0)
	require.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.GetTender(env.Ctx, 3)
	require.ErrorIs(t, err, engine.ErrNotFound)

	got, err := env.Engine.GetTender(env.Ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.DescriptionHash, got.DescriptionHash)
	require.Equal(t, "5", got.MaxBudget.Dec())
}

func TestSubmitBidPreconditions(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	hash := commit.Compute(uint256.NewInt(5), commit.Nonce{1}, "acme")

	_, err := env.Engine.SubmitBid(env.Ctx, 42, hash, "acme")
	require.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.SubmitBid(env.Ctx, tender.ID, commit.Digest{}, "acme")
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.SubmitBid(env.Ctx, tender.ID, hash, owner)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.SubmitBid(env.Ctx, tender.ID, hash, auditor)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	b, err := env.Engine.SubmitBid(env.Ctx, tender.ID, hash, "acme")
	require.NoError(t, err)
	require.False(t, b.Revealed)
	require.False(t, b.Valid)
	_, err = env.Engine.SubmitBid(env.Ctx, tender.ID, commit.Digest{9}, "acme")
	require.ErrorIs(t, err, engine.ErrAlreadyBid)

	env.advance(48 * time.Hour)
	_, err = env.Engine.SubmitBid(env.Ctx, tender.ID, hash, "late")
	require.ErrorIs(t, err, engine.ErrDeadlinePassed)
}

func TestRevealBindsCommitment(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	sb := env.bid(t, tender.ID, "acme", 7)

	_, err := env.reveal(tender.ID, sb)
	require.ErrorIs(t, err, engine.ErrInvalidState, "reveal during bidding")

	env.advance(48 * time.Hour)
	altered := sb
	altered.amount = uint256.NewInt(6)
	_, err = env.reveal(tender.ID, altered)
	require.ErrorIs(t, err, engine.ErrIntegrity)

	otherNonce := sb
	otherNonce.nonce[0] ^= 0xff
	_, err = env.reveal(tender.ID, otherNonce)
	require.ErrorIs(t, err, engine.ErrIntegrity)

	impostor := sb
	impostor.bidder = "mallory"
	_, err = env.reveal(tender.ID, impostor)
	require.ErrorIs(t, err, engine.ErrNotFound)

	b, err := env.reveal(tender.ID, sb)
	require.NoError(t, err)
	require.Equal(t, "7", b.RevealedAmount.Dec())

	_, err = env.reveal(tender.ID, sb)
	require.ErrorIs(t, err, engine.ErrInvalidState)

	env.advance(24 * time.Hour)
	_, err = env.reveal(tender.ID, sb)
	require.ErrorIs(t, err, engine.ErrDeadlinePassed)
}

func TestSelectWinnerWaitsForRevealDeadline(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	sb := env.bid(t, tender.ID, "acme", 7)
	_, err := env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.ErrorIs(t, err, engine.ErrDeadlineNotReached)

	env.advance(48 * time.Hour)
	_, err = env.reveal(tender.ID, sb)
	require.NoError(t, err)
	_, err = env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.ErrorIs(t, err, engine.ErrDeadlineNotReached)

	env.advance(24 * time.Hour)
	got, err := env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.NoError(t, err)
	require.Equal(t, "acme", *got.Winner)

	_, err = env.Engine.SelectWinner(env.Ctx, tender.ID, owner)
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestLogicalClockClosesWindowsIndependently(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Clock.TickInterval = 24 * time.Hour
		cfg.Tender.SubmissionWindow = 48 * time.Hour
		cfg.Tender.RevealWindow = 72 * time.Hour
	})
	// Wall clock never moves in this test.
	a := env.openTender(t, 12) // seq 1, submission bound 3, reveal bound 6
	require.Equal(t, uint64(3), a.SubmissionDeadline.Seq)
	require.Equal(t, uint64(6), a.RevealDeadline.Seq)

	sb := env.bid(t, a.ID, "acme", 5)
	env.openTender(t, 12)

	hash := commit.Compute(uint256.NewInt(4), commit.Nonce{2}, "late")
	_, err := env.Engine.SubmitBid(env.Ctx, a.ID, hash, "late")
	require.ErrorIs(t, err, engine.ErrDeadlinePassed)

	now, err := env.Engine.Clock(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), now.Seq, "failed operations do not advance the logical clock")

	_, err = env.reveal(a.ID, sb)
	require.NoError(t, err)

	_, err = env.Engine.SelectWinner(env.Ctx, a.ID, owner)
	require.ErrorIs(t, err, engine.ErrDeadlineNotReached)

	env.openTender(t, 12)
	got, err := env.Engine.SelectWinner(env.Ctx, a.ID, owner)
	require.NoError(t, err)
	require.Equal(t, "acme", *got.Winner)
}

func TestPhaseReportsPendingTransition(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	now, err := env.Engine.Clock(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateBidding, engine.Phase(tender, now))

	env.advance(48 * time.Hour)
	now, err = env.Engine.Clock(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateRevealing, engine.Phase(tender, now))

	stored, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateBidding, stored.State)
}

func TestMilestoneOrderingAndAccess(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)

	_, err := env.Engine.ApproveMilestone(env.Ctx, engine.ApproveOptions{TenderID: tender.ID, Number: 1, Funds: uint256.NewInt(5), ActorID: owner})
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.ApproveOptions{TenderID: tender.ID, Number: 1, Funds: uint256.NewInt(5), ActorID: "acme"})
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = env.approve(tender.ID, 0, 5)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.approve(tender.ID, 3, 5)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.approve(tender.ID, 2, 5)
	require.ErrorIs(t, err, engine.ErrOutOfOrder)
	_, err = env.approve(tender.ID, 1, 4)
	require.ErrorIs(t, err, engine.ErrInvalidInput, "insufficient funds")

	_, err = env.approve(tender.ID, 1, 5)
	require.NoError(t, err)
	_, err = env.approve(tender.ID, 1, 5)
	require.ErrorIs(t, err, engine.ErrOutOfOrder)
	_, err = env.approve(tender.ID, 2, 5)
	require.NoError(t, err)

	_, err = env.approve(tender.ID, 2, 5)
	require.ErrorIs(t, err, engine.ErrInvalidState)
	require.ErrorContains(t, err, "closed (completed)")

	ms, err := env.Engine.Milestones(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, auditor, ms[0].ApprovedBy)
}

func TestMilestoneBeforeSelectionIsInvalidState(t *testing.T) {
	env := newTestEnv(t)
	tender := env.openTender(t, 12)
	_, err := env.approve(tender.ID, 1, 6)
	require.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.approve(99, 1, 6)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestExcessFundsAreRefunded(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)
	_, err := env.approve(tender.ID, 1, 12)
	require.NoError(t, err)

	refunds, err := env.Engine.Transfers(env.Ctx, auditor)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, payment.ReasonRefund, refunds[0].Reason)
	require.Equal(t, "7", refunds[0].Amount.Dec())
	require.Equal(t, tender.ID, *refunds[0].TenderID)
}

func TestConservationWithRemainder(t *testing.T) {
	for _, tc := range []struct {
		milestones int
		bid        uint64
		per        uint64
		remainder  uint64
	}{
		{milestones: 2, bid: 11, per: 5, remainder: 1},
		{milestones: 3, bid: 10, per: 3, remainder: 1},
		{milestones: 4, bid: 3, per: 0, remainder: 3},
		{milestones: 1, bid: 9, per: 9, remainder: 0},
	} {
		env := newTestEnv(t, func(cfg *config.Config) { cfg.Tender.Milestones = tc.milestones })
		tender := env.awarded(t, tc.bid)
		require.Equal(t, tc.per, engine.MilestonePayment(tender).Uint64())
		require.Equal(t, tc.remainder, engine.Remainder(tender).Uint64())

		credited := new(uint256.Int)
		for n := 1; n <= tc.milestones; n++ {
			m, err := env.approve(tender.ID, n, tc.per)
			require.NoError(t, err)
			credited.Add(credited, m.Amount)
		}
		bal, err := env.Engine.Balance(env.Ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, credited, bal.Pending)
		require.Equal(t, tc.per*uint64(tc.milestones), credited.Uint64())
		require.LessOrEqual(t, credited.Uint64(), tc.bid)

		got, err := env.Engine.GetTender(env.Ctx, tender.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateCompleted, got.State)
	}
}

func TestSingleMilestoneCompletesInOneApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Tender.Milestones = 1 })
	tender := env.awarded(t, 9)
	_, err := env.approve(tender.ID, 1, 9)
	require.NoError(t, err)
	got, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	types := env.eventTypes(t, tender.ID)
	require.Equal(t, []string{events.MilestoneCompleted, events.TenderCompleted}, types[len(types)-2:])
}

func TestFailedRefundRollsBackApproval(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)
	before := env.eventTypes(t, tender.ID)
	env.Engine.Sink = payment.SinkFunc(func(context.Context, *sql.Tx, payment.Transfer) error {
		return errors.New("recipient rejected value")
	})

	_, err := env.approve(tender.ID, 1, 8)
	require.ErrorIs(t, err, engine.ErrTransferFailed)

	got, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateWinnerSelected, got.State)
	require.Equal(t, 0, got.CurrentMilestone)
	ms, err := env.Engine.Milestones(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Empty(t, ms)
	bal, err := env.Engine.Balance(env.Ctx, "acme")
	require.NoError(t, err)
	require.True(t, bal.Pending.IsZero())
	require.Equal(t, before, env.eventTypes(t, tender.ID))

	// exact funds need no transfer
	_, err = env.approve(tender.ID, 1, 5)
	require.NoError(t, err)
}

func TestFailedWithdrawalKeepsBalance(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)
	_, err := env.approve(tender.ID, 1, 5)
	require.NoError(t, err)

	ledger := env.Engine.Sink
	env.Engine.Sink = payment.SinkFunc(func(context.Context, *sql.Tx, payment.Transfer) error {
		return errors.New("bank offline")
	})
	_, err = env.Engine.Withdraw(env.Ctx, "acme")
	require.ErrorIs(t, err, engine.ErrTransferFailed)

	bal, err := env.Engine.Balance(env.Ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "5", bal.Pending.Dec())
	withdrawn, err := env.Engine.ListEvents(env.Ctx, repoFilter(events.PaymentWithdrawn))
	require.NoError(t, err)
	require.Empty(t, withdrawn)

	env.Engine.Sink = ledger
	tr, err := env.Engine.Withdraw(env.Ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "5", tr.Amount.Dec())
}

func TestReentrantWithdrawIsRejected(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)
	_, err := env.approve(tender.ID, 1, 5)
	require.NoError(t, err)

	ledger := env.Engine.Sink
	var nested []error
	env.Engine.Sink = payment.SinkFunc(func(ctx context.Context, tx *sql.Tx, tr payment.Transfer) error {
		require.True(t, env.Engine.Busy())
		_, err := env.Engine.Withdraw(ctx, tr.Recipient)
		nested = append(nested, err)
		_, err = env.approve(tender.ID, 2, 5)
		nested = append(nested, err)
		return ledger.Transfer(ctx, tx, tr)
	})

	tr, err := env.Engine.Withdraw(env.Ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "5", tr.Amount.Dec())
	require.Len(t, nested, 2)
	for _, err := range nested {
		require.ErrorIs(t, err, engine.ErrReentrant)
	}
	require.False(t, env.Engine.Busy())

	transfers, err := env.Engine.Transfers(env.Ctx, "acme")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	bal, err := env.Engine.Balance(env.Ctx, "acme")
	require.NoError(t, err)
	require.True(t, bal.Pending.IsZero())
	got, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentMilestone)
}

func TestReentrantCallDuringRefundIsRejected(t *testing.T) {
	env := newTestEnv(t)
	tender := env.awarded(t, 10)
	ledger := env.Engine.Sink
	var nested error
	env.Engine.Sink = payment.SinkFunc(func(ctx context.Context, tx *sql.Tx, tr payment.Transfer) error {
		_, nested = env.approve(tender.ID, 2, 5)
		return ledger.Transfer(ctx, tx, tr)
	})

	_, err := env.approve(tender.ID, 1, 6)
	require.NoError(t, err)
	require.ErrorIs(t, nested, engine.ErrReentrant)

	got, err := env.Engine.GetTender(env.Ctx, tender.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentMilestone)
	require.Equal(t, domain.StateInProgress, got.State)

	// the guard is released after the outer call
	_, err = env.approve(tender.ID, 2, 5)
	require.NoError(t, err)
}

func TestGuardReleasedAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Withdraw(env.Ctx, "nobody")
	require.ErrorIs(t, err, engine.ErrNothingToWithdraw)
	require.False(t, env.Engine.Busy())
	env.openTender(t, 5)
}

func TestStatusSummarisesWorkspace(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.Status(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, owner, st.Owner)
	require.Empty(t, st.Tenders)
	require.Empty(t, st.Actors)

	env.awarded(t, 40)
	env.openTender(t, 10)
	st, err = env.Engine.Status(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"winner_selected": 1, "bidding": 1}, st.Tenders)
	require.Equal(t, []string{"acme", auditor, owner}, st.Actors)
	require.Positive(t, st.Clock.Seq)
}
