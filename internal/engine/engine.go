package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/commit"
	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/engine/auth"
	"tenderline/internal/events"
	"tenderline/internal/payment"
	"tenderline/internal/repo"
)

// Engine runs tender operations against the state store. Every mutating
// operation is one transaction under a shared Guard. Engine is not safe for
// concurrent use; callers serialize operations.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Sink   payment.Sink
	Log    *slog.Logger
	Now    func() time.Time

	guard *Guard
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Sink:   payment.Ledger{Repo: r},
		Log:    slog.Default(),
		Now:    time.Now,
		guard:  &Guard{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Busy reports whether a guarded operation is executing.
func (e Engine) Busy() bool {
	return e.guard != nil && e.guard.Busy()
}

type opFunc func(ctx context.Context, tx *sql.Tx, now clock.Instant) error

// atomically runs fn under the guard inside one transaction. The logical clock
// advances as part of the transaction, so a failed operation leaves no trace.
func (e Engine) atomically(ctx context.Context, op string, fn opFunc) error {
	if e.guard == nil {
		return errors.New("engine not initialised; use engine.New")
	}
	release, err := e.guard.Enter(op)
	if err != nil {
		e.log().Debug("operation rejected", "op", op, "err", err)
		return err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := e.Repo.AdvanceSeq(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx, clock.Instant{Time: e.now().UTC(), Seq: seq}); err != nil {
		e.log().Debug("operation rejected", "op", op, "err", err)
		return err
	}
	return tx.Commit()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, now clock.Instant, evtType string, tenderID int64, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, tenderID, now.Seq, actorID, payload)
}

// transfer hands t to the sink as the last step of an operation.
func (e Engine) transfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) error {
	if e.Sink == nil {
		return fmt.Errorf("%w: no transfer sink configured", ErrTransferFailed)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = e.stamp()
	}
	if err := e.Sink.Transfer(ctx, tx, t); err != nil {
		if errors.Is(err, ErrTransferFailed) {
			return err
		}
		return fmt.Errorf("%w: %s of %s to %s: %v", ErrTransferFailed, t.Reason, t.Amount.Dec(), t.Recipient, err)
	}
	return nil
}

// Clock returns the current position of both clocks without advancing them.
func (e Engine) Clock(ctx context.Context) (clock.Instant, error) {
	seq, err := e.Repo.CurrentSeq(ctx)
	if err != nil {
		return clock.Instant{}, err
	}
	return clock.Instant{Time: e.now().UTC(), Seq: seq}, nil
}

// CreateTenderOptions are parameters for opening a tender.
type CreateTenderOptions struct {
	DescriptionHash commit.Digest
	MaxBudget       *uint256.Int
	Auditor         string
	ActorID         string
}

func (e Engine) CreateTender(ctx context.Context, opts CreateTenderOptions) (domain.Tender, error) {
	if e.Config == nil {
		return domain.Tender{}, errors.New("config not loaded")
	}
	var t domain.Tender
	err := e.atomically(ctx, "create_tender", func(ctx context.Context, tx *sql.Tx, now clock.Instant) error {
		if err := auth.RequireOwner(e.Config.Owner, opts.ActorID); err != nil {
			return err
		}
		if opts.MaxBudget == nil || opts.MaxBudget.IsZero() {
			return fmt.Errorf("%w: max budget must be positive", ErrInvalidInput)
		}
		if opts.Auditor == "" {
			return fmt.Errorf("%w: auditor is required", ErrInvalidInput)
		}
		if opts.Auditor == opts.ActorID {
			return fmt.Errorf("%w: auditor must differ from owner", ErrInvalidInput)
		}
		stamp := e.stamp()
		for _, actor := range []string{opts.ActorID, opts.Auditor} {
			if err := e.Repo.EnsureActor(ctx, tx, actor, stamp); err != nil {
				return fmt.Errorf("ensure actor %s: %w", actor, err)
			}
		}
		submission := clock.Schedule(now, e.Config.Tender.SubmissionWindow, e.Config.Clock.TickInterval)
		t = domain.Tender{
			DescriptionHash:    opts.DescriptionHash,
			MaxBudget:          opts.MaxBudget.Clone(),
			SubmissionDeadline: submission,
			RevealDeadline:     clock.After(submission, e.Config.Tender.RevealWindow, e.Config.Clock.TickInterval),
			Owner:              opts.ActorID,
			Auditor:            opts.Auditor,
			State:              domain.StateBidding,
			TotalMilestones:    e.Config.Tender.Milestones,
			CreatedAt:          stamp,
			UpdatedAt:          stamp,
		}
		id, err := e.Repo.InsertTender(ctx, tx, t)
		if err != nil {
			return err
		}
		t.ID = id
		return e.emit(ctx, tx, now, events.TenderCreated, t.ID, opts.ActorID, events.EventPayload{
			"tender_id":           t.ID,
			"description_hash":    t.DescriptionHash.String(),
			"max_budget":          t.MaxBudget.Dec(),
			"submission_deadline": t.SubmissionDeadline,
			"reveal_deadline":     t.RevealDeadline,
		})
	})
	if err != nil {
		return domain.Tender{}, err
	}
	e.log().Info("tender created", "tender_id", t.ID, "owner", t.Owner, "auditor", t.Auditor, "max_budget", t.MaxBudget.Dec())
	return t, nil
}

func (e Engine) GetTender(ctx context.Context, id int64) (domain.Tender, error) {
	t, err := e.Repo.GetTender(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("%w: tender %d", ErrNotFound, id)
	}
	return t, err
}

func (e Engine) ListTenders(ctx context.Context, f repo.TenderFilters) ([]domain.Tender, error) {
	return e.Repo.ListTenders(ctx, f)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// Status summarises the workspace: the clock, tender counts per stored state
// and the principals seen so far.
type Status struct {
	Clock   clock.Instant  `json:"clock"`
	Owner   string         `json:"owner"`
	Tenders map[string]int `json:"tenders"`
	Actors  []string       `json:"actors"`
}

func (e Engine) Status(ctx context.Context) (Status, error) {
	now, err := e.Clock(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := e.Repo.CountTendersByState(ctx)
	if err != nil {
		return Status{}, err
	}
	actors, err := e.Repo.ListActors(ctx)
	if err != nil {
		return Status{}, err
	}
	if actors == nil {
		actors = []string{}
	}
	return Status{Clock: now, Owner: e.owner(), Tenders: counts, Actors: actors}, nil
}

// Phase returns the state t is effectively in at now, applying the pending
// Bidding to Revealing transition without persisting it.
func Phase(t domain.Tender, now clock.Instant) domain.TenderState {
	if t.State == domain.StateBidding && t.SubmissionDeadline.Passed(now) {
		return domain.StateRevealing
	}
	return t.State
}

func (e Engine) loadTender(ctx context.Context, tx *sql.Tx, id int64) (domain.Tender, error) {
	t, err := e.Repo.GetTenderTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("%w: tender %d", ErrNotFound, id)
	}
	return t, err
}

// advancePhase persists the lazy Bidding to Revealing transition once the
// submission deadline has passed on either clock. No event is emitted.
func (e Engine) advancePhase(ctx context.Context, tx *sql.Tx, t *domain.Tender, now clock.Instant) error {
	if Phase(*t, now) == t.State {
		return nil
	}
	if err := ensureTenderTransition(t.State, domain.StateRevealing); err != nil {
		return err
	}
	t.State = domain.StateRevealing
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTender(ctx, tx, *t); err != nil {
		return err
	}
	e.log().Info("tender revealing", "tender_id", t.ID, "seq", now.Seq)
	return nil
}

func ensureTenderTransition(from, to domain.TenderState) error {
	switch from {
	case domain.StateBidding:
		if to == domain.StateRevealing {
			return nil
		}
	case domain.StateRevealing:
		if to == domain.StateWinnerSelected || to == domain.StateCancelled {
			return nil
		}
	case domain.StateWinnerSelected:
		if to == domain.StateInProgress {
			return nil
		}
	case domain.StateInProgress:
		if to == domain.StateCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: tender cannot move from %s to %s", ErrInvalidState, from, to)
}

func requireState(t domain.Tender, allowed ...domain.TenderState) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: tender %d is closed (%s)", ErrInvalidState, t.ID, t.State)
	}
	for _, s := range allowed {
		if t.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: tender %d is %s", ErrInvalidState, t.ID, t.State)
}
