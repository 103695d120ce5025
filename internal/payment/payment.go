package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenderline/internal/domain"
	"tenderline/internal/repo"
)

const (
	ReasonRefund     = "refund"
	ReasonWithdrawal = "withdrawal"
)

type Transfer = domain.Transfer

// Sink moves value out of the system. Transfer runs inside the caller's
// transaction as the last step of an operation; returning an error aborts the
// whole operation. Implementations may call back into the engine.
type Sink interface {
	Transfer(ctx context.Context, tx *sql.Tx, t Transfer) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, tx *sql.Tx, t Transfer) error

func (f SinkFunc) Transfer(ctx context.Context, tx *sql.Tx, t Transfer) error {
	return f(ctx, tx, t)
}

// Ledger is the default Sink. It journals each transfer in the transfers table
// so the record commits or rolls back together with the balance change.
type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, t Transfer) error {
	if t.Recipient == "" {
		return errors.New("transfer recipient required")
	}
	if t.Amount == nil || t.Amount.IsZero() {
		return errors.New("transfer amount must be positive")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		t.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	if err := l.Repo.InsertTransfer(ctx, tx, t); err != nil {
		return fmt.Errorf("journal transfer: %w", err)
	}
	return nil
}
