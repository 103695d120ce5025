package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/commit"
	"tenderline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const deadlineLayout = time.RFC3339Nano

// AdvanceSeq moves the logical clock forward by one tick and returns the new value.
func (r Repo) AdvanceSeq(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `UPDATE logical_clock SET seq=seq+1 WHERE id=1 RETURNING seq`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("advance logical clock: %w", err)
	}
	return uint64(seq), nil
}

// CurrentSeq reads the logical clock without advancing it.
func (r Repo) CurrentSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT seq FROM logical_clock WHERE id=1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read logical clock: %w", err)
	}
	return uint64(seq), nil
}

// --- tenders ---

const tenderColumns = `id,description_hash,max_budget,submission_deadline_at,submission_deadline_seq,reveal_deadline_at,reveal_deadline_seq,owner_id,auditor_id,state,winner_id,winning_bid,current_milestone,total_milestones,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTender(row rowScanner) (domain.Tender, error) {
	var t domain.Tender
	var descHash, maxBudget, subAt, revAt string
	var subSeq, revSeq int64
	var state string
	var winner, winningBid sql.NullString
	err := row.Scan(&t.ID, &descHash, &maxBudget, &subAt, &subSeq, &revAt, &revSeq, &t.Owner, &t.Auditor, &state,
		&winner, &winningBid, &t.CurrentMilestone, &t.TotalMilestones, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.DescriptionHash, err = commit.ParseDigest(descHash); err != nil {
		return t, err
	}
	if t.MaxBudget, err = parseAmount(maxBudget); err != nil {
		return t, err
	}
	if t.SubmissionDeadline, err = parseDeadline(subAt, subSeq); err != nil {
		return t, err
	}
	if t.RevealDeadline, err = parseDeadline(revAt, revSeq); err != nil {
		return t, err
	}
	t.State = domain.TenderState(state)
	if winner.Valid {
		t.Winner = &winner.String
	}
	if winningBid.Valid {
		if t.WinningBid, err = parseAmount(winningBid.String); err != nil {
			return t, err
		}
	}
	return t, nil
}

// InsertTender stores a new tender and returns its allocated id.
func (r Repo) InsertTender(ctx context.Context, tx *sql.Tx, t domain.Tender) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tenders(description_hash,max_budget,submission_deadline_at,submission_deadline_seq,reveal_deadline_at,reveal_deadline_seq,owner_id,auditor_id,state,winner_id,winning_bid,current_milestone,total_milestones,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.DescriptionHash.String(), amountArg(t.MaxBudget),
		t.SubmissionDeadline.At.UTC().Format(deadlineLayout), int64(t.SubmissionDeadline.Seq),
		t.RevealDeadline.At.UTC().Format(deadlineLayout), int64(t.RevealDeadline.Seq),
		t.Owner, t.Auditor, string(t.State), nullableStringPtr(t.Winner), nullableAmount(t.WinningBid),
		t.CurrentMilestone, t.TotalMilestones, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert tender: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTender persists the mutable lifecycle fields of a tender.
func (r Repo) UpdateTender(ctx context.Context, tx *sql.Tx, t domain.Tender) error {
	res, err := tx.ExecContext(ctx, `UPDATE tenders SET state=?, winner_id=?, winning_bid=?, current_milestone=?, updated_at=? WHERE id=?`,
		string(t.State), nullableStringPtr(t.Winner), nullableAmount(t.WinningBid), t.CurrentMilestone, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update tender: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTender(ctx context.Context, id int64) (domain.Tender, error) {
	return getTender(ctx, r.DB, id)
}

func (r Repo) GetTenderTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Tender, error) {
	return getTender(ctx, tx, id)
}

func getTender(ctx context.Context, q queryer, id int64) (domain.Tender, error) {
	if id <= 0 {
		return domain.Tender{}, ErrNotFound
	}
	return scanTender(q.QueryRowContext(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE id=?`, id))
}

type TenderFilters struct {
	State  string
	Owner  string
	Limit  int
	Cursor int64
}

// ListTenders returns tenders newest first. Cursor is an exclusive upper id bound.
func (r Repo) ListTenders(ctx context.Context, f TenderFilters) ([]domain.Tender, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.Owner)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + tenderColumns + ` FROM tenders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tender
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTendersByState summarises the registry.
func (r Repo) CountTendersByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tenders GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- bids ---

const bidColumns = `tender_id,bidder_id,commit_hash,position,revealed,valid,revealed_amount,submitted_at,revealed_at`

func scanBid(row rowScanner) (domain.Bid, error) {
	var b domain.Bid
	var hash string
	var amount, revealedAt sql.NullString
	err := row.Scan(&b.TenderID, &b.Bidder, &hash, &b.Position, &b.Revealed, &b.Valid, &amount, &b.SubmittedAt, &revealedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.CommitHash, err = commit.ParseDigest(hash); err != nil {
		return b, err
	}
	if amount.Valid {
		if b.RevealedAmount, err = parseAmount(amount.String); err != nil {
			return b, err
		}
	}
	if revealedAt.Valid {
		b.RevealedAt = &revealedAt.String
	}
	return b, nil
}

// InsertBid stores a commitment at the next submission position of its tender.
func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) (domain.Bid, error) {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM bids WHERE tender_id=?`, b.TenderID).Scan(&next); err != nil {
		return b, err
	}
	b.Position = next
	_, err := tx.ExecContext(ctx, `INSERT INTO bids(tender_id,bidder_id,commit_hash,position,revealed,valid,revealed_amount,submitted_at,revealed_at) VALUES (?,?,?,?,0,0,NULL,?,NULL)`,
		b.TenderID, b.Bidder, b.CommitHash.String(), b.Position, b.SubmittedAt)
	if err != nil {
		return b, fmt.Errorf("insert bid: %w", err)
	}
	return b, nil
}

func (r Repo) GetBidTx(ctx context.Context, tx *sql.Tx, tenderID int64, bidder string) (domain.Bid, error) {
	return scanBid(tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE tender_id=? AND bidder_id=?`, tenderID, bidder))
}

// MarkRevealed records a reveal. The revealed=0 predicate keeps the reveal write-once.
func (r Repo) MarkRevealed(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	res, err := tx.ExecContext(ctx, `UPDATE bids SET revealed=1, valid=?, revealed_amount=?, revealed_at=? WHERE tender_id=? AND bidder_id=? AND revealed=0`,
		b.Valid, amountArg(b.RevealedAmount), nullableStringPtr(b.RevealedAt), b.TenderID, b.Bidder)
	if err != nil {
		return fmt.Errorf("reveal bid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListBids(ctx context.Context, tenderID int64) ([]domain.Bid, error) {
	return listBids(ctx, r.DB, tenderID)
}

func (r Repo) ListBidsTx(ctx context.Context, tx *sql.Tx, tenderID int64) ([]domain.Bid, error) {
	return listBids(ctx, tx, tenderID)
}

// listBids returns bids in submission order.
func listBids(ctx context.Context, q queryer, tenderID int64) ([]domain.Bid, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE tender_id=? ORDER BY position ASC`, tenderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- milestones ---

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(tender_id,number,amount,recipient_id,approved_by,approved_at,seq) VALUES (?,?,?,?,?,?,?)`,
		m.TenderID, m.Number, amountArg(m.Amount), m.Recipient, m.ApprovedBy, m.ApprovedAt, int64(m.Seq))
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

// MilestoneCompletedTx reports whether milestone number was already approved.
func (r Repo) MilestoneCompletedTx(ctx context.Context, tx *sql.Tx, tenderID int64, number int) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM milestones WHERE tender_id=? AND number=?`, tenderID, number).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListMilestones(ctx context.Context, tenderID int64) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tender_id,number,amount,recipient_id,approved_by,approved_at,seq FROM milestones WHERE tender_id=? ORDER BY number ASC`, tenderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var amount string
		var seq int64
		if err := rows.Scan(&m.TenderID, &m.Number, &amount, &m.Recipient, &m.ApprovedBy, &m.ApprovedAt, &seq); err != nil {
			return nil, err
		}
		if m.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		m.Seq = uint64(seq)
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- balances ---

func (r Repo) GetBalance(ctx context.Context, principal string) (domain.Balance, error) {
	return getBalance(ctx, r.DB, principal)
}

func (r Repo) GetBalanceTx(ctx context.Context, tx *sql.Tx, principal string) (domain.Balance, error) {
	return getBalance(ctx, tx, principal)
}

// getBalance returns a zero balance for principals that were never credited.
func getBalance(ctx context.Context, q queryer, principal string) (domain.Balance, error) {
	b := domain.Balance{Principal: principal, Pending: new(uint256.Int)}
	var pending string
	err := q.QueryRowContext(ctx, `SELECT pending, updated_at FROM balances WHERE principal_id=?`, principal).Scan(&pending, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	if b.Pending, err = parseAmount(pending); err != nil {
		return b, err
	}
	return b, nil
}

func (r Repo) SetBalance(ctx context.Context, tx *sql.Tx, b domain.Balance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(principal_id,pending,updated_at) VALUES (?,?,?)
ON CONFLICT(principal_id) DO UPDATE SET pending=excluded.pending, updated_at=excluded.updated_at`,
		b.Principal, amountArg(b.Pending), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// --- transfers ---

func (r Repo) InsertTransfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) error {
	var tenderID any
	if t.TenderID != nil {
		tenderID = *t.TenderID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transfers(id,recipient_id,amount,reason,tender_id,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Recipient, amountArg(t.Amount), t.Reason, tenderID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (r Repo) ListTransfers(ctx context.Context, recipient string) ([]domain.Transfer, error) {
	query := `SELECT id,recipient_id,amount,reason,tender_id,created_at FROM transfers`
	var args []any
	if recipient != "" {
		query += ` WHERE recipient_id=?`
		args = append(args, recipient)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var amount string
		var tenderID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Recipient, &amount, &t.Reason, &tenderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if tenderID.Valid {
			id := tenderID.Int64
			t.TenderID = &id
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	TenderID int64
	Type     string
	ActorID  string
	Limit    int
	Cursor   int64
}

// LatestEvents returns events newest first. Cursor is an exclusive upper id bound.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenderID > 0 {
		clauses = append(clauses, "tender_id=?")
		args = append(args, f.TenderID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,seq,type,tender_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the newest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// EventsAfter returns events with ids greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenderID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if tenderID > 0 {
		clauses = append(clauses, "tender_id=?")
		args = append(args, tenderID)
	}
	query := fmt.Sprintf(`SELECT id,ts,seq,type,tender_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var seq int64
		var tenderID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &seq, &e.Type, &tenderID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		if tenderID.Valid {
			id := tenderID.Int64
			e.TenderID = &id
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("stored amount %q: %w", s, err)
	}
	return v, nil
}

func parseDeadline(at string, seq int64) (clock.Deadline, error) {
	ts, err := time.Parse(deadlineLayout, at)
	if err != nil {
		return clock.Deadline{}, fmt.Errorf("stored deadline %q: %w", at, err)
	}
	return clock.Deadline{At: ts, Seq: uint64(seq)}, nil
}

func amountArg(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullableAmount(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
