package domain

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/commit"
)

type TenderState string

const (
	StateBidding        TenderState = "bidding"
	StateRevealing      TenderState = "revealing"
	StateWinnerSelected TenderState = "winner_selected"
	StateInProgress     TenderState = "in_progress"
	StateCompleted      TenderState = "completed"
	StateCancelled      TenderState = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s TenderState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

type Tender struct {
	ID                 int64          `json:"id"`
	DescriptionHash    commit.Digest  `json:"description_hash"`
	MaxBudget          *uint256.Int   `json:"max_budget"`
	SubmissionDeadline clock.Deadline `json:"submission_deadline"`
	RevealDeadline     clock.Deadline `json:"reveal_deadline"`
	Owner              string         `json:"owner"`
	Auditor            string         `json:"auditor"`
	State              TenderState    `json:"state" enum:"bidding,revealing,winner_selected,in_progress,completed,cancelled"`
	Winner             *string        `json:"winner,omitempty"`
	WinningBid         *uint256.Int   `json:"winning_bid,omitempty"`
	CurrentMilestone   int            `json:"current_milestone"`
	TotalMilestones    int            `json:"total_milestones"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// HasWinner reports whether a winner has been recorded.
func (t Tender) HasWinner() bool {
	return t.Winner != nil && t.WinningBid != nil
}

type Bid struct {
	TenderID       int64         `json:"tender_id"`
	Bidder         string        `json:"bidder"`
	CommitHash     commit.Digest `json:"commit_hash"`
	Position       int           `json:"position"`
	Revealed       bool          `json:"revealed"`
	Valid          bool          `json:"valid"`
	RevealedAmount *uint256.Int  `json:"revealed_amount,omitempty"`
	SubmittedAt    string        `json:"submitted_at" format:"date-time"`
	RevealedAt     *string       `json:"revealed_at,omitempty" format:"date-time"`
}

type Milestone struct {
	TenderID   int64        `json:"tender_id"`
	Number     int          `json:"number"`
	Amount     *uint256.Int `json:"amount"`
	Recipient  string       `json:"recipient"`
	ApprovedBy string       `json:"approved_by"`
	ApprovedAt string       `json:"approved_at" format:"date-time"`
	Seq        uint64       `json:"seq"`
}

type Transfer struct {
	ID        string       `json:"id"`
	Recipient string       `json:"recipient"`
	Amount    *uint256.Int `json:"amount"`
	Reason    string       `json:"reason" enum:"refund,withdrawal"`
	TenderID  *int64       `json:"tender_id,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

type Balance struct {
	Principal string       `json:"principal"`
	Pending   *uint256.Int `json:"pending"`
	UpdatedAt string       `json:"updated_at,omitempty" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Seq      uint64 `json:"seq"`
	Type     string `json:"type"`
	TenderID *int64 `json:"tender_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ErrBadAmount is returned by ParseAmount for anything but plain base-10 digits
// below 2^256.
var ErrBadAmount = errors.New("amount must be a base-10 unsigned integer below 2^256")

// ParseAmount reads an amount written as decimal digits only. Signs, spaces
// inside the number and hex prefixes are rejected.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return nil, ErrBadAmount
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, ErrBadAmount
	}
	return v, nil
}
