package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"tenderline/internal/clock"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
)

// Request payloads. Amounts travel as base-10 strings since they exceed the
// precision of JSON numbers.

type CreateTenderRequest struct {
	Description     string `json:"description,omitempty" doc:"Off-chain description; hashed with keccak256 when description_hash is omitted"`
	DescriptionHash string `json:"description_hash,omitempty" pattern:"^(0x)?[0-9a-fA-F]{64}$"`
	MaxBudget       string `json:"max_budget" example:"1000000"`
	Auditor         string `json:"auditor"`
}

type SubmitBidRequest struct {
	CommitHash string `json:"commit_hash" pattern:"^(0x)?[0-9a-fA-F]{64}$"`
}

type RevealBidRequest struct {
	Amount string `json:"amount" example:"950000"`
	Nonce  string `json:"nonce" pattern:"^(0x)?[0-9a-fA-F]{64}$"`
}

type ApproveMilestoneRequest struct {
	Funds string `json:"funds" example:"500000"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type CreateAPIKeyRequest struct {
	Principal string `json:"principal,omitempty" doc:"Defaults to the caller"`
	Name      string `json:"name,omitempty"`
}

// Responses

type DeadlineResponse struct {
	At  string `json:"at" format:"date-time"`
	Seq uint64 `json:"seq"`
}

type TenderResponse struct {
	ID                 int64            `json:"id"`
	DescriptionHash    string           `json:"description_hash"`
	MaxBudget          string           `json:"max_budget"`
	SubmissionDeadline DeadlineResponse `json:"submission_deadline"`
	RevealDeadline     DeadlineResponse `json:"reveal_deadline"`
	Owner              string           `json:"owner"`
	Auditor            string           `json:"auditor"`
	State              string           `json:"state" enum:"bidding,revealing,winner_selected,in_progress,completed,cancelled"`
	Phase              string           `json:"phase" enum:"bidding,revealing,winner_selected,in_progress,completed,cancelled"`
	Winner             string           `json:"winner,omitempty"`
	WinningBid         string           `json:"winning_bid,omitempty"`
	CurrentMilestone   int              `json:"current_milestone"`
	TotalMilestones    int              `json:"total_milestones"`
	MilestonePayment   string           `json:"milestone_payment,omitempty"`
	Remainder          string           `json:"remainder,omitempty"`
	Roles              []string         `json:"roles,omitempty" doc:"Roles the caller holds on this tender"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

type BidResponse struct {
	TenderID       int64  `json:"tender_id"`
	Bidder         string `json:"bidder"`
	CommitHash     string `json:"commit_hash"`
	Position       int    `json:"position"`
	Revealed       bool   `json:"revealed"`
	Valid          bool   `json:"valid"`
	RevealedAmount string `json:"revealed_amount,omitempty"`
	SubmittedAt    string `json:"submitted_at" format:"date-time"`
	RevealedAt     string `json:"revealed_at,omitempty" format:"date-time"`
}

type MilestoneResponse struct {
	TenderID   int64  `json:"tender_id"`
	Number     int    `json:"number"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
	Seq        uint64 `json:"seq"`
}

type TransferResponse struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason" enum:"refund,withdrawal"`
	TenderID  *int64 `json:"tender_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BalanceResponse struct {
	Principal string `json:"principal"`
	Pending   string `json:"pending"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Seq      uint64         `json:"seq"`
	Type     string         `json:"type"`
	TenderID *int64         `json:"tender_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTenders struct {
	Items      []TenderResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ClockResponse struct {
	Time string `json:"time" format:"date-time"`
	Seq  uint64 `json:"seq"`
}

type StatusResponse struct {
	Clock   ClockResponse  `json:"clock"`
	Owner   string         `json:"owner"`
	Tenders map[string]int `json:"tenders"`
	Actors  []string       `json:"actors"`
}

type WhoAmIResponse struct {
	ActorID string        `json:"actor_id"`
	Source  string        `json:"source"`
	IsOwner bool          `json:"is_owner"`
	Clock   ClockResponse `json:"clock"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present in the creation response.
	Key string `json:"key,omitempty"`
}

func tenderResponse(t domain.Tender, now clock.Instant) TenderResponse {
	resp := TenderResponse{
		ID:                 t.ID,
		DescriptionHash:    t.DescriptionHash.String(),
		MaxBudget:          decimal(t.MaxBudget),
		SubmissionDeadline: deadlineResponse(t.SubmissionDeadline),
		RevealDeadline:     deadlineResponse(t.RevealDeadline),
		Owner:              t.Owner,
		Auditor:            t.Auditor,
		State:              string(t.State),
		Phase:              string(engine.Phase(t, now)),
		CurrentMilestone:   t.CurrentMilestone,
		TotalMilestones:    t.TotalMilestones,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if t.HasWinner() {
		resp.Winner = *t.Winner
		resp.WinningBid = t.WinningBid.Dec()
		resp.MilestonePayment = engine.MilestonePayment(t).Dec()
		resp.Remainder = engine.Remainder(t).Dec()
	}
	return resp
}

func deadlineResponse(d clock.Deadline) DeadlineResponse {
	return DeadlineResponse{At: d.At.UTC().Format(time.RFC3339), Seq: d.Seq}
}

func bidResponse(b domain.Bid) BidResponse {
	resp := BidResponse{
		TenderID:    b.TenderID,
		Bidder:      b.Bidder,
		CommitHash:  b.CommitHash.String(),
		Position:    b.Position,
		Revealed:    b.Revealed,
		Valid:       b.Valid,
		SubmittedAt: b.SubmittedAt,
	}
	if b.RevealedAmount != nil {
		resp.RevealedAmount = b.RevealedAmount.Dec()
	}
	if b.RevealedAt != nil {
		resp.RevealedAt = *b.RevealedAt
	}
	return resp
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		TenderID:   m.TenderID,
		Number:     m.Number,
		Amount:     decimal(m.Amount),
		Recipient:  m.Recipient,
		ApprovedBy: m.ApprovedBy,
		ApprovedAt: m.ApprovedAt,
		Seq:        m.Seq,
	}
}

func transferResponse(t domain.Transfer) TransferResponse {
	return TransferResponse{
		ID:        t.ID,
		Recipient: t.Recipient,
		Amount:    decimal(t.Amount),
		Reason:    t.Reason,
		TenderID:  t.TenderID,
		CreatedAt: t.CreatedAt,
	}
}

func balanceResponse(b domain.Balance) BalanceResponse {
	return BalanceResponse{Principal: b.Principal, Pending: decimal(b.Pending), UpdatedAt: b.UpdatedAt}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:       evt.ID,
		TS:       evt.TS,
		Seq:      evt.Seq,
		Type:     evt.Type,
		TenderID: evt.TenderID,
		ActorID:  evt.ActorID,
		Payload:  decodePayload(evt.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Principal: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func decodePayload(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: %s is required", engine.ErrInvalidInput, field)
	}
	v, err := domain.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrInvalidInput, field, err)
	}
	return v, nil
}
