// Package tenderlinesdk is a small client for the Tenderline HTTP API.
package tenderlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"tenderline/internal/commit"
)

// Client is a minimal Tenderline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Deadline is a bound on both the wall clock and the logical clock.
type Deadline struct {
	At  string `json:"at"`
	Seq uint64 `json:"seq"`
}

// Tender represents the API tender model. Amounts are base-10 strings.
type Tender struct {
	ID                 int64    `json:"id"`
	DescriptionHash    string   `json:"description_hash"`
	MaxBudget          string   `json:"max_budget"`
	SubmissionDeadline Deadline `json:"submission_deadline"`
	RevealDeadline     Deadline `json:"reveal_deadline"`
	Owner              string   `json:"owner"`
	Auditor            string   `json:"auditor"`
	State              string   `json:"state"`
	Phase              string   `json:"phase"`
	Winner             string   `json:"winner,omitempty"`
	WinningBid         string   `json:"winning_bid,omitempty"`
	CurrentMilestone   int      `json:"current_milestone"`
	TotalMilestones    int      `json:"total_milestones"`
	MilestonePayment   string   `json:"milestone_payment,omitempty"`
	Remainder          string   `json:"remainder,omitempty"`
}

type Bid struct {
	TenderID       int64  `json:"tender_id"`
	Bidder         string `json:"bidder"`
	CommitHash     string `json:"commit_hash"`
	Position       int    `json:"position"`
	Revealed       bool   `json:"revealed"`
	Valid          bool   `json:"valid"`
	RevealedAmount string `json:"revealed_amount,omitempty"`
}

type Milestone struct {
	TenderID  int64  `json:"tender_id"`
	Number    int    `json:"number"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type Transfer struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	TenderID  *int64 `json:"tender_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Balance struct {
	Principal string `json:"principal"`
	Pending   string `json:"pending"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Seq      uint64         `json:"seq"`
	Type     string         `json:"type"`
	TenderID *int64         `json:"tender_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type WhoAmI struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
	IsOwner bool   `json:"is_owner"`
	Clock   struct {
		Time string `json:"time"`
		Seq  uint64 `json:"seq"`
	} `json:"clock"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Sealed is a bid commitment together with the secret needed to reveal it.
// Keep it until the reveal phase; losing the nonce forfeits the bid.
type Sealed struct {
	Amount string `json:"amount"`
	Nonce  string `json:"nonce"`
	Hash   string `json:"commit_hash"`
}

// SealBid draws a nonce and computes the commitment for amount and bidder.
func SealBid(amount, bidder string) (Sealed, error) {
	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return Sealed{}, fmt.Errorf("amount: %w", err)
	}
	nonce, err := commit.NewNonce()
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Amount: v.Dec(),
		Nonce:  nonce.String(),
		Hash:   commit.Compute(v, nonce, bidder).String(),
	}, nil
}

// CreateTender opens a tender. description is hashed by the server.
func (c *Client) CreateTender(ctx context.Context, description, maxBudget, auditor string) (Tender, error) {
	body := map[string]any{
		"description": description,
		"max_budget":  maxBudget,
		"auditor":     auditor,
	}
	var resp Tender
	err := c.do(ctx, http.MethodPost, "tenders", body, &resp)
	return resp, err
}

func (c *Client) Tender(ctx context.Context, id int64) (Tender, error) {
	var resp Tender
	err := c.do(ctx, http.MethodGet, tenderPath(id, ""), nil, &resp)
	return resp, err
}

// Tenders lists tenders newest first, optionally filtered by state.
func (c *Client) Tenders(ctx context.Context, state string, limit int) ([]Tender, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Tender `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tenders", q), nil, &resp)
	return resp.Items, err
}

// SubmitBid sends a sealed commitment.
func (c *Client) SubmitBid(ctx context.Context, tenderID int64, commitHash string) (Bid, error) {
	var resp Bid
	err := c.do(ctx, http.MethodPost, tenderPath(tenderID, "bids"), map[string]any{"commit_hash": commitHash}, &resp)
	return resp, err
}

// RevealBid opens a commitment created with SealBid.
func (c *Client) RevealBid(ctx context.Context, tenderID int64, sealed Sealed) (Bid, error) {
	body := map[string]any{
		"amount": sealed.Amount,
		"nonce":  sealed.Nonce,
	}
	var resp Bid
	err := c.do(ctx, http.MethodPost, tenderPath(tenderID, "reveal"), body, &resp)
	return resp, err
}

func (c *Client) Bids(ctx context.Context, tenderID int64) ([]Bid, error) {
	var resp []Bid
	err := c.do(ctx, http.MethodGet, tenderPath(tenderID, "bids"), nil, &resp)
	return resp, err
}

func (c *Client) SelectWinner(ctx context.Context, tenderID int64) (Tender, error) {
	var resp Tender
	err := c.do(ctx, http.MethodPost, tenderPath(tenderID, "select-winner"), nil, &resp)
	return resp, err
}

// ApproveMilestone approves milestone n, supplying funds. Excess is refunded.
func (c *Client) ApproveMilestone(ctx context.Context, tenderID int64, n int, funds string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, tenderPath(tenderID, fmt.Sprintf("milestones/%d/approve", n)), map[string]any{"funds": funds}, &resp)
	return resp, err
}

func (c *Client) Milestones(ctx context.Context, tenderID int64) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, tenderPath(tenderID, "milestones"), nil, &resp)
	return resp, err
}

// Balance returns the caller's pending balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "balances/me", nil, &resp)
	return resp, err
}

// Withdraw pays out the caller's pending balance.
func (c *Client) Withdraw(ctx context.Context) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "withdrawals", nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, scoped to tenderID when
// positive.
func (c *Client) EventsPage(ctx context.Context, tenderID int64, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if tenderID > 0 {
		endpoint = tenderPath(tenderID, "events")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func tenderPath(id int64, p string) string {
	if p == "" {
		return fmt.Sprintf("tenders/%d", id)
	}
	return fmt.Sprintf("tenders/%d/%s", id, strings.TrimLeft(p, "/"))
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
