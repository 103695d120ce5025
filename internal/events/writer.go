package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	TenderCreated      = "tender.created"
	BidSubmitted       = "bid.submitted"
	BidRevealed        = "bid.revealed"
	WinnerSelected     = "tender.winner_selected"
	TenderCancelled    = "tender.cancelled"
	MilestoneCompleted = "milestone.completed"
	TenderCompleted    = "tender.completed"
	PaymentWithdrawn   = "payment.withdrawn"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one immutable event inside tx. tenderID 0 means the event is not
// scoped to a tender.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, tenderID int64, seq uint64, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,seq,type,tender_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, int64(seq), evtType, nullableID(tenderID), actorID, string(data))
	return err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
