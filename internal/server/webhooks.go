package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and POSTs new events to the configured
// endpoints. Each endpoint keeps its own cursor; a failed delivery is retried
// from the same event on the next poll.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when no endpoint is enabled.
func NewWebhookDispatcher(e engine.Engine, logger *slog.Logger) *WebhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hooks = append(hooks, hook)
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Engine:   e,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
	}
}

// Run delivers events until ctx is done. Only events appended after Run starts
// are delivered.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one delivery round over every endpoint.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	for i, hook := range d.Hooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursors[idx]
	if !ok {
		latest, err := d.Engine.Repo.LatestEventID(ctx)
		if err != nil {
			d.Logger.Warn("webhook cursor init failed", "url", hook.URL, "err", err)
			return
		}
		d.cursors[idx] = latest
		return
	}
	events, err := d.Engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, 0)
	if err != nil {
		d.Logger.Warn("webhook fetch failed", "url", hook.URL, "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.post(ctx, hook, evt); err != nil {
				d.Logger.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "type", evt.Type, "err", err)
				return
			}
			d.Logger.Debug("webhook delivered", "url", hook.URL, "event_id", evt.ID, "type", evt.Type)
		}
		d.cursors[idx] = evt.ID
	}
}

type webhookEvent struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	TS       string          `json:"ts"`
	Seq      uint64          `json:"seq"`
	TenderID *int64          `json:"tender_id,omitempty"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		TS:       evt.TS,
		Seq:      evt.Seq,
		TenderID: evt.TenderID,
		ActorID:  evt.ActorID,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenderline-Event", evt.Type)
	req.Header.Set("X-Tenderline-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Tenderline-Signature", "sha256="+SignWebhook(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SignWebhook returns the hex HMAC-SHA256 of body under secret.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types exactly, or by prefix for entries ending
// in ".*".
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
