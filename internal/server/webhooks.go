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
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookBatch    = 100
)

// webhookForwarder tails the audit trail and posts new events to each
// configured webhook. Cursors start at the newest event id so a restart
// never replays history. Delivery stops at the first failed hook call and
// retries the same event next tick.
type webhookForwarder struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookForwarder(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	f := &webhookForwarder{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: webhookTimeout},
		cursors:  make(map[int]int64),
	}
	go f.run()
}

func (f *webhookForwarder) run() {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		f.forwardAll()
		<-ticker.C
	}
}

func (f *webhookForwarder) forwardAll() {
	for i, hook := range f.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.forward(i, hook)
	}
}

func (f *webhookForwarder) forward(idx int, hook config.Webhook) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	events, err := f.engine.Repo.EventsAfter(ctx, webhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

func (f *webhookForwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *webhookForwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (f *webhookForwarder) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shipline-Event", evt.Type)
	req.Header.Set("X-Shipline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shipline-Signature", signWebhookBody(hook.Secret, data))
	}
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		resBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(resBody)))
	}
	return nil
}

// signWebhookBody computes the delivery signature: a hex HMAC-SHA256 of the
// request body keyed with the hook secret, prefixed with the scheme name.
func signWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
