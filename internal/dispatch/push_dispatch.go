package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/events"
)

// PushDispatcher posts events to a notification backend for recipients that
// have no live WebSocket session.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Name() string { return "push" }

func (p *PushDispatcher) Deliver(ctx context.Context, e events.Event) error {
	var errs []error
	for _, to := range Recipients(e) {
		// the websocket sink already reached this user
		if p.WS != nil && p.WS.Connected(to) {
			continue
		}
		if err := p.post(ctx, Message{To: to, Event: e}); err != nil {
			errs = append(errs, fmt.Errorf("push to %s %s: %w", to.Role, to.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PushDispatcher) post(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
