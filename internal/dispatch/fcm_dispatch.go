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

// FCMDispatcher posts JSON to FCM HTTPv1 endpoint using server key or oauth token.
// Each recipient is addressed through its topic, e.g. "rider-42".
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Name() string { return "fcm" }

func (f *FCMDispatcher) Deliver(ctx context.Context, e events.Event) error {
	var errs []error
	for _, to := range Recipients(e) {
		if err := f.send(ctx, to, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fcmData flattens an event into FCM's string-only data map.
func fcmData(e events.Event) map[string]string {
	data := map[string]string{"type": string(e.Type), "at": e.At.Format(time.RFC3339)}
	for k, v := range map[string]string{
		"request_id": e.RequestID,
		"trip_id":    e.TripID,
		"driver_id":  e.DriverID,
		"from":       string(e.From),
		"to":         string(e.To),
		"reason":     e.Reason,
		"payment":    string(e.Payment),
	} {
		if v != "" {
			data[k] = v
		}
	}
	return data
}

func (f *FCMDispatcher) send(ctx context.Context, to Recipient, e events.Event) error {
	body := map[string]any{"message": map[string]any{
		"topic": fmt.Sprintf("%s-%s", to.Role, to.ID),
		"data":  fcmData(e),
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm %s-%s: status %d", to.Role, to.ID, resp.StatusCode)
	}
	return nil
}
