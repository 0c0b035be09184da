package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecipients(t *testing.T) {
	cases := []struct {
		ev   events.Event
		want []string
	}{
		{events.Event{Type: events.RequestExpired, RiderID: "r1"}, []string{"rider:r1"}},
		{events.Event{Type: events.RequestMatched, RiderID: "r1", DriverID: "d1"}, []string{"rider:r1"}},
		{events.Event{Type: events.DriverAssigned, RiderID: "r1", DriverID: "d1"}, []string{"rider:r1", "driver:d1"}},
		{events.Event{Type: events.TripStateChanged, RiderID: "r1", DriverID: "d1"}, []string{"rider:r1", "driver:d1"}},
	}
	for _, c := range cases {
		got := Recipients(c.ev)
		if len(got) != len(c.want) {
			t.Fatalf("%s: got %v want %v", c.ev.Type, got, c.want)
		}
		for i := range got {
			if got[i].key() != c.want[i] {
				t.Fatalf("%s: got %v want %v", c.ev.Type, got, c.want)
			}
		}
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func TestPushDispatcherPostsPerRecipient(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, NewWSRegistry(discard()))
	ev := events.Event{Type: events.DriverAssigned, RiderID: "r1", DriverID: "d1", TripID: "t1"}
	if err := p.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(c.bodies) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(c.bodies))
	}
	to := c.bodies[1]["to"].(map[string]any)
	if to["role"] != "driver" || to["id"] != "d1" {
		t.Fatalf("unexpected recipient %v", to)
	}
}

func TestPushDispatcherReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	p := NewPushDispatcher(srv.URL, nil)
	err := p.Deliver(context.Background(), events.Event{Type: events.RequestExpired, RiderID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestFCMDispatcherAddressesTopics(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	f := NewFCMDispatcher(srv.URL, "secret")
	ev := events.Event{Type: events.TripStateChanged, At: time.Unix(0, 0), RiderID: "r1", DriverID: "d1", TripID: "t1", From: models.TripMatched, To: models.TripAccepted}
	if err := f.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(c.bodies) != 2 || c.auth[0] != "Bearer secret" {
		t.Fatalf("unexpected calls %v %v", c.bodies, c.auth)
	}
	msg := c.bodies[0]["message"].(map[string]any)
	data := msg["data"].(map[string]any)
	if msg["topic"] != "rider-r1" || data["to"] != "accepted" || data["trip_id"] != "t1" {
		t.Fatalf("unexpected message %v", msg)
	}
	if _, ok := data["reason"]; ok {
		t.Fatalf("empty fields should be omitted: %v", data)
	}
}

func TestWSRegistryDeliversToConnectedUsers(t *testing.T) {
	reg := NewWSRegistry(discard())
	up := websocket.Upgrader{}
	added := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(Recipient{Role: models.ActorDriver, ID: "d1"}, conn)
		close(added)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-added

	ev := events.Event{Type: events.DriverAssigned, RiderID: "r1", DriverID: "d1", TripID: "t1"}
	if err := reg.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := client.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.To.ID != "d1" || m.Event.TripID != "t1" {
		t.Fatalf("unexpected message %+v", m)
	}
	if !reg.Connected(Recipient{Role: models.ActorDriver, ID: "d1"}) || reg.Connected(Recipient{Role: models.ActorRider, ID: "r1"}) {
		t.Fatalf("unexpected connection state")
	}
}
