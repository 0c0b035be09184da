package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

func tripWith(n int, state models.TripState) models.Trip {
	return models.Trip{ID: "t1", State: state, History: make([]models.Transition, n)}
}

func TestMemoryStoreKeepsNewestSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.SaveTrip(ctx, tripWith(3, models.TripArrived)); err != nil {
		t.Fatal(err)
	}
	// late delivery of an older snapshot
	if err := s.SaveTrip(ctx, tripWith(2, models.TripAccepted)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTrip(ctx, "t1")
	if err != nil || got.State != models.TripArrived {
		t.Fatalf("expected arrived snapshot, got %+v %v", got, err)
	}

	paid := tripWith(3, models.TripArrived)
	paid.PaymentStatus = models.PaymentSucceeded
	_ = s.SaveTrip(ctx, paid)
	if got, _ := s.GetTrip(ctx, "t1"); got.PaymentStatus != models.PaymentSucceeded {
		t.Fatalf("expected same-length snapshot to replace, got %+v", got)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	if _, err := NewMemoryStore().GetTrip(context.Background(), "x"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjectorSavesTripSnapshots(t *testing.T) {
	s := NewMemoryStore()
	p := &Projector{Store: s}
	tr := tripWith(1, models.TripMatched)
	if err := p.Deliver(context.Background(), events.Event{Type: events.RequestMatched, Trip: &tr}); err != nil {
		t.Fatal(err)
	}
	if err := p.Deliver(context.Background(), events.Event{Type: events.RequestExpired, RequestID: "r1"}); err != nil {
		t.Fatalf("events without a trip are ignored, got %v", err)
	}
	if _, err := s.GetTrip(context.Background(), "t1"); err != nil {
		t.Fatalf("expected trip saved: %v", err)
	}
}

func TestMigrationIsBundled(t *testing.T) {
	b, err := migrations.ReadFile("migrations/001_create_trips.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "CREATE TABLE IF NOT EXISTS trips") {
		t.Fatalf("unexpected migration %s", b)
	}
}
