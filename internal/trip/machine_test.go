package trip

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) Release(id string) (models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return models.Driver{ID: id, Status: models.DriverOnlineIdle}, nil
}

func (f *fakeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type stepClock struct{ t atomic.Int64 }

func (c *stepClock) Now() time.Time { return time.Unix(c.t.Add(1), 0) }

func newBook(t *testing.T, opts ...Option) (*Book, *fakeReleaser) {
	t.Helper()
	pr, err := pricing.New(pricing.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	rel := &fakeReleaser{}
	clk := &stepClock{}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewBook(rel, pr, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), rel
}

func openTrip(t *testing.T, b *Book) *Machine {
	t.Helper()
	req := models.TripRequest{ID: "q1", RiderID: "r1", VehicleClass: models.VehicleSedan}
	if _, err := b.Create("t1", req, "d1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := b.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return m
}

func TestHappyPath(t *testing.T) {
	var changes []models.Transition
	b, rel := newBook(t, WithChangeFunc(func(_ models.Trip, tr models.Transition, _ *models.Driver) {
		changes = append(changes, tr)
	}))
	m := openTrip(t, b)

	steps := []func() (models.Trip, error){
		func() (models.Trip, error) { return m.Accept("d1") },
		func() (models.Trip, error) { return m.MarkArrived("d1") },
		func() (models.Trip, error) { return m.Start("d1") },
		func() (models.Trip, error) { return m.Complete("d1", 10, 25) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	tr := m.Snapshot()
	if tr.State != models.TripCompleted {
		t.Fatalf("expected completed, got %s", tr.State)
	}
	if tr.AcceptedAt == nil || tr.ArrivedAt == nil || tr.StartedAt == nil || tr.CompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", tr)
	}
	if tr.FinalFare == nil || tr.FinalFare.Amount <= 0 || tr.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected fare/payment: %+v %s", tr.FinalFare, tr.PaymentStatus)
	}
	if err := ValidPath(tr.History); err != nil {
		t.Fatalf("invalid history: %v", err)
	}
	if len(tr.History) != 5 || len(changes) != 4 {
		t.Fatalf("expected 5 history entries and 4 changes, got %d and %d", len(tr.History), len(changes))
	}
	if rel.count() != 1 {
		t.Fatalf("expected driver released once, got %d", rel.count())
	}
}

func TestTransitionsCannotSkipOrRepeat(t *testing.T) {
	b, _ := newBook(t)
	m := openTrip(t, b)

	if _, err := m.Start("d1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("skip to start: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := m.Accept("d2"); !errors.Is(err, models.ErrNotAssignedDriver) {
		t.Fatalf("other driver: expected ErrNotAssignedDriver, got %v", err)
	}
	if _, err := m.Accept("d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.Accept("d1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("repeat accept: expected ErrInvalidTransition, got %v", err)
	}
	if err := ValidPath(m.Snapshot().History); err != nil {
		t.Fatalf("invalid history: %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	cases := []struct {
		name    string
		advance int // number of driver steps before cancelling
		actor   models.Actor
		wantErr error
	}{
		{name: "rider from matched", advance: 0, actor: models.Actor{Role: models.ActorRider, ID: "r1"}},
		{name: "driver from accepted", advance: 1, actor: models.Actor{Role: models.ActorDriver, ID: "d1"}},
		{name: "system from arrived", advance: 2, actor: models.Actor{Role: models.ActorSystem}},
		{name: "not from in_progress", advance: 3, actor: models.Actor{Role: models.ActorSystem}, wantErr: models.ErrInvalidTransition},
		{name: "stranger rider", advance: 0, actor: models.Actor{Role: models.ActorRider, ID: "r2"}, wantErr: models.ErrNotParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, rel := newBook(t)
			m := openTrip(t, b)
			steps := []func(string) (models.Trip, error){m.Accept, m.MarkArrived, m.Start}
			for i := 0; i < tc.advance; i++ {
				if _, err := steps[i]("d1"); err != nil {
					t.Fatalf("advance %d: %v", i, err)
				}
			}
			tr, err := m.Cancel("changed plans", tc.actor)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if rel.count() != 0 {
					t.Fatalf("driver released on failed cancel")
				}
				return
			}
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if tr.State != models.TripCancelled || tr.CancellationReason != "changed plans" || tr.CancelledAt == nil {
				t.Fatalf("unexpected trip: %+v", tr)
			}
			if rel.count() != 1 {
				t.Fatalf("expected driver release")
			}
			if _, err := m.Cancel("again", tc.actor); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("second cancel: expected ErrInvalidTransition, got %v", err)
			}
			if err := ValidPath(tr.History); err != nil {
				t.Fatalf("invalid history: %v", err)
			}
		})
	}
}

func TestConcurrentCompleteAppliesOnce(t *testing.T) {
	b, rel := newBook(t)
	m := openTrip(t, b)
	m.Accept("d1")
	m.MarkArrived("d1")
	m.Start("d1")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Complete("d1", 5, 10); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || rel.count() != 1 {
		t.Fatalf("expected exactly one completion, got %d (releases %d)", ok.Load(), rel.count())
	}
	if err := ValidPath(m.Snapshot().History); err != nil {
		t.Fatalf("invalid history: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b, _ := newBook(t)
	m := openTrip(t, b)
	s := m.Snapshot()
	s.History[0].To = models.TripCompleted
	if m.Snapshot().History[0].To != models.TripMatched {
		t.Fatalf("snapshot aliases the trip history")
	}
}

func TestPaymentStatusOnlyAfterCompletion(t *testing.T) {
	b, _ := newBook(t)
	m := openTrip(t, b)
	if _, err := m.SetPaymentStatus(models.PaymentSucceeded); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	m.Accept("d1")
	m.MarkArrived("d1")
	m.Start("d1")
	m.Complete("d1", 1, 1)
	tr, err := m.SetPaymentStatus(models.PaymentSucceeded)
	if err != nil || tr.PaymentStatus != models.PaymentSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", tr.PaymentStatus, err)
	}
}

func TestGetUnknownTrip(t *testing.T) {
	b, _ := newBook(t)
	if _, err := b.Get("nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPaymentFuncSeesRecordedStatus(t *testing.T) {
	var seen []models.Trip
	b, _ := newBook(t, WithPaymentFunc(func(tr models.Trip) { seen = append(seen, tr) }))
	m := openTrip(t, b)
	m.SetPaymentStatus(models.PaymentSucceeded) // rejected before completion
	m.Accept("d1")
	m.MarkArrived("d1")
	m.Start("d1")
	m.Complete("d1", 1, 1)
	m.SetPaymentStatus(models.PaymentFailed)
	if len(seen) != 1 || seen[0].PaymentStatus != models.PaymentFailed || seen[0].ID != "t1" {
		t.Fatalf("unexpected payment callbacks %+v", seen)
	}
}

func TestPruneEvictsSettledTerminalTrips(t *testing.T) {
	b, _ := newBook(t)
	req := models.TripRequest{ID: "q", RiderID: "r1", VehicleClass: models.VehicleSedan}
	for _, id := range []string{"active", "cancelled", "unpaid", "paid"} {
		if _, err := b.Create(id, req, "d-"+id); err != nil {
			t.Fatal(err)
		}
	}
	get := func(id string) *Machine {
		m, err := b.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		return m
	}
	get("cancelled").Cancel("changed plans", models.Actor{Role: models.ActorRider, ID: "r1"})
	for _, id := range []string{"unpaid", "paid"} {
		m := get(id)
		m.Accept("d-" + id)
		m.MarkArrived("d-" + id)
		m.Start("d-" + id)
		m.Complete("d-"+id, 1, 1)
	}
	get("paid").SetPaymentStatus(models.PaymentSucceeded)

	if n := b.Prune(time.Unix(0, 0)); n != 0 {
		t.Fatalf("nothing ended before the epoch, pruned %d", n)
	}
	if n := b.Prune(time.Unix(1<<40, 0)); n != 2 {
		t.Fatalf("expected cancelled and paid pruned, got %d", n)
	}
	for _, id := range []string{"cancelled", "paid"} {
		if _, err := b.Get(id); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("%s still held: %v", id, err)
		}
	}
	for _, id := range []string{"active", "unpaid"} {
		if _, err := b.Get(id); err != nil {
			t.Fatalf("%s evicted: %v", id, err)
		}
	}
	counts := b.CountByState()
	if counts[models.TripMatched] != 1 || counts[models.TripCompleted] != 1 || counts[models.TripCancelled] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
