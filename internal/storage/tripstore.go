package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

// TripStore persists trip snapshots. SaveTrip is an upsert that never
// replaces a snapshot with an older one (shorter transition history), so
// out-of-order deliveries are harmless.
type TripStore interface {
	SaveTrip(ctx context.Context, t models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip)}
}

func (m *MemoryStore) SaveTrip(ctx context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.trips[t.ID]; ok && newer(cur, t) {
		return nil
	}
	t.History = append([]models.Transition(nil), t.History...)
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("%w: trip %s", models.ErrNotFound, id)
	}
	return t, nil
}

// newer reports whether cur is strictly ahead of t. A payment update keeps
// the history length, so equal lengths are replaced.
func newer(cur, t models.Trip) bool {
	return len(cur.History) > len(t.History)
}

// Projector is an events.Sink that saves the trip snapshot carried by each
// event.
type Projector struct {
	Store TripStore
}

func (p *Projector) Name() string { return "storage" }

func (p *Projector) Deliver(ctx context.Context, e events.Event) error {
	if e.Trip == nil {
		return nil
	}
	if err := p.Store.SaveTrip(ctx, *e.Trip); err != nil {
		return fmt.Errorf("save trip %s: %w", e.Trip.ID, err)
	}
	return nil
}
