package queue

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Queue holds trip requests awaiting a driver, oldest first. Every status
// change is a conditional update under one lock, so a request can leave the
// pending state exactly once: by match, cancellation or expiry.
type Queue struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending []string // ids in arrival order
	all     map[string]*models.TripRequest

	// closed requests in the order they left pending; Prune drops those
	// older than retain
	retain time.Duration
	closed []closedAt
}

type closedAt struct {
	id string
	at time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithRetention keeps closed requests readable for d before Prune drops
// them. Zero keeps them forever.
func WithRetention(d time.Duration) Option { return func(q *Queue) { q.retain = d } }

func New(ttl time.Duration, opts ...Option) *Queue {
	q := &Queue{ttl: ttl, now: time.Now, all: make(map[string]*models.TripRequest)}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue stamps createdAt/expiresAt and appends the request.
func (q *Queue) Enqueue(req models.TripRequest) (models.TripRequest, error) {
	if req.ID == "" {
		return models.TripRequest{}, fmt.Errorf("%w: request id is required", models.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return models.TripRequest{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.all[req.ID]; ok {
		return models.TripRequest{}, fmt.Errorf("%w: duplicate request id %s", models.ErrValidation, req.ID)
	}
	now := q.now()
	// arrival order is the queue order; keep createdAt consistent with it
	if n := len(q.pending); n > 0 {
		if last := q.all[q.pending[n-1]].CreatedAt; now.Before(last) {
			now = last
		}
	}
	req.CreatedAt = now
	req.ExpiresAt = now.Add(q.ttl)
	req.Status = models.RequestPending
	req.TripID, req.DriverID = "", ""
	r := req
	q.all[r.ID] = &r
	q.pending = append(q.pending, r.ID)
	return r, nil
}

// PeekPending yields pending requests ordered by creation time. Each range
// over the sequence starts from a fresh snapshot, so it can be restarted.
func (q *Queue) PeekPending() iter.Seq[models.TripRequest] {
	return func(yield func(models.TripRequest) bool) {
		q.mu.Lock()
		snap := make([]models.TripRequest, 0, len(q.pending))
		for _, id := range q.pending {
			snap = append(snap, *q.all[id])
		}
		q.mu.Unlock()
		for _, r := range snap {
			if !yield(r) {
				return
			}
		}
	}
}

// DequeueExpired yields requests whose TTL has passed at the time of the
// call, removing each one and marking it expired as it is produced. The
// sequence is one-shot; requests not yet consumed when iteration stops stay
// queued.
func (q *Queue) DequeueExpired() iter.Seq[models.TripRequest] {
	cutoff := q.now()
	var used sync.Once
	return func(yield func(models.TripRequest) bool) {
		fresh := false
		used.Do(func() { fresh = true })
		if !fresh {
			return
		}
		for {
			r, ok := q.popExpired(cutoff)
			if !ok || !yield(r) {
				return
			}
		}
	}
}

func (q *Queue) popExpired(cutoff time.Time) (models.TripRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		r := q.all[id]
		if cutoff.Before(r.ExpiresAt) {
			continue
		}
		r.Status = models.RequestExpired
		q.removeAtLocked(i)
		return *r, true
	}
	return models.TripRequest{}, false
}

// Cancel withdraws a pending request. Requests that are unknown or no
// longer pending report ErrNotFound.
func (q *Queue) Cancel(id string) (models.TripRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.all[id]
	if !ok {
		return models.TripRequest{}, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	if r.Status != models.RequestPending {
		return *r, fmt.Errorf("%w: request %s is %s", models.ErrNotFound, id, r.Status)
	}
	r.Status = models.RequestCancelled
	q.removeLocked(id)
	return *r, nil
}

// MarkMatched is the conditional update that moves a request from pending
// to matched. It fails if the request was cancelled, already matched, or
// has outlived its TTL.
func (q *Queue) MarkMatched(id, tripID, driverID string) (models.TripRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.all[id]
	if !ok {
		return models.TripRequest{}, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	if r.Status != models.RequestPending {
		return *r, fmt.Errorf("%w: request %s is %s", models.ErrRequestClosed, id, r.Status)
	}
	if !q.now().Before(r.ExpiresAt) {
		return *r, fmt.Errorf("%w: request %s", models.ErrRequestExpired, id)
	}
	r.Status = models.RequestMatched
	r.TripID = tripID
	r.DriverID = driverID
	q.removeLocked(id)
	return *r, nil
}

// Get returns a request in any status.
func (q *Queue) Get(id string) (models.TripRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.all[id]
	if !ok {
		return models.TripRequest{}, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	return *r, nil
}

// Len is the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Prune forgets requests that closed more than the retention window ago and
// reports how many were dropped.
func (q *Queue) Prune() int {
	if q.retain <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.retain)
	n := 0
	for n < len(q.closed) && q.closed[n].at.Before(cutoff) {
		delete(q.all, q.closed[n].id)
		n++
	}
	q.closed = append(q.closed[:0], q.closed[n:]...)
	return n
}

func (q *Queue) removeLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.removeAtLocked(i)
			return
		}
	}
}

func (q *Queue) removeAtLocked(i int) {
	if q.retain > 0 {
		q.closed = append(q.closed, closedAt{id: q.pending[i], at: q.now()})
	}
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
}
