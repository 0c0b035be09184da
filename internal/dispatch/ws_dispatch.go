package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/events"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected rider or driver.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(m)
}

// WSRegistry holds one session per rider/driver and delivers their events.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for r, replacing (and closing) an older session.
func (r *WSRegistry) Add(to Recipient, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[to.key()]
	r.sessions[to.key()] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops s if it is still the current session for r.
func (r *WSRegistry) Remove(to Recipient, s *WSSession) {
	r.mu.Lock()
	if r.sessions[to.key()] == s {
		delete(r.sessions, to.key())
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(to Recipient) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[to.key()]
	return ok
}

// Send writes m to its recipient's session.
func (r *WSRegistry) Send(ctx context.Context, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[m.To.key()]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ctx, m); err != nil {
		r.logger.Warn("ws send error", "role", m.To.Role, "id", m.To.ID, "error", err)
		r.Remove(m.To, s)
		return err
	}
	return nil
}

func (r *WSRegistry) Name() string { return "websocket" }

// Deliver sends e to every connected recipient. Users without a session are
// skipped; the push sink covers them.
func (r *WSRegistry) Deliver(ctx context.Context, e events.Event) error {
	var errs []error
	for _, to := range Recipients(e) {
		err := r.Send(ctx, Message{To: to, Event: e})
		if err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
