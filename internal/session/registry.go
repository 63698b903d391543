package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/platform"
)

// ErrNotFound is returned for unknown sessions and for sessions owned by someone else.
var ErrNotFound = errors.New("session not found")

// Session is one open capture screen.
type Session struct {
	ID        string
	Owner     string
	Flow      *capture.Flow
	Device    *platform.Device
	CreatedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastActive = at
	s.mu.Unlock()
}

// LastActive returns the time of the last recorded activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) close(logger *zap.Logger) {
	s.Flow.Close()
	if err := s.Device.Close(); err != nil {
		logger.Warn("failed to remove session files", zap.Error(logging.NewOperationError("session.close", s.ID, err)))
	}
}

// Factory builds the device and flow backing a new session.
type Factory func() (*platform.Device, *capture.Flow, error)

// Registry tracks open sessions.
type Registry struct {
	factory Factory
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  factory,
		logger:   logger.Named("session_registry"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session owned by owner.
func (r *Registry) Create(owner string) (*Session, error) {
	device, flow, err := r.factory()
	if err != nil {
		return nil, logging.NewOperationError("session.create", "", err)
	}
	now := r.now()
	s := &Session{
		ID:         uuid.NewString(),
		Owner:      owner,
		Flow:       flow,
		Device:     device,
		CreatedAt:  now,
		lastActive: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	logging.WithOperation(r.logger, "session.create", s.ID).Info("session opened", zap.String("owner", owner))
	return s, nil
}

// Get returns the session when owner owns it and marks it active.
func (r *Registry) Get(id, owner string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.Owner != owner {
		return nil, ErrNotFound
	}
	s.touch(r.now())
	return s, nil
}

// Close removes the session, cancelling any in-flight upload.
func (r *Registry) Close(id, owner string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.close(r.logger)
	logging.WithOperation(r.logger, "session.close", id).Info("session closed")
	return nil
}

// Sweep closes sessions idle for longer than maxIdle and returns how many were closed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.close(r.logger)
	}
	if len(stale) > 0 {
		r.logger.Info("idle sessions closed", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// CloseAll closes every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.close(r.logger)
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
