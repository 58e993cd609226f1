package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/prediction"
	"github.com/wuchris-ch/fundus-dx-ml/internal/preview"
)

// Manager hosts sessions by ID on behalf of their owners. With a positive
// IdleTTL it also evicts sessions that have been left alone.
type Manager struct {
	client   prediction.Client
	previews preview.Store
	logger   *zap.Logger
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager builds an empty registry. Every session it creates shares
// client, previews and opts.
func NewManager(client prediction.Client, previews preview.Store, logger *zap.Logger, opts Options) *Manager {
	m := &Manager{
		client:   client,
		previews: previews,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	if opts.IdleTTL > 0 {
		m.stop = make(chan struct{})
		m.stopped = make(chan struct{})
		go m.sweepLoop(sweepInterval(opts.IdleTTL))
	}
	return m
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Create starts an idle session owned by owner.
func (m *Manager) Create(owner string) *Session {
	s := New(uuid.NewString(), owner, m.client, m.previews, m.logger, m.opts)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Debug("session created", zap.String("session_id", s.ID()), zap.String("owner", owner))
	return s
}

// Get returns the session if it exists and belongs to owner.
func (m *Manager) Get(owner, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.Owner() != owner {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove closes the session and forgets it.
func (m *Manager) Remove(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Owner() != owner {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	return s.Close(ctx)
}

// Len reports how many sessions are hosted.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes and forgets every session that has been idle for IdleTTL as
// of now. Sessions with a request in flight are kept. It returns the number
// of evicted sessions.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-m.opts.IdleTTL)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		_ = s.Close(ctx)
		m.logger.Info("evicted idle session", zap.String("session_id", s.ID()), zap.String("owner", s.Owner()))
	}
	return len(expired)
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Sweep(context.Background(), now)
		}
	}
}

func (m *Manager) stopSweeper() {
	m.stopOnce.Do(func() {
		if m.stop == nil {
			return
		}
		close(m.stop)
		<-m.stopped
	})
}

// Shutdown stops eviction, closes every session and waits for their
// requests to return or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopSweeper()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
