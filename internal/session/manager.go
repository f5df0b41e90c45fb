package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
)

// Manager owns all active streaming sessions: creation, lookup, and
// automatic expiry of sessions whose clients went silent.
type Manager struct {
	caps       *capabilities.Set
	cache      *models.Cache
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration

	mu       sync.RWMutex
	sessions map[string]*managedSession

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// NewManager creates a session manager and starts its cleanup routine.
func NewManager(caps *capabilities.Set, cache *models.Cache, dispatcher *dispatch.Dispatcher,
	opts Options, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Manager {

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		caps:       caps,
		cache:      cache,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		timeout:    timeout,
		sessions:   make(map[string]*managedSession),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Create registers a new session and returns it together with the context
// its Run loop must use. The context is cancelled when the session is
// removed, expires, or the manager stops.
func (m *Manager) Create(parent context.Context) (*Session, context.Context) {
	id := xid.New().String()
	sess := New(id, m.caps, m.cache, m.dispatcher, m.opts, m.logger, m.metrics)

	runCtx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	m.sessions[id] = &managedSession{session: sess, cancel: cancel}
	active := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.ActiveSessions.Set(float64(active))
	}

	m.logger.Info("Created streaming session",
		slog.String("session_id", id),
		slog.Int("active_sessions", active),
	)

	return sess, runCtx
}

// Get retrieves an active session by identifier.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, exists := m.sessions[id]
	if !exists {
		return nil, false
	}
	return managed.session, true
}

// Remove deregisters a session and cancels its run context.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	managed, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	managed.cancel()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(active))
	}

	m.logger.Info("Removed streaming session",
		slog.String("session_id", id),
		slog.String("final_state", managed.session.State().String()),
		slog.Duration("duration", time.Since(managed.session.StartTime)),
	)

	return true
}

// ActiveCount returns the number of currently registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllInfo returns a monitoring snapshot of all active sessions.
func (m *Manager) GetAllInfo() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, managed := range m.sessions {
		infos = append(infos, managed.session.GetInfo())
	}
	return infos
}

// Stop cancels every active session and the cleanup routine.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	for _, managed := range m.sessions {
		managed.cancel()
	}
	m.mu.Unlock()

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.ActiveCount()),
	)
}

// startCleanupRoutine periodically expires sessions that have been inactive
// for longer than the configured timeout.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.timeout),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, managed := range m.sessions {
		if now.Sub(managed.session.LastActivity()) > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.Remove(id)
		}
	}
}
