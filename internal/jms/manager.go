package jms

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/service"
	"go.uber.org/zap"
)

// Manager checks endpoints out of a Connection under an EndpointPolicy.
//
// Endpoints are created fresh per checkout and closed on return. Under
// ReuseSessionNewEndpointPerOperation the manager caches one session per
// worker, keyed by the worker id carried in the context, and rejects
// checkouts without one. All other sessions are closed with their endpoint. The manager never retains endpoints.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	conn   Connection
	policy EndpointPolicy
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[int]Session
	closed   bool
}

// NewManager starts conn and returns a manager owning it.
func NewManager(conn Connection, policy EndpointPolicy, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := conn.Start(); err != nil {
		return nil, fmt.Errorf("starting connection: %w", err)
	}
	return &Manager{
		conn:     conn,
		policy:   policy,
		log:      log,
		sessions: make(map[int]Session),
	}, nil
}

// Policy returns the endpoint policy.
func (m *Manager) Policy() EndpointPolicy { return m.policy }

// CheckOutEndpoint returns a producer endpoint for a send or a consumer
// endpoint for a receive, bound to the calling worker's session.
func (m *Manager) CheckOutEndpoint(ctx context.Context, op operation.Operation) (*Endpoint, error) {
	var (
		dest     operation.Destination
		producer bool
	)
	switch o := op.(type) {
	case *operation.Send:
		dest, producer = o.Destination, true
	case *operation.Receive:
		dest = o.Destination
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotMessaging, op.Kind())
	}

	session, cached, err := m.acquireSession(ctx)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{dest: dest, session: session, cached: cached}
	if producer {
		ep.producer, err = session.CreateProducer(dest)
	} else {
		ep.consumer, err = session.CreateConsumer(dest)
	}
	if err != nil {
		if !cached {
			m.closeSession(session)
		}
		return nil, fmt.Errorf("creating endpoint for %s: %w", dest, err)
	}
	return ep, nil
}

// acquireSession returns the worker's cached session or a new one, and
// whether the manager keeps ownership of it.
func (m *Manager) acquireSession(ctx context.Context) (Session, bool, error) {
	workerID, hasWorker := service.WorkerID(ctx)
	reuse := m.policy == ReuseSessionNewEndpointPerOperation
	if reuse && !hasWorker {
		return nil, false, ErrNoWorker
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrManagerClosed
	}
	if reuse {
		if s, ok := m.sessions[workerID]; ok {
			m.mu.Unlock()
			return s, true, nil
		}
	}
	m.mu.Unlock()

	session, err := m.conn.CreateSession()
	if err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	if !reuse {
		return session, false, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeSession(session)
		return nil, false, ErrManagerClosed
	}
	m.sessions[workerID] = session
	m.mu.Unlock()
	return session, true, nil
}

// ReturnEndpoint closes the endpoint and, unless the manager caches it, its
// session. It never fails; close errors are logged. On a closed manager the
// endpoint is still closed.
func (m *Manager) ReturnEndpoint(ep *Endpoint) {
	if ep == nil {
		return
	}
	if ep.producer != nil {
		if err := ep.producer.Close(); err != nil {
			m.log.Warn("closing producer", zap.Stringer("destination", ep.dest), zap.Error(err))
		}
	}
	if ep.consumer != nil {
		if err := ep.consumer.Close(); err != nil {
			m.log.Warn("closing consumer", zap.Stringer("destination", ep.dest), zap.Error(err))
		}
	}
	// A cached session belongs to the manager; Close disposes of it.
	if !ep.cached && ep.session != nil {
		m.closeSession(ep.session)
	}
	ep.producer, ep.consumer, ep.session = nil, nil, nil
}

// Close closes every cached session and then the connection. Only the first
// call has an effect.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	for workerID, s := range sessions {
		if err := s.Close(); err != nil {
			m.log.Warn("closing cached session", zap.Int("worker", workerID), zap.Error(err))
		}
	}
	if err := m.conn.Close(); err != nil {
		m.log.Warn("closing connection", zap.Error(err))
	}
}

// IsClosed reports whether Close has been called.
func (m *Manager) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CachedSessions returns the number of sessions currently cached.
func (m *Manager) CachedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) closeSession(s Session) {
	if err := s.Close(); err != nil {
		m.log.Warn("closing session", zap.Error(err))
	}
}
