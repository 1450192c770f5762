package strategy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPSession simulates web sessions. Each session is created with
// initialSessionSize bytes of data, receives writesPerSession attribute
// writes and is then invalidated.
//
// With sessionCount > 0 the sessions live in a pool shared by all workers:
// the pool is filled first, then a random idle session advances one step
// per call. A session is busy from the call that hands out one of its
// operations until the same worker calls Next again, so its operations reach
// the service in order. When every session is busy the strategy returns an
// Idle operation. Without a session count each worker owns one session at a
// time.
//
// On shutdown the strategy invalidates the remaining sessions, one per call,
// waiting with Idle operations for busy ones, and then returns nil.
//
// Thread Safety: Safe for concurrent use.
type HTTPSession struct {
	*common
	writesPerSession int
	data             *valueSource

	pool *sessionPool

	mu    sync.Mutex
	owned map[int]*httpSession
}

type httpSession struct {
	id     string
	writes int
	busy   bool
}

// idleBackoff is how long a worker backs off when every pooled session is busy.
const idleBackoff = 200 * time.Microsecond

// NewHTTPSession creates an unconfigured HTTP session strategy.
func NewHTTPSession(log *zap.Logger) *HTTPSession {
	return &HTTPSession{common: newCommon(log)}
}

// Configure reads sessionCount, writesPerSession, initialSessionSize,
// valueSize and reuseValue.
func (s *HTTPSession) Configure(_ config.ServiceConfig, load config.LoadConfig) error {
	cfg := load.Strategy
	if cfg.SessionCount < 0 {
		return fmt.Errorf("%w: sessionCount must be non-negative, got %d", ErrInvalidConfig, cfg.SessionCount)
	}
	if cfg.WritesPerSession < 0 {
		return fmt.Errorf("%w: writesPerSession must be non-negative, got %d", ErrInvalidConfig, cfg.WritesPerSession)
	}
	if cfg.InitialSessionSize < 0 {
		return fmt.Errorf("%w: initialSessionSize must be non-negative, got %d", ErrInvalidConfig, cfg.InitialSessionSize)
	}
	if err := s.configure(load); err != nil {
		return err
	}

	s.writesPerSession = cfg.WritesPerSession
	s.data = newValueSource(cfg.InitialSessionSize, cfg.ReuseValue)
	if cfg.SessionCount > 0 {
		s.pool = newSessionPool(cfg.SessionCount)
	} else {
		s.owned = make(map[int]*httpSession)
	}
	s.configured.Store(true)
	s.log.Debug("configured",
		zap.Int("sessionCount", cfg.SessionCount),
		zap.Int("writesPerSession", cfg.WritesPerSession))
	return nil
}

// Pooled reports whether sessions are shared through a pool.
func (s *HTTPSession) Pooled() bool { return s.pool != nil }

// Active returns the number of created, not yet invalidated sessions.
func (s *HTTPSession) Active() int {
	if s.pool != nil {
		return s.pool.active()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// Next returns the next session operation.
func (s *HTTPSession) Next(in Input) (operation.Operation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	shuttingDown := s.shuttingDown(in)
	if s.pool != nil {
		return s.nextPooled(in.WorkerID, shuttingDown), nil
	}
	return s.nextOwned(in.WorkerID, shuttingDown), nil
}

func (s *HTTPSession) nextPooled(workerID int, shuttingDown bool) operation.Operation {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	// The worker's previous operation has completed.
	p.release(workerID)

	if shuttingDown {
		if p.last == 0 {
			return nil
		}
		i := p.pickIdle()
		if i < 0 {
			return operation.NewIdle(idleBackoff)
		}
		sess := p.sessions[i]
		p.remove(i)
		return operation.NewSessionInvalidate(sess.id)
	}

	if p.last < len(p.sessions) {
		if !s.budget.Take() {
			return nil
		}
		sess := &httpSession{id: uuid.NewString()}
		p.push(sess)
		p.hold(workerID, sess)
		return operation.NewSessionCreate(sess.id, s.data.Next())
	}

	i := p.pickIdle()
	if i < 0 {
		return operation.NewIdle(idleBackoff)
	}
	if !s.budget.Take() {
		return nil
	}
	sess := p.sessions[i]
	op := s.advance(sess, func() { p.remove(i) })
	if op.Kind() != operation.KindSessionInvalidate {
		p.hold(workerID, sess)
	}
	return op
}

func (s *HTTPSession) nextOwned(workerID int, shuttingDown bool) operation.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.owned[workerID]
	if shuttingDown {
		if sess == nil {
			return nil
		}
		delete(s.owned, workerID)
		return operation.NewSessionInvalidate(sess.id)
	}
	if !s.budget.Take() {
		return nil
	}
	if sess == nil {
		sess = &httpSession{id: uuid.NewString()}
		s.owned[workerID] = sess
		return operation.NewSessionCreate(sess.id, s.data.Next())
	}
	return s.advance(sess, func() { delete(s.owned, workerID) })
}

// advance issues the session's next write, or its invalidation once all
// writes are done, calling release before returning the invalidation.
func (s *HTTPSession) advance(sess *httpSession, release func()) operation.Operation {
	if sess.writes < s.writesPerSession {
		sess.writes++
		return operation.NewSessionWrite(sess.id, fmt.Sprintf("attr%d", sess.writes), s.values.Next())
	}
	release()
	return operation.NewSessionInvalidate(sess.id)
}

// sessionPool is a fixed-capacity array of live sessions. Slots below last
// are live; removal swaps the last live session into the freed slot.
// inFlight maps a worker to the busy session it last got an operation for.
type sessionPool struct {
	mu       sync.Mutex
	sessions []*httpSession
	last     int
	idle     []int
	inFlight map[int]*httpSession
	rng      *rand.Rand
}

func newSessionPool(capacity int) *sessionPool {
	return &sessionPool{
		sessions: make([]*httpSession, capacity),
		idle:     make([]int, 0, capacity),
		inFlight: make(map[int]*httpSession),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *sessionPool) hold(workerID int, sess *httpSession) {
	sess.busy = true
	p.inFlight[workerID] = sess
}

func (p *sessionPool) release(workerID int) {
	if sess, ok := p.inFlight[workerID]; ok {
		sess.busy = false
		delete(p.inFlight, workerID)
	}
}

// pickIdle returns the slot of a uniformly chosen idle session, or -1.
func (p *sessionPool) pickIdle() int {
	p.idle = p.idle[:0]
	for i := 0; i < p.last; i++ {
		if !p.sessions[i].busy {
			p.idle = append(p.idle, i)
		}
	}
	if len(p.idle) == 0 {
		return -1
	}
	return p.idle[p.rng.Intn(len(p.idle))]
}

func (p *sessionPool) push(sess *httpSession) {
	p.sessions[p.last] = sess
	p.last++
}

func (p *sessionPool) remove(i int) {
	p.last--
	p.sessions[i] = p.sessions[p.last]
	p.sessions[p.last] = nil
}

func (p *sessionPool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
