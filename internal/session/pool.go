package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"statad/internal/engine"
	"statad/internal/exec"
	"statad/internal/logging"
)

// DefaultSessionID is the session used when a request names none. It is
// created on first use.
const DefaultSessionID = "default"

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the pool is at capacity and
	// every session is busy.
	ErrTooManySessions = errors.New("session limit reached")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("session pool closed")
)

// EngineFactory creates a fresh engine for a new session.
type EngineFactory func(sessionID string) (engine.Engine, error)

// SessionInfo is the admin-facing snapshot of one session.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Busy      bool      `json:"busy"`
}

// PoolConfig carries the pool tunables on top of the per-session ones.
type PoolConfig struct {
	Session     SingleConfig
	MaxSessions int
	// IdleTTL evicts sessions untouched for this long. Zero disables
	// idle eviction.
	IdleTTL time.Duration
}

// Pool routes each request to an isolated session, each with its own
// engine and orchestration. Sessions idle past the TTL are evicted least
// recently used first; a busy session's engine is only closed once its
// current execution finishes.
type Pool struct {
	mu      sync.Mutex
	factory EngineFactory
	cfg     PoolConfig
	metrics *exec.Metrics
	logger  logging.Logger
	cache   *expirable.LRU[string, *poolSession]
	closed  bool
}

type poolSession struct {
	id        string
	eng       engine.Engine
	single    *Single
	createdAt time.Time
	lastUsed  time.Time
	closeOnce sync.Once
}

// close releases the session's engine once it is idle. Engines without a
// Close method have nothing to release.
func (ps *poolSession) close(logger logging.Logger) {
	ps.closeOnce.Do(func() {
		for ps.single.Busy() {
			time.Sleep(time.Second)
		}
		if c, ok := ps.eng.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("Session %s: engine close: %v", ps.id, err)
			}
		}
	})
}

// NewPool builds a session pool around factory.
func NewPool(factory EngineFactory, cfg PoolConfig, metrics *exec.Metrics, logger logging.Logger) *Pool {
	logger = logging.OrNop(logger)
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	p := &Pool{
		factory: factory,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	p.cache = expirable.NewLRU[string, *poolSession](cfg.MaxSessions, p.onEvict, cfg.IdleTTL)
	return p
}

// onEvict runs under the cache's lock; the actual engine teardown happens
// off to the side so a busy session finishes its run first.
func (p *Pool) onEvict(id string, ps *poolSession) {
	p.logger.Info("Session %s evicted", id)
	go ps.close(p.logger)
}

// CreateSession provisions a new isolated session and returns its id.
func (p *Pool) CreateSession() (SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SessionInfo{}, ErrPoolClosed
	}
	if err := p.ensureCapacityLocked(); err != nil {
		return SessionInfo{}, err
	}
	ps, err := p.newSessionLocked(uuid.NewString())
	if err != nil {
		return SessionInfo{}, err
	}
	return p.info(ps), nil
}

// ListSessions snapshots every live session.
func (p *Pool) ListSessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, p.cache.Len())
	for _, id := range p.cache.Keys() {
		if ps, ok := p.cache.Peek(id); ok {
			infos = append(infos, p.info(ps))
		}
	}
	return infos
}

// RestartSession replaces a session's engine with a fresh one under the
// same id. The old engine is released once it goes idle.
func (p *Pool) RestartSession(id string) (SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SessionInfo{}, ErrPoolClosed
	}
	id = p.canonical(id)
	if !p.cache.Remove(id) {
		return SessionInfo{}, ErrSessionNotFound
	}
	ps, err := p.newSessionLocked(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return p.info(ps), nil
}

// CloseSession evicts one session explicitly.
func (p *Pool) CloseSession(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cache.Remove(p.canonical(id)) {
		return ErrSessionNotFound
	}
	return nil
}

// Shutdown evicts every session and waits for their engines to release,
// bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var sessions []*poolSession
	for _, id := range p.cache.Keys() {
		if ps, ok := p.cache.Peek(id); ok {
			sessions = append(sessions, ps)
		}
	}
	p.cache.Purge()
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ps := range sessions {
		ps := ps
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				ps.close(p.logger)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s: %w", ps.id, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (p *Pool) ExecuteFile(ctx context.Context, path string, opts Options) (*Result, error) {
	ps, err := p.resolve(opts.SessionID)
	if err != nil {
		return nil, err
	}
	return ps.single.ExecuteFile(ctx, path, opts)
}

func (p *Pool) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	ps, err := p.resolve(opts.SessionID)
	if err != nil {
		return nil, err
	}
	return ps.single.Execute(ctx, code, opts)
}

func (p *Pool) StreamFileJob(path string, opts Options) (exec.StreamJob, error) {
	ps, err := p.resolve(opts.SessionID)
	if err != nil {
		return exec.StreamJob{}, err
	}
	return ps.single.StreamFileJob(path, opts)
}

func (p *Pool) StreamSelectionJob(code string, opts Options) (exec.StreamJob, error) {
	ps, err := p.resolve(opts.SessionID)
	if err != nil {
		return exec.StreamJob{}, err
	}
	return ps.single.StreamSelectionJob(code, opts)
}

func (p *Pool) Stop(sessionID string) (StopInfo, error) {
	ps, err := p.lookup(sessionID)
	if err != nil {
		return StopInfo{}, err
	}
	return ps.single.Stop(sessionID)
}

func (p *Pool) Status(sessionID string) (exec.Status, bool) {
	ps, err := p.lookup(sessionID)
	if err != nil {
		return exec.Status{}, false
	}
	return ps.single.Status(sessionID)
}

// resolve finds the session for id, creating the default session on first
// use. Unknown explicit ids are an error: sessions are provisioned through
// CreateSession, never implicitly.
func (p *Pool) resolve(id string) (*poolSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	id = p.canonical(id)
	if ps, ok := p.cache.Get(id); ok {
		p.touchLocked(ps)
		return ps, nil
	}
	if id != DefaultSessionID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := p.ensureCapacityLocked(); err != nil {
		return nil, err
	}
	return p.newSessionLocked(DefaultSessionID)
}

func (p *Pool) lookup(id string) (*poolSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.cache.Peek(p.canonical(id)); ok {
		return ps, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, p.canonical(id))
}

func (p *Pool) canonical(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// ensureCapacityLocked makes room for one more session by evicting the
// least recently used idle one. All-busy at capacity is a hard refusal;
// evicting a running session would kill its execution.
func (p *Pool) ensureCapacityLocked() error {
	if p.cache.Len() < p.cfg.MaxSessions {
		return nil
	}
	for _, id := range p.cache.Keys() { // oldest first
		ps, ok := p.cache.Peek(id)
		if ok && !ps.single.Busy() {
			p.cache.Remove(id)
			return nil
		}
	}
	return ErrTooManySessions
}

func (p *Pool) newSessionLocked(id string) (*poolSession, error) {
	eng, err := p.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create session engine: %w", err)
	}
	cfg := p.cfg.Session
	cfg.SessionID = id
	now := time.Now()
	ps := &poolSession{
		id:        id,
		eng:       eng,
		single:    NewSingle(eng, cfg, p.metrics, p.logger),
		createdAt: now,
		lastUsed:  now,
	}
	p.cache.Add(id, ps)
	p.logger.Info("Session %s created (%d live)", id, p.cache.Len())
	return ps, nil
}

// touchLocked refreshes both the LRU recency and the idle TTL clock.
func (p *Pool) touchLocked(ps *poolSession) {
	ps.lastUsed = time.Now()
	p.cache.Add(ps.id, ps)
}

func (p *Pool) info(ps *poolSession) SessionInfo {
	return SessionInfo{
		ID:        ps.id,
		CreatedAt: ps.createdAt,
		LastUsed:  ps.lastUsed,
		Busy:      ps.single.Busy(),
	}
}
