// Package pool manages a bounded set of live Claude CLI sessions and
// leases them to request handlers.
//
// Sessions are expensive to start, so the pool reuses them aggressively:
// a conversation sticks to the session that served it last (the CLI
// process keeps the conversation state), and sessions not bound to any
// conversation are handed to whoever asks first. When every slot is
// busy, Acquire blocks until a lease is released or the caller's
// context expires.
//
// A session that fails mid-turn is never reused. The lease holder
// reports the failure with Release(OutcomeFatal); the pool stops the
// process and flags the conversation so its next session starts with
// --continue and picks the transcript back up.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nexus/internal/claude"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPoolExhausted is returned when no session frees up before the
	// acquire deadline.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrBackendStartup is returned when the Claude CLI process could
	// not be started.
	ErrBackendStartup = errors.New("claude backend failed to start")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configure the pool.
type Options struct {
	// MaxSessions caps concurrent sessions. Minimum 1.
	MaxSessions int

	// IdleTimeout is how long an unleased session may sit before the
	// sweeper stops it.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweeper looks for idle and dead
	// sessions.
	SweepInterval time.Duration

	// Interactive starts long-lived CLI processes that hold multiple
	// turns. When false each turn spawns a fresh process.
	Interactive bool

	// SkipPermissions passes --dangerously-skip-permissions to every
	// session.
	SkipPermissions bool

	// AdditionalDirs grant every session access beyond its working
	// directory.
	AdditionalDirs []string

	// DefaultModel is used when an acquire names no model.
	DefaultModel string
}

// AcquireOptions describe what the caller needs from a session.
type AcquireOptions struct {
	// ConversationID pins the request to the session already serving
	// that conversation, if one exists. Empty means any session will do.
	ConversationID string

	// Model the session must run. Empty uses the pool default.
	Model string

	// WorkingDir the session process must run in.
	WorkingDir string
}

// =============================================================================
// POOL
// =============================================================================

// entry is one pooled session. All fields except session internals are
// guarded by the pool mutex.
type entry struct {
	session        claude.Session
	id             string
	conversationID string
	model          string
	workingDir     string
	busy           bool
	createdAt      time.Time
	lastUsedAt     time.Time
}

// Pool hands out sessions under a single mutex. Waiting acquirers park
// on a condition variable and re-check the pool state each wakeup.
type Pool struct {
	runner claude.Runner
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	cond       *sync.Cond
	entries    map[string]*entry // session id -> entry
	byConv     map[string]*entry // conversation id -> bound entry
	resumeNext map[string]bool   // conversations whose next start passes --continue
	starting   int               // slots reserved by in-flight starts
	waiting    int
	closed     bool

	started    uint64
	stopped    uint64
	died       uint64
	idleHits   uint64
	coldStarts uint64
	waits      uint64

	stopCh chan struct{}
	doneCh chan struct{}
	stopWG sync.WaitGroup
}

// New creates a pool and starts its sweeper.
func New(runner claude.Runner, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	p := &Pool{
		runner:     runner,
		logger:     logger,
		opts:       opts,
		entries:    make(map[string]*entry),
		byConv:     make(map[string]*entry),
		resumeNext: make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweep()
	return p
}

// Acquire returns a leased session, blocking while the pool is full.
// The context deadline bounds the wait; expiry returns ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	if opts.Model == "" {
		opts.Model = p.opts.DefaultModel
	}

	// Waiters park on the condition variable, which knows nothing about
	// contexts. Broadcast on expiry so the wait loop observes it.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	waited := false
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: no session free within deadline", ErrPoolExhausted)
			}
			return nil, err
		}

		// A conversation reuses the session that served it last. If that
		// session is mid-turn, wait for it rather than splitting the
		// conversation across processes.
		if opts.ConversationID != "" {
			if e, ok := p.byConv[opts.ConversationID]; ok {
				if e.busy {
					p.waitLocked(&waited)
					continue
				}
				if e.session.Alive() && e.model == opts.Model {
					p.claimLocked(e)
					p.idleHits++
					return p.newLease(e), nil
				}
				// Dead, or the conversation switched models. Replace it;
				// removeLocked flags the conversation to resume.
				p.removeLocked(e, !e.session.Alive())
				continue
			}
		}

		// Any idle session not bound to a conversation, same model and
		// working directory.
		if e := p.idleUnboundLocked(opts); e != nil {
			if !e.session.Alive() {
				p.removeLocked(e, true)
				continue
			}
			p.claimLocked(e)
			p.bindLocked(e, opts.ConversationID)
			p.idleHits++
			return p.newLease(e), nil
		}

		// Room for one more.
		if len(p.entries)+p.starting < p.opts.MaxSessions {
			e, err := p.startLocked(ctx, opts)
			if err != nil {
				return nil, err
			}
			p.coldStarts++
			return p.newLease(e), nil
		}

		// Full. Evict the session idle the longest to make room.
		if e := p.oldestIdleLocked(); e != nil {
			p.logger.Debug("evicting idle session for capacity",
				zap.String("session_id", e.id))
			p.removeLocked(e, false)
			continue
		}

		p.waitLocked(&waited)
	}
}

// Prewarm starts up to n idle sessions so early requests skip the spawn
// cost. Best effort: the first failure stops the loop. Returns how many
// sessions were started.
func (p *Pool) Prewarm(ctx context.Context, n int) int {
	started := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || len(p.entries)+p.starting >= p.opts.MaxSessions {
			p.mu.Unlock()
			break
		}
		e, err := p.startLocked(ctx, AcquireOptions{Model: p.opts.DefaultModel})
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("prewarm start failed", zap.Error(err))
			break
		}
		e.busy = false
		p.cond.Broadcast()
		p.mu.Unlock()
		started++
	}
	return started
}

// InterruptConversation interrupts the turn running on the session bound
// to the conversation. Returns false when no session is bound to it or
// the bound session is not mid-turn.
func (p *Pool) InterruptConversation(conversationID string) (bool, error) {
	p.mu.Lock()
	e, ok := p.byConv[conversationID]
	if !ok || !e.busy {
		p.mu.Unlock()
		return false, nil
	}
	sess := e.session
	p.mu.Unlock()

	// Signal with the mutex dropped; delivery can touch the process.
	if err := sess.Interrupt(); err != nil {
		return false, fmt.Errorf("failed to interrupt session: %w", err)
	}
	p.logger.Info("interrupted conversation turn",
		zap.String("conversation_id", conversationID),
		zap.String("session_id", sess.ID()))
	return true, nil
}

// Close stops the sweeper and every session, then waits for the stop
// goroutines to finish. Acquire returns ErrPoolClosed afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, e := range p.entries {
		p.removeLocked(e, false)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
	p.stopWG.Wait()
}

// =============================================================================
// INTERNALS
// =============================================================================

// waitLocked parks the caller until the next broadcast. Counts the
// first wait of each acquire.
func (p *Pool) waitLocked(waited *bool) {
	if !*waited {
		*waited = true
		p.waits++
	}
	p.waiting++
	p.cond.Wait()
	p.waiting--
}

func (p *Pool) claimLocked(e *entry) {
	e.busy = true
	e.lastUsedAt = time.Now()
}

// bindLocked ties e to a conversation. A fresh binding supersedes any
// pending resume flag.
func (p *Pool) bindLocked(e *entry, conversationID string) {
	if conversationID == "" {
		return
	}
	e.conversationID = conversationID
	p.byConv[conversationID] = e
	delete(p.resumeNext, conversationID)
}

// idleUnboundLocked finds an idle session no conversation owns that
// matches the requested model and working directory.
func (p *Pool) idleUnboundLocked(opts AcquireOptions) *entry {
	for _, e := range p.entries {
		if !e.busy && e.conversationID == "" &&
			e.model == opts.Model && e.workingDir == opts.WorkingDir {
			return e
		}
	}
	return nil
}

func (p *Pool) oldestIdleLocked() *entry {
	var oldest *entry
	for _, e := range p.entries {
		if e.busy {
			continue
		}
		if oldest == nil || e.lastUsedAt.Before(oldest.lastUsedAt) {
			oldest = e
		}
	}
	return oldest
}

// startLocked reserves a slot, starts a session with the mutex dropped,
// and registers it busy. Callers must hold the mutex; it is held again
// on return.
func (p *Pool) startLocked(ctx context.Context, opts AcquireOptions) (*entry, error) {
	p.starting++
	resume := p.resumeNext[opts.ConversationID]
	delete(p.resumeNext, opts.ConversationID)
	p.mu.Unlock()

	sess, err := p.runner.Start(ctx, claude.SessionOptions{
		Model:           opts.Model,
		WorkingDir:      opts.WorkingDir,
		Interactive:     p.opts.Interactive,
		Resume:          resume,
		SkipPermissions: p.opts.SkipPermissions,
		AdditionalDirs:  p.opts.AdditionalDirs,
	})

	p.mu.Lock()
	p.starting--
	if err != nil {
		if resume {
			p.resumeNext[opts.ConversationID] = true
		}
		// The reserved slot is free again.
		p.cond.Broadcast()
		return nil, fmt.Errorf("%w: %v", ErrBackendStartup, err)
	}
	if p.closed {
		p.stopSession(sess)
		return nil, ErrPoolClosed
	}

	now := time.Now()
	e := &entry{
		session:    sess,
		id:         sess.ID(),
		model:      opts.Model,
		workingDir: opts.WorkingDir,
		busy:       true,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.entries[e.id] = e
	p.bindLocked(e, opts.ConversationID)
	p.started++
	p.logger.Info("session started",
		zap.String("session_id", e.id),
		zap.String("model", e.model),
		zap.Bool("resume", resume),
		zap.Int("pool_size", len(p.entries)))
	return e, nil
}

// removeLocked takes e out of the pool and stops its process on a
// background goroutine. A bound conversation is flagged to resume on
// its next session start. Calling twice for the same entry is a no-op.
func (p *Pool) removeLocked(e *entry, dead bool) {
	if _, ok := p.entries[e.id]; !ok {
		return
	}
	delete(p.entries, e.id)
	if e.conversationID != "" {
		if p.byConv[e.conversationID] == e {
			delete(p.byConv, e.conversationID)
		}
		p.resumeNext[e.conversationID] = true
	}
	p.stopped++
	if dead {
		p.died++
	}
	p.stopSession(e.session)
	p.cond.Broadcast()
}

func (p *Pool) stopSession(s claude.Session) {
	p.stopWG.Add(1)
	go func() {
		defer p.stopWG.Done()
		if err := s.Stop(); err != nil {
			p.logger.Warn("session stop failed",
				zap.String("session_id", s.ID()), zap.Error(err))
		}
	}()
}

// sweep periodically removes sessions that died while idle and sessions
// idle longer than the timeout.
func (p *Pool) sweep() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.busy {
			continue
		}
		if !e.session.Alive() {
			p.logger.Info("sweeping dead session", zap.String("session_id", e.id))
			p.removeLocked(e, true)
			continue
		}
		if idle := now.Sub(e.lastUsedAt); idle > p.opts.IdleTimeout {
			p.logger.Info("sweeping idle session",
				zap.String("session_id", e.id), zap.Duration("idle", idle))
			p.removeLocked(e, false)
		}
	}
}

// =============================================================================
// LEASE
// =============================================================================

// Outcome tells the pool how a leased turn ended.
type Outcome int

const (
	// OutcomeOK returns the session to the idle set for reuse.
	OutcomeOK Outcome = iota

	// OutcomeFatal stops the session. Used after backend errors,
	// timeouts, and interrupts, where the process state is not trusted.
	OutcomeFatal
)

// Lease is exclusive use of one session until Release.
type Lease struct {
	pool     *Pool
	entry    *entry
	released atomic.Bool
}

func (p *Pool) newLease(e *entry) *Lease {
	return &Lease{pool: p, entry: e}
}

// Session returns the leased session.
func (l *Lease) Session() claude.Session { return l.entry.session }

// SessionID returns the leased session's id.
func (l *Lease) SessionID() string { return l.entry.id }

// Model returns the model the leased session runs.
func (l *Lease) Model() string { return l.entry.model }

// Release returns the session to the pool. Exactly one call does work;
// extra calls log (and panic in development builds).
func (l *Lease) Release(outcome Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		l.pool.logger.DPanic("lease released twice",
			zap.String("session_id", l.entry.id))
		return
	}

	p := l.pool
	e := l.entry
	p.mu.Lock()
	defer p.mu.Unlock()

	e.busy = false
	e.lastUsedAt = time.Now()

	if outcome == OutcomeFatal || !e.session.Alive() {
		p.removeLocked(e, true)
		return
	}
	if p.closed {
		p.removeLocked(e, false)
		return
	}
	p.cond.Broadcast()
}

// =============================================================================
// STATS
// =============================================================================

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	Capacity int `json:"capacity"`
	Total    int `json:"total"`
	Busy     int `json:"busy"`
	Idle     int `json:"idle"`
	Starting int `json:"starting"`
	Waiting  int `json:"waiting"`

	Started    uint64 `json:"started"`
	Stopped    uint64 `json:"stopped"`
	Dead       uint64 `json:"dead"`
	IdleHits   uint64 `json:"idle_hits"`
	ColdStarts uint64 `json:"cold_starts"`
	Waits      uint64 `json:"waits"`
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Capacity: p.opts.MaxSessions,
		Total:    len(p.entries),
		Starting: p.starting,
		Waiting:  p.waiting,

		Started:    p.started,
		Stopped:    p.stopped,
		Dead:       p.died,
		IdleHits:   p.idleHits,
		ColdStarts: p.coldStarts,
		Waits:      p.waits,
	}
	for _, e := range p.entries {
		if e.busy {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}
